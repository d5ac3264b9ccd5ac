package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/timborden/gateway/pkg/exchange"
	"github.com/timborden/gateway/pkg/order"
)

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	privHex := signer1.PrivateKeyHex()
	if len(privHex) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(privHex))
	}

	for _, in := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key: %v", err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}

	if _, err := FromPrivateKeyHex("zz"); err == nil {
		t.Error("expected error for invalid key")
	}
}

func placeInstruction() exchange.Instruction {
	return exchange.Instruction{
		Kind:    exchange.KindPlace,
		Account: exchange.AccountHandle{Owner: common.HexToAddress("0xa1"), Market: "BTC-USD", AccountID: "acct-1"},
		Nonce:   7,
		Place: &exchange.PlaceOrder{
			Side:     order.Buy,
			Price:    decimal.RequireFromString("30000.5"),
			Amount:   decimal.RequireFromString("0.25"),
			Leverage: decimal.NewFromInt(5),
			Expiry:   1_700_004_000,
		},
	}
}

func TestSignAndRecoverInstructions(t *testing.T) {
	signer, _ := GenerateKey()
	is := NewInstructionSigner(DefaultDomain(1337))

	tests := []struct {
		name string
		in   exchange.Instruction
	}{
		{"place", placeInstruction()},
		{"cancel", exchange.Instruction{
			Kind:    exchange.KindCancel,
			Account: exchange.AccountHandle{Market: "BTC-USD", AccountID: "acct-1"},
			Nonce:   8,
			Cancel:  &exchange.CancelOrder{ExchangeOrderID: "x-1"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			if err := is.Sign(signer, &in); err != nil {
				t.Fatalf("sign: %v", err)
			}
			if len(in.Signature) != 65 {
				t.Fatalf("signature length = %d, want 65", len(in.Signature))
			}
			got, err := is.Recover(in)
			if err != nil {
				t.Fatalf("recover: %v", err)
			}
			if got != signer.Address() {
				t.Errorf("recovered %s, want %s", got.Hex(), signer.Address().Hex())
			}
		})
	}
}

func TestTamperedInstructionRecoversDifferentAddress(t *testing.T) {
	signer, _ := GenerateKey()
	is := NewInstructionSigner(DefaultDomain(1337))

	in := placeInstruction()
	if err := is.Sign(signer, &in); err != nil {
		t.Fatalf("sign: %v", err)
	}
	in.Place.Expiry++

	got, err := is.Recover(in)
	if err == nil && got == signer.Address() {
		t.Error("tampered expiry still verifies")
	}
}

func TestDomainSeparatesChains(t *testing.T) {
	in := placeInstruction()
	h1, err := NewInstructionSigner(DefaultDomain(1)).Hash(in)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := NewInstructionSigner(DefaultDomain(2)).Hash(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(h1) == string(h2) {
		t.Error("hashes must differ across chain ids")
	}
}

func TestHashRejectsMalformed(t *testing.T) {
	is := NewInstructionSigner(DefaultDomain(1337))
	if _, err := is.Hash(exchange.Instruction{Kind: exchange.KindPlace}); err == nil {
		t.Error("expected error for place without order")
	}
	if _, err := is.Hash(exchange.Instruction{Kind: 99}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := RecoverAddress(make([]byte, 32), []byte{1}); err == nil {
		t.Error("expected error for short signature")
	}
}
