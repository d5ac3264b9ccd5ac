package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/timborden/gateway/pkg/crypto"
	"github.com/timborden/gateway/pkg/exchange"
	"github.com/timborden/gateway/pkg/order"
)

// signedInstruction is the JSON form printed for inspection.
type signedInstruction struct {
	Kind      string                 `json:"kind"`
	Account   exchange.AccountHandle `json:"account"`
	Nonce     uint64                 `json:"nonce"`
	Place     *exchange.PlaceOrder   `json:"place,omitempty"`
	Cancel    *exchange.CancelOrder  `json:"cancel,omitempty"`
	Digest    string                 `json:"digest"`
	Signature string                 `json:"signature"`
}

func main() {
	var (
		key       = flag.String("key", "", "hex private key (generated when empty)")
		chainID   = flag.Int64("chain-id", 1337, "EIP-712 domain chain id")
		kind      = flag.String("kind", "place", "instruction kind: place or cancel")
		accountID = flag.String("account", "acct-1", "exchange account id")
		market    = flag.String("market", "BTC-USD", "market symbol")
		side      = flag.String("side", "buy", "buy or sell")
		price     = flag.String("price", "50000", "limit price")
		amount    = flag.String("amount", "0.1", "order size")
		leverage  = flag.String("leverage", "10", "leverage")
		expiry    = flag.Int64("expiry", 0, "expiry (unix seconds)")
		orderID   = flag.String("order-id", "", "exchange order id to cancel")
		nonce     = flag.Uint64("nonce", 1, "instruction nonce")
	)
	flag.Parse()

	// Step 1: Generate or load key
	var (
		signer *crypto.Signer
		err    error
	)
	if *key == "" {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
	} else {
		signer, err = crypto.FromPrivateKeyHex(strings.TrimPrefix(*key, "0x"))
	}
	if err != nil {
		fail("loading key", err)
	}
	fmt.Printf("Address: %s\n", signer.Address().Hex())
	if *key == "" {
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}
	fmt.Println()

	// Step 2: Build instruction
	in := exchange.Instruction{
		Account: exchange.AccountHandle{Owner: signer.Address(), Market: *market, AccountID: *accountID},
		Nonce:   *nonce,
	}
	switch *kind {
	case "place":
		s, err := order.ParseSide(*side)
		if err != nil {
			fail("parsing side", err)
		}
		in.Kind = exchange.KindPlace
		in.Place = &exchange.PlaceOrder{
			Side:     s,
			Price:    mustDecimal("price", *price),
			Amount:   mustDecimal("amount", *amount),
			Leverage: mustDecimal("leverage", *leverage),
			Expiry:   *expiry,
		}
	case "cancel":
		in.Kind = exchange.KindCancel
		in.Cancel = &exchange.CancelOrder{ExchangeOrderID: *orderID}
	default:
		fail("parsing kind", fmt.Errorf("unknown kind %q", *kind))
	}
	if err := in.Validate(); err != nil {
		fail("validating instruction", err)
	}

	// Step 3: Sign with EIP-712
	is := crypto.NewInstructionSigner(crypto.DefaultDomain(*chainID))
	if err := is.Sign(signer, &in); err != nil {
		fail("signing", err)
	}
	digest, err := is.Hash(in)
	if err != nil {
		fail("hashing", err)
	}

	// Step 4: Serialize to JSON
	out, err := json.MarshalIndent(signedInstruction{
		Kind:      in.Kind.String(),
		Account:   in.Account,
		Nonce:     in.Nonce,
		Place:     in.Place,
		Cancel:    in.Cancel,
		Digest:    hexutil.Encode(digest),
		Signature: hexutil.Encode(in.Signature),
	}, "", "  ")
	if err != nil {
		fail("marshaling JSON", err)
	}
	fmt.Println("Signed Instruction (JSON):")
	fmt.Println(string(out))
	fmt.Println()

	// Step 5: Verify signature
	fmt.Println("Verifying signature...")
	recovered, err := is.Recover(in)
	if err != nil {
		fail("verifying", err)
	}
	if recovered != signer.Address() {
		fmt.Printf("Signature INVALID: recovered %s\n", recovered.Hex())
		os.Exit(1)
	}
	fmt.Printf("Signature valid, signed by %s\n", recovered.Hex())
}

func mustDecimal(name, v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		fail("parsing "+name, err)
	}
	return d
}

func fail(step string, err error) {
	fmt.Printf("Error %s: %v\n", step, err)
	os.Exit(1)
}
