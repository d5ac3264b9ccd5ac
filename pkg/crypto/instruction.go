package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/timborden/gateway/pkg/exchange"
)

// Domain is the EIP-712 domain instructions are signed under.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

func DefaultDomain(chainID int64) Domain {
	return Domain{
		Name:    "OrderGateway",
		Version: "1",
		ChainID: big.NewInt(chainID),
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var placeType = []apitypes.Type{
	{Name: "account", Type: "string"},
	{Name: "market", Type: "string"},
	{Name: "side", Type: "uint8"},
	{Name: "price", Type: "string"},
	{Name: "amount", Type: "string"},
	{Name: "leverage", Type: "string"},
	{Name: "expiry", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
}

var cancelType = []apitypes.Type{
	{Name: "account", Type: "string"},
	{Name: "market", Type: "string"},
	{Name: "orderId", Type: "string"},
	{Name: "nonce", Type: "uint256"},
}

// InstructionSigner signs and verifies batch instructions as EIP-712 typed data.
type InstructionSigner struct {
	domain Domain
}

func NewInstructionSigner(domain Domain) *InstructionSigner {
	return &InstructionSigner{domain: domain}
}

func sideToUint8(s int8) uint8 {
	if s > 0 {
		return 1
	}
	return 2
}

func (e *InstructionSigner) typedData(in exchange.Instruction) (apitypes.TypedData, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{"EIP712Domain": domainType},
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
	}
	nonce := new(big.Int).SetUint64(in.Nonce).String()

	switch in.Kind {
	case exchange.KindPlace:
		if in.Place == nil {
			return td, fmt.Errorf("place instruction without order")
		}
		td.Types["PlaceOrder"] = placeType
		td.PrimaryType = "PlaceOrder"
		td.Message = apitypes.TypedDataMessage{
			"account":  in.Account.AccountID,
			"market":   in.Account.Market,
			"side":     fmt.Sprintf("%d", sideToUint8(int8(in.Place.Side))),
			"price":    in.Place.Price.String(),
			"amount":   in.Place.Amount.String(),
			"leverage": in.Place.Leverage.String(),
			"expiry":   fmt.Sprintf("%d", in.Place.Expiry),
			"nonce":    nonce,
		}
	case exchange.KindCancel:
		if in.Cancel == nil {
			return td, fmt.Errorf("cancel instruction without order id")
		}
		td.Types["CancelOrder"] = cancelType
		td.PrimaryType = "CancelOrder"
		td.Message = apitypes.TypedDataMessage{
			"account": in.Account.AccountID,
			"market":  in.Account.Market,
			"orderId": in.Cancel.ExchangeOrderID,
			"nonce":   nonce,
		}
	default:
		return td, fmt.Errorf("unknown instruction kind %d", in.Kind)
	}
	return td, nil
}

// Hash returns the EIP-712 digest of the instruction.
func (e *InstructionSigner) Hash(in exchange.Instruction) ([]byte, error) {
	td, err := e.typedData(in)
	if err != nil {
		return nil, err
	}
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}
	// keccak256("\x19\x01" || domainSeparator || messageHash)
	raw := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	return crypto.Keccak256Hash(raw).Bytes(), nil
}

// Sign fills in in.Signature.
func (e *InstructionSigner) Sign(signer *Signer, in *exchange.Instruction) error {
	hash, err := e.Hash(*in)
	if err != nil {
		return fmt.Errorf("failed to hash %s instruction: %w", in.Kind, err)
	}
	sig, err := signer.Sign(hash)
	if err != nil {
		return fmt.Errorf("failed to sign %s instruction: %w", in.Kind, err)
	}
	in.Signature = sig
	return nil
}

// Recover returns the address that signed the instruction.
func (e *InstructionSigner) Recover(in exchange.Instruction) (common.Address, error) {
	hash, err := e.Hash(in)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, in.Signature)
}
