package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/timborden/gateway/pkg/order"
)

var (
	ErrAccountCreationFailed = errors.New("account creation failed")
	ErrUnknownAccount        = errors.New("unknown account")
	ErrUnknownMarket         = errors.New("unknown market")
)

// AccountHandle identifies the exchange trading account an owner uses on one market.
type AccountHandle struct {
	Owner     common.Address `json:"owner"`
	Market    string         `json:"market"`
	AccountID string         `json:"accountId"`
}

func (h AccountHandle) Key() AccountKey { return AccountKey{Owner: h.Owner, Market: h.Market} }

// AccountKey is the (owner, market) pair accounts and locks are keyed by.
type AccountKey struct {
	Owner  common.Address
	Market string
}

func (k AccountKey) String() string { return k.Owner.Hex() + "/" + k.Market }

// OpenOrder is one entry of an open-order snapshot.
type OpenOrder struct {
	ExchangeOrderID string          `json:"exchangeOrderId"`
	Market          string          `json:"market"`
	Side            order.Side      `json:"side"`
	Price           decimal.Decimal `json:"price"`
	RemainingSize   decimal.Decimal `json:"remainingSize"`
	ExpiryToken     int64           `json:"expiryToken"`
	IsExpired       bool            `json:"isExpired"`
}

type InstructionKind uint8

const (
	KindPlace InstructionKind = iota + 1
	KindCancel
)

func (k InstructionKind) String() string {
	switch k {
	case KindPlace:
		return "place"
	case KindCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// PlaceOrder is a resting limit order whose expiry doubles as its correlation token.
type PlaceOrder struct {
	Side     order.Side
	Price    decimal.Decimal
	Amount   decimal.Decimal
	Leverage decimal.Decimal
	Expiry   int64
}

type CancelOrder struct {
	ExchangeOrderID string
}

// Instruction is one signed operation inside a batch transaction.
type Instruction struct {
	Kind      InstructionKind
	Account   AccountHandle
	Nonce     uint64
	Place     *PlaceOrder
	Cancel    *CancelOrder
	Signature []byte
}

func (in Instruction) Validate() error {
	switch in.Kind {
	case KindPlace:
		if in.Place == nil {
			return fmt.Errorf("place instruction without order")
		}
	case KindCancel:
		if in.Cancel == nil || in.Cancel.ExchangeOrderID == "" {
			return fmt.Errorf("cancel instruction without order id")
		}
	default:
		return fmt.Errorf("unknown instruction kind %d", in.Kind)
	}
	if in.Account.AccountID == "" {
		return fmt.Errorf("instruction without account")
	}
	return nil
}

// TxResult is the finalized outcome of a transaction. Success false is a
// definite rejection; transport failures are reported as errors instead.
type TxResult struct {
	Hash    common.Hash
	Success bool
	Reason  string
}

// AccountResolver finds or creates the trading account for (owner, market).
type AccountResolver interface {
	GetOrCreateAccount(ctx context.Context, owner common.Address, market string) (AccountHandle, error)
}

// Client is the exchange backend the gateway submits to and reconciles against.
type Client interface {
	AccountResolver
	FetchOpenOrders(ctx context.Context, account AccountHandle) ([]OpenOrder, error)
	GetFreeCollateral(ctx context.Context, account AccountHandle) (decimal.Decimal, error)
	// SubmitBatch executes all instructions in one transaction and waits for finalization.
	SubmitBatch(ctx context.Context, instructions []Instruction) (TxResult, error)
	DepositCollateral(ctx context.Context, account AccountHandle, amount decimal.Decimal) (TxResult, error)
}
