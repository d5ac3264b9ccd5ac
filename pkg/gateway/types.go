package gateway

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/timborden/gateway/pkg/correlation"
	"github.com/timborden/gateway/pkg/order"
)

var (
	ErrSubmissionFailed = errors.New("submission failed")
	ErrInvalidOrder     = errors.New("invalid order")
	ErrInvalidQuery     = errors.New("invalid query")
	// ErrUnknownOrder is returned for a cancel whose account cannot be determined.
	ErrUnknownOrder   = errors.New("unknown order")
	ErrUnknownNetwork = errors.New("unknown network")
)

// SubmissionError carries the exchange's raw failure reason. TxHash is empty
// when the transaction never finalized.
type SubmissionError struct {
	TxHash string
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s: tx %s: %s", ErrSubmissionFailed, e.TxHash, e.Reason)
	}
	return fmt.Sprintf("%s: %s", ErrSubmissionFailed, e.Reason)
}

func (e *SubmissionError) Is(target error) bool { return target == ErrSubmissionFailed }

func (e *SubmissionError) Unwrap() error { return e.Err }

// CreateOrder is one order-creation request.
type CreateOrder struct {
	ClientOrderID string
	Owner         common.Address
	Market        string
	Side          order.Side
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Leverage      decimal.Decimal
}

// CancelOrder targets an exchange order. Owner and Market are only needed
// when the order is not tracked by this gateway.
type CancelOrder struct {
	ExchangeOrderID string
	Owner           common.Address
	Market          string
}

// Batch is executed as a single exchange transaction. A zero Owner on a
// create or cancel is filled from the batch Owner.
type Batch struct {
	Owner   common.Address
	Creates []CreateOrder
	Cancels []CancelOrder
}

type PostResult struct {
	TxHash          string `json:"txHash"`
	ExchangeOrderID string `json:"exchangeOrderId,omitempty"`
}

type DeleteResult struct {
	TxHash string `json:"txHash"`
}

type BatchResult struct {
	TxHash     string              `json:"txHash"`
	Correlated []correlation.Match `json:"correlated"`
	// Uncorrelated client orders have no exchange id yet.
	Uncorrelated []string `json:"uncorrelated"`
}

// Query selects tracked orders. Exactly one of ClientOrderID,
// ExchangeOrderID, or Owner must be set; Market narrows an Owner query.
type Query struct {
	ClientOrderID   string
	ExchangeOrderID string
	Owner           common.Address
	Market          string
}
