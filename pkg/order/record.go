package order

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Record is the tracked state of one client order.
type Record struct {
	ClientOrderID   string          `json:"clientOrderId"`
	ExchangeOrderID string          `json:"exchangeOrderId,omitempty"`
	Owner           common.Address  `json:"owner"`
	Market          string          `json:"market"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	OriginalAmount  decimal.Decimal `json:"originalAmount"`
	FilledAmount    decimal.Decimal `json:"filledAmount"`
	Leverage        decimal.Decimal `json:"leverage"`
	Status          Status          `json:"status"`
	// ExpiryToken is the correlation token embedded as the order's expiry.
	ExpiryToken int64  `json:"expiryToken"`
	TxHash      string `json:"txHash,omitempty"`
	CreatedAt   int64  `json:"createdAt"` // unix millis
	UpdatedAt   int64  `json:"updatedAt"`
}

func (r Record) Remaining() decimal.Decimal {
	return r.OriginalAmount.Sub(r.FilledAmount)
}

func (r Record) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Correlated reports whether the exchange id is known.
func (r Record) Correlated() bool {
	return r.ExchangeOrderID != ""
}

// NewOrder carries the immutable fields of a record about to be submitted.
type NewOrder struct {
	ClientOrderID string
	Owner         common.Address
	Market        string
	Side          Side
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Leverage      decimal.Decimal
	ExpiryToken   int64
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Owner    common.Address
	Market   string
	Statuses []Status
}

func (f Filter) match(r *Record) bool {
	if f.Owner != (common.Address{}) && r.Owner != f.Owner {
		return false
	}
	if f.Market != "" && r.Market != f.Market {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}
