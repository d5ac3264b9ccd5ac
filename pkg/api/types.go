package api

import (
	"github.com/shopspring/decimal"

	"github.com/timborden/gateway/pkg/gateway"
	"github.com/timborden/gateway/pkg/order"
)

// API request and response types for REST endpoints and WebSocket messages.
// Amounts are decimal strings; numbers are accepted on input.

// ==============================
// REST Request Types
// ==============================

// CreateOrderRequest is the payload for POST /api/v1/{network}/orders
type CreateOrderRequest struct {
	ClientOrderID string          `json:"clientOrderId"`
	Owner         string          `json:"owner"` // may be omitted inside a batch
	Market        string          `json:"market"`
	Side          order.Side      `json:"side"` // "buy" or "sell"
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	Leverage      decimal.Decimal `json:"leverage"`
}

// CancelRequest names an order to cancel inside a batch. Owner and Market
// are only needed for orders the gateway does not track.
type CancelRequest struct {
	ExchangeOrderID string `json:"exchangeOrderId"`
	Owner           string `json:"owner,omitempty"`
	Market          string `json:"market,omitempty"`
}

// BatchRequest is the payload for POST /api/v1/{network}/orders/batch
type BatchRequest struct {
	Owner   string               `json:"owner"`
	Creates []CreateOrderRequest `json:"creates"`
	Cancels []CancelRequest      `json:"cancels"`
}

// FaucetRequest is the payload for POST /api/v1/{network}/faucet (sim networks only)
type FaucetRequest struct {
	Owner  string          `json:"owner"`
	Amount decimal.Decimal `json:"amount"`
}

// ==============================
// REST Response Types
// ==============================

// PostOrderResponse carries a warning when the transaction confirmed but
// the order could not be correlated unambiguously.
type PostOrderResponse struct {
	gateway.PostResult
	Warning string `json:"warning,omitempty"`
}

type BatchResponse struct {
	gateway.BatchResult
	Warning string `json:"warning,omitempty"`
}

type FaucetResponse struct {
	Owner  string          `json:"owner"`
	Wallet decimal.Decimal `json:"wallet"`
}

// MarketInfo represents a simulated market's configuration
type MarketInfo struct {
	Symbol       string          `json:"symbol"`
	BaseAsset    string          `json:"baseAsset"`
	QuoteAsset   string          `json:"quoteAsset"`
	Status       string          `json:"status"`
	TickSize     decimal.Decimal `json:"tickSize"`
	LotSize      decimal.Decimal `json:"lotSize"`
	MinNotional  decimal.Decimal `json:"minNotional"`
	MaxLeverage  decimal.Decimal `json:"maxLeverage"`
	MaxOrderSize decimal.Decimal `json:"maxOrderSize"`
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"` // Sorted high to low
	Asks      []PriceLevel `json:"asks"` // Sorted low to high
	Timestamp int64        `json:"timestamp"`
}

// PriceLevel represents [price, size] tuple
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// ErrorResponse is returned for all errors. TxHash is set when a
// transaction reached the exchange.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	TxHash  string `json:"txHash,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orders:0x..."]
}

// OrderUpdate is broadcast on orders:{owner} whenever a tracked order changes
type OrderUpdate struct {
	Type            string          `json:"type"` // "order"
	Network         string          `json:"network"`
	ClientOrderID   string          `json:"clientOrderId"`
	ExchangeOrderID string          `json:"exchangeOrderId,omitempty"`
	Market          string          `json:"market"`
	Status          order.Status    `json:"status"`
	Filled          decimal.Decimal `json:"filled"`
	Remaining       decimal.Decimal `json:"remaining"`
	Timestamp       int64           `json:"timestamp"`
}
