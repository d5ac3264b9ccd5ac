package sim

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// MarketStatus defines the trading status of a market
type MarketStatus int8

const (
	Active MarketStatus = iota
	Paused
)

func (ms MarketStatus) String() string {
	switch ms {
	case Active:
		return "active"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Market holds the trading rules for one simulated market. Prices are
// quoted in the collateral asset; the book itself works in integer ticks
// and lots derived from TickSize and LotSize.
type Market struct {
	Symbol       string
	BaseAsset    string
	QuoteAsset   string
	Status       MarketStatus
	TickSize     decimal.Decimal // e.g. 0.01
	LotSize      decimal.Decimal // e.g. 0.001
	MinNotional  decimal.Decimal
	MaxLeverage  decimal.Decimal
	MaxOrderSize decimal.Decimal
}

// MarketParams is a helper struct for creating markets
type MarketParams struct {
	TickSize     string
	LotSize      string
	MinNotional  string
	MaxLeverage  int64
	MaxOrderSize string
}

// DefaultPerp mirrors typical perp venue precision: cent ticks, 0.001 lots, 20x.
var DefaultPerp = MarketParams{
	TickSize:     "0.01",
	LotSize:      "0.001",
	MinNotional:  "1",
	MaxLeverage:  20,
	MaxOrderSize: "1000000",
}

// NewMarket builds a market from "BASE-QUOTE" and params.
func NewMarket(symbol string, p MarketParams) (*Market, error) {
	base, quote, ok := strings.Cut(symbol, "-")
	if !ok {
		quote = "USD"
	}
	parse := func(name, v string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s %q: %w", name, v, err)
		}
		return d, nil
	}
	tick, err := parse("tick size", p.TickSize)
	if err != nil {
		return nil, err
	}
	lot, err := parse("lot size", p.LotSize)
	if err != nil {
		return nil, err
	}
	minNotional, err := parse("min notional", p.MinNotional)
	if err != nil {
		return nil, err
	}
	maxSize, err := parse("max order size", p.MaxOrderSize)
	if err != nil {
		return nil, err
	}

	m := &Market{
		Symbol:       symbol,
		BaseAsset:    base,
		QuoteAsset:   quote,
		Status:       Active,
		TickSize:     tick,
		LotSize:      lot,
		MinNotional:  minNotional,
		MaxLeverage:  decimal.NewFromInt(p.MaxLeverage),
		MaxOrderSize: maxSize,
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market params: %w", err)
	}
	return m, nil
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if !m.TickSize.IsPositive() {
		return fmt.Errorf("tick size must be positive")
	}
	if !m.LotSize.IsPositive() {
		return fmt.Errorf("lot size must be positive")
	}
	if m.MinNotional.IsNegative() {
		return fmt.Errorf("min notional cannot be negative")
	}
	if !m.MaxLeverage.IsPositive() {
		return fmt.Errorf("max leverage must be positive")
	}
	if m.MaxOrderSize.LessThan(m.LotSize) {
		return fmt.Errorf("max order size below one lot")
	}
	return nil
}

func (m *Market) PriceToTicks(p decimal.Decimal) int64 { return p.Div(m.TickSize).IntPart() }
func (m *Market) TicksToPrice(t int64) decimal.Decimal { return m.TickSize.Mul(decimal.NewFromInt(t)) }
func (m *Market) AmountToLots(a decimal.Decimal) int64 { return a.Div(m.LotSize).IntPart() }
func (m *Market) LotsToAmount(l int64) decimal.Decimal { return m.LotSize.Mul(decimal.NewFromInt(l)) }

// ValidateOrder checks price/amount precision and limits.
func (m *Market) ValidateOrder(price, amount, leverage decimal.Decimal) error {
	if m.Status != Active {
		return fmt.Errorf("market %s is not active (status: %s)", m.Symbol, m.Status)
	}
	if !price.IsPositive() {
		return fmt.Errorf("price must be positive")
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if !price.Mod(m.TickSize).IsZero() {
		return fmt.Errorf("price %s is not a multiple of tick size %s", price, m.TickSize)
	}
	if !amount.Mod(m.LotSize).IsZero() {
		return fmt.Errorf("amount %s is not a multiple of lot size %s", amount, m.LotSize)
	}
	if amount.GreaterThan(m.MaxOrderSize) {
		return fmt.Errorf("amount %s exceeds maximum %s", amount, m.MaxOrderSize)
	}
	if notional := price.Mul(amount); notional.LessThan(m.MinNotional) {
		return fmt.Errorf("order notional %s below minimum %s", notional, m.MinNotional)
	}
	if !leverage.IsPositive() || leverage.GreaterThan(m.MaxLeverage) {
		return fmt.Errorf("leverage %s outside (0, %s]", leverage, m.MaxLeverage)
	}
	return nil
}

// MarketRegistry manages markets in a thread-safe manner
type MarketRegistry struct {
	mu      sync.RWMutex
	markets map[string]*Market // symbol -> market
}

func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{markets: make(map[string]*Market)}
}

// Register returns an error if a market with the same symbol exists.
func (mr *MarketRegistry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if _, exists := mr.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}
	mr.markets[m.Symbol] = m
	return nil
}

func (mr *MarketRegistry) Get(symbol string) (*Market, bool) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	m, ok := mr.markets[symbol]
	return m, ok
}

// List returns markets sorted by symbol.
func (mr *MarketRegistry) List() []*Market {
	mr.mu.RLock()
	out := make([]*Market, 0, len(mr.markets))
	for _, m := range mr.markets {
		out = append(out, m)
	}
	mr.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// SetStatus pauses or resumes a market.
func (mr *MarketRegistry) SetStatus(symbol string, status MarketStatus) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	m, ok := mr.markets[symbol]
	if !ok {
		return fmt.Errorf("market %s not found", symbol)
	}
	m.Status = status
	return nil
}
