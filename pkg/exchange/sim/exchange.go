// Package sim is an in-process exchange backend for devnets and tests. It
// accepts signed batch transactions, keeps price-time books per market, and
// exposes only what a real venue would: open orders, free collateral, and
// finalized transaction results.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/timborden/gateway/pkg/crypto"
	"github.com/timborden/gateway/pkg/exchange"
	"github.com/timborden/gateway/pkg/order"
	"github.com/timborden/gateway/pkg/util"
)

var ErrInsufficientWallet = errors.New("insufficient wallet balance")

type account struct {
	handle     exchange.AccountHandle
	collateral decimal.Decimal
	locked     decimal.Decimal
	orders     map[string]*restingOrder // open plus retained expired orders
}

func (a *account) free() decimal.Decimal { return a.collateral.Sub(a.locked) }

type Option func(*Exchange)

func WithClock(c util.Clock) Option { return func(e *Exchange) { e.clock = c } }

func WithLogger(l *zap.SugaredLogger) Option { return func(e *Exchange) { e.log = l } }

// WithVerifier requires every instruction to be signed by agent.
func WithVerifier(v *crypto.InstructionSigner, agent common.Address) Option {
	return func(e *Exchange) {
		e.verifier = v
		e.agent = agent
	}
}

// WithLatency delays finalization of every transaction.
func WithLatency(d time.Duration) Option { return func(e *Exchange) { e.latency = d } }

// WithExpiredRetention controls how long expired orders stay listed.
func WithExpiredRetention(d time.Duration) Option { return func(e *Exchange) { e.retention = d } }

// Exchange implements exchange.Client in memory. All state sits behind one
// mutex so every batch is applied atomically.
type Exchange struct {
	markets *MarketRegistry
	clock   util.Clock
	log     *zap.SugaredLogger

	verifier  *crypto.InstructionSigner
	agent     common.Address
	latency   time.Duration
	retention time.Duration

	mu       sync.Mutex
	books    map[string]*book
	accounts map[string]*account // account id -> account
	byKey    map[exchange.AccountKey]*account
	orders   map[string]*restingOrder
	wallets  map[common.Address]decimal.Decimal
	seq      uint64
}

func New(markets *MarketRegistry, opts ...Option) *Exchange {
	e := &Exchange{
		markets:   markets,
		clock:     util.RealClock{},
		log:       zap.NewNop().Sugar(),
		retention: 10 * time.Minute,
		books:     make(map[string]*book),
		accounts:  make(map[string]*account),
		byKey:     make(map[exchange.AccountKey]*account),
		orders:    make(map[string]*restingOrder),
		wallets:   make(map[common.Address]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, m := range markets.List() {
		e.books[m.Symbol] = newBook()
	}
	return e
}

func (e *Exchange) Markets() *MarketRegistry { return e.markets }

// AddMarket registers a market after construction.
func (e *Exchange) AddMarket(m *Market) error {
	if err := e.markets.Register(m); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.books[m.Symbol] = newBook()
	return nil
}

// Faucet credits an owner's wallet.
func (e *Exchange) Faucet(owner common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("faucet amount must be positive: %s", amount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wallets[owner] = e.walletLocked(owner).Add(amount)
	e.log.Infow("faucet", "owner", owner.Hex(), "amount", amount.String())
	return nil
}

func (e *Exchange) Wallet(owner common.Address) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.walletLocked(owner)
}

func (e *Exchange) walletLocked(owner common.Address) decimal.Decimal {
	if w, ok := e.wallets[owner]; ok {
		return w
	}
	return decimal.Zero
}

func (e *Exchange) GetOrCreateAccount(ctx context.Context, owner common.Address, market string) (exchange.AccountHandle, error) {
	if err := ctx.Err(); err != nil {
		return exchange.AccountHandle{}, err
	}
	if _, ok := e.markets.Get(market); !ok {
		return exchange.AccountHandle{}, fmt.Errorf("%s: %w", market, exchange.ErrUnknownMarket)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	k := exchange.AccountKey{Owner: owner, Market: market}
	if a, ok := e.byKey[k]; ok {
		return a.handle, nil
	}
	a := &account{
		handle:     exchange.AccountHandle{Owner: owner, Market: market, AccountID: uuid.NewString()},
		collateral: decimal.Zero,
		locked:     decimal.Zero,
		orders:     make(map[string]*restingOrder),
	}
	e.byKey[k] = a
	e.accounts[a.handle.AccountID] = a
	e.log.Infow("account_created", "owner", owner.Hex(), "market", market, "account", a.handle.AccountID)
	return a.handle, nil
}

func (e *Exchange) lookup(h exchange.AccountHandle) (*account, error) {
	a, ok := e.accounts[h.AccountID]
	if !ok || a.handle.Owner != h.Owner || a.handle.Market != h.Market {
		return nil, fmt.Errorf("%s: %w", h.AccountID, exchange.ErrUnknownAccount)
	}
	return a, nil
}

func (e *Exchange) FetchOpenOrders(ctx context.Context, h exchange.AccountHandle) ([]exchange.OpenOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.lookup(h)
	if err != nil {
		return nil, err
	}
	e.expireLocked()
	m, _ := e.markets.Get(h.Market)

	orders := make([]*restingOrder, 0, len(a.orders))
	for _, o := range a.orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Seq < orders[j].Seq })

	out := make([]exchange.OpenOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, exchange.OpenOrder{
			ExchangeOrderID: o.ID,
			Market:          o.Market,
			Side:            o.Side,
			Price:           m.TicksToPrice(o.Price),
			RemainingSize:   m.LotsToAmount(o.Remaining),
			ExpiryToken:     o.Expiry,
			IsExpired:       o.Expired,
		})
	}
	return out, nil
}

func (e *Exchange) GetFreeCollateral(ctx context.Context, h exchange.AccountHandle) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.lookup(h)
	if err != nil {
		return decimal.Zero, err
	}
	e.expireLocked()
	return a.free(), nil
}

// DepositCollateral moves funds from the owner's wallet into the account.
// A short wallet is a definite rejection, not an error.
func (e *Exchange) DepositCollateral(ctx context.Context, h exchange.AccountHandle, amount decimal.Decimal) (exchange.TxResult, error) {
	if err := e.confirmDelay(ctx); err != nil {
		return exchange.TxResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.lookup(h)
	if err != nil {
		return exchange.TxResult{}, err
	}
	hash := e.nextHash([]byte(h.AccountID), []byte(amount.String()))
	if !amount.IsPositive() {
		return exchange.TxResult{Hash: hash, Reason: "deposit amount must be positive"}, nil
	}
	wallet := e.walletLocked(h.Owner)
	if wallet.LessThan(amount) {
		return exchange.TxResult{Hash: hash, Reason: fmt.Sprintf("%s: have %s, need %s", ErrInsufficientWallet, wallet, amount)}, nil
	}
	e.wallets[h.Owner] = wallet.Sub(amount)
	a.collateral = a.collateral.Add(amount)
	e.log.Infow("deposit", "account", h.AccountID, "amount", amount.String(), "tx", hash.Hex())
	return exchange.TxResult{Hash: hash, Success: true}, nil
}

// SubmitBatch validates every instruction first and applies none of them if
// any fails.
func (e *Exchange) SubmitBatch(ctx context.Context, ins []exchange.Instruction) (exchange.TxResult, error) {
	if len(ins) == 0 {
		return exchange.TxResult{}, fmt.Errorf("empty batch")
	}
	if err := e.confirmDelay(ctx); err != nil {
		return exchange.TxResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	parts := make([][]byte, 0, len(ins))
	for _, in := range ins {
		parts = append(parts, in.Signature)
	}
	hash := e.nextHash(parts...)

	e.expireLocked()
	if err := e.validateLocked(ins); err != nil {
		e.log.Infow("batch_rejected", "tx", hash.Hex(), "reason", err.Error())
		return exchange.TxResult{Hash: hash, Reason: err.Error()}, nil
	}

	now := e.clock.Now().Unix()
	for _, in := range ins {
		a := e.accounts[in.Account.AccountID]
		switch in.Kind {
		case exchange.KindCancel:
			e.cancelLocked(a, in.Cancel.ExchangeOrderID)
		case exchange.KindPlace:
			e.placeLocked(a, in.Place, now)
		}
	}
	e.log.Infow("batch_applied", "tx", hash.Hex(), "instructions", len(ins))
	return exchange.TxResult{Hash: hash, Success: true}, nil
}

func (e *Exchange) validateLocked(ins []exchange.Instruction) error {
	need := make(map[string]decimal.Decimal)
	cancelled := make(map[string]bool)
	now := e.clock.Now().Unix()

	for i, in := range ins {
		if err := in.Validate(); err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
		if e.verifier != nil {
			signer, err := e.verifier.Recover(in)
			if err != nil {
				return fmt.Errorf("instruction %d: bad signature: %w", i, err)
			}
			if signer != e.agent {
				return fmt.Errorf("instruction %d: signer %s not authorized", i, signer.Hex())
			}
		}
		a, err := e.lookup(in.Account)
		if err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
		m, _ := e.markets.Get(in.Account.Market)

		switch in.Kind {
		case exchange.KindCancel:
			id := in.Cancel.ExchangeOrderID
			if _, ok := a.orders[id]; !ok || cancelled[id] {
				return fmt.Errorf("instruction %d: order %s not open", i, id)
			}
			cancelled[id] = true
		case exchange.KindPlace:
			p := in.Place
			if err := m.ValidateOrder(p.Price, p.Amount, p.Leverage); err != nil {
				return fmt.Errorf("instruction %d: %w", i, err)
			}
			if p.Expiry <= now {
				return fmt.Errorf("instruction %d: expiry %d already passed", i, p.Expiry)
			}
			req := p.Price.Mul(p.Amount).Div(p.Leverage)
			id := a.handle.AccountID
			total := req
			if prev, ok := need[id]; ok {
				total = prev.Add(req)
			}
			need[id] = total
			if total.GreaterThan(a.free()) {
				return fmt.Errorf("instruction %d: insufficient collateral: free %s, required %s", i, a.free(), total)
			}
		}
	}
	return nil
}

func (e *Exchange) placeLocked(a *account, p *exchange.PlaceOrder, now int64) {
	m, _ := e.markets.Get(a.handle.Market)
	e.seq++
	o := &restingOrder{
		ID:        uuid.NewString(),
		AccountID: a.handle.AccountID,
		Market:    m.Symbol,
		Side:      p.Side,
		Price:     m.PriceToTicks(p.Price),
		Lots:      m.AmountToLots(p.Amount),
		Leverage:  p.Leverage,
		Expiry:    p.Expiry,
		Seq:       e.seq,
	}
	o.Remaining = o.Lots
	a.locked = a.locked.Add(p.Price.Mul(p.Amount).Div(p.Leverage))
	a.orders[o.ID] = o
	e.orders[o.ID] = o

	fills, expired := e.books[m.Symbol].place(o, now, true)
	e.settleLocked(m, fills, expired)
}

// margin returns the collateral locked for lots of o.
func (e *Exchange) margin(m *Market, o *restingOrder, lots int64) decimal.Decimal {
	return m.TicksToPrice(o.Price).Mul(m.LotsToAmount(lots)).Div(o.Leverage)
}

// settleLocked drops fully filled orders from their accounts' open lists and
// retires expired makers. Margin on filled lots stays locked as position margin.
func (e *Exchange) settleLocked(m *Market, fills []fill, expired []*restingOrder) {
	for _, f := range fills {
		for _, o := range []*restingOrder{f.Maker, f.Taker} {
			if o.Remaining == 0 && o.AccountID != "" {
				delete(e.accounts[o.AccountID].orders, o.ID)
				delete(e.orders, o.ID)
			}
		}
	}
	for _, o := range expired {
		e.retireExpiredLocked(m, o)
	}
}

func (e *Exchange) retireExpiredLocked(m *Market, o *restingOrder) {
	o.Expired = true
	if a, ok := e.accounts[o.AccountID]; ok {
		a.locked = a.locked.Sub(e.margin(m, o, o.Remaining))
	}
	e.log.Debugw("order_expired", "order", o.ID, "remaining_lots", o.Remaining)
}

func (e *Exchange) cancelLocked(a *account, id string) {
	o := a.orders[id]
	m, _ := e.markets.Get(a.handle.Market)
	if !o.Expired {
		e.books[m.Symbol].remove(id)
		a.locked = a.locked.Sub(e.margin(m, o, o.Remaining))
	}
	delete(a.orders, id)
	delete(e.orders, id)
}

// expireLocked retires expired resting orders and forgets expired orders past
// the retention window.
func (e *Exchange) expireLocked() {
	now := e.clock.Now().Unix()
	for symbol, b := range e.books {
		m, _ := e.markets.Get(symbol)
		for _, o := range b.expire(now) {
			e.retireExpiredLocked(m, o)
		}
	}
	cutoff := now - int64(e.retention/time.Second)
	for id, o := range e.orders {
		if o.Expired && o.Expiry <= cutoff {
			if a, ok := e.accounts[o.AccountID]; ok {
				delete(a.orders, id)
			}
			delete(e.orders, id)
		}
	}
}

func (e *Exchange) nextHash(parts ...[]byte) common.Hash {
	e.seq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.seq)
	return ethcrypto.Keccak256Hash(append([][]byte{seq[:]}, parts...)...)
}

func (e *Exchange) confirmDelay(ctx context.Context) error {
	if e.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.latency):
		return nil
	}
}

// Take crosses the book with house liquidity, producing fills for resting
// orders. It returns the lots actually filled.
func (e *Exchange) Take(market string, side order.Side, amount decimal.Decimal) (decimal.Decimal, error) {
	m, ok := e.markets.Get(market)
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", market, exchange.ErrUnknownMarket)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	limit := int64(1<<62 - 1)
	if side == order.Sell {
		limit = 1
	}
	e.seq++
	taker := &restingOrder{
		ID:     "house-" + uuid.NewString(),
		Market: market,
		Side:   side,
		Price:  limit,
		Lots:   m.AmountToLots(amount),
		Seq:    e.seq,
	}
	taker.Remaining = taker.Lots
	fills, expired := e.books[market].place(taker, e.clock.Now().Unix(), false)
	e.settleLocked(m, fills, expired)
	return m.LotsToAmount(taker.Lots - taker.Remaining), nil
}

// Levels returns aggregated book levels for one side, best first.
func (e *Exchange) Levels(market string, side order.Side) []PriceLevel {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[market]
	if !ok {
		return nil
	}
	return b.levels(side)
}

var _ exchange.Client = (*Exchange)(nil)
