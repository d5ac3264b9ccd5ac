// Package gateway turns order requests into signed batch transactions for one
// exchange network and keeps the tracking store in step with what the
// exchange reports back.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/timborden/gateway/pkg/correlation"
	"github.com/timborden/gateway/pkg/crypto"
	"github.com/timborden/gateway/pkg/exchange"
	"github.com/timborden/gateway/pkg/margin"
	"github.com/timborden/gateway/pkg/metrics"
	"github.com/timborden/gateway/pkg/order"
	"github.com/timborden/gateway/pkg/reconcile"
	"github.com/timborden/gateway/pkg/storage"
)

const DefaultConfirmTimeout = 10 * time.Second

type Option func(*Gateway)

func WithLogger(l *zap.SugaredLogger) Option { return func(g *Gateway) { g.log = l } }

// WithAccountCache persists resolved account handles.
func WithAccountCache(c exchange.AccountCache) Option { return func(g *Gateway) { g.cache = c } }

// WithSigner sets the key instructions are signed with and the typed-data
// domain used for signing.
func WithSigner(s *crypto.Signer, is *crypto.InstructionSigner) Option {
	return func(g *Gateway) {
		g.signer = s
		g.instr = is
	}
}

func WithJournal(j storage.Journal) Option { return func(g *Gateway) { g.journal = j } }

// WithConfirmTimeout bounds the wait for a submitted transaction to finalize.
func WithConfirmTimeout(d time.Duration) Option { return func(g *Gateway) { g.confirmTimeout = d } }

func WithTokenSource(ts *correlation.TokenSource) Option { return func(g *Gateway) { g.tokens = ts } }

// Gateway serves order requests for one network.
type Gateway struct {
	network string
	client  exchange.Client
	store   *order.Store

	accounts *exchange.AccountRegistry
	cache    exchange.AccountCache
	tokens   *correlation.TokenSource
	gate     *margin.Gate
	scanner  *reconcile.Scanner
	signer   *crypto.Signer
	instr    *crypto.InstructionSigner
	journal  storage.Journal
	log      *zap.SugaredLogger

	confirmTimeout time.Duration
	nonce          atomic.Uint64

	mu       sync.Mutex
	inflight map[string]struct{} // client ids claimed by requests not yet recorded
}

func New(network string, client exchange.Client, store *order.Store, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		network:        network,
		client:         client,
		store:          store,
		journal:        storage.NopJournal{},
		log:            zap.NewNop().Sugar(),
		confirmTimeout: DefaultConfirmTimeout,
		inflight:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.tokens == nil {
		g.tokens = correlation.NewTokenSource(nil)
	}
	if g.signer == nil {
		s, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate signer: %w", err)
		}
		g.signer = s
	}
	if g.instr == nil {
		g.instr = crypto.NewInstructionSigner(crypto.DefaultDomain(1337))
	}
	g.log = g.log.With("network", network)

	g.accounts = exchange.NewAccountRegistry(client, g.cache, g.log)
	if err := g.accounts.Warm(); err != nil {
		return nil, err
	}
	g.gate = margin.NewGate(client, g.log)
	g.scanner = reconcile.NewScanner(store, network, g.log)
	return g, nil
}

func (g *Gateway) Network() string { return g.network }

func (g *Gateway) Store() *order.Store { return g.store }

func (g *Gateway) Client() exchange.Client { return g.client }

// Agent is the address instructions are signed by.
func (g *Gateway) Agent() common.Address { return g.signer.Address() }

// PostOrder submits one order. ExchangeOrderID is empty when the order could
// not be correlated in the same pass.
func (g *Gateway) PostOrder(ctx context.Context, req CreateOrder) (PostResult, error) {
	res, err := g.execute(ctx, Batch{Owner: req.Owner, Creates: []CreateOrder{req}}, "post")
	out := PostResult{TxHash: res.TxHash}
	if len(res.Correlated) == 1 {
		out.ExchangeOrderID = res.Correlated[0].ExchangeOrderID
	}
	return out, err
}

// DeleteOrder cancels one exchange order. A tracked order is marked
// PENDING_CANCEL before the cancel is submitted.
func (g *Gateway) DeleteOrder(ctx context.Context, req CancelOrder) (DeleteResult, error) {
	res, err := g.execute(ctx, Batch{Owner: req.Owner, Cancels: []CancelOrder{req}}, "delete")
	return DeleteResult{TxHash: res.TxHash}, err
}

// BatchOrders submits creates and cancels as one all-or-nothing transaction.
func (g *Gateway) BatchOrders(ctx context.Context, b Batch) (BatchResult, error) {
	return g.execute(ctx, b, "batch")
}

type plannedCreate struct {
	req   CreateOrder
	key   exchange.AccountKey
	token int64
}

type plannedCancel struct {
	req           CancelOrder
	key           exchange.AccountKey
	clientOrderID string // empty when the order is not tracked
	prev          order.Status
}

func (g *Gateway) execute(ctx context.Context, b Batch, op string) (BatchResult, error) {
	creates, cancels, err := g.plan(b)
	if err != nil {
		return BatchResult{}, err
	}
	release, err := g.reserve(creates)
	if err != nil {
		return BatchResult{}, err
	}
	defer release()

	keys := make([]exchange.AccountKey, 0, len(creates)+len(cancels))
	for _, c := range creates {
		keys = append(keys, c.key)
	}
	for _, c := range cancels {
		keys = append(keys, c.key)
	}
	unlock, err := g.accounts.Lock(ctx, keys...)
	if err != nil {
		return BatchResult{}, err
	}
	defer unlock()

	handles := make(map[exchange.AccountKey]exchange.AccountHandle, len(keys))
	for _, k := range keys {
		if _, ok := handles[k]; ok {
			continue
		}
		h, err := g.accounts.Resolve(ctx, k.Owner, k.Market)
		if err != nil {
			return BatchResult{}, err
		}
		handles[k] = h
	}

	// Status may have moved while waiting for the lock.
	for i, c := range cancels {
		if c.clientOrderID == "" {
			continue
		}
		rec, _ := g.store.GetByClientID(c.clientOrderID)
		if !cancellable(rec.Status) {
			return BatchResult{}, fmt.Errorf("%w: order %s is %s", ErrInvalidOrder, c.req.ExchangeOrderID, rec.Status)
		}
		cancels[i].prev = rec.Status
	}

	if len(creates) > 0 {
		if err := g.drawTokens(creates); err != nil {
			return BatchResult{}, err
		}
		if err := g.authorize(ctx, creates, handles); err != nil {
			g.record("deposit_failed", "", clientIDs(creates), map[string]string{"err": err.Error()})
			return BatchResult{}, err
		}
	}

	ins, err := g.buildInstructions(creates, cancels, handles)
	if err != nil {
		return BatchResult{}, err
	}

	if len(creates) > 0 {
		news := make([]order.NewOrder, 0, len(creates))
		for _, c := range creates {
			news = append(news, order.NewOrder{
				ClientOrderID: c.req.ClientOrderID,
				Owner:         c.req.Owner,
				Market:        c.req.Market,
				Side:          c.req.Side,
				Price:         c.req.Price,
				Amount:        c.req.Amount,
				Leverage:      c.req.Leverage,
				ExpiryToken:   c.token,
			})
		}
		if _, err := g.store.AddBatch(news); err != nil {
			return BatchResult{}, err
		}
	}
	for _, c := range cancels {
		if c.clientOrderID == "" {
			continue
		}
		if _, err := g.store.UpdateStatus(c.clientOrderID, order.PendingCancel, decimal.Zero); err != nil {
			g.revertCancels(cancels)
			return BatchResult{}, err
		}
	}

	g.log.Infow("batch_submitting", "op", op, "creates", len(creates), "cancels", len(cancels))
	res, err := g.submit(ctx, ins)
	if err != nil {
		// Outcome unknown: records stay PENDING / PENDING_CANCEL.
		g.log.Warnw("batch_submit_failed", "op", op, "err", err)
		g.record("submit_failed", "", clientIDs(creates), map[string]string{"err": err.Error()})
		return BatchResult{}, &SubmissionError{Reason: err.Error(), Err: err}
	}

	out := BatchResult{TxHash: res.Hash.Hex()}
	if !res.Success {
		// No tx hash on the records: a rejected create never reaches the book
		// and must not be matched by a later query.
		g.revertCancels(cancels)
		g.log.Warnw("batch_rejected", "op", op, "tx", out.TxHash, "reason", res.Reason)
		g.record("batch_rejected", out.TxHash, clientIDs(creates), map[string]string{"reason": res.Reason})
		return out, &SubmissionError{TxHash: out.TxHash, Reason: res.Reason}
	}
	for _, c := range creates {
		if _, err := g.store.SetTxHash(c.req.ClientOrderID, out.TxHash); err != nil {
			g.log.Warnw("tx_hash_not_saved", "client_order_id", c.req.ClientOrderID, "err", err)
		}
	}
	metrics.Orders.WithLabelValues(g.network, op).Add(float64(len(creates) + len(cancels)))
	g.log.Infow("batch_confirmed", "op", op, "tx", out.TxHash)

	return g.settle(ctx, out, creates, handles)
}

// settle correlates the batch's creates against a fresh snapshot of every
// touched account and reconciles the rest of each snapshot.
func (g *Gateway) settle(ctx context.Context, out BatchResult, creates []plannedCreate, handles map[exchange.AccountKey]exchange.AccountHandle) (BatchResult, error) {
	pending := make(map[exchange.AccountKey][]correlation.Pending)
	for _, c := range creates {
		pending[c.key] = append(pending[c.key], correlation.Pending{ClientOrderID: c.req.ClientOrderID, Token: c.token})
	}

	keys := make([]exchange.AccountKey, 0, len(handles))
	for k := range handles {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var ambiguous []string
	for i, k := range keys {
		snap, err := g.client.FetchOpenOrders(ctx, handles[k])
		if err != nil {
			for _, rest := range keys[i:] {
				for _, p := range pending[rest] {
					out.Uncorrelated = append(out.Uncorrelated, p.ClientOrderID)
				}
			}
			return out, fmt.Errorf("fetch open orders for %s after tx %s: %w", k, out.TxHash, err)
		}
		if len(pending[k]) > 0 {
			res := g.correlate(pending[k], snap)
			out.Correlated = append(out.Correlated, res.Matched...)
			out.Uncorrelated = append(out.Uncorrelated, res.Unmatched...)
			out.Uncorrelated = append(out.Uncorrelated, res.Ambiguous...)
			ambiguous = append(ambiguous, res.Ambiguous...)
		}
		g.scanner.ApplySnapshot(snap)
		g.scanner.Sweep(k.Owner, k.Market, snap)
	}

	g.record("batch_confirmed", out.TxHash, clientIDs(creates), map[string]string{
		"correlated":   fmt.Sprint(len(out.Correlated)),
		"uncorrelated": fmt.Sprint(len(out.Uncorrelated)),
	})
	if len(ambiguous) > 0 {
		return out, &correlation.AmbiguityError{ClientOrderIDs: ambiguous}
	}
	return out, nil
}

// GetOrders reconciles the selected orders against fresh snapshots and
// returns their records. Unknown ids yield an empty result.
func (g *Gateway) GetOrders(ctx context.Context, q Query) ([]order.Record, error) {
	switch {
	case q.ClientOrderID != "":
		rec, ok := g.store.GetByClientID(q.ClientOrderID)
		if !ok {
			return []order.Record{}, nil
		}
		if err := g.refreshRecord(ctx, rec); err != nil {
			return nil, err
		}
		rec, _ = g.store.GetByClientID(q.ClientOrderID)
		return []order.Record{rec}, nil

	case q.ExchangeOrderID != "":
		rec, ok := g.store.GetByExchangeID(q.ExchangeOrderID)
		if !ok {
			return []order.Record{}, nil
		}
		if err := g.refreshRecord(ctx, rec); err != nil {
			return nil, err
		}
		rec, _ = g.store.GetByExchangeID(q.ExchangeOrderID)
		return []order.Record{rec}, nil

	case q.Owner != (common.Address{}):
		f := order.Filter{Owner: q.Owner, Market: q.Market}
		if err := g.refreshOwner(ctx, f); err != nil {
			return nil, err
		}
		return g.store.List(f), nil

	default:
		return nil, fmt.Errorf("%w: need clientOrderId, exchangeOrderId or owner", ErrInvalidQuery)
	}
}

func (g *Gateway) refreshRecord(ctx context.Context, rec order.Record) error {
	if rec.IsTerminal() || (!rec.Correlated() && rec.TxHash == "") {
		return nil
	}
	k := exchange.AccountKey{Owner: rec.Owner, Market: rec.Market}
	if !rec.Correlated() {
		return g.refresh(ctx, k, "")
	}
	return g.refresh(ctx, k, rec.ExchangeOrderID)
}
