package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/timborden/gateway/pkg/correlation"
	"github.com/timborden/gateway/pkg/exchange"
	"github.com/timborden/gateway/pkg/margin"
	"github.com/timborden/gateway/pkg/metrics"
	"github.com/timborden/gateway/pkg/order"
	"github.com/timborden/gateway/pkg/storage"
)

// plan validates a batch without any I/O.
func (g *Gateway) plan(b Batch) ([]plannedCreate, []plannedCancel, error) {
	if len(b.Creates)+len(b.Cancels) == 0 {
		return nil, nil, fmt.Errorf("%w: empty batch", ErrInvalidOrder)
	}

	creates := make([]plannedCreate, 0, len(b.Creates))
	seen := make(map[string]struct{}, len(b.Creates))
	for _, c := range b.Creates {
		if c.Owner == (common.Address{}) {
			c.Owner = b.Owner
		}
		if err := validateCreate(c); err != nil {
			return nil, nil, err
		}
		if _, dup := seen[c.ClientOrderID]; dup {
			return nil, nil, fmt.Errorf("%s: %w", c.ClientOrderID, order.ErrDuplicateOrder)
		}
		if _, exists := g.store.GetByClientID(c.ClientOrderID); exists {
			return nil, nil, fmt.Errorf("%s: %w", c.ClientOrderID, order.ErrDuplicateOrder)
		}
		seen[c.ClientOrderID] = struct{}{}
		creates = append(creates, plannedCreate{
			req: c,
			key: exchange.AccountKey{Owner: c.Owner, Market: c.Market},
		})
	}

	cancels := make([]plannedCancel, 0, len(b.Cancels))
	targeted := make(map[string]struct{}, len(b.Cancels))
	for _, c := range b.Cancels {
		if c.ExchangeOrderID == "" {
			return nil, nil, fmt.Errorf("%w: cancel without exchange order id", ErrInvalidOrder)
		}
		if _, dup := targeted[c.ExchangeOrderID]; dup {
			return nil, nil, fmt.Errorf("%w: %s cancelled twice", ErrInvalidOrder, c.ExchangeOrderID)
		}
		targeted[c.ExchangeOrderID] = struct{}{}

		pc := plannedCancel{req: c}
		if rec, ok := g.store.GetByExchangeID(c.ExchangeOrderID); ok {
			if !cancellable(rec.Status) {
				return nil, nil, fmt.Errorf("%w: order %s is %s", ErrInvalidOrder, c.ExchangeOrderID, rec.Status)
			}
			pc.clientOrderID = rec.ClientOrderID
			pc.key = exchange.AccountKey{Owner: rec.Owner, Market: rec.Market}
		} else {
			owner := c.Owner
			if owner == (common.Address{}) {
				owner = b.Owner
			}
			if owner == (common.Address{}) || c.Market == "" {
				return nil, nil, fmt.Errorf("%s: %w", c.ExchangeOrderID, ErrUnknownOrder)
			}
			pc.key = exchange.AccountKey{Owner: owner, Market: c.Market}
		}
		cancels = append(cancels, pc)
	}
	return creates, cancels, nil
}

// reserve claims the batch's client ids until the returned func runs. An id
// that is tracked or claimed by a concurrent request is a duplicate, so the
// loser is rejected before it touches the exchange.
func (g *Gateway) reserve(creates []plannedCreate) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range creates {
		id := c.req.ClientOrderID
		_, claimed := g.inflight[id]
		_, tracked := g.store.GetByClientID(id)
		if claimed || tracked {
			return nil, fmt.Errorf("%s: %w", id, order.ErrDuplicateOrder)
		}
	}
	for _, c := range creates {
		g.inflight[c.req.ClientOrderID] = struct{}{}
	}
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		for _, c := range creates {
			delete(g.inflight, c.req.ClientOrderID)
		}
	}, nil
}

func validateCreate(c CreateOrder) error {
	switch {
	case c.ClientOrderID == "":
		return fmt.Errorf("%w: missing client order id", ErrInvalidOrder)
	case c.Owner == (common.Address{}):
		return fmt.Errorf("%w: %s: missing owner", ErrInvalidOrder, c.ClientOrderID)
	case c.Market == "":
		return fmt.Errorf("%w: %s: missing market", ErrInvalidOrder, c.ClientOrderID)
	case c.Side != order.Buy && c.Side != order.Sell:
		return fmt.Errorf("%w: %s: bad side", ErrInvalidOrder, c.ClientOrderID)
	case !c.Price.IsPositive():
		return fmt.Errorf("%w: %s: price must be positive", ErrInvalidOrder, c.ClientOrderID)
	case !c.Amount.IsPositive():
		return fmt.Errorf("%w: %s: amount must be positive", ErrInvalidOrder, c.ClientOrderID)
	case !c.Leverage.IsPositive():
		return fmt.Errorf("%w: %s: leverage must be positive", ErrInvalidOrder, c.ClientOrderID)
	}
	return nil
}

func cancellable(s order.Status) bool { return order.CanTransition(s, order.PendingCancel) }

// drawTokens assigns tokens that differ from each other and from every live
// order on the touched accounts.
func (g *Gateway) drawTokens(creates []plannedCreate) error {
	inUse := make(map[int64]struct{})
	visited := make(map[exchange.AccountKey]bool)
	for _, c := range creates {
		if visited[c.key] {
			continue
		}
		visited[c.key] = true
		for _, r := range g.store.List(order.Filter{Owner: c.key.Owner, Market: c.key.Market}) {
			if !r.IsTerminal() {
				inUse[r.ExpiryToken] = struct{}{}
			}
		}
	}
	tokens, err := g.tokens.Batch(len(creates), func(t int64) bool {
		_, ok := inUse[t]
		return ok
	})
	if err != nil {
		return fmt.Errorf("failed to draw correlation tokens: %w", err)
	}
	for i := range creates {
		creates[i].token = tokens[i]
	}
	return nil
}

func (g *Gateway) authorize(ctx context.Context, creates []plannedCreate, handles map[exchange.AccountKey]exchange.AccountHandle) error {
	orders := make([]margin.Order, 0, len(creates))
	for _, c := range creates {
		orders = append(orders, margin.Order{
			ClientOrderID: c.req.ClientOrderID,
			Account:       handles[c.key],
			Price:         c.req.Price,
			Amount:        c.req.Amount,
			Leverage:      c.req.Leverage,
		})
	}
	plan, err := g.gate.Assess(ctx, orders)
	if err != nil {
		return err
	}
	if !plan.NeedsDeposit() {
		return nil
	}
	g.log.Infow("margin_shortfall", "markets", plan.Markets(), "total", plan.Total().String())
	return g.gate.Authorize(ctx, plan)
}

// buildInstructions puts cancels ahead of places and signs every instruction.
func (g *Gateway) buildInstructions(creates []plannedCreate, cancels []plannedCancel, handles map[exchange.AccountKey]exchange.AccountHandle) ([]exchange.Instruction, error) {
	ins := make([]exchange.Instruction, 0, len(creates)+len(cancels))
	for _, c := range cancels {
		ins = append(ins, exchange.Instruction{
			Kind:    exchange.KindCancel,
			Account: handles[c.key],
			Cancel:  &exchange.CancelOrder{ExchangeOrderID: c.req.ExchangeOrderID},
		})
	}
	for _, c := range creates {
		ins = append(ins, exchange.Instruction{
			Kind:    exchange.KindPlace,
			Account: handles[c.key],
			Place: &exchange.PlaceOrder{
				Side:     c.req.Side,
				Price:    c.req.Price,
				Amount:   c.req.Amount,
				Leverage: c.req.Leverage,
				Expiry:   c.token,
			},
		})
	}
	for i := range ins {
		ins[i].Nonce = g.nonce.Add(1)
		if err := g.instr.Sign(g.signer, &ins[i]); err != nil {
			return nil, err
		}
	}
	return ins, nil
}

func (g *Gateway) submit(ctx context.Context, ins []exchange.Instruction) (exchange.TxResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	start := time.Now()
	res, err := g.client.SubmitBatch(ctx, ins)
	metrics.SubmitLatency.WithLabelValues(g.network).Observe(time.Since(start).Seconds())

	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case !res.Success:
		result = "rejected"
	}
	metrics.Submissions.WithLabelValues(g.network, result).Inc()
	return res, err
}

// correlate assigns exchange ids to matched pending orders and opens them.
func (g *Gateway) correlate(pending []correlation.Pending, snap []exchange.OpenOrder) correlation.Result {
	res := correlation.Correlate(pending, snap, g.store.IsAssigned)

	matched := make([]correlation.Match, 0, len(res.Matched))
	for _, m := range res.Matched {
		if err := g.store.AssignExchangeID(m.ClientOrderID, m.ExchangeOrderID); err != nil {
			g.log.Warnw("correlation_assign_failed", "client_order_id", m.ClientOrderID,
				"exchange_order_id", m.ExchangeOrderID, "err", err)
			res.Unmatched = append(res.Unmatched, m.ClientOrderID)
			continue
		}
		if _, err := g.store.UpdateStatus(m.ClientOrderID, order.Open, decimal.Zero); err != nil {
			g.log.Debugw("correlation_open_skipped", "client_order_id", m.ClientOrderID, "err", err)
		}
		matched = append(matched, m)
	}
	res.Matched = matched

	metrics.Correlations.WithLabelValues(g.network, "matched").Add(float64(len(res.Matched)))
	metrics.Correlations.WithLabelValues(g.network, "unmatched").Add(float64(len(res.Unmatched)))
	metrics.Correlations.WithLabelValues(g.network, "ambiguous").Add(float64(len(res.Ambiguous)))
	if len(res.Ambiguous) > 0 {
		g.log.Warnw("correlation_ambiguous", "orders", res.Ambiguous)
	}
	return res
}

// revertCancels restores orders marked PENDING_CANCEL by a batch the exchange
// definitively rejected.
func (g *Gateway) revertCancels(cancels []plannedCancel) {
	for _, c := range cancels {
		if c.clientOrderID == "" || c.prev == order.PendingCancel {
			continue
		}
		if _, err := g.store.UpdateStatus(c.clientOrderID, c.prev, decimal.Zero); err != nil {
			g.log.Debugw("cancel_revert_skipped", "client_order_id", c.clientOrderID, "err", err)
		}
	}
}

// refresh reconciles one account against a fresh snapshot. Submitted orders
// still awaiting an exchange id get another correlation attempt. With no
// targets every correlated order of the account is checked for absence.
func (g *Gateway) refresh(ctx context.Context, k exchange.AccountKey, targets ...string) error {
	unlock, err := g.accounts.Lock(ctx, k)
	if err != nil {
		return err
	}
	defer unlock()

	h, err := g.accounts.Resolve(ctx, k.Owner, k.Market)
	if err != nil {
		return err
	}
	snap, err := g.client.FetchOpenOrders(ctx, h)
	if err != nil {
		return fmt.Errorf("fetch open orders for %s: %w", k, err)
	}

	var pending []correlation.Pending
	for _, r := range g.store.List(order.Filter{Owner: k.Owner, Market: k.Market, Statuses: []order.Status{order.Pending}}) {
		if !r.Correlated() && r.TxHash != "" {
			pending = append(pending, correlation.Pending{ClientOrderID: r.ClientOrderID, Token: r.ExpiryToken})
		}
	}
	if len(pending) > 0 {
		g.correlate(pending, snap)
	}

	g.scanner.ApplySnapshot(snap)
	if len(targets) == 0 {
		g.scanner.Sweep(k.Owner, k.Market, snap)
		return nil
	}
	for _, id := range targets {
		if id != "" {
			g.scanner.ResolveAbsent(id, snap)
		}
	}
	return nil
}

// refreshOwner reconciles every market the owner has tracked orders on,
// fetching snapshots concurrently.
func (g *Gateway) refreshOwner(ctx context.Context, f order.Filter) error {
	markets := make(map[string]struct{})
	for _, r := range g.store.List(f) {
		if !r.IsTerminal() {
			markets[r.Market] = struct{}{}
		}
	}
	eg, ctx := errgroup.WithContext(ctx)
	for m := range markets {
		k := exchange.AccountKey{Owner: f.Owner, Market: m}
		eg.Go(func() error { return g.refresh(ctx, k) })
	}
	return eg.Wait()
}

func (g *Gateway) record(event, tx string, orders []string, fields map[string]string) {
	err := g.journal.Append(storage.Entry{
		Time:    time.Now().UTC(),
		Network: g.network,
		Event:   event,
		TxHash:  tx,
		Orders:  orders,
		Fields:  fields,
	})
	if err != nil {
		g.log.Warnw("journal_append_failed", "event", event, "err", err)
	}
}

func clientIDs(creates []plannedCreate) []string {
	out := make([]string, 0, len(creates))
	for _, c := range creates {
		out = append(out, c.req.ClientOrderID)
	}
	return out
}
