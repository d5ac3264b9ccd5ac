package reconcile

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/timborden/gateway/pkg/exchange"
	"github.com/timborden/gateway/pkg/metrics"
	"github.com/timborden/gateway/pkg/order"
)

// Transition is one status change applied to a tracked order.
type Transition struct {
	ClientOrderID   string
	ExchangeOrderID string
	From            order.Status
	To              order.Status
	FilledDelta     decimal.Decimal
}

// Scanner infers order progress from open-order snapshots. The exchange only
// reports orders that are still open, so an order that disappears is taken as
// cancelled if a cancel was pending and as filled otherwise.
type Scanner struct {
	store   *order.Store
	network string
	log     *zap.SugaredLogger
}

func NewScanner(store *order.Store, network string, log *zap.SugaredLogger) *Scanner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scanner{store: store, network: network, log: log}
}

// ApplySnapshot updates every tracked, non-terminal order present in the
// snapshot. Untracked orders are ignored.
func (s *Scanner) ApplySnapshot(snapshot []exchange.OpenOrder) []Transition {
	var out []Transition
	for _, o := range snapshot {
		rec, ok := s.store.GetByExchangeID(o.ExchangeOrderID)
		if !ok || rec.IsTerminal() {
			continue
		}
		if rec.Status == order.Pending {
			// correlated but never promoted
			if t, ok := s.apply(rec, order.Open, decimal.Zero); ok {
				out = append(out, t)
				rec.Status = order.Open
			}
		}

		filled := rec.OriginalAmount.Sub(o.RemainingSize)
		if filled.IsNegative() {
			filled = decimal.Zero
		}
		delta := filled.Sub(rec.FilledAmount)
		if delta.IsNegative() {
			delta = decimal.Zero
		}

		to := rec.Status
		switch {
		case o.IsExpired:
			to = order.Expired
		case o.RemainingSize.LessThan(rec.OriginalAmount) && rec.Status != order.PendingCancel:
			to = order.PartiallyFilled
		}
		if to == rec.Status && delta.IsZero() {
			continue
		}
		if t, ok := s.apply(rec, to, delta); ok {
			out = append(out, t)
		}
	}
	return out
}

// ResolveAbsent checks one tracked order against the snapshot and, if it is
// missing, closes it: PENDING_CANCEL becomes CANCELLED, anything else FILLED.
func (s *Scanner) ResolveAbsent(exchangeOrderID string, snapshot []exchange.OpenOrder) (Transition, bool) {
	rec, ok := s.store.GetByExchangeID(exchangeOrderID)
	if !ok || rec.IsTerminal() {
		return Transition{}, false
	}
	for _, o := range snapshot {
		if o.ExchangeOrderID == exchangeOrderID {
			return Transition{}, false
		}
	}

	if rec.Status == order.PendingCancel {
		return s.apply(rec, order.Cancelled, decimal.Zero)
	}
	if rec.Status == order.Pending {
		if _, ok := s.apply(rec, order.Open, decimal.Zero); !ok {
			return Transition{}, false
		}
		rec.Status = order.Open
	}
	return s.apply(rec, order.Filled, rec.Remaining())
}

// Sweep runs ResolveAbsent for every correlated, non-terminal order of the
// account. Only meaningful when snapshot is the account's full open-order list.
func (s *Scanner) Sweep(owner common.Address, market string, snapshot []exchange.OpenOrder) []Transition {
	var out []Transition
	for _, rec := range s.store.List(order.Filter{Owner: owner, Market: market}) {
		if !rec.Correlated() || rec.IsTerminal() {
			continue
		}
		if t, ok := s.ResolveAbsent(rec.ExchangeOrderID, snapshot); ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *Scanner) apply(rec order.Record, to order.Status, delta decimal.Decimal) (Transition, bool) {
	applied, err := s.store.UpdateStatus(rec.ClientOrderID, to, delta)
	if err != nil {
		s.log.Debugw("reconcile_skipped", "client_order_id", rec.ClientOrderID,
			"from", rec.Status.String(), "to", to.String(), "err", err)
		return Transition{}, false
	}
	if !applied {
		return Transition{}, false
	}
	metrics.ReconcileTransitions.WithLabelValues(s.network, to.String()).Inc()
	s.log.Infow("order_reconciled",
		"network", s.network,
		"client_order_id", rec.ClientOrderID,
		"exchange_order_id", rec.ExchangeOrderID,
		"from", rec.Status.String(),
		"to", to.String(),
		"filled_delta", delta.String(),
	)
	return Transition{
		ClientOrderID:   rec.ClientOrderID,
		ExchangeOrderID: rec.ExchangeOrderID,
		From:            rec.Status,
		To:              to,
		FilledDelta:     delta,
	}, true
}
