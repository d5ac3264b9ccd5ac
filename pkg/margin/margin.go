package margin

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/timborden/gateway/pkg/exchange"
	"github.com/timborden/gateway/pkg/metrics"
)

var (
	ErrInvalidLeverage = errors.New("leverage must be positive")
	ErrDepositFailed   = errors.New("insufficient collateral: deposit failed")
)

// RequiredMargin is price * amount / leverage.
func RequiredMargin(price, amount, leverage decimal.Decimal) (decimal.Decimal, error) {
	if !leverage.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s: %w", leverage, ErrInvalidLeverage)
	}
	return price.Mul(amount).Div(leverage), nil
}

// Order is the part of a new order the gate needs.
type Order struct {
	ClientOrderID string
	Account       exchange.AccountHandle
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Leverage      decimal.Decimal
}

// Requirement is one order's margin need against its account's free collateral.
type Requirement struct {
	ClientOrderID string
	Market        string
	Required      decimal.Decimal
	Free          decimal.Decimal
}

// Short reports required - free when positive.
func (r Requirement) Short() decimal.Decimal {
	if r.Free.GreaterThanOrEqual(r.Required) {
		return decimal.Zero
	}
	return r.Required.Sub(r.Free)
}

// Plan is the outcome of an assessment: per-order requirements and the
// deposit needed per market before the batch can run.
type Plan struct {
	Requirements []Requirement
	shortfall    map[string]decimal.Decimal
	accounts     map[string]exchange.AccountHandle
}

func (p Plan) Shortfall(market string) decimal.Decimal {
	if v, ok := p.shortfall[market]; ok {
		return v
	}
	return decimal.Zero
}

// Markets returns markets with a positive shortfall, sorted.
func (p Plan) Markets() []string {
	out := make([]string, 0, len(p.shortfall))
	for m, v := range p.shortfall {
		if v.IsPositive() {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func (p Plan) Total() decimal.Decimal {
	total := decimal.Zero
	for _, v := range p.shortfall {
		total = total.Add(v)
	}
	return total
}

func (p Plan) NeedsDeposit() bool { return len(p.Markets()) > 0 }

// Gate checks margin before orders are submitted and tops accounts up.
type Gate struct {
	client exchange.Client
	log    *zap.SugaredLogger
}

func NewGate(client exchange.Client, log *zap.SugaredLogger) *Gate {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gate{client: client, log: log}
}

// Assess computes each order's requirement and the per-market shortfall.
// Free collateral is read once per account. Each order is compared with the
// account's free collateral on its own, and only orders exceeding it add
// their excess to the market's shortfall.
func (g *Gate) Assess(ctx context.Context, orders []Order) (Plan, error) {
	plan := Plan{
		shortfall: make(map[string]decimal.Decimal),
		accounts:  make(map[string]exchange.AccountHandle),
	}
	free := make(map[exchange.AccountKey]decimal.Decimal)

	for _, o := range orders {
		req, err := RequiredMargin(o.Price, o.Amount, o.Leverage)
		if err != nil {
			return Plan{}, fmt.Errorf("order %s: %w", o.ClientOrderID, err)
		}
		k := o.Account.Key()
		avail, ok := free[k]
		if !ok {
			avail, err = g.client.GetFreeCollateral(ctx, o.Account)
			if err != nil {
				return Plan{}, fmt.Errorf("free collateral for %s: %w", k, err)
			}
			free[k] = avail
		}

		r := Requirement{ClientOrderID: o.ClientOrderID, Market: o.Account.Market, Required: req, Free: avail}
		plan.Requirements = append(plan.Requirements, r)
		if short := r.Short(); short.IsPositive() {
			plan.shortfall[r.Market] = plan.Shortfall(r.Market).Add(short)
			plan.accounts[r.Market] = o.Account
		}
	}

	for m, v := range plan.shortfall {
		metrics.MarginShortfall.WithLabelValues(m).Set(v.InexactFloat64())
	}
	return plan, nil
}

// Authorize deposits each market's shortfall. The first failed deposit stops
// the run and is reported as ErrDepositFailed; no orders may be submitted then.
func (g *Gate) Authorize(ctx context.Context, plan Plan) error {
	for _, m := range plan.Markets() {
		amount := plan.shortfall[m]
		acct := plan.accounts[m]
		res, err := g.client.DepositCollateral(ctx, acct, amount)
		if err == nil && !res.Success {
			err = errors.New(res.Reason)
		}
		if err != nil {
			metrics.Deposits.WithLabelValues("failed").Inc()
			g.log.Warnw("deposit_failed", "market", m, "account", acct.AccountID, "amount", amount.String(), "err", err)
			return fmt.Errorf("%w: market %s amount %s: %w", ErrDepositFailed, m, amount, err)
		}
		metrics.Deposits.WithLabelValues("ok").Inc()
		g.log.Infow("deposit_confirmed", "market", m, "account", acct.AccountID, "amount", amount.String(), "tx", res.Hash.Hex())
	}
	return nil
}
