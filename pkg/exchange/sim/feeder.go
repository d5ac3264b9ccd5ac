package sim

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/timborden/gateway/pkg/order"
)

// FeederConfig controls the house taker that trades against resting orders
// so devnet orders actually fill.
type FeederConfig struct {
	Interval time.Duration
	MaxLots  int64 // upper bound per take
	Markets  []string
}

func DefaultFeederConfig(markets []string) FeederConfig {
	return FeederConfig{
		Interval: 500 * time.Millisecond,
		MaxLots:  50,
		Markets:  markets,
	}
}

// StartFeeder runs the house taker until ctx is done or the returned func is called.
func StartFeeder(ctx context.Context, ex *Exchange, cfg FeederConfig, log *zap.SugaredLogger) context.CancelFunc {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.MaxLots <= 0 {
		cfg.MaxLots = 1
	}
	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		started := time.Now()
		var takes int
		log.Infow("feeder_started", "interval_ms", cfg.Interval.Milliseconds(), "markets", cfg.Markets)

		for i := 0; ; i++ {
			select {
			case <-feedCtx.Done():
				log.Infow("feeder_stopped", "takes", takes, "elapsed", time.Since(started).Round(time.Second).String())
				return
			case <-ticker.C:
				if len(cfg.Markets) == 0 {
					continue
				}
				if feedOnce(ex, cfg.Markets[i%len(cfg.Markets)], cfg.MaxLots, log) {
					takes++
				}
			}
		}
	}()
	return cancel
}

// feedOnce takes a random size from a random non-empty side of the book.
func feedOnce(ex *Exchange, market string, maxLots int64, log *zap.SugaredLogger) bool {
	m, ok := ex.Markets().Get(market)
	if !ok {
		return false
	}
	side := order.Buy // lifts asks
	if rand.IntN(2) == 0 {
		side = order.Sell
	}
	opposite := order.Sell
	if side == order.Sell {
		opposite = order.Buy
	}
	if len(ex.Levels(market, opposite)) == 0 {
		return false
	}

	amount := m.LotsToAmount(1 + rand.Int64N(maxLots))
	filled, err := ex.Take(market, side, amount)
	if err != nil {
		log.Warnw("feeder_take_failed", "market", market, "err", err)
		return false
	}
	if filled.GreaterThan(decimal.Zero) {
		log.Debugw("feeder_take", "market", market, "side", side.String(), "filled", filled.String())
	}
	return true
}
