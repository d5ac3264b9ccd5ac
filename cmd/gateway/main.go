package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/timborden/gateway/params"
	"github.com/timborden/gateway/pkg/api"
	"github.com/timborden/gateway/pkg/crypto"
	"github.com/timborden/gateway/pkg/exchange/sim"
	"github.com/timborden/gateway/pkg/gateway"
	"github.com/timborden/gateway/pkg/order"
	"github.com/timborden/gateway/pkg/storage"
	"github.com/timborden/gateway/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile, "level", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Signing ----
	signer, err := loadSigner(cfg.Gateway.SignerKey)
	if err != nil {
		sugar.Fatalw("signer_init_failed", "err", err)
	}
	instr := crypto.NewInstructionSigner(crypto.DefaultDomain(cfg.Gateway.ChainID))
	sugar.Infow("signer_ready", "agent", signer.Address().Hex(), "chain_id", cfg.Gateway.ChainID,
		"ephemeral", cfg.Gateway.SignerKey == "")

	// ---- WebSocket hub (fed by every network's order store) ----
	hub := api.NewHub(sugar)
	go hub.Run(ctx)

	// ---- Networks ----
	gateways := gateway.NewRegistry()
	for _, n := range cfg.Networks {
		closeNet, err := startNetwork(ctx, cfg, n, gateways, hub, signer, instr, sugar)
		if err != nil {
			sugar.Fatalw("network_init_failed", "network", n.Name, "kind", n.Kind, "err", err)
		}
		defer closeNet()
	}

	// ---- API Server ----
	faucet, err := decimal.NewFromString(cfg.Sim.Faucet)
	if err != nil {
		sugar.Fatalw("invalid_faucet_amount", "value", cfg.Sim.Faucet, "err", err)
	}
	apiServer := api.NewServer(gateways, hub, api.Config{CORSOrigins: cfg.API.CORSOrigins, FaucetAmount: faucet}, sugar)
	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("gateway_started", "networks", gateways.Names(), "api_addr", cfg.API.Addr)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	sugar.Info("gateway_stopped")
}

func loadSigner(hexKey string) (*crypto.Signer, error) {
	if hexKey == "" {
		return crypto.GenerateKey()
	}
	return crypto.FromPrivateKeyHex(hexKey)
}

// startNetwork builds the store, exchange client and gateway for one network
// and registers it. The returned func releases its resources.
func startNetwork(
	ctx context.Context,
	cfg params.Config,
	n params.Network,
	gateways *gateway.Registry,
	hub *api.Hub,
	signer *crypto.Signer,
	instr *crypto.InstructionSigner,
	sugar *zap.SugaredLogger,
) (func(), error) {
	if n.Kind != "sim" {
		return nil, fmt.Errorf("unsupported network kind %q", n.Kind)
	}
	netLog := sugar.With("network", n.Name)
	dir := filepath.Join(cfg.DataDir, n.Name)

	// The simulated exchange keeps no state across restarts, so neither do
	// the records and account handles that point into it.
	dbPath := filepath.Join(dir, "orders")
	if err := os.RemoveAll(dbPath); err != nil {
		return nil, fmt.Errorf("reset %s: %w", dbPath, err)
	}
	netLog.Infow("sim_state_reset", "path", dbPath)

	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, err
	}
	records, err := db.LoadRecords()
	if err != nil {
		db.Close()
		return nil, err
	}
	store := order.NewStore(
		order.WithPersister(db),
		order.WithObserver(hub.OrderObserver(n.Name)),
	)
	if err := store.Restore(records); err != nil {
		db.Close()
		return nil, err
	}

	ex, err := newSimExchange(cfg.Sim, instr, signer.Address(), netLog)
	if err != nil {
		db.Close()
		return nil, err
	}

	journal, err := storage.NewFileJournal(filepath.Join(dir, "journal.log"))
	if err != nil {
		db.Close()
		return nil, err
	}

	gw, err := gateway.New(n.Name, ex, store,
		gateway.WithLogger(netLog),
		gateway.WithAccountCache(db),
		gateway.WithSigner(signer, instr),
		gateway.WithJournal(journal),
		gateway.WithConfirmTimeout(cfg.Gateway.ConfirmTimeout),
	)
	if err == nil {
		err = gateways.Register(gw)
	}
	if err != nil {
		journal.Close()
		db.Close()
		return nil, err
	}

	stopFeeder := func() {}
	if cfg.Sim.Feeder {
		fc := sim.DefaultFeederConfig(cfg.Sim.Markets)
		fc.Interval = cfg.Sim.FeederInterval
		stopFeeder = sim.StartFeeder(ctx, ex, fc, netLog)
		netLog.Infow("feeder_enabled", "interval_ms", fc.Interval.Milliseconds())
	}

	netLog.Infow("network_ready", "kind", n.Kind, "markets", cfg.Sim.Markets, "restored", len(records))
	return func() {
		stopFeeder()
		if err := journal.Close(); err != nil {
			netLog.Warnw("journal_close_failed", "err", err)
		}
		if err := db.Close(); err != nil {
			netLog.Warnw("db_close_failed", "err", err)
		}
	}, nil
}

func newSimExchange(cfg params.Sim, instr *crypto.InstructionSigner, agent common.Address, log *zap.SugaredLogger) (*sim.Exchange, error) {
	markets := sim.NewMarketRegistry()
	for _, symbol := range cfg.Markets {
		m, err := sim.NewMarket(symbol, sim.DefaultPerp)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", symbol, err)
		}
		if err := markets.Register(m); err != nil {
			return nil, err
		}
	}
	return sim.New(markets,
		sim.WithLogger(log),
		sim.WithVerifier(instr, agent),
	), nil
}
