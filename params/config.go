package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Network describes one exchange backend the gateway fronts.
// Only the simulated devnet backend ships in-tree; other kinds are
// registered by the composition root when a client is available.
type Network struct {
	Name string
	Kind string // "sim"
}

type Gateway struct {
	// ConfirmTimeout bounds how long a submission waits for finalization
	// before the records are left in their pre-submission state.
	ConfirmTimeout time.Duration
	ChainID        int64
	// SignerKey is the hex private key used to sign instructions. Empty
	// means a throwaway key is generated at startup.
	SignerKey string
}

type Sim struct {
	Markets        []string
	Faucet         string // decimal amount credited to a wallet per faucet call
	Feeder         bool
	FeederInterval time.Duration
}

type API struct {
	Addr        string
	CORSOrigins []string
}

type Config struct {
	Networks []Network
	DataDir  string
	LogFile  string
	LogLevel string
	Gateway  Gateway
	Sim      Sim
	API      API
}

func Default() Config {
	return Config{
		Networks: []Network{{Name: "devnet", Kind: "sim"}},
		DataDir:  "data",
		LogFile:  "data/gateway.log",
		LogLevel: "info",
		Gateway: Gateway{
			ConfirmTimeout: 10 * time.Second,
			ChainID:        1337,
		},
		Sim: Sim{
			Markets:        []string{"BTC-USD", "ETH-USD"},
			Faucet:         "10000",
			Feeder:         false,
			FeederInterval: 500 * time.Millisecond,
		},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000"},
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if nets := os.Getenv("GATEWAY_NETWORKS"); nets != "" {
		// Example: "devnet:sim,staging:sim"
		cfg.Networks = parseNetworks(nets)
	}

	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = splitList(origins)
	}

	if d, ok := getEnvMillis("CONFIRM_TIMEOUT_MS"); ok {
		cfg.Gateway.ConfirmTimeout = d
	}
	if chain := os.Getenv("CHAIN_ID"); chain != "" {
		if id, err := strconv.ParseInt(chain, 10, 64); err == nil {
			cfg.Gateway.ChainID = id
		}
	}
	cfg.Gateway.SignerKey = strings.TrimPrefix(getEnv("SIGNER_PRIVATE_KEY", cfg.Gateway.SignerKey), "0x")

	if markets := os.Getenv("SIM_MARKETS"); markets != "" {
		cfg.Sim.Markets = splitList(markets)
	}
	cfg.Sim.Faucet = getEnv("SIM_FAUCET", cfg.Sim.Faucet)
	if feeder := os.Getenv("SIM_FEEDER"); feeder != "" {
		cfg.Sim.Feeder = feeder == "true"
	}
	if d, ok := getEnvMillis("SIM_FEEDER_INTERVAL_MS"); ok {
		cfg.Sim.FeederInterval = d
	}

	return cfg
}

func parseNetworks(s string) []Network {
	var out []Network
	for _, item := range splitList(s) {
		name, kind, found := strings.Cut(item, ":")
		if !found {
			kind = "sim"
		}
		out = append(out, Network{Name: name, Kind: kind})
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvMillis(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
