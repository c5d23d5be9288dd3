package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from human
// readable strings such as "30s" or "1h".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the faucet daemon.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	ChainRPCURL   string        `yaml:"chain_rpc_url"`
	Funding       FundingConfig `yaml:"funding"`
	Faucet        FaucetConfig  `yaml:"faucet"`
	Server        ServerConfig  `yaml:"server"`
}

// FundingConfig describes the custodial funding account. The private key may
// be supplied inline, via an environment variable, or via a file; inline wins.
type FundingConfig struct {
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyEnv  string `yaml:"private_key_env"`
	PrivateKeyFile string `yaml:"private_key_file"`
	// BalanceFloor is the minimum funding balance, in whole native units,
	// below which the health endpoint reports unhealthy.
	BalanceFloor string `yaml:"balance_floor"`
}

// FaucetConfig holds the dispatch and admission parameters.
type FaucetConfig struct {
	// TransferAmount is the fixed per-grant amount in whole native units,
	// e.g. "0.5". It is not user-selectable.
	TransferAmount    string   `yaml:"transfer_amount"`
	Cooldown          Duration `yaml:"cooldown"`
	InFlightCeiling   int      `yaml:"in_flight_ceiling"`
	MaxAttempts       int      `yaml:"max_attempts"`
	BackoffBase       Duration `yaml:"backoff_base"`
	RPCTimeout        Duration `yaml:"rpc_timeout"`
	ClientWait        Duration `yaml:"client_wait"`
	ReceiptPoll       Duration `yaml:"receipt_poll"`
	ConfirmTimeout    Duration `yaml:"confirm_timeout"`
	ReconcileInterval Duration `yaml:"reconcile_interval"`
	MaxLedgerAge      Duration `yaml:"max_ledger_age"`
	StatusRequeries   int      `yaml:"status_requeries"`
	JournalPath       string   `yaml:"journal"`
}

// ServerConfig holds the HTTP listener parameters.
type ServerConfig struct {
	RequesterHeader   string   `yaml:"requester_header"`
	RequestsPerMinute float64  `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
	HealthInterval    Duration `yaml:"health_interval"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Funding.normalise(); err != nil {
		return cfg, fmt.Errorf("funding key: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8111"
	}
	if cfg.Faucet.TransferAmount == "" {
		cfg.Faucet.TransferAmount = "1"
	}
	if cfg.Faucet.Cooldown.Duration == 0 {
		cfg.Faucet.Cooldown.Duration = time.Hour
	}
	if cfg.Faucet.InFlightCeiling <= 0 {
		cfg.Faucet.InFlightCeiling = 128
	}
	if cfg.Faucet.MaxAttempts <= 0 {
		cfg.Faucet.MaxAttempts = 5
	}
	if cfg.Faucet.BackoffBase.Duration == 0 {
		cfg.Faucet.BackoffBase.Duration = time.Second
	}
	if cfg.Faucet.RPCTimeout.Duration == 0 {
		cfg.Faucet.RPCTimeout.Duration = 10 * time.Second
	}
	if cfg.Faucet.ClientWait.Duration == 0 {
		cfg.Faucet.ClientWait.Duration = 15 * time.Second
	}
	if cfg.Faucet.ReceiptPoll.Duration == 0 {
		cfg.Faucet.ReceiptPoll.Duration = 2 * time.Second
	}
	if cfg.Faucet.ConfirmTimeout.Duration == 0 {
		cfg.Faucet.ConfirmTimeout.Duration = 5 * time.Minute
	}
	if cfg.Faucet.ReconcileInterval.Duration == 0 {
		cfg.Faucet.ReconcileInterval.Duration = time.Minute
	}
	if cfg.Faucet.MaxLedgerAge.Duration == 0 {
		cfg.Faucet.MaxLedgerAge.Duration = 30 * time.Second
	}
	if cfg.Faucet.StatusRequeries <= 0 {
		cfg.Faucet.StatusRequeries = 3
	}
	if cfg.Server.RequesterHeader == "" {
		cfg.Server.RequesterHeader = "X-Requester-Id"
	}
	if cfg.Server.RequestsPerMinute <= 0 {
		cfg.Server.RequestsPerMinute = 30
	}
	if cfg.Server.Burst <= 0 {
		cfg.Server.Burst = 5
	}
	if cfg.Server.HealthInterval.Duration == 0 {
		cfg.Server.HealthInterval.Duration = 10 * time.Second
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.ChainRPCURL) == "" {
		return fmt.Errorf("chain_rpc_url must be configured")
	}
	if strings.TrimSpace(cfg.Funding.PrivateKey) == "" {
		return fmt.Errorf("funding private key must be configured")
	}
	if _, err := ParseUnits(cfg.Faucet.TransferAmount); err != nil {
		return fmt.Errorf("transfer_amount: %w", err)
	}
	if cfg.Funding.BalanceFloor != "" {
		if _, err := ParseUnits(cfg.Funding.BalanceFloor); err != nil {
			return fmt.Errorf("balance_floor: %w", err)
		}
	}
	return nil
}

func (f *FundingConfig) normalise() error {
	if f == nil {
		return fmt.Errorf("funding configuration missing")
	}
	f.PrivateKey = strings.TrimSpace(f.PrivateKey)
	f.PrivateKeyEnv = strings.TrimSpace(f.PrivateKeyEnv)
	f.PrivateKeyFile = strings.TrimSpace(f.PrivateKeyFile)
	if f.PrivateKey != "" {
		return nil
	}
	switch {
	case f.PrivateKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(f.PrivateKeyEnv))
		if value == "" {
			return fmt.Errorf("private_key_env %s is empty", f.PrivateKeyEnv)
		}
		f.PrivateKey = value
	case f.PrivateKeyFile != "":
		contents, err := os.ReadFile(f.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("read private_key_file: %w", err)
		}
		f.PrivateKey = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("private_key is required")
	}
	return nil
}

const nativeDecimals = 18

// ParseUnits converts a decimal amount of whole native units ("1.5") into the
// chain's base denomination (wei for Ethereum-style chains).
func ParseUnits(amount string) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	if strings.HasPrefix(trimmed, "-") {
		return nil, fmt.Errorf("amount must not be negative")
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > nativeDecimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", trimmed, nativeDecimals)
	}
	frac += strings.Repeat("0", nativeDecimals-len(frac))
	combined := whole + frac
	value, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", trimmed)
	}
	return value, nil
}
