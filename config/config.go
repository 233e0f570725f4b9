// Package config loads runtime configuration for the payout core. Required
// settings come from the environment; worker tuning may additionally be
// overridden by an optional YAML file pointed at by PAYOUT_CONFIG.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"proven/civil"
)

// Config represents runtime configuration for the provend service.
type Config struct {
	ListenAddr       string
	DatabaseURL      string
	SolanaRPCURL     string
	USDCMint         string
	TreasuryAddress  string
	AdminBearerToken string
	Environment      string
	LogFile          string
	WorkerEnabled    bool
	ChallengeTZ      *time.Location
	Tuning           Tuning
}

// Tuning holds the operational knobs that default sensibly but are exposed
// for operators. Values are merged: YAML file first, env overrides second.
type Tuning struct {
	WorkerTick         Duration `yaml:"worker_tick"`
	WorkerBatchSize    int      `yaml:"worker_batch_size"`
	BackoffBase        Duration `yaml:"backoff_base"`
	MaxAttempts        int      `yaml:"max_attempts"`
	DustThresholdMicro int64    `yaml:"dust_threshold_micro"`
	RPCTimeout         Duration `yaml:"rpc_timeout"`
	RPCRequestsPerSec  float64  `yaml:"rpc_requests_per_sec"`
	SettlementMinute   int      `yaml:"settlement_minute"`
}

// Duration wraps time.Duration to support YAML unmarshalling.
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
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// FromEnv builds the service configuration from the process environment.
func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:       envOr("LISTEN_ADDR", ":8080"),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SolanaRPCURL:     strings.TrimSpace(os.Getenv("SOLANA_RPC_URL")),
		USDCMint:         strings.TrimSpace(os.Getenv("USDC_MINT")),
		TreasuryAddress:  strings.TrimSpace(os.Getenv("TREASURY_ADDRESS")),
		AdminBearerToken: strings.TrimSpace(os.Getenv("ADMIN_BEARER_TOKEN")),
		Environment:      strings.TrimSpace(os.Getenv("PROVEN_ENV")),
		LogFile:          strings.TrimSpace(os.Getenv("LOG_FILE")),
		WorkerEnabled:    envBool("PAYOUT_WORKER_ENABLED", false),
	}

	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.SolanaRPCURL == "" {
		return cfg, fmt.Errorf("config: SOLANA_RPC_URL is required")
	}
	if cfg.USDCMint == "" {
		return cfg, fmt.Errorf("config: USDC_MINT is required")
	}
	if cfg.AdminBearerToken == "" {
		return cfg, fmt.Errorf("config: ADMIN_BEARER_TOKEN is required")
	}

	loc, err := civil.LoadZone(os.Getenv("CHALLENGE_TIMEZONE"))
	if err != nil {
		return cfg, err
	}
	cfg.ChallengeTZ = loc

	tuning := defaultTuning()
	if path := strings.TrimSpace(os.Getenv("PAYOUT_CONFIG")); path != "" {
		if err := loadTuningFile(path, &tuning); err != nil {
			return cfg, err
		}
	}
	applyTuningEnv(&tuning)
	cfg.Tuning = tuning
	return cfg, nil
}

func defaultTuning() Tuning {
	return Tuning{
		WorkerTick:         Duration{30 * time.Second},
		WorkerBatchSize:    10,
		BackoffBase:        Duration{30 * time.Second},
		MaxAttempts:        3,
		DustThresholdMicro: 1_000,
		RPCTimeout:         Duration{25 * time.Second},
		RPCRequestsPerSec:  10,
		SettlementMinute:   5,
	}
}

func loadTuningFile(path string, tuning *Tuning) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open tuning file: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(tuning); err != nil {
		return fmt.Errorf("config: decode tuning file: %w", err)
	}
	normaliseTuning(tuning)
	return nil
}

func applyTuningEnv(tuning *Tuning) {
	if raw := strings.TrimSpace(os.Getenv("PAYOUT_BACKOFF_BASE")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			tuning.BackoffBase = Duration{parsed}
		}
	}
	if raw := strings.TrimSpace(os.Getenv("DUST_THRESHOLD_MICRO")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed >= 0 {
			tuning.DustThresholdMicro = parsed
		}
	}
	normaliseTuning(tuning)
}

func normaliseTuning(tuning *Tuning) {
	if tuning.WorkerTick.Duration <= 0 {
		tuning.WorkerTick = Duration{30 * time.Second}
	}
	if tuning.WorkerBatchSize <= 0 {
		tuning.WorkerBatchSize = 10
	}
	if tuning.BackoffBase.Duration <= 0 {
		tuning.BackoffBase = Duration{30 * time.Second}
	}
	if tuning.MaxAttempts <= 0 {
		tuning.MaxAttempts = 3
	}
	if tuning.RPCTimeout.Duration <= 0 {
		tuning.RPCTimeout = Duration{25 * time.Second}
	}
	if tuning.RPCRequestsPerSec <= 0 {
		tuning.RPCRequestsPerSec = 10
	}
	if tuning.SettlementMinute < 0 || tuning.SettlementMinute > 59 {
		tuning.SettlementMinute = 5
	}
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
