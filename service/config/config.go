package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Feed sources.
const (
	FeedSourceLedger = "ledger"
	FeedSourceNATS   = "nats"
)

// Wallet approval modes.
const (
	WalletApprovalAuto   = "auto"
	WalletApprovalPrompt = "prompt"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Solana configuration
	SolanaRPCURLs   []string
	SolanaWSURL     string
	ContractAddress string

	// Wallet configuration. An empty keypair path means no wallet provider.
	WalletKeypairPath        string
	WalletAuthorizedAccounts []string
	WalletApproval           string

	// Wave configuration
	GasLimit          uint32
	WaveTipLamports   uint64
	NotificationDwell time.Duration

	// Confirmation configuration
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
	ReadPageSize        int

	// Live feed configuration
	FeedSource string
	NATSURL    string

	// Database configuration (archive, optional for the server)
	DatabaseURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
	SyncInterval      time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Solana configuration
	cfg.SolanaRPCURLs = splitList(os.Getenv("SOLANA_RPC_URL"))
	if len(cfg.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}
	cfg.SolanaWSURL = os.Getenv("SOLANA_WS_URL")
	if cfg.SolanaWSURL == "" && len(cfg.SolanaRPCURLs) > 0 {
		cfg.SolanaWSURL = websocketURL(cfg.SolanaRPCURLs[0])
	}

	cfg.ContractAddress = os.Getenv("CONTRACT_ADDRESS")
	if cfg.ContractAddress == "" {
		errs = append(errs, fmt.Errorf("CONTRACT_ADDRESS is required"))
	} else if _, err := solana.PublicKeyFromBase58(cfg.ContractAddress); err != nil {
		errs = append(errs, fmt.Errorf("CONTRACT_ADDRESS: invalid address %q: %w", cfg.ContractAddress, err))
	}

	// Wallet configuration
	cfg.WalletKeypairPath = os.Getenv("WALLET_KEYPAIR_PATH")
	cfg.WalletAuthorizedAccounts = splitList(os.Getenv("WALLET_AUTHORIZED_ACCOUNTS"))
	cfg.WalletApproval = getEnvOrDefault("WALLET_APPROVAL", WalletApprovalAuto)

	// Wave configuration
	gasLimit, err := parseInt("GAS_LIMIT", 500000)
	if err != nil {
		errs = append(errs, err)
	} else if gasLimit <= 0 || gasLimit > 1_400_000 {
		errs = append(errs, fmt.Errorf("GAS_LIMIT must be between 1 and 1400000, got %d", gasLimit))
	} else {
		cfg.GasLimit = uint32(gasLimit)
	}

	tip, err := parseUint("WAVE_TIP_LAMPORTS", 0)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.WaveTipLamports = tip
	}

	dwell, err := parseDuration("NOTIFICATION_DWELL", "3s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.NotificationDwell = dwell
	}

	// Confirmation configuration
	confirmTimeout, err := parseDuration("CONFIRM_TIMEOUT", "60s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmTimeout = confirmTimeout
	}

	pollInterval, err := parseDuration("CONFIRM_POLL_INTERVAL", "1s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmPollInterval = pollInterval
	}

	pageSize, err := parseInt("READ_PAGE_SIZE", 1000)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ReadPageSize = pageSize
	}

	// Live feed configuration
	cfg.FeedSource = getEnvOrDefault("FEED_SOURCE", FeedSourceLedger)
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "waveportal-sync")

	syncInterval, err := parseDuration("SYNC_INTERVAL", "5m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SyncInterval = syncInterval
	}

	if err := cfg.validateRanges(); err != nil {
		errs = append(errs, err...)
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if len(c.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SolanaRPCURLs is required"))
	}

	if c.ContractAddress == "" {
		errs = append(errs, fmt.Errorf("ContractAddress is required"))
	}

	if c.GasLimit == 0 {
		errs = append(errs, fmt.Errorf("GasLimit must be positive"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	errs = append(errs, c.validateRanges()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

func (c *Config) validateRanges() []error {
	var errs []error

	if c.NotificationDwell <= 0 {
		errs = append(errs, fmt.Errorf("NotificationDwell must be positive"))
	}

	if c.ConfirmPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmPollInterval must be positive"))
	}

	if c.ConfirmTimeout < c.ConfirmPollInterval {
		errs = append(errs, fmt.Errorf("ConfirmTimeout (%v) cannot be less than ConfirmPollInterval (%v)",
			c.ConfirmTimeout, c.ConfirmPollInterval))
	}

	if c.FeedSource != FeedSourceLedger && c.FeedSource != FeedSourceNATS {
		errs = append(errs, fmt.Errorf("FeedSource must be %q or %q, got %q", FeedSourceLedger, FeedSourceNATS, c.FeedSource))
	}

	if c.WalletApproval != "" && c.WalletApproval != WalletApprovalAuto && c.WalletApproval != WalletApprovalPrompt {
		errs = append(errs, fmt.Errorf("WalletApproval must be %q or %q, got %q", WalletApprovalAuto, WalletApprovalPrompt, c.WalletApproval))
	}

	if c.SyncInterval < time.Second {
		errs = append(errs, fmt.Errorf("SyncInterval must be at least 1 second"))
	}

	return errs
}

// RequireDatabase reports an error when the archive is not configured.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid unsigned integer %q: %w", key, value, err)
	}
	return result, nil
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func websocketURL(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	default:
		return rpcURL
	}
}
