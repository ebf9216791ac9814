package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName          = "ClassMint"
	defaultAppEnv           = "development"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultTokenTTL         = time.Hour
	defaultIssueRateLimit   = 60
	defaultGasMarginPercent = 20
	defaultConfirmTimeout   = 90 * time.Second
	defaultPollInterval     = 2 * time.Second
	defaultSignerLockTTL    = 60 * time.Second
	defaultReconcileEvery   = time.Minute
	defaultMinterUserID     = "platform-minter"
	defaultMasterKeyID      = "master-v1"
	idemTTLSecondsEnvVar    = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar        = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar   = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar  = "SHUTDOWN_TIMEOUT"
	masterKeyEnvVar         = "VAULT_MASTER_KEY"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	Env            string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	JWTSecret      string
	TokenTTL       time.Duration
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	// MasterKey is the 32 byte vault key; MasterKeyID tags every record it seals.
	MasterKey   []byte
	MasterKeyID string

	Chain ChainConfig

	MinterUserID        string
	ReconcileInterval   time.Duration
	StrictIssuerBinding bool
	// IssueRateLimit caps issuance calls per issuer per minute.
	IssueRateLimit int
}

// ChainConfig holds everything that identifies the target chain and award contract.
type ChainConfig struct {
	RPCURL           string
	ChainID          int64
	ContractAddress  string
	Network          string
	GasMarginPercent int
	ConfirmTimeout   time.Duration
	PollInterval     time.Duration
	SignerLockTTL    time.Duration
}

// Load reads configuration values from the environment and populates a Config instance.
// A .env file in the working directory is honoured when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		Env:            strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		TokenTTL:       defaultTokenTTL,
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
		MasterKeyID:    getEnv("VAULT_MASTER_KEY_ID", defaultMasterKeyID),
		MinterUserID:   getEnv("MINTER_USER_ID", defaultMinterUserID),
		Chain: ChainConfig{
			RPCURL:           os.Getenv("CHAIN_RPC_URL"),
			ContractAddress:  os.Getenv("AWARD_CONTRACT_ADDRESS"),
			Network:          getEnv("CHAIN_NETWORK", "evm"),
			GasMarginPercent: defaultGasMarginPercent,
			ConfirmTimeout:   defaultConfirmTimeout,
			PollInterval:     defaultPollInterval,
			SignerLockTTL:    defaultSignerLockTTL,
		},
		ReconcileInterval: defaultReconcileEvery,
		IssueRateLimit:    defaultIssueRateLimit,
	}

	var err error
	if cfg.ShutdownPeriod, err = secondsOrDuration(shutdownSecondsEnvVar, shutdownDurationEnvVar, cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = secondsOrDuration(idemTTLSecondsEnvVar, idemTTLDurEnvVar, cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.Chain.ConfirmTimeout, err = duration("CONFIRMATION_TIMEOUT", cfg.Chain.ConfirmTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Chain.PollInterval, err = duration("RECEIPT_POLL_INTERVAL", cfg.Chain.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.Chain.SignerLockTTL, err = duration("SIGNER_LOCK_TTL", cfg.Chain.SignerLockTTL); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileInterval, err = duration("RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return Config{}, err
	}
	if cfg.TokenTTL, err = duration("ACCESS_TOKEN_TTL", cfg.TokenTTL); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CHAIN_ID: %w", err)
		}
		cfg.Chain.ChainID = id
	}
	if v := os.Getenv("GAS_MARGIN_PERCENT"); v != "" {
		pct, err := strconv.Atoi(v)
		if err != nil || pct < 0 {
			return Config{}, fmt.Errorf("invalid GAS_MARGIN_PERCENT: %q", v)
		}
		cfg.Chain.GasMarginPercent = pct
	}
	if v := os.Getenv("ISSUE_RATE_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return Config{}, fmt.Errorf("invalid ISSUE_RATE_LIMIT: %q", v)
		}
		cfg.IssueRateLimit = limit
	}
	if v := os.Getenv("STRICT_ISSUER_BINDING"); v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid STRICT_ISSUER_BINDING: %w", err)
		}
		cfg.StrictIssuerBinding = strict
	}

	if v := os.Getenv(masterKeyEnvVar); v != "" {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", masterKeyEnvVar, err)
		}
		if len(key) != 32 {
			return Config{}, fmt.Errorf("%s must decode to 32 bytes, got %d", masterKeyEnvVar, len(key))
		}
		cfg.MasterKey = key
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.MasterKey) == 0 {
		return fmt.Errorf("%s must be set", masterKeyEnvVar)
	}
	if c.IsDev() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	return nil
}

// IsDev reports whether the app runs in a local/dev environment.
func (c Config) IsDev() bool {
	switch c.Env {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// ChainEnabled reports whether enough chain settings exist to submit real transactions.
func (c Config) ChainEnabled() bool {
	return c.Chain.RPCURL != "" && c.Chain.ContractAddress != "" && c.Chain.ChainID != 0
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func secondsOrDuration(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	return duration(durationKey, fallback)
}

func duration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
