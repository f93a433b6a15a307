// Package config loads this binary's runtime configuration from the
// environment: the Postgres connection used by internal/pgstore, the XRPL
// witness backend's account and network settings, the HTTP listen and
// metrics addresses for pkg/server, the optional Firestore live-sync toggle,
// and logging.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete set of runtime settings for the nexusd binary.
type Config struct {
	// HTTP server
	ListenAddr  string
	MetricsAddr string
	ReadTimeout time.Duration

	// Postgres (internal/pgstore)
	DatabaseURL        string
	DatabaseMaxConns   int
	DatabaseMaxIdle    int
	DatabaseConnMaxAge time.Duration

	// XRPL witness backend (pkg/xrpl)
	XRPLNetwork     string
	XRPLRPCURL      string
	XRPLAccount     string
	XRPLSubmitRetry time.Duration

	// Signer (internal/signerref)
	SignerKeyID     string
	SignerKeyPath   string
	SignerAlgorithm string

	// Firestore live-sync (internal/livesync), optional
	FirestoreEnabled  bool
	FirestoreProject  string
	FirestoreCredPath string

	// Exchange body store (pkg/exchangestore), optional — when unset, XRPL
	// JSON-RPC exchanges are still digested and indexed but bodies are not
	// persisted to disk.
	ExchangeBodyRoot string

	// Logging
	LogLevel  string
	LogFormat string

	Env string
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// Load populates a Config from the process environment, applying defaults
// suitable for local development wherever a variable is unset.
func Load() *Config {
	return &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		ReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),

		DatabaseURL:        getEnv("DATABASE_URL", "postgres://localhost:5432/nexusctl?sslmode=disable"),
		DatabaseMaxConns:   getEnvInt("DATABASE_MAX_CONNS", 20),
		DatabaseMaxIdle:    getEnvInt("DATABASE_MAX_IDLE", 5),
		DatabaseConnMaxAge: getEnvDuration("DATABASE_CONN_MAX_AGE", time.Hour),

		XRPLNetwork:     getEnv("XRPL_NETWORK", "testnet"),
		XRPLRPCURL:      getEnv("XRPL_RPC_URL", "https://s.altnet.rippletest.net:51234"),
		XRPLAccount:     getEnv("XRPL_ACCOUNT", ""),
		XRPLSubmitRetry: getEnvDuration("XRPL_SUBMIT_RETRY_INTERVAL", 10*time.Second),

		SignerKeyID:     getEnv("SIGNER_KEY_ID", ""),
		SignerKeyPath:   getEnv("SIGNER_KEY_PATH", ""),
		SignerAlgorithm: getEnv("SIGNER_ALGORITHM", "ed25519"),

		FirestoreEnabled:  getEnvBool("FIRESTORE_ENABLED", false),
		FirestoreProject:  getEnv("FIRESTORE_PROJECT", ""),
		FirestoreCredPath: getEnv("FIRESTORE_CREDENTIALS_PATH", ""),

		ExchangeBodyRoot: getEnv("EXCHANGE_BODY_ROOT", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		Env: getEnv("ENV", "development"),
	}
}

// Validate enforces the fields required to run against a real XRPL network
// and a real Postgres instance, accumulating every violation into a single
// error rather than failing on the first.
func (c *Config) Validate() error {
	var errs []string

	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.XRPLAccount == "" {
		errs = append(errs, "XRPL_ACCOUNT is required")
	}
	if c.SignerKeyID == "" {
		errs = append(errs, "SIGNER_KEY_ID is required")
	}
	if c.SignerKeyPath == "" {
		errs = append(errs, "SIGNER_KEY_PATH is required")
	}
	switch c.SignerAlgorithm {
	case "ed25519", "secp256k1":
	default:
		errs = append(errs, fmt.Sprintf("SIGNER_ALGORITHM %q is not one of ed25519, secp256k1", c.SignerAlgorithm))
	}
	if c.FirestoreEnabled && c.FirestoreProject == "" {
		errs = append(errs, "FIRESTORE_PROJECT is required when FIRESTORE_ENABLED=true")
	}
	if c.DatabaseMaxConns <= 0 {
		errs = append(errs, "DATABASE_MAX_CONNS must be positive")
	}
	switch c.XRPLNetwork {
	case "mainnet", "testnet", "devnet":
	default:
		errs = append(errs, fmt.Sprintf("XRPL_NETWORK %q is not one of mainnet, testnet, devnet", c.XRPLNetwork))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateForDevelopment applies a relaxed check suitable for local runs
// against a disposable database and testnet account: it only insists on the
// settings that would otherwise panic deep inside the XRPL pipeline or
// pgstore rather than failing fast at startup.
func (c *Config) ValidateForDevelopment() error {
	var errs []string

	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.DatabaseMaxConns <= 0 {
		errs = append(errs, "DATABASE_MAX_CONNS must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
