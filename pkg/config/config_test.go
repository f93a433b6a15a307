package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearEnv(t, "LISTEN_ADDR", "XRPL_NETWORK", "DATABASE_MAX_CONNS", "FIRESTORE_ENABLED")

	cfg := Load()

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.XRPLNetwork != "testnet" {
		t.Fatalf("XRPLNetwork = %q, want testnet", cfg.XRPLNetwork)
	}
	if cfg.DatabaseMaxConns != 20 {
		t.Fatalf("DatabaseMaxConns = %d, want 20", cfg.DatabaseMaxConns)
	}
	if cfg.FirestoreEnabled {
		t.Fatal("FirestoreEnabled should default to false")
	}
}

func TestLoad_ReadsOverrides(t *testing.T) {
	clearEnv(t, "LISTEN_ADDR", "DATABASE_MAX_CONNS")
	os.Setenv("LISTEN_ADDR", ":9999")
	os.Setenv("DATABASE_MAX_CONNS", "50")

	cfg := Load()

	if cfg.ListenAddr != ":9999" {
		t.Fatalf("ListenAddr = %q, want :9999", cfg.ListenAddr)
	}
	if cfg.DatabaseMaxConns != 50 {
		t.Fatalf("DatabaseMaxConns = %d, want 50", cfg.DatabaseMaxConns)
	}
}

func TestLoad_IgnoresUnparseableOverrides(t *testing.T) {
	clearEnv(t, "DATABASE_MAX_CONNS")
	os.Setenv("DATABASE_MAX_CONNS", "not-a-number")

	cfg := Load()

	if cfg.DatabaseMaxConns != 20 {
		t.Fatalf("DatabaseMaxConns = %d, want fallback 20 on unparseable value", cfg.DatabaseMaxConns)
	}
}

func validConfig() *Config {
	return &Config{
		DatabaseURL:      "postgres://localhost:5432/nexusctl",
		DatabaseMaxConns: 10,
		XRPLNetwork:      "testnet",
		XRPLAccount:      "rAccount123",
		SignerKeyID:      "key-1",
		SignerKeyPath:    "/etc/nexusd/signer.key",
		SignerAlgorithm:  "ed25519",
	}
}

func TestValidate_AcceptsCompleteConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_AccumulatesMultipleErrors(t *testing.T) {
	cfg := &Config{XRPLNetwork: "bogus"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate: want error for an empty config, got nil")
	}
	for _, want := range []string{"DATABASE_URL", "XRPL_ACCOUNT", "SIGNER_KEY_ID", "SIGNER_KEY_PATH", "bogus"} {
		if !contains(err.Error(), want) {
			t.Fatalf("Validate error %q missing expected substring %q", err.Error(), want)
		}
	}
}

func TestValidate_RequiresFirestoreProjectWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.FirestoreEnabled = true
	err := cfg.Validate()
	if err == nil || !contains(err.Error(), "FIRESTORE_PROJECT") {
		t.Fatalf("Validate = %v, want an error mentioning FIRESTORE_PROJECT", err)
	}
}

func TestValidateForDevelopment_OnlyChecksEssentials(t *testing.T) {
	cfg := &Config{
		DatabaseURL:      "postgres://localhost:5432/nexusctl",
		DatabaseMaxConns: 5,
	}
	if err := cfg.ValidateForDevelopment(); err != nil {
		t.Fatalf("ValidateForDevelopment: %v, want nil despite missing XRPL/signer fields", err)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
