package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesClawbackServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "CLAWBACK_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "CLAWBACK_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_DefaultsApply(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "CLAWBACK_MODE")
	unsetEnvWithCleanup(t, "IDENTITY_RETENTION_DAYS")
	unsetEnvWithCleanup(t, "EVENT_FETCH_BATCH_SIZE")
	unsetEnvWithCleanup(t, "TARGET_SANDBOX_ID")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ClawbackMode != ModeSingleIdentity {
		t.Fatalf("expected default mode %q, got %q", ModeSingleIdentity, cfg.ClawbackMode)
	}
	if cfg.IdentityRetentionDays != 90 {
		t.Fatalf("expected default retention of 90 days, got %d", cfg.IdentityRetentionDays)
	}
	if cfg.EventFetchBatchSize != 32 {
		t.Fatalf("expected default event fetch batch of 32, got %d", cfg.EventFetchBatchSize)
	}
	if cfg.TargetSandboxID != "RETAIL" {
		t.Fatalf("expected default sandbox RETAIL, got %q", cfg.TargetSandboxID)
	}
}

func TestLoadConfig_RejectsUnknownMode(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "CLAWBACK_MODE", "hybrid")

	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatal("expected error for unknown CLAWBACK_MODE, got nil")
	}
}

func TestLoadConfig_NormalizesModeCase(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "CLAWBACK_MODE", " Multi ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ClawbackMode != ModeMultiIdentity {
		t.Fatalf("expected normalized mode %q, got %q", ModeMultiIdentity, cfg.ClawbackMode)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
