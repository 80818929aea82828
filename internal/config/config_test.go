package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func requiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SETTLEMENT_AGGREGATOR_BASE_URL", "https://aggregator.test")
	t.Setenv("SETTLEMENT_AGGREGATOR_MERCHANT_ID", "MCH-1")
	t.Setenv("SETTLEMENT_AGGREGATOR_API_KEY", "secret")
}

func TestLoadDefaults(t *testing.T) {
	requiredEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "settlement.db" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Aggregator.RetryAttempts != 3 || cfg.Aggregator.RetryInterval != time.Second {
		t.Errorf("unexpected retry defaults: %+v", cfg.Aggregator)
	}
	if cfg.Orders.IDPrefix != "UGMP" {
		t.Errorf("IDPrefix = %q", cfg.Orders.IDPrefix)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settlement.yaml")
	data := `
http:
  addr: ":9000"
database:
  driver: pgx
  dsn: postgres://localhost/settlement
aggregator:
  base_url: https://file.test
  merchant_id: FILE-MCH
  timeout: 4s
  retry_attempts: 5
sweep:
  interval: 30s
log_level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SETTLEMENT_AGGREGATOR_API_KEY", "from-env")
	t.Setenv("SETTLEMENT_AGGREGATOR_MERCHANT_ID", "ENV-MCH")
	t.Setenv("SETTLEMENT_RETRY_INTERVAL", "250ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.Addr != ":9000" || cfg.Database.Driver != "pgx" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Aggregator.BaseURL != "https://file.test" || cfg.Aggregator.Timeout != 4*time.Second || cfg.Aggregator.RetryAttempts != 5 {
		t.Errorf("unexpected aggregator config: %+v", cfg.Aggregator)
	}
	if cfg.Aggregator.MerchantID != "ENV-MCH" || cfg.Aggregator.APIKey != "from-env" {
		t.Errorf("environment did not override file: %+v", cfg.Aggregator)
	}
	if cfg.Aggregator.RetryInterval != 250*time.Millisecond {
		t.Errorf("RetryInterval = %s", cfg.Aggregator.RetryInterval)
	}
	if cfg.Sweep.Interval != 30*time.Second || cfg.Sweep.StaleAfter != 24*time.Hour {
		t.Errorf("unexpected sweep config: %+v", cfg.Sweep)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLegacyEnvKeys(t *testing.T) {
	requiredEnv(t)
	t.Setenv("PORT", "7000")
	t.Setenv("DB_PATH", "legacy.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.Addr != ":7000" || cfg.Database.DSN != "legacy.db" {
		t.Errorf("legacy keys not applied: %+v", cfg)
	}

	t.Setenv("SETTLEMENT_HTTP_ADDR", "127.0.0.1:7100")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:7100" {
		t.Errorf("SETTLEMENT_HTTP_ADDR should win over PORT, got %q", cfg.HTTP.Addr)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("bad duration", func(t *testing.T) {
		requiredEnv(t)
		t.Setenv("SETTLEMENT_SWEEP_INTERVAL", "soon")
		_, err := Load("")
		if err == nil || !strings.Contains(err.Error(), "SETTLEMENT_SWEEP_INTERVAL") {
			t.Errorf("expected duration error, got %v", err)
		}
	})

	t.Run("missing aggregator settings", func(t *testing.T) {
		_, err := Load("")
		if err == nil {
			t.Fatal("expected validation error")
		}
		for _, want := range []string{"base_url", "merchant_id", "api_key"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("error %q does not mention %s", err, want)
			}
		}
	})

	t.Run("missing file", func(t *testing.T) {
		requiredEnv(t)
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("unknown driver", func(t *testing.T) {
		requiredEnv(t)
		t.Setenv("SETTLEMENT_DB_DRIVER", "mysql")
		if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "mysql") {
			t.Errorf("expected driver error, got %v", err)
		}
	})
}

func TestLoadDatabaseSkipsAggregatorSettings(t *testing.T) {
	t.Setenv("SETTLEMENT_DB_DSN", "rates.db")

	db, err := LoadDatabase("")
	if err != nil {
		t.Fatalf("LoadDatabase failed: %v", err)
	}
	if db.Driver != "sqlite" || db.DSN != "rates.db" {
		t.Errorf("unexpected database config: %+v", db)
	}

	t.Setenv("SETTLEMENT_DB_DRIVER", "oracle")
	if _, err := LoadDatabase(""); err == nil {
		t.Error("expected driver error")
	}
}
