package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/thalamus/internal/config"
)

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing primary provider",
			yaml:    "server:\n  log_level: info\n",
			wantErr: "llm.primary.name is required",
		},
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: bananas\nllm:\n  primary:\n    name: mock\n",
			wantErr: "server.log_level",
		},
		{
			name:    "invalid driver",
			yaml:    "ledger:\n  driver: mongo\nllm:\n  primary:\n    name: mock\n",
			wantErr: "ledger.driver",
		},
		{
			name:    "postgres without dsn",
			yaml:    "ledger:\n  driver: postgres\nllm:\n  primary:\n    name: mock\n",
			wantErr: "ledger.dsn is required",
		},
		{
			name:    "sqlite without dsn",
			yaml:    "ledger:\n  driver: sqlite\nllm:\n  primary:\n    name: mock\n",
			wantErr: "ledger.dsn is required",
		},
		{
			name:    "fallback without name",
			yaml:    "llm:\n  primary:\n    name: mock\n  fallbacks:\n    - model: x\n",
			wantErr: "llm.fallbacks[0].name",
		},
		{
			name:    "threshold above one",
			yaml:    "llm:\n  primary:\n    name: mock\nrefiner:\n  confidence_threshold: 1.5\n",
			wantErr: "refiner.confidence_threshold",
		},
		{
			name:    "negative interval",
			yaml:    "llm:\n  primary:\n    name: mock\nrefiner:\n  interval: -1s\n",
			wantErr: "refiner.interval",
		},
		{
			name:    "negative attempts",
			yaml:    "llm:\n  primary:\n    name: mock\nrefiner:\n  max_attempts: -2\n",
			wantErr: "refiner.max_attempts",
		},
		{
			name:    "blank vocabulary term",
			yaml:    "llm:\n  primary:\n    name: mock\nrefiner:\n  vocabulary: [Eldrinax, \"  \"]\n",
			wantErr: "refiner.vocabulary[1]",
		},
		{
			name:    "negative breaker failures",
			yaml:    "llm:\n  primary:\n    name: mock\n  breaker:\n    max_failures: -1\n",
			wantErr: "llm.breaker.max_failures",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q should mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
ledger:
  driver: postgres
refiner:
  workers: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "ledger.dsn", "llm.primary.name", "refiner.workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"anyllm:anthropic", "anyllm:notabackend", "acme-llm"} {
		yaml := "llm:\n  primary:\n    name: " + name + "\n"
		if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
			t.Errorf("provider %q: unexpected error %v", name, err)
		}
	}
}

func TestValidate_SQLiteWithPath(t *testing.T) {
	t.Parallel()
	yaml := "ledger:\n  driver: sqlite\n  dsn: /var/lib/thalamus/ledger.db\nllm:\n  primary:\n    name: mock\n"
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Ledger.Driver != config.DriverSQLite {
		t.Errorf("driver = %q", cfg.Ledger.Driver)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Refiner: config.RefinerConfig{Workers: 1, MaxAttempts: 7, Temperature: 0.9},
		Ingest:  config.IngestConfig{NATS: config.NATSConfig{URL: "nats://x", Subject: "custom"}},
	}
	config.ApplyDefaults(cfg)

	if cfg.Refiner.Workers != 1 || cfg.Refiner.MaxAttempts != 7 || cfg.Refiner.Temperature != 0.9 {
		t.Errorf("explicit refiner values overwritten: %+v", cfg.Refiner)
	}
	if cfg.Ingest.NATS.Subject != "custom" || cfg.Ingest.NATS.Stream != config.DefaultNATSStream {
		t.Errorf("nats = %+v", cfg.Ingest.NATS)
	}
}
