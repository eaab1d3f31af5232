package config

import (
	"testing"
	"time"
)

// envVars lists every variable Load reads so tests start from a clean slate.
var envVars = []string{
	"WCP_DATABASE_URL", "WCP_GRPC_ADDR", "WCP_HTTP_ADDR", "WCP_NATS_URL",
	"WCP_AUTH_TOKEN", "WCP_JWT_SECRET", "WCP_REDIS_URL", "WCP_POLICY_FILE",
	"WCP_HTTP_RATE", "WCP_HTTP_BURST", "WCP_WORKERS", "WCP_JOBS_ENABLED",
	"WCP_CRON_RECALCULATE", "WCP_CRON_DECAY", "WCP_CRON_RANKS",
	"WCP_CRON_PYRAMID_SCAN", "WCP_CRON_CLUSTER_SCAN", "WCP_CRON_SNAPSHOT",
	"WCP_JOB_TIMEOUT", "WCP_SNAPSHOT_S3_BUCKET", "WCP_SNAPSHOT_S3_ENDPOINT",
	"WCP_SNAPSHOT_S3_REGION", "WCP_SNAPSHOT_S3_PREFIX", "WCP_SNAPSHOT_DIR",
}

func clearAllEnv(t *testing.T) {
	t.Helper()
	for _, key := range envVars {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	for _, tc := range []struct {
		name         string
		env          map[string]string
		wantErr      bool
		wantGRPCAddr string
		wantHTTPAddr string
		wantWorkers  int
		wantRate     float64
	}{
		{
			name:    "MissingDatabaseURL",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name:         "Defaults",
			env:          map[string]string{"WCP_DATABASE_URL": "postgres://localhost/points"},
			wantGRPCAddr: ":9090",
			wantHTTPAddr: ":8080",
			wantWorkers:  8,
		},
		{
			name: "CustomValues",
			env: map[string]string{
				"WCP_DATABASE_URL": "postgres://db:5432/points",
				"WCP_GRPC_ADDR":    ":5050",
				"WCP_HTTP_ADDR":    ":3000",
				"WCP_WORKERS":      "2",
				"WCP_HTTP_RATE":    "12.5",
			},
			wantGRPCAddr: ":5050",
			wantHTTPAddr: ":3000",
			wantWorkers:  2,
			wantRate:     12.5,
		},
		{
			name:    "ZeroWorkers",
			env:     map[string]string{"WCP_DATABASE_URL": "memory://", "WCP_WORKERS": "0"},
			wantErr: true,
		},
		{
			name:    "BadRate",
			env:     map[string]string{"WCP_DATABASE_URL": "memory://", "WCP_HTTP_RATE": "fast"},
			wantErr: true,
		},
		{
			name:    "BadJobsFlag",
			env:     map[string]string{"WCP_DATABASE_URL": "memory://", "WCP_JOBS_ENABLED": "maybe"},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clearAllEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.GRPCAddr != tc.wantGRPCAddr {
				t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, tc.wantGRPCAddr)
			}
			if cfg.HTTPAddr != tc.wantHTTPAddr {
				t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, tc.wantHTTPAddr)
			}
			if cfg.Workers != tc.wantWorkers {
				t.Errorf("Workers = %d, want %d", cfg.Workers, tc.wantWorkers)
			}
			if cfg.HTTPRate != tc.wantRate {
				t.Errorf("HTTPRate = %g, want %g", cfg.HTTPRate, tc.wantRate)
			}
		})
	}
}

func TestLoad_JobDefaults(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("WCP_DATABASE_URL", "memory://")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.JobsEnabled {
		t.Error("JobsEnabled should default to true")
	}
	if cfg.JobTimeout != 10*time.Minute {
		t.Errorf("JobTimeout = %v, want 10m", cfg.JobTimeout)
	}
	if cfg.CronDecay != "0 0 3 * * *" {
		t.Errorf("CronDecay = %q", cfg.CronDecay)
	}
	if cfg.SnapshotS3Region != "us-east-1" {
		t.Errorf("SnapshotS3Region = %q, want us-east-1", cfg.SnapshotS3Region)
	}
	if !cfg.UsesMemoryStore() {
		t.Error("memory:// should select the in-process store")
	}
}

func TestLoad_JobTimeout(t *testing.T) {
	for _, tc := range []struct {
		name    string
		value   string
		want    time.Duration
		wantErr bool
	}{
		{"Custom", "90s", 90 * time.Second, false},
		{"Invalid", "soon", 0, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clearAllEnv(t)
			t.Setenv("WCP_DATABASE_URL", "memory://")
			t.Setenv("WCP_JOB_TIMEOUT", tc.value)

			cfg, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.JobTimeout != tc.want {
				t.Errorf("JobTimeout = %v, want %v", cfg.JobTimeout, tc.want)
			}
		})
	}
}
