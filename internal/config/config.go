package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL string // WCP_DATABASE_URL (required; "memory://" for an in-process store)
	GRPCAddr    string // WCP_GRPC_ADDR (default ":9090")
	HTTPAddr    string // WCP_HTTP_ADDR (default ":8080")
	NATSURL     string // WCP_NATS_URL (optional, empty = no notifications or bus ingest)
	AuthToken   string // WCP_AUTH_TOKEN (optional, empty = static token auth disabled)
	JWTSecret   string // WCP_JWT_SECRET (optional, enables role-checked bearer JWTs)
	RedisURL    string // WCP_REDIS_URL (optional, moves job leases to redis)
	PolicyFile  string // WCP_POLICY_FILE (optional TOML overlay on the default policy)

	HTTPRate  float64 // WCP_HTTP_RATE requests/sec per client (default 0 = unlimited)
	HTTPBurst int     // WCP_HTTP_BURST (default 20)

	Workers     int  // WCP_WORKERS batch worker pool size (default 8)
	JobsEnabled bool // WCP_JOBS_ENABLED (default true)

	// Cron specs, six fields (seconds first). Empty disables the job.
	CronRecalculate string // WCP_CRON_RECALCULATE (default "0 */15 * * * *")
	CronDecay       string // WCP_CRON_DECAY (default "0 0 3 * * *")
	CronRanks       string // WCP_CRON_RANKS (default "0 */5 * * * *")
	CronPyramidScan string // WCP_CRON_PYRAMID_SCAN (default "0 30 * * * *")
	CronClusterScan string // WCP_CRON_CLUSTER_SCAN (default "0 45 * * * *")
	CronSnapshot    string // WCP_CRON_SNAPSHOT (default "0 0 * * * *")

	JobTimeout time.Duration // WCP_JOB_TIMEOUT (default 10m)

	// Snapshot export
	SnapshotS3Bucket   string // WCP_SNAPSHOT_S3_BUCKET (enables S3 when set)
	SnapshotS3Endpoint string // WCP_SNAPSHOT_S3_ENDPOINT (custom endpoint for MinIO)
	SnapshotS3Region   string // WCP_SNAPSHOT_S3_REGION (default "us-east-1")
	SnapshotS3Prefix   string // WCP_SNAPSHOT_S3_PREFIX (default "leaderboards/")
	SnapshotDir        string // WCP_SNAPSHOT_DIR (enables local file snapshots when set)
}

func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:        os.Getenv("WCP_DATABASE_URL"),
		GRPCAddr:           envOrDefault("WCP_GRPC_ADDR", ":9090"),
		HTTPAddr:           envOrDefault("WCP_HTTP_ADDR", ":8080"),
		NATSURL:            os.Getenv("WCP_NATS_URL"),
		AuthToken:          os.Getenv("WCP_AUTH_TOKEN"),
		JWTSecret:          os.Getenv("WCP_JWT_SECRET"),
		RedisURL:           os.Getenv("WCP_REDIS_URL"),
		PolicyFile:         os.Getenv("WCP_POLICY_FILE"),
		CronRecalculate:    envOrDefault("WCP_CRON_RECALCULATE", "0 */15 * * * *"),
		CronDecay:          envOrDefault("WCP_CRON_DECAY", "0 0 3 * * *"),
		CronRanks:          envOrDefault("WCP_CRON_RANKS", "0 */5 * * * *"),
		CronPyramidScan:    envOrDefault("WCP_CRON_PYRAMID_SCAN", "0 30 * * * *"),
		CronClusterScan:    envOrDefault("WCP_CRON_CLUSTER_SCAN", "0 45 * * * *"),
		CronSnapshot:       envOrDefault("WCP_CRON_SNAPSHOT", "0 0 * * * *"),
		SnapshotS3Bucket:   os.Getenv("WCP_SNAPSHOT_S3_BUCKET"),
		SnapshotS3Endpoint: os.Getenv("WCP_SNAPSHOT_S3_ENDPOINT"),
		SnapshotS3Region:   envOrDefault("WCP_SNAPSHOT_S3_REGION", "us-east-1"),
		SnapshotS3Prefix:   envOrDefault("WCP_SNAPSHOT_S3_PREFIX", "leaderboards/"),
		SnapshotDir:        os.Getenv("WCP_SNAPSHOT_DIR"),
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("WCP_DATABASE_URL is required")
	}

	var err error
	if c.HTTPRate, err = envFloat("WCP_HTTP_RATE", 0); err != nil {
		return nil, err
	}
	if c.HTTPBurst, err = envInt("WCP_HTTP_BURST", 20); err != nil {
		return nil, err
	}
	if c.Workers, err = envInt("WCP_WORKERS", 8); err != nil {
		return nil, err
	}
	if c.Workers < 1 {
		return nil, fmt.Errorf("WCP_WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.JobsEnabled, err = envBool("WCP_JOBS_ENABLED", true); err != nil {
		return nil, err
	}

	timeoutStr := envOrDefault("WCP_JOB_TIMEOUT", "10m")
	d, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return nil, fmt.Errorf("WCP_JOB_TIMEOUT: %w", err)
	}
	c.JobTimeout = d

	return c, nil
}

// UsesMemoryStore reports whether the database URL selects the in-process store.
func (c *Config) UsesMemoryStore() bool {
	return c.DatabaseURL == "memory://"
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
