package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string
	SQLitePath  string

	ArchiveDir string
	AuditDir   string

	S3Bucket string
	S3Prefix string
	S3Region string

	KafkaBrokers []string
	KafkaTopic   string

	ScorerURL     string
	ScorerTimeout time.Duration
	GeneratorURL  string
	RegistryPath  string

	SignerKeyB64 string
	SignerID     string

	ReviewKeysFile string
	ReviewScope    string
	DevAllowLocal  bool

	WindowDuration     time.Duration
	RecheckInterval    time.Duration
	MonitorPoll        time.Duration
	MonitorBatch       int
	MonitorConcurrency int
	AlertThresholdPct  float64

	MaxEdits      int
	FrozenTargets []string
}

const (
	defaultAddr        = ":8070"
	defaultSQLitePath  = "refinery.db"
	defaultArchiveDir  = "archive"
	defaultAuditDir    = "audit"
	defaultKafkaTopic  = "refinery.audit.v1"
	defaultSignerID    = "refinery-dev"
	defaultReviewScope = "refinery.review"
)

// Load reads configuration from the environment. Local mode (SQLite store,
// file archive, file audit) needs no variables at all; server mode is
// selected by setting DATABASE_URL and the S3/Kafka variables.
func Load() (Config, error) {
	cfg := Config{
		Addr:        getEnv("REFINERY_ADDR", defaultAddr),
		DatabaseURL: firstNonEmpty(os.Getenv("REFINERY_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		SQLitePath:  getEnv("REFINERY_DB_PATH", defaultSQLitePath),

		ArchiveDir: getEnv("REFINERY_ARCHIVE_DIR", defaultArchiveDir),
		AuditDir:   getEnv("REFINERY_AUDIT_DIR", defaultAuditDir),

		S3Bucket: os.Getenv("REFINERY_S3_BUCKET"),
		S3Prefix: getEnv("REFINERY_S3_PREFIX", "refinery"),
		S3Region: firstNonEmpty(os.Getenv("REFINERY_S3_REGION"), os.Getenv("AWS_REGION")),

		KafkaBrokers: getList("REFINERY_KAFKA_BROKERS"),
		KafkaTopic:   getEnv("REFINERY_KAFKA_TOPIC", defaultKafkaTopic),

		ScorerURL:     os.Getenv("REFINERY_SCORER_URL"),
		ScorerTimeout: getDuration("REFINERY_SCORER_TIMEOUT", 30*time.Second),
		GeneratorURL:  os.Getenv("REFINERY_GENERATOR_URL"),
		RegistryPath:  os.Getenv("REFINERY_REGISTRY_PATH"),

		SignerKeyB64: os.Getenv("REFINERY_SIGNER_KEY_B64"),
		SignerID:     getEnv("REFINERY_SIGNER_ID", defaultSignerID),

		ReviewKeysFile: os.Getenv("REFINERY_REVIEW_KEYS_FILE"),
		ReviewScope:    getEnv("REFINERY_REVIEW_SCOPE", defaultReviewScope),
		DevAllowLocal:  getBool("REFINERY_DEV_ALLOW_LOCAL", false),

		WindowDuration:     getDuration("REFINERY_WINDOW_DURATION", 7*24*time.Hour),
		RecheckInterval:    getDuration("REFINERY_RECHECK_INTERVAL", 24*time.Hour),
		MonitorPoll:        getDuration("REFINERY_MONITOR_POLL_INTERVAL", 30*time.Second),
		MonitorBatch:       getInt("REFINERY_MONITOR_BATCH", 16),
		MonitorConcurrency: getInt("REFINERY_MONITOR_CONCURRENCY", 4),
		AlertThresholdPct:  getFloat("REFINERY_MONITOR_ALERT_PCT", 3.0),

		MaxEdits:      getInt("REFINERY_MAX_EDITS", 5),
		FrozenTargets: getList("REFINERY_FROZEN_TARGETS"),
	}
	if len(cfg.FrozenTargets) == 0 {
		cfg.FrozenTargets = []string{"eval-harness", "decision-engine"}
	}
	if cfg.S3Bucket != "" && cfg.S3Region == "" {
		return Config{}, fmt.Errorf("REFINERY_S3_REGION (or AWS_REGION) required when REFINERY_S3_BUCKET set")
	}
	if cfg.ReviewKeysFile == "" && !cfg.DevAllowLocal {
		return Config{}, fmt.Errorf("REFINERY_REVIEW_KEYS_FILE required unless REFINERY_DEV_ALLOW_LOCAL=true")
	}
	if cfg.MonitorBatch <= 0 || cfg.MonitorConcurrency <= 0 {
		return Config{}, fmt.Errorf("monitor batch and concurrency must be positive")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
