package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process-level configuration for the application.
type Config struct {
	DataDir   string
	DBPath    string
	APIPort   string
	LogLevel  slog.Level
	LogFormat string

	LedgerFlushEvery   int
	LedgerReadRetries  int
	LedgerRetryBackoff time.Duration

	SyncRetryRounds int
	SyncBatchSize   int

	ControlPollInterval time.Duration
	IndexPollInterval   time.Duration
	IndexPollTimeout    time.Duration
	IndexWorkers        int

	QdrantURL          string
	QdrantVectorSize   int
	EmbeddingBaseURL   string
	EmbeddingModelName string
	EmbeddingAPIKey    string

	BlobBackend string // "filesystem" or "s3"
	BlobDir     string
	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string // Optional; the default AWS credential chain is used when empty
	S3SecretKey string
}

// Load reads configuration from environment variables and returns a Config struct.
// It applies defaults for optional fields and validates required fields.
// If a .env file exists in the current directory or a parent, it is loaded first;
// variables already set in the environment take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	wd, err := os.Getwd()
	if err == nil {
		dir := wd
		for i := 0; i < 5; i++ { // Limit search depth
			envPath := filepath.Join(dir, ".env")
			if _, err := os.Stat(envPath); err == nil {
				_ = godotenv.Load(envPath)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	dataDir := getEnv("DATA_DIR", "./data")
	cfg := &Config{
		DataDir:            dataDir,
		DBPath:             getEnv("DB_PATH", filepath.Join(dataDir, "contentsync.db")),
		APIPort:            getEnv("API_PORT", "9000"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		QdrantURL:          getEnv("QDRANT_URL", "http://localhost:6333"),
		EmbeddingBaseURL:   getEnv("EMBEDDING_BASE_URL", "http://localhost:8081"),
		EmbeddingModelName: getEnv("EMBEDDING_MODEL_NAME", "granite-embedding-278m-multilingual"),
		EmbeddingAPIKey:    getEnv("EMBEDDING_API_KEY", "dummy-key"),
		BlobBackend:        getEnv("BLOB_BACKEND", "filesystem"),
		BlobDir:            getEnv("BLOB_DIR", filepath.Join(dataDir, "blobs")),
		S3Bucket:           getEnv("S3_BUCKET", ""),
		S3Prefix:           getEnv("S3_PREFIX", ""),
		S3Region:           getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:         getEnv("S3_ENDPOINT", ""),
		S3AccessKey:        getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretKey:        getEnv("S3_SECRET_ACCESS_KEY", ""),
	}

	if cfg.LogLevel, err = parseLevel(getEnv("LOG_LEVEL", "info")); err != nil {
		return nil, err
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	ints := []struct {
		key  string
		def  int
		min  int
		dest *int
	}{
		{"LEDGER_FLUSH_EVERY", 50, 1, &cfg.LedgerFlushEvery},
		{"LEDGER_READ_RETRIES", 5, 0, &cfg.LedgerReadRetries},
		{"SYNC_RETRY_ROUNDS", 2, 1, &cfg.SyncRetryRounds},
		{"SYNC_BATCH_SIZE", 25, 1, &cfg.SyncBatchSize},
		{"INDEX_WORKERS", 4, 1, &cfg.IndexWorkers},
	}
	for _, v := range ints {
		if *v.dest, err = getInt(v.key, v.def, v.min); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"LEDGER_RETRY_BACKOFF", 100 * time.Millisecond, &cfg.LedgerRetryBackoff},
		{"CONTROL_POLL_INTERVAL", time.Second, &cfg.ControlPollInterval},
		{"INDEX_POLL_INTERVAL", 2 * time.Second, &cfg.IndexPollInterval},
		{"INDEX_POLL_TIMEOUT", 10 * time.Minute, &cfg.IndexPollTimeout},
	}
	for _, v := range durations {
		if *v.dest, err = getDuration(v.key, v.def); err != nil {
			return nil, err
		}
	}

	// Must match the output size of the embeddings model; a change means the
	// index stores have to be recreated.
	vectorSizeStr := getEnv("QDRANT_VECTOR_SIZE", "")
	if vectorSizeStr == "" {
		return nil, fmt.Errorf("QDRANT_VECTOR_SIZE is required")
	}
	vectorSize, err := strconv.Atoi(vectorSizeStr)
	if err != nil {
		return nil, fmt.Errorf("QDRANT_VECTOR_SIZE must be a valid integer: %w", err)
	}
	if vectorSize <= 0 {
		return nil, fmt.Errorf("QDRANT_VECTOR_SIZE must be greater than 0")
	}
	cfg.QdrantVectorSize = vectorSize

	switch cfg.BlobBackend {
	case "filesystem":
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND=s3")
		}
	default:
		return nil, fmt.Errorf("BLOB_BACKEND must be filesystem or s3, got %q", cfg.BlobBackend)
	}

	for _, dir := range []string{cfg.DataDir, filepath.Dir(cfg.DBPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return cfg, nil
}

// PipelinesDir is where per-pipeline TOML files live.
func (c *Config) PipelinesDir() string { return filepath.Join(c.DataDir, "pipelines") }

// JobsDir is where job logs live.
func (c *Config) JobsDir() string { return filepath.Join(c.DataDir, "jobs") }

// ControlDir is where pause/resume/cancel markers are dropped.
func (c *Config) ControlDir() string { return filepath.Join(c.DataDir, "jobs", "control") }

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, def, min int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	if n < min {
		return 0, fmt.Errorf("%s must be at least %d", key, min)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL is invalid: %w", err)
	}
	return level, nil
}
