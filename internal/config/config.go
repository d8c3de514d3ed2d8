package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
)

// Config holds all configuration for the application
type Config struct {
	Feeds     []FeedConfig
	Scheduler SchedulerConfig
	Storage   StorageConfig
	Queue     QueueConfig
	Lock      LockConfig
	Ingestion IngestionConfig
	Server    ServerConfig
	Log       LogConfig
}

// FeedConfig is one scheduled feed
type FeedConfig struct {
	URL      string
	Schedule string // standard 5-field cron spec or descriptor such as "@every 1h"
}

// SchedulerConfig holds scheduler-related configuration
type SchedulerConfig struct {
	DefaultSchedule string
	RunOnStart      bool
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type            string // "mongodb", "dynamodb", "postgresql", "memory"
	MongoDBURI      string
	MongoDBDatabase string
	Region          string // For AWS DynamoDB
	Endpoint        string // Custom endpoint for local DynamoDB
	JobsTable       string
	ImportLogsTable string
	PostgresURI     string
}

// QueueConfig holds task queue configuration
type QueueConfig struct {
	Type              string // "mongodb", "postgresql", "sqlite", "memory"
	Name              string
	SQLitePath        string
	VisibilityTimeout time.Duration
	MaxDeliveries     int
	RetryBackoff      time.Duration
	PollInterval      time.Duration
}

// LockConfig selects the per-feed run lock implementation
type LockConfig struct {
	Type string // "memory", "mongodb", "postgresql"; defaults to the queue backend when it is shared
	TTL  time.Duration
}

// IngestionConfig holds fetch and worker configuration
type IngestionConfig struct {
	Concurrency  int
	Timeout      time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	RateLimit    float64
	MaxBodyBytes int64
	UserAgent    string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int
	DefaultLimit int
	MaxLimit     int
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string // "json" or "console"
}

var defaultFeeds = []string{
	"https://jobicy.com/?feed=job_feed",
	"https://jobicy.com/?feed=job_feed&job_categories=smm&job_types=full-time",
	"https://jobicy.com/?feed=job_feed&job_categories=seller&job_types=full-time&search_region=france",
	"https://jobicy.com/?feed=job_feed&job_categories=design-multimedia",
	"https://jobicy.com/?feed=job_feed&job_categories=data-science",
	"https://jobicy.com/?feed=job_feed&job_categories=copywriting",
	"https://jobicy.com/?feed=job_feed&job_categories=business",
	"https://jobicy.com/?feed=job_feed&job_categories=management",
	"https://www.higheredjobs.com/rss/articleFeed.cfm",
}

// Load loads configuration from environment variables with defaults.
// A .env file in the working directory is applied first when present.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file path. Missing files are ignored;
// variables already set in the environment win over the file.
func LoadFile(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, errors.Wrapf(err, "failed to load env file %s", envFile)
			}
		}
	}

	// FEED_SCHEDULE wins; FEED_INTERVAL is the older duration-only form.
	defaultSchedule, err := parseSchedule(getEnv("FEED_SCHEDULE", getEnv("FEED_INTERVAL", "1h")))
	if err != nil {
		return nil, errors.Wrap(err, "default feed schedule")
	}

	feeds, err := parseFeeds(getEnv("FEEDS", strings.Join(defaultFeeds, ",")), defaultSchedule)
	if err != nil {
		return nil, err
	}
	queueType := getEnv("QUEUE_TYPE", "mongodb")

	cfg := &Config{
		Feeds: feeds,
		Scheduler: SchedulerConfig{
			DefaultSchedule: defaultSchedule,
			RunOnStart:      getEnvBool("SCHEDULER_RUN_ON_START", true),
		},
		Storage: StorageConfig{
			Type:            getEnv("STORAGE_TYPE", "mongodb"),
			MongoDBURI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			MongoDBDatabase: getEnv("MONGODB_DATABASE", "job_importer"),
			Region:          getEnv("AWS_REGION", "us-west-2"),
			Endpoint:        getEnv("DYNAMODB_ENDPOINT", ""),
			JobsTable:       getEnv("JOBS_TABLE", "jobs"),
			ImportLogsTable: getEnv("IMPORT_LOGS_TABLE", "import_logs"),
			PostgresURI:     getEnv("POSTGRES_URI", ""),
		},
		Queue: QueueConfig{
			Type:              queueType,
			Name:              getEnv("QUEUE_NAME", "job-import"),
			SQLitePath:        getEnv("QUEUE_SQLITE_PATH", "./data/queue.db"),
			VisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 10*time.Minute),
			MaxDeliveries:     getEnvInt("QUEUE_MAX_DELIVERIES", 5),
			RetryBackoff:      getEnvDuration("QUEUE_RETRY_BACKOFF", 30*time.Second),
			PollInterval:      getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
		},
		Lock: LockConfig{
			Type: getEnv("LOCK_TYPE", defaultLockType(queueType)),
			TTL:  getEnvDuration("LOCK_TTL", 15*time.Minute),
		},
		Ingestion: IngestionConfig{
			Concurrency:  getEnvInt("WORKER_CONCURRENCY", 2),
			Timeout:      getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
			MaxAttempts:  getEnvInt("FETCH_MAX_ATTEMPTS", 3),
			BackoffBase:  getEnvDuration("FETCH_BACKOFF_BASE", time.Second),
			BackoffMax:   getEnvDuration("FETCH_BACKOFF_MAX", 30*time.Second),
			RateLimit:    getEnvFloat("FETCH_RATE_LIMIT", 5),
			MaxBodyBytes: int64(getEnvInt("FETCH_MAX_BODY_BYTES", 10<<20)),
			UserAgent:    getEnv("FETCH_USER_AGENT", "job-import-service/1.0"),
		},
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			DefaultLimit: getEnvInt("HISTORY_DEFAULT_LIMIT", 10),
			MaxLimit:     getEnvInt("HISTORY_MAX_LIMIT", 100),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
// Invalid feed URLs are reported here, at startup, rather than per run.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Feeds))
	for _, f := range c.Feeds {
		if err := models.ValidateFeedURL(f.URL); err != nil {
			return err
		}
		if _, err := cron.ParseStandard(f.Schedule); err != nil {
			return errors.Wrapf(err, "feed %s: invalid schedule %q", f.URL, f.Schedule)
		}
		if seen[f.URL] {
			return errors.Newf("feed %s configured twice", f.URL)
		}
		seen[f.URL] = true
	}
	if c.Ingestion.MaxAttempts < 1 {
		return errors.New("FETCH_MAX_ATTEMPTS must be at least 1")
	}
	if c.Ingestion.Concurrency < 1 {
		return errors.New("WORKER_CONCURRENCY must be at least 1")
	}
	if c.Lock.Type == "memory" && sharedQueue(c.Queue.Type) {
		return errors.Newf("LOCK_TYPE=memory cannot serialize runs across processes sharing the %s queue", c.Queue.Type)
	}
	if c.Queue.MaxDeliveries < 1 {
		return errors.New("QUEUE_MAX_DELIVERIES must be at least 1")
	}
	if c.Server.DefaultLimit < 1 || c.Server.MaxLimit < c.Server.DefaultLimit {
		return errors.New("history limits must satisfy 1 <= HISTORY_DEFAULT_LIMIT <= HISTORY_MAX_LIMIT")
	}
	return nil
}

// sharedQueue reports whether queueType is reachable from several hosts.
func sharedQueue(queueType string) bool {
	return queueType == "mongodb" || queueType == "postgresql"
}

// defaultLockType puts the lock next to a shared queue. SQLite and memory
// queues are single-host, where the in-process table is enough.
func defaultLockType(queueType string) string {
	if sharedQueue(queueType) {
		return queueType
	}
	return "memory"
}

// parseFeeds reads a comma-separated list of "url" or "url|schedule"
// entries. A schedule is a Go duration ("15m", shorthand for "@every 15m"),
// a cron descriptor ("@daily") or a 5-field cron spec. Cron specs may
// contain commas; a fragment that does not start a new URL continues the
// previous entry's schedule.
func parseFeeds(raw string, defaultSchedule string) ([]FeedConfig, error) {
	var entries []string
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if n := len(entries); n > 0 && strings.Contains(entries[n-1], "|") && !strings.Contains(trimmed, "://") {
			entries[n-1] += "," + trimmed
			continue
		}
		entries = append(entries, trimmed)
	}

	feeds := make([]FeedConfig, 0, len(entries))
	for _, entry := range entries {
		feed := FeedConfig{URL: entry, Schedule: defaultSchedule}
		if i := strings.LastIndex(entry, "|"); i >= 0 {
			feed.URL = strings.TrimSpace(entry[:i])
			schedule, err := parseSchedule(strings.TrimSpace(entry[i+1:]))
			if err != nil {
				return nil, errors.Wrapf(err, "feed %q", entry)
			}
			feed.Schedule = schedule
		}
		feeds = append(feeds, feed)
	}
	return feeds, nil
}

func parseSchedule(s string) (string, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d < time.Second {
			return "", errors.Newf("interval %s must be at least 1s", s)
		}
		return "@every " + d.String(), nil
	}
	if _, err := cron.ParseStandard(s); err != nil {
		return "", errors.Wrapf(err, "invalid schedule %q", s)
	}
	return s, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
