package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleProjectID    string

	// Frontend redirect target for OAuth callback
	FrontendBaseURL string

	// Session auth (frontend JWT)
	JWTSecret   string
	AuthJWKSURL string

	// Gmail Pub/Sub push
	PushWebhookAudience     string
	PushServiceAccountEmail string

	// Worker
	WorkerID           string
	WorkerHeartbeatTTL time.Duration

	// Consumer (Redis Stream)
	ConsumerBatchSize       int
	ConsumerBlockMS         int
	ConsumerMaxRetries      int
	ConsumerPendingCheckSec int

	// Sync lease
	HeartbeatStale time.Duration // claim이 살아있다고 보는 updated_at 한계
	ClaimStale     time.Duration // sync_started_at 기준 claim 탈취 한계

	// Sync tuning
	FullReconcileInterval    time.Duration
	RecentReconcileUIDWindow uint32
	FlagSyncWindow           uint32
	SourceFetchBatchSize     int
	OperationTimeout         time.Duration
	GmailBootstrapConcurrency        int
	GmailSyncConcurrency             int
	GmailBackgroundHydrateConcurrency int
	GmailHydrateBatchSize            int
	GmailBootstrapMetadataOnly       bool

	// IDLE watcher
	UseIdle      bool
	IdleInterval time.Duration

	// Event bus
	EventRetentionDays  int
	EventPruneBatchSize int
	EventPruneMaxBatches int

	// Attachment scan
	ScanEnabled      bool
	ScanEngineURL    string
	ScanMaxSizeBytes int64
	ScanTimeout      time.Duration

	// Browser push (VAPID)
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	// Transport safety
	AllowPrivateNetworkTargets bool
	AllowInsecureMailTransport bool

	// Scheduler
	SchedulerEnabled bool

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "mailworker"),
		RedisURL:    getEnv("REDIS_URL", ""),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),
		GoogleProjectID:    getEnv("GOOGLE_PROJECT_ID", ""),

		FrontendBaseURL: getEnv("FRONTEND_BASE_URL", "http://localhost:3000"),

		// Session auth
		JWTSecret:   getEnv("JWT_SECRET", ""),
		AuthJWKSURL: getEnv("AUTH_JWKS_URL", ""),

		// Gmail Pub/Sub push
		PushWebhookAudience:     getEnv("PUSH_WEBHOOK_AUDIENCE", ""),
		PushServiceAccountEmail: getEnv("PUSH_SERVICE_ACCOUNT_EMAIL", ""),

		// Worker
		WorkerID:           getEnv("WORKER_ID", generateWorkerID()),
		WorkerHeartbeatTTL: getEnvDuration("WORKER_HEARTBEAT_TTL_SEC", 30*time.Second),

		// Consumer
		ConsumerBatchSize:       getEnvInt("CONSUMER_BATCH_SIZE", 10),
		ConsumerBlockMS:         getEnvInt("CONSUMER_BLOCK_MS", 5000),
		ConsumerMaxRetries:      getEnvInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerPendingCheckSec: getEnvInt("CONSUMER_PENDING_CHECK_SEC", 60),

		// Sync lease
		HeartbeatStale: getEnvDuration("SYNC_HEARTBEAT_STALE_SEC", 45*time.Second),
		ClaimStale:     getEnvDuration("SYNC_CLAIM_STALE_SEC", 15*time.Minute),

		// Sync tuning
		FullReconcileInterval:    getEnvDuration("SYNC_FULL_RECONCILE_SEC", 6*time.Hour),
		RecentReconcileUIDWindow: uint32(getEnvInt("SYNC_RECENT_RECONCILE_UID_WINDOW", 500)),
		FlagSyncWindow:           uint32(getEnvInt("SYNC_FLAG_WINDOW", 200)),
		SourceFetchBatchSize:     getEnvInt("SYNC_SOURCE_FETCH_BATCH", 25),
		OperationTimeout:         getEnvDuration("IMAP_OPERATION_TIMEOUT_SEC", 60*time.Second),
		GmailBootstrapConcurrency:         clampConcurrency(getEnvInt("GMAIL_BOOTSTRAP_CONCURRENCY", 10)),
		GmailSyncConcurrency:              clampConcurrency(getEnvInt("GMAIL_SYNC_CONCURRENCY", 4)),
		GmailBackgroundHydrateConcurrency: clampConcurrency(getEnvInt("GMAIL_HYDRATE_CONCURRENCY", 4)),
		GmailHydrateBatchSize:             getEnvInt("GMAIL_HYDRATE_BATCH_SIZE", 50),
		GmailBootstrapMetadataOnly:        getEnvBool("GMAIL_BOOTSTRAP_METADATA_ONLY", true),

		// IDLE watcher
		UseIdle:      getEnvBool("USE_IDLE", true),
		IdleInterval: getEnvDuration("IDLE_INTERVAL_SEC", 60*time.Second),

		// Event bus
		EventRetentionDays:   getEnvInt("EVENT_RETENTION_DAYS", 14),
		EventPruneBatchSize:  getEnvInt("EVENT_PRUNE_BATCH_SIZE", 2000),
		EventPruneMaxBatches: getEnvInt("EVENT_PRUNE_MAX_BATCHES", 50),

		// Attachment scan
		ScanEnabled:      getEnvBool("SCAN_ENABLED", false),
		ScanEngineURL:    getEnv("SCAN_ENGINE_URL", ""),
		ScanMaxSizeBytes: int64(getEnvInt("SCAN_MAX_SIZE_BYTES", 50<<20)),
		ScanTimeout:      getEnvDuration("SCAN_TIMEOUT_SEC", 60*time.Second),

		// Browser push
		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
		VAPIDSubject:    getEnv("VAPID_SUBJECT", "mailto:admin@example.com"),

		// Transport safety
		AllowPrivateNetworkTargets: getEnvBool("ALLOW_PRIVATE_NETWORK_TARGETS", false),
		AllowInsecureMailTransport: getEnvBool("ALLOW_INSECURE_MAIL_TRANSPORT", false),

		// Scheduler
		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),

		// CORS
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
	}, nil
}

// clampConcurrency keeps pool sizes in a sane range
func clampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > 32 {
		return 32
	}
	return n
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if sec, err := strconv.Atoi(value); err == nil && sec > 0 {
			return time.Duration(sec) * time.Second
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// HeartbeatInterval - heartbeat_stale/3, 5초~15초로 클램프
func (c *Config) HeartbeatInterval() time.Duration {
	iv := c.HeartbeatStale / 3
	if iv < 5*time.Second {
		iv = 5 * time.Second
	}
	if iv > 15*time.Second {
		iv = 15 * time.Second
	}
	return iv
}
