package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultPort = "8080"

	// DefaultModerationApprovalThreshold is the cutoff a moderation score must
	// strictly exceed for a document to be approved. A score of exactly 0.5 is rejected.
	DefaultModerationApprovalThreshold = 0.5
)

// Settings is the process configuration, read once at startup and passed down
// explicitly to the components that need it.
type Settings struct {
	Env  string
	Port string

	LogLevel string

	DB DatabaseSettings

	RedisAddress     string
	RateLimitEnabled bool
	RateLimitMax     int64
	RateLimitWindow  time.Duration

	// VerifyRateLimitMax caps provider-backed verification calls per caller and window.
	VerifyRateLimitMax int64

	PubSubProjectID       string
	PubSubCredentialsJSON string
	ModerationTopic       string
	NotificationsTopic    string
	PubSubCreateTopics    bool

	GCSBucket           string
	GCSCredentialsJSON  string
	GCSSignerEmail      string
	GCSSignerPrivateKey string
	SignedURLTTL        time.Duration
	MaxUploadBytes      int64

	JwtSecret           []byte
	CorsAllowedOrigins  string
	SkipMigrations      bool
	DispatcherEnabled   bool
	ReconcilerEnabled   bool
	ShutdownGracePeriod time.Duration

	ModerationWebhookSecret     string
	ModerationServiceURL        string
	ModerationServiceAPIKey     string
	ModerationApprovalThreshold float64

	StripeSecretKey     string
	StripeWebhookSecret string
	CreditUnitPrice     decimal.Decimal
	CreditCurrency      string
	DownloadCost        int

	ProviderTimeout time.Duration

	Jobs JobSettings

	ReconcileInterval   time.Duration
	ReconcileStaleAfter time.Duration
}

type DatabaseSettings struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type JobSettings struct {
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	VisibilityTimeout  time.Duration
	PollInterval       time.Duration
	BatchSize          int
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

// LoadSettings reads .env (if present) and the process environment.
func LoadSettings() Settings {
	_ = godotenv.Load()

	s := Settings{
		Env:      strings.TrimSpace(os.Getenv("GO_ENV")),
		Port:     stringFromEnv("PORT", defaultPort),
		LogLevel: stringFromEnv("LOG_LEVEL", "info"),
		DB: DatabaseSettings{
			User:            os.Getenv("DB_USER"),
			Password:        os.Getenv("DB_PASSWORD"),
			Host:            os.Getenv("DB_HOST"),
			Port:            stringFromEnv("DB_PORT", "3306"),
			Name:            os.Getenv("DB_NAME"),
			MaxOpenConns:    intFromEnv("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns:    intFromEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: secondsFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300),
			ConnMaxIdleTime: secondsFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60),
		},
		RedisAddress:     stringFromEnv("REDIS_ADDRESS", "localhost:6379"),
		RateLimitEnabled: envBoolDefault("RATE_LIMIT_ENABLED", false),
		RateLimitMax:     int64(intFromEnv("RATE_LIMIT_MAX_REQUESTS", 600)),
		RateLimitWindow:  secondsFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60),

		VerifyRateLimitMax: int64(intFromEnv("RATE_LIMIT_VERIFY_MAX_REQUESTS", 30)),

		PubSubProjectID:       pubSubProjectID(),
		PubSubCredentialsJSON: os.Getenv("PUBSUB_CREDENTIALS_JSON"),
		ModerationTopic:       stringFromEnv("MODERATION_TOPIC", "document-moderation"),
		NotificationsTopic:    strings.TrimSpace(os.Getenv("NOTIFICATIONS_TOPIC")),
		PubSubCreateTopics:    envBoolDefault("PUBSUB_CREATE_TOPICS", false),

		GCSBucket:           strings.TrimSpace(os.Getenv("GCS_BUCKET")),
		GCSCredentialsJSON:  os.Getenv("GCS_CREDENTIALS_JSON"),
		GCSSignerEmail:      strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL")),
		GCSSignerPrivateKey: strings.TrimSpace(os.Getenv("GCS_SIGNER_PRIVATE_KEY")),
		SignedURLTTL:        secondsFromEnv("SIGNED_URL_TTL_SECONDS", 900),
		MaxUploadBytes:      int64(intFromEnv("MAX_UPLOAD_MB", 25)) << 20,

		JwtSecret:           []byte(stringFromEnv("API_SECRET", "")),
		CorsAllowedOrigins:  strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")),
		SkipMigrations:      envBoolDefault("SKIP_MIGRATIONS", false),
		DispatcherEnabled:   envBoolDefault("JOB_DISPATCHER_ENABLED", true),
		ReconcilerEnabled:   envBoolDefault("RECONCILER_ENABLED", true),
		ShutdownGracePeriod: secondsFromEnv("SHUTDOWN_GRACE_SECONDS", 30),

		ModerationWebhookSecret:     os.Getenv("MODERATION_WEBHOOK_SECRET"),
		ModerationServiceURL:        stringFromEnv("MODERATION_SERVICE_URL", "http://localhost:8090"),
		ModerationServiceAPIKey:     os.Getenv("MODERATION_SERVICE_API_KEY"),
		ModerationApprovalThreshold: floatFromEnv("MODERATION_APPROVAL_THRESHOLD", DefaultModerationApprovalThreshold),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CreditUnitPrice:     decimalFromEnv("CREDIT_UNIT_PRICE", decimal.RequireFromString("0.10")),
		CreditCurrency:      strings.ToLower(stringFromEnv("CREDIT_CURRENCY", "usd")),
		DownloadCost:        intFromEnv("DOWNLOAD_COST", 1),

		ProviderTimeout: secondsFromEnv("PROVIDER_TIMEOUT_SECONDS", 10),

		Jobs: JobSettings{
			MaxAttempts:        intFromEnv("JOB_MAX_ATTEMPTS", 3),
			BackoffBase:        secondsFromEnv("JOB_BACKOFF_BASE_SECONDS", 5),
			BackoffMax:         secondsFromEnv("JOB_BACKOFF_MAX_SECONDS", 600),
			VisibilityTimeout:  secondsFromEnv("JOB_VISIBILITY_TIMEOUT_SECONDS", 600),
			PollInterval:       time.Duration(intFromEnv("JOB_POLL_INTERVAL_MS", 500)) * time.Millisecond,
			BatchSize:          intFromEnv("JOB_BATCH_SIZE", 50),
			CompletedRetention: time.Duration(intFromEnv("JOB_COMPLETED_RETENTION_HOURS", 24)) * time.Hour,
			FailedRetention:    time.Duration(intFromEnv("JOB_FAILED_RETENTION_HOURS", 168)) * time.Hour,
		},

		ReconcileInterval:   secondsFromEnv("RECONCILE_INTERVAL_SECONDS", 300),
		ReconcileStaleAfter: time.Duration(intFromEnv("RECONCILE_STALE_AFTER_MINUTES", 15)) * time.Minute,
	}
	return s
}

func (s Settings) IsProduction() bool {
	return strings.EqualFold(s.Env, "production")
}

func pubSubProjectID() string {
	// Prefer explicit override.
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	// Cloud Run/Cloud Functions often set this.
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

func stringFromEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatFromEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func decimalFromEnv(key string, def decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || !d.IsPositive() {
		return def
	}
	return d
}

func secondsFromEnv(key string, def int) time.Duration {
	n := intFromEnv(key, def)
	if n < 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

// retrySleep is the connect-with-retry schedule shared by all external dependencies.
func retrySleep(attempt int) time.Duration {
	shift := attempt
	if shift > 5 {
		shift = 5
	}
	sleep := time.Second * time.Duration(1<<shift)
	if sleep > 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}
