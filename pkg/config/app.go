package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store drivers.
const (
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds runtime configuration for the API service.
type Config struct {
	Environment string
	Addr        string
	LogLevel    string

	StoreDriver   string
	MongoURI      string
	MongoDatabase string
	DatabaseURL   string
	MigrationsDir string

	IdentityJWTSecret    string
	IdentityIssuer       string
	AccountWebhookSecret string

	InitialCreditBalance int64
	SubmissionFee        int64
	MaxUploadBytes       int64

	BackendURL     string
	BackendTimeout time.Duration

	SheetsCredentialsBase64 string
	SheetsCredentialsFile   string
	SheetsEndpoint          string
	SheetsNotifyOnShare     bool
	TemplateFormA           string
	TemplateFormBC          string

	ProvisionWorkers        int
	ProvisionQueueSize      int
	ProvisionCallTimeout    time.Duration
	ProvisionStaleAfter     time.Duration
	ProvisionReconcileEvery time.Duration

	PollMaxAttempts int
	PollInterval    time.Duration

	RateLimitRedisAddr        string
	RateLimitRedisPass        string
	RateLimitRedisDB          int
	RateLimitSubmissionsPerHr int
	RateLimitConcurrentPolls  int
	TrustProxyHeaders         bool

	ArchiveBucket    string
	ArchiveRegion    string
	ArchiveEndpoint  string
	ArchiveAccessKey string
	ArchiveSecretKey string
}

// LoadConfig constructs a Config from environment variables.
func LoadConfig() Config {
	return Config{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("API_ADDR", ":4000"),
		LogLevel:    GetString("LOG_LEVEL", "info"),

		StoreDriver:   strings.ToLower(GetString("STORE_DRIVER", StoreMongo)),
		MongoURI:      GetString("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: GetString("MONGO_DATABASE", "sheetledger"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://sheetledger:sheetledger@db:5432/sheetledger?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		IdentityJWTSecret:    GetString("IDENTITY_JWT_SECRET", ""),
		IdentityIssuer:       GetString("IDENTITY_ISSUER", ""),
		AccountWebhookSecret: GetString("ACCOUNT_WEBHOOK_SECRET", ""),

		InitialCreditBalance: GetInt64("INITIAL_CREDIT_BALANCE", 10),
		SubmissionFee:        GetInt64("SUBMISSION_FEE", 1),
		MaxUploadBytes:       GetInt64("MAX_UPLOAD_MB", 20) << 20,

		BackendURL:     GetString("BACKEND_URL", "http://localhost:5000"),
		BackendTimeout: GetDuration("BACKEND_TIMEOUT_SECONDS", 120, time.Second),

		SheetsCredentialsBase64: GetString("GOOGLE_SHEETS_CREDENTIALS_BASE64", ""),
		SheetsCredentialsFile:   GetString("GOOGLE_SHEETS_CREDENTIALS_FILE", ""),
		SheetsEndpoint:          GetString("GOOGLE_DRIVE_ENDPOINT", ""),
		SheetsNotifyOnShare:     GetBool("GOOGLE_DRIVE_NOTIFY_ON_SHARE", false),
		TemplateFormA:           GetString("TEMPLATE_SPREADSHEET_ID_A", ""),
		TemplateFormBC:          GetString("TEMPLATE_SPREADSHEET_ID_BC", ""),

		ProvisionWorkers:        GetInt("PROVISION_WORKERS", 4),
		ProvisionQueueSize:      GetInt("PROVISION_QUEUE_SIZE", 256),
		ProvisionCallTimeout:    GetDuration("PROVISION_CALL_TIMEOUT_SECONDS", 30, time.Second),
		ProvisionStaleAfter:     GetDuration("PROVISION_STALE_AFTER_SECONDS", 600, time.Second),
		ProvisionReconcileEvery: GetDuration("PROVISION_RECONCILE_SECONDS", 60, time.Second),

		PollMaxAttempts: GetInt("POLL_MAX_ATTEMPTS", 30),
		PollInterval:    GetDuration("POLL_INTERVAL_MS", 1000, time.Millisecond),

		RateLimitRedisAddr:        GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:        GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:          GetInt("RATE_LIMIT_REDIS_DB", 0),
		RateLimitSubmissionsPerHr: GetInt("RATE_LIMIT_SUBMISSIONS_PER_HOUR", 30),
		RateLimitConcurrentPolls:  GetInt("RATE_LIMIT_CONCURRENT_POLLS", 2),
		TrustProxyHeaders:         GetBool("TRUST_PROXY_HEADERS", false),

		ArchiveBucket:    GetString("ARCHIVE_S3_BUCKET", ""),
		ArchiveRegion:    GetString("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveEndpoint:  GetString("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveAccessKey: GetString("ARCHIVE_S3_ACCESS_KEY", ""),
		ArchiveSecretKey: GetString("ARCHIVE_S3_SECRET_KEY", ""),
	}
}

// Templates maps artifact kinds to their template spreadsheet ids.
func (c Config) Templates() map[string]string {
	return map[string]string{
		"formA":  c.TemplateFormA,
		"formBC": c.TemplateFormBC,
	}
}

// Validate reports settings the API cannot start without.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case StoreMongo, StorePostgres, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver))
	}
	if c.IdentityJWTSecret == "" {
		errs = append(errs, errors.New("IDENTITY_JWT_SECRET is required"))
	}
	if c.SubmissionFee < 0 {
		errs = append(errs, errors.New("SUBMISSION_FEE must not be negative"))
	}
	if c.PollMaxAttempts <= 0 || c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_MAX_ATTEMPTS and POLL_INTERVAL_MS must be positive"))
	}
	if c.BackendTimeout <= 0 {
		errs = append(errs, errors.New("BACKEND_TIMEOUT_SECONDS must be positive"))
	}
	// Live jobs refresh their pending timestamp once per call and once per
	// reconcile tick; anything quieter than twice either is treated as dead.
	if c.ProvisionStaleAfter < 2*c.ProvisionCallTimeout || c.ProvisionStaleAfter < 2*c.ProvisionReconcileEvery {
		errs = append(errs, fmt.Errorf("PROVISION_STALE_AFTER_SECONDS (%s) must be at least twice PROVISION_CALL_TIMEOUT_SECONDS and PROVISION_RECONCILE_SECONDS", c.ProvisionStaleAfter))
	}
	return errors.Join(errs...)
}
