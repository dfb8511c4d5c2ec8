package config

import "time"

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"fern-api"`
	Port                          int      `env:"PORT" env-default:"3003"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	TLSMinVersion                 string   `env:"HTTP_SERVER_TLS_MIN_VERSION" env-default:"TLS_1_2"`
	TLSMaxVersion                 string   `env:"HTTP_SERVER_TLS_MAX_VERSION" env-default:"TLS_1_2"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Database driver
	DatabaseDriver string `env:"DB_DRIVER" env-default:"postgres"`
	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:""`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"fern"`
	// Database SQQL Mode
	DatabaseSSLMode string `env:"DB_SQL_MODE" env-default:"disable"`
	// Reconnect Retry Count
	DatabaseReconnectRetryCount int `env:"DB_RECONNECT_RETRY_COUNT" env-default:"3"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Symmetric key for pgcrypto encryption of stored OAuth tokens.
	// Rotating or losing this key invalidates every stored credential; recovery
	// is deleting the credential row and falling back to the bootstrap refresh token.
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY" env-default:""`

	// Xero OAuth client ID
	XeroClientID string `env:"XERO_CLIENT_ID" env-default:""`
	// Xero OAuth client secret
	XeroClientSecret string `env:"XERO_CLIENT_SECRET" env-default:""`
	// Xero token endpoint
	XeroTokenURL string `env:"XERO_TOKEN_URL" env-default:"https://identity.xero.com/connect/token"`
	// Xero connections endpoint (tenant discovery)
	XeroConnectionsURL string `env:"XERO_CONNECTIONS_URL" env-default:"https://api.xero.com/connections"`
	// Xero accounting API base URL
	XeroAPIBaseURL string `env:"XERO_API_BASE_URL" env-default:"https://api.xero.com/api.xro/2.0"`
	// Xero tenant ID; when empty the first connected tenant is discovered at runtime
	XeroTenantID string `env:"XERO_TENANT_ID" env-default:""`
	// Operator-supplied refresh token used only when no persisted credential exists
	XeroBootstrapRefreshToken string `env:"XERO_BOOTSTRAP_REFRESH_TOKEN" env-default:""`
	// Invoice page size
	XeroPageSize int `env:"XERO_PAGE_SIZE" env-default:"100"`
	// Outbound request budget against the accounting API, per tenant
	XeroRateLimitRequests int `env:"XERO_RATE_LIMIT_REQUESTS" env-default:"60"`
	// Window the request budget applies to
	XeroRateLimitWindow time.Duration `env:"XERO_RATE_LIMIT_WINDOW" env-default:"1m"`

	// Access tokens expiring within this window are refreshed before use
	TokenRefreshSkew time.Duration `env:"TOKEN_REFRESH_SKEW" env-default:"5m"`
	// Retries after the initial attempt for transient fetch failures
	FetchMaxRetries int `env:"FETCH_MAX_RETRIES" env-default:"3"`
	// Fixed delay between fetch retries
	FetchRetryBackoff time.Duration `env:"FETCH_RETRY_BACKOFF" env-default:"60s"`
	// Per-attempt HTTP timeout for remote fetches
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" env-default:"10m"`
	// Abort the run when skipped invoices exceed this percentage of a batch
	MappingAbortThresholdPercent int `env:"MAPPING_ABORT_THRESHOLD_PERCENT" env-default:"50"`
	// TTL on the per-pipeline advisory lock
	SyncLockTTL time.Duration `env:"SYNC_LOCK_TTL" env-default:"15m"`

	// Auth Issuer URL
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	// Auth Client ID
	AuthClientID string `env:"AUTH_CLIENT_ID" env-default:""`
	// Auth Enabled - when false, allows X-Tenant-ID and X-User-ID headers for testing
	AuthEnabled bool `env:"AUTH_ENABLED" env-default:"false"`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`

	// Kafka brokers
	KafkaBrokers []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Kafka topic for run completion events
	KafkaRunTopic string `env:"KAFKA_RUN_TOPIC" env-default:"fern.run.completed"`
	// Enable/disable the run event producer
	KafkaProducerEnabled bool `env:"KAFKA_PRODUCER_ENABLED" env-default:"true"`

	// Scheduler settings
	// Scheduler poll interval
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" env-default:"1m"`
	// How often each pipeline is due to sync
	SchedulerSyncInterval time.Duration `env:"SCHEDULER_SYNC_INTERVAL" env-default:"24h"`
	// Pipelines the scheduler watches
	SchedulerPipelines []string `env:"SCHEDULER_PIPELINES" env-default:"xero_sync,xero_items"`
	// Enable/disable the scheduler (scheduling is normally an external cron)
	SchedulerEnabled bool `env:"SCHEDULER_ENABLED" env-default:"false"`

	// Tracing settings
	// Enable OTLP tracing export (set to true to send traces to collector)
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`
}
