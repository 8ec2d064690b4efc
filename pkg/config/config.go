package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	HTTP         HTTPConfig
	RateLimit    RateLimitConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Password     PasswordConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
	Kafka        KafkaConfig
	Outbox       OutboxConfig
	Payments     PaymentsConfig
	Square       SquareConfig
	Stripe       StripeConfig
	GiftCards    GiftCardsConfig
	Orders       OrdersConfig
	Settlements  SettlementsConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Payments.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Outbox.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"DISPENSARY_APP_ENV" required:"true"`
	Port         string `envconfig:"DISPENSARY_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"DISPENSARY_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"DISPENSARY_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"DISPENSARY_SERVICE_KIND" default:"api"`
}

// HTTPConfig shapes the API listener.
type HTTPConfig struct {
	CORSOrigins     []string      `envconfig:"DISPENSARY_HTTP_CORS_ORIGINS" default:"http://localhost:3000"`
	ReadTimeout     time.Duration `envconfig:"DISPENSARY_HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"DISPENSARY_HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"DISPENSARY_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

// RateLimitConfig throttles gift card lookups so codes cannot be enumerated.
type RateLimitConfig struct {
	GiftCardWindow    time.Duration `envconfig:"DISPENSARY_RATE_LIMIT_GIFT_CARD_WINDOW" default:"15m"`
	GiftCardIPLimit   int           `envconfig:"DISPENSARY_RATE_LIMIT_GIFT_CARD_IP" default:"30"`
	GiftCardCodeLimit int           `envconfig:"DISPENSARY_RATE_LIMIT_GIFT_CARD_CODE" default:"10"`
}

type DBConfig struct {
	DSN    string `envconfig:"DISPENSARY_DB_DSN"`
	Driver string `envconfig:"DISPENSARY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"DISPENSARY_DB_HOST"`
	LegacyPort     int    `envconfig:"DISPENSARY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"DISPENSARY_DB_USER"`
	LegacyPassword string `envconfig:"DISPENSARY_DB_PASSWORD"`
	LegacyName     string `envconfig:"DISPENSARY_DB_NAME"`
	LegacySSLMode  string `envconfig:"DISPENSARY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"DISPENSARY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"DISPENSARY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"DISPENSARY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"DISPENSARY_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	// LockTimeout bounds how long a transaction waits on an order, payment or gift card row lock.
	LockTimeout   time.Duration `envconfig:"DISPENSARY_DB_LOCK_TIMEOUT" default:"5s"`
	TxAttempts    int           `envconfig:"DISPENSARY_DB_TX_ATTEMPTS" default:"3"`
	SlowQueryTime time.Duration `envconfig:"DISPENSARY_DB_SLOW_QUERY" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"DISPENSARY_REDIS_URL" required:"true"`
	Address      string        `envconfig:"DISPENSARY_REDIS_ADDR"`
	Password     string        `envconfig:"DISPENSARY_REDIS_PASSWORD"`
	DB           int           `envconfig:"DISPENSARY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"DISPENSARY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"DISPENSARY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"DISPENSARY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"DISPENSARY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"DISPENSARY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig verifies actor tokens minted by the identity service.
type JWTConfig struct {
	Secret            string `envconfig:"DISPENSARY_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"DISPENSARY_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"DISPENSARY_JWT_EXPIRATION_MINUTES" default:"60"`
}

// PasswordConfig holds the argon2id parameters used for gift card PINs.
type PasswordConfig struct {
	ArgonMemoryKB    int `envconfig:"DISPENSARY_ARGON_MEMORY_KB" default:"65536"`
	ArgonTime        int `envconfig:"DISPENSARY_ARGON_TIME" default:"3"`
	ArgonParallelism int `envconfig:"DISPENSARY_ARGON_PARALLELISM" default:"2"`
	ArgonSaltLen     int `envconfig:"DISPENSARY_ARGON_SALT_LEN" default:"16"`
	ArgonKeyLen      int `envconfig:"DISPENSARY_ARGON_KEY_LEN" default:"32"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"DISPENSARY_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL time.Duration `envconfig:"DISPENSARY_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"DISPENSARY_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"DISPENSARY_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"DISPENSARY_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrdersTopic       string `envconfig:"DISPENSARY_PUBSUB_ORDERS_TOPIC" default:"dispensary-order-events"`
	PaymentsTopic     string `envconfig:"DISPENSARY_PUBSUB_PAYMENTS_TOPIC" default:"dispensary-payment-events"`
	NotificationTopic string `envconfig:"DISPENSARY_PUBSUB_NOTIFICATION_TOPIC" default:"dispensary-notification-intents"`
}

// BigQueryConfig names the warehouse table the bigquery outbox sink streams into.
type BigQueryConfig struct {
	Dataset     string `envconfig:"DISPENSARY_BIGQUERY_DATASET" default:"dispensary_finance"`
	EventsTable string `envconfig:"DISPENSARY_BIGQUERY_EVENTS_TABLE" default:"outbox_events"`
}

type KafkaConfig struct {
	Brokers []string `envconfig:"DISPENSARY_KAFKA_BROKERS"`
	// TopicPrefix is prepended to every outbox topic when the kafka sink is active.
	TopicPrefix string `envconfig:"DISPENSARY_KAFKA_TOPIC_PREFIX"`
}

type OutboxConfig struct {
	BatchSize      int    `envconfig:"DISPENSARY_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int    `envconfig:"DISPENSARY_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int    `envconfig:"DISPENSARY_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Sink           string `envconfig:"DISPENSARY_OUTBOX_SINK" default:"pubsub"`
	// Retention bounds how long delivered rows are kept before the cron worker prunes them.
	Retention time.Duration `envconfig:"DISPENSARY_OUTBOX_RETENTION" default:"720h"`
}

func (o OutboxConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(o.Sink)) {
	case OutboxSinkPubSub, OutboxSinkKafka, OutboxSinkBigQuery:
		return nil
	default:
		return fmt.Errorf("%s must be one of %q, %q, %q", EnvOutboxSink, OutboxSinkPubSub, OutboxSinkKafka, OutboxSinkBigQuery)
	}
}

// PaymentsConfig controls provider routing and fee computation.
type PaymentsConfig struct {
	CardProvider    string        `envconfig:"DISPENSARY_PAYMENTS_CARD_PROVIDER" default:"square"`
	ProviderTimeout time.Duration `envconfig:"DISPENSARY_PAYMENTS_PROVIDER_TIMEOUT" default:"15s"`
	CardFeeBps      int64         `envconfig:"DISPENSARY_PAYMENTS_CARD_FEE_BPS" default:"290"`
	CardFeeFixed    int64         `envconfig:"DISPENSARY_PAYMENTS_CARD_FEE_FIXED_CENTS" default:"30"`
	TransferFeeBps  int64         `envconfig:"DISPENSARY_PAYMENTS_TRANSFER_FEE_BPS" default:"0"`
	CashFeeBps      int64         `envconfig:"DISPENSARY_PAYMENTS_CASH_FEE_BPS" default:"0"`
}

func (p PaymentsConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(p.CardProvider)) {
	case CardProviderSquare, CardProviderStripe, CardProviderManual:
	default:
		return fmt.Errorf("%s must be one of %q, %q, %q", EnvPaymentsCardProvider, CardProviderSquare, CardProviderStripe, CardProviderManual)
	}
	if p.CardFeeBps < 0 || p.TransferFeeBps < 0 || p.CashFeeBps < 0 || p.CardFeeFixed < 0 {
		return fmt.Errorf("payment fees must be non-negative")
	}
	return nil
}

type SquareConfig struct {
	AccessToken   string `envconfig:"DISPENSARY_SQUARE_ACCESS_TOKEN"`
	Env           string `envconfig:"DISPENSARY_SQUARE_ENV" default:"sandbox"`
	LocationID    string `envconfig:"DISPENSARY_SQUARE_LOCATION_ID"`
	WebhookSecret string `envconfig:"DISPENSARY_SQUARE_WEBHOOK_SECRET"`
	WebhookURL    string `envconfig:"DISPENSARY_SQUARE_WEBHOOK_URL"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

type StripeConfig struct {
	APIKey        string `envconfig:"DISPENSARY_STRIPE_API_KEY"`
	Env           string `envconfig:"DISPENSARY_STRIPE_ENV" default:"test"`
	WebhookSecret string `envconfig:"DISPENSARY_STRIPE_WEBHOOK_SECRET"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type GiftCardsConfig struct {
	CodeLength int `envconfig:"DISPENSARY_GIFT_CARD_CODE_LENGTH" default:"16"`
	// CodeAttempts bounds retries when a generated code collides.
	CodeAttempts int `envconfig:"DISPENSARY_GIFT_CARD_CODE_ATTEMPTS" default:"5"`
}

type OrdersConfig struct {
	PendingPaymentTTL time.Duration `envconfig:"DISPENSARY_ORDERS_PENDING_PAYMENT_TTL" default:"72h"`
	ExpireBatchSize   int           `envconfig:"DISPENSARY_ORDERS_EXPIRE_BATCH_SIZE" default:"100"`
}

type SettlementsConfig struct {
	LockTTL    time.Duration `envconfig:"DISPENSARY_SETTLEMENTS_LOCK_TTL" default:"10m"`
	MatchBatch int           `envconfig:"DISPENSARY_SETTLEMENTS_MATCH_BATCH" default:"500"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"DISPENSARY_CRON_INTERVAL" default:"5m"`
	LockTTL  time.Duration `envconfig:"DISPENSARY_CRON_LOCK_TTL" default:"10m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
