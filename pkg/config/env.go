package config

const EnvPrefix = "DISPENSARY"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	CardProviderSquare = "square"
	CardProviderStripe = "stripe"
	CardProviderManual = "manual"
)

const (
	OutboxSinkPubSub   = "pubsub"
	OutboxSinkKafka    = "kafka"
	OutboxSinkBigQuery = "bigquery"
)

// Environment variable names referenced outside struct tags.
const (
	EnvAppEnv               = "DISPENSARY_APP_ENV"
	EnvPort                 = "DISPENSARY_APP_PORT"
	EnvLogLevel             = "DISPENSARY_LOG_LEVEL"
	EnvDBDSN                = "DISPENSARY_DB_DSN"
	EnvDBHost               = "DISPENSARY_DB_HOST"
	EnvDBUser               = "DISPENSARY_DB_USER"
	EnvDBName               = "DISPENSARY_DB_NAME"
	EnvDBPassword           = "DISPENSARY_DB_PASSWORD"
	EnvRedisURL             = "DISPENSARY_REDIS_URL"
	EnvJWTSecret            = "DISPENSARY_JWT_SECRET"
	EnvJWTIssuer            = "DISPENSARY_JWT_ISSUER"
	EnvPaymentsCardProvider = "DISPENSARY_PAYMENTS_CARD_PROVIDER"
	EnvOutboxSink           = "DISPENSARY_OUTBOX_SINK"
	EnvKafkaBrokers         = "DISPENSARY_KAFKA_BROKERS"
	EnvOrdersPendingTTL     = "DISPENSARY_ORDERS_PENDING_PAYMENT_TTL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
