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
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	PubSub       PubSubConfig
	GCP          GCPConfig
	Outbox       OutboxConfig
	Inbox        InboxConfig
	Fanout       FanoutConfig
	Retention    RetentionConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"ORDERMESH_APP_ENV" required:"true"`
	Port         string `envconfig:"ORDERMESH_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"ORDERMESH_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"ORDERMESH_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"ORDERMESH_SERVICE_KIND" default:"orders-api"`
}

type DBConfig struct {
	DSN    string `envconfig:"ORDERMESH_DB_DSN"`
	Driver string `envconfig:"ORDERMESH_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"ORDERMESH_DB_HOST"`
	LegacyPort     int    `envconfig:"ORDERMESH_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"ORDERMESH_DB_USER"`
	LegacyPassword string `envconfig:"ORDERMESH_DB_PASSWORD"`
	LegacyName     string `envconfig:"ORDERMESH_DB_NAME"`
	LegacySSLMode  string `envconfig:"ORDERMESH_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"ORDERMESH_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"ORDERMESH_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"ORDERMESH_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"ORDERMESH_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"ORDERMESH_REDIS_URL"`
	Address      string        `envconfig:"ORDERMESH_REDIS_ADDR"`
	Password     string        `envconfig:"ORDERMESH_REDIS_PASSWORD"`
	DB           int           `envconfig:"ORDERMESH_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"ORDERMESH_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"ORDERMESH_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"ORDERMESH_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"ORDERMESH_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"ORDERMESH_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"ORDERMESH_JWT_SECRET"`
	Issuer            string `envconfig:"ORDERMESH_JWT_ISSUER" default:"ordermesh"`
	ExpirationMinutes int    `envconfig:"ORDERMESH_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"ORDERMESH_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"ORDERMESH_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"ORDERMESH_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"ORDERMESH_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrdersTopic          string `envconfig:"ORDERMESH_PUBSUB_ORDERS_TOPIC" default:"om-order-events"`
	OrdersSubscription   string `envconfig:"ORDERMESH_PUBSUB_ORDERS_SUBSCRIPTION"`
	PaymentsTopic        string `envconfig:"ORDERMESH_PUBSUB_PAYMENTS_TOPIC" default:"om-payment-events"`
	PaymentsSubscription string `envconfig:"ORDERMESH_PUBSUB_PAYMENTS_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize        int           `envconfig:"ORDERMESH_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS   int           `envconfig:"ORDERMESH_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts      int           `envconfig:"ORDERMESH_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetryBackoffBase time.Duration `envconfig:"ORDERMESH_OUTBOX_RETRY_BACKOFF_BASE" default:"1s"`
	RetryBackoffCap  time.Duration `envconfig:"ORDERMESH_OUTBOX_RETRY_BACKOFF_CAP" default:"1m"`
	PublishTimeout   time.Duration `envconfig:"ORDERMESH_OUTBOX_PUBLISH_TIMEOUT" default:"15s"`
}

type InboxConfig struct {
	ConsumerName   string        `envconfig:"ORDERMESH_INBOX_CONSUMER_NAME"`
	MaxAttempts    int           `envconfig:"ORDERMESH_INBOX_MAX_ATTEMPTS" default:"5"`
	AttemptTTL     time.Duration `envconfig:"ORDERMESH_INBOX_ATTEMPT_TTL" default:"24h"`
	HandlerTimeout time.Duration `envconfig:"ORDERMESH_INBOX_HANDLER_TIMEOUT" default:"30s"`
}

type FanoutConfig struct {
	QueueCapacity  int           `envconfig:"ORDERMESH_FANOUT_QUEUE_CAPACITY" default:"64"`
	SlowPolicy     string        `envconfig:"ORDERMESH_FANOUT_SLOW_POLICY" default:"drop"`
	WriteTimeout   time.Duration `envconfig:"ORDERMESH_FANOUT_WRITE_TIMEOUT" default:"10s"`
	PingInterval   time.Duration `envconfig:"ORDERMESH_FANOUT_PING_INTERVAL" default:"30s"`
	MaxMessageSize int64         `envconfig:"ORDERMESH_FANOUT_MAX_MESSAGE_SIZE" default:"4096"`
}

// DropSlowConsumers reports whether a saturated connection should be dropped
// rather than disconnected.
func (f FanoutConfig) DropSlowConsumers() bool {
	return !strings.EqualFold(strings.TrimSpace(f.SlowPolicy), SlowPolicyClose)
}

type RetentionConfig struct {
	OutboxMaxAge time.Duration `envconfig:"ORDERMESH_RETENTION_OUTBOX_MAX_AGE" default:"168h"`
	InboxMaxAge  time.Duration `envconfig:"ORDERMESH_RETENTION_INBOX_MAX_AGE" default:"168h"`
	Interval     time.Duration `envconfig:"ORDERMESH_RETENTION_INTERVAL" default:"1h"`
	LockTTL      time.Duration `envconfig:"ORDERMESH_RETENTION_LOCK_TTL" default:"55m"`
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
