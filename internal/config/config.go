package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewTuningHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string
	Telemetry    TelemetryConfig

	DBType            string
	DBDSN             string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis     RedisConfig
	Kafka     KafkaConfig
	Webhook   WebhookConfig
	Gateway   GatewayConfig
	Operator  OperatorConfig
	Scheduler SchedulerConfig

	TuningFile     string
	PushgatewayURL string
}

type TelemetryConfig struct {
	LogLevel           string
	LogFormat          string
	OtelEnabled        bool
	OtelProtocol       string
	OtelSamplingRatio  float64
	SlowQueryThreshold time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type WebhookConfig struct {
	Secret             string
	SignatureHeader    string
	AllowFallback      bool
	TimestampTolerance time.Duration
}

type GatewayConfig struct {
	Provider          string
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	MidtransServerKey string
	MidtransEnv       string
}

type OperatorConfig struct {
	JWTSecret   string
	JWTIssuer   string
	RatePerSec  float64
	RateBurst   int
	DefaultRole string
}

type SchedulerConfig struct {
	Enabled       bool
	RunInterval   time.Duration
	PurgeInterval time.Duration
	JobTimeout    time.Duration
	EnabledJobs   []string
}

const (
	GatewayNone     = "none"
	GatewayREST     = "rest"
	GatewayMidtrans = "midtrans"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:           getenv("APP_NAME", "orderpay"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("APP_ENV", "development"),
		HTTPAddr:          ":" + getenv("HTTP_PORT", "8080"),
		NodeID:            getenvInt64("NODE_ID", 1),
		OTLPEndpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		Telemetry: TelemetryConfig{
			LogLevel:           strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:          strings.ToLower(getenv("LOG_FORMAT", "json")),
			OtelEnabled:        getenvBool("OTEL_ENABLED", true),
			OtelProtocol:       strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
			OtelSamplingRatio:  getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
			SlowQueryThreshold: getenvDuration("DB_SLOW_QUERY_THRESHOLD", 200*time.Millisecond),
		},
		DBType:            strings.ToLower(getenv("DB_TYPE", "postgres")),
		DBDSN:             strings.TrimSpace(getenv("DB_DSN", "")),
		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBName:            getenv("DB_NAME", "orderpay"),
		DBUser:            getenv("DB_USER", "postgres"),
		DBPassword:        getenv("DB_PASSWORD", ""),
		DBSSLMode:         getenv("DB_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DB_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DB_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DB_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DB_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DB_AUTO_MIGRATE", true),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getenv("KAFKA_BROKERS", "")),
			Topic:   getenv("KAFKA_TOPIC", "orderpay.events"),
		},
		Webhook: WebhookConfig{
			Secret:             strings.TrimSpace(getenv("WEBHOOK_SECRET", "")),
			SignatureHeader:    getenv("WEBHOOK_SIGNATURE_HEADER", "X-Signature"),
			AllowFallback:      getenvBool("WEBHOOK_ALLOW_FALLBACK", false),
			TimestampTolerance: getenvDuration("WEBHOOK_TIMESTAMP_TOLERANCE", 5*time.Minute),
		},
		Gateway: GatewayConfig{
			Provider:          strings.ToLower(getenv("GATEWAY_PROVIDER", GatewayNone)),
			BaseURL:           strings.TrimRight(getenv("GATEWAY_BASE_URL", ""), "/"),
			APIKey:            strings.TrimSpace(getenv("GATEWAY_API_KEY", "")),
			Timeout:           getenvDuration("GATEWAY_TIMEOUT", 5*time.Second),
			MidtransServerKey: strings.TrimSpace(getenv("MIDTRANS_SERVER_KEY", "")),
			MidtransEnv:       strings.ToLower(getenv("MIDTRANS_ENV", "sandbox")),
		},
		Operator: OperatorConfig{
			JWTSecret:   strings.TrimSpace(getenv("OPERATOR_JWT_SECRET", "")),
			JWTIssuer:   getenv("OPERATOR_JWT_ISSUER", "orderpay"),
			RatePerSec:  getenvFloat("OPERATOR_RATE_PER_SEC", 1),
			RateBurst:   getenvInt("OPERATOR_RATE_BURST", 5),
			DefaultRole: getenv("OPERATOR_DEFAULT_ROLE", "support"),
		},
		Scheduler: SchedulerConfig{
			Enabled:       getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:   getenvDuration("SCHEDULER_INTERVAL", 15*time.Second),
			PurgeInterval: getenvDuration("SCHEDULER_PURGE_INTERVAL", time.Hour),
			JobTimeout:    getenvDuration("SCHEDULER_JOB_TIMEOUT", 30*time.Second),
			EnabledJobs:   splitList(getenv("SCHEDULER_JOBS", "")),
		},
		TuningFile:     strings.TrimSpace(getenv("RECONCILE_CONFIG_FILE", "")),
		PushgatewayURL: strings.TrimSpace(getenv("PUSHGATEWAY_URL", "")),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
