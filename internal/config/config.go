package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	BackendLocal = "local"
	BackendRedis = "redis"
	BackendNats  = "nats"
)

type Config struct {
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort uint16 `env:"REDIS_PORT" envDefault:"6379"   validate:"min=1000,max=65535"`

	PostgresHost     string `env:"POSTGRES_HOST"     envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT"     envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"     envDefault:"chat_user"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"chat_password"`
	PostgresDb       string `env:"POSTGRES_DB"       envDefault:"chat_db"`

	HttpServerPort uint16 `env:"HTTP_SERVER_PORT" envDefault:"8085" validate:"min=1000,max=65535"`

	// Transport policy for websocket upgrades.
	RequireSecureTransport bool     `env:"REQUIRE_SECURE_TRANSPORT" envDefault:"true"`
	TrustForwardedProto    bool     `env:"TRUST_FORWARDED_PROTO"    envDefault:"false"`
	AllowedOrigins         []string `env:"ALLOWED_ORIGINS"          envDefault:"*" envSeparator:","`

	// Either a shared HMAC secret or a JWKS endpoint; both empty means every
	// connection is anonymous.
	JwtSecret  string `env:"JWT_SECRET"`
	JwtJwksURL string `env:"JWT_JWKS_URL" validate:"omitempty,url"`

	BroadcastBackend string `env:"BROADCAST_BACKEND" envDefault:"redis" validate:"oneof=local redis nats"`
	NatsURL          string `env:"NATS_URL"          envDefault:"nats://localhost:4222" validate:"required_if=BroadcastBackend nats"`

	StoreTimeout       time.Duration `env:"STORE_TIMEOUT"        envDefault:"2s"  validate:"gt=0"`
	PresenceLeaseTTL   time.Duration `env:"PRESENCE_LEASE_TTL"   envDefault:"30s" validate:"gtfield=PresenceLeaseRenew"`
	PresenceLeaseRenew time.Duration `env:"PRESENCE_LEASE_RENEW" envDefault:"10s" validate:"gt=0"`

	WsMaxMessageSize     int64 `env:"WS_MAX_MESSAGE_SIZE"     envDefault:"16384" validate:"min=512"`
	ChatMaxContentLength int   `env:"CHAT_MAX_CONTENT_LENGTH" envDefault:"4000"  validate:"min=1"`

	OtelEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"teamchat"`
}

func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	err := godotenv.Load(".env")
	if err != nil {
		zap.L().Debug(".env file not found", zap.Error(err))
	}

	cfg := &Config{}
	// Parse config from environment variables
	if err = env.Parse(cfg); err != nil {
		zap.L().Error("config_load_failed", zap.Error(err))
		return nil, err
	}

	// Validate the config
	validate := validator.New()
	err = validate.Struct(cfg)
	if err != nil {
		zap.L().Error("config_validation_failed", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}
