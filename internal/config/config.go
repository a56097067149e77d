package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	HTTP     HTTPConfig     `envPrefix:"HTTP_"`
	Log      LogConfig      `envPrefix:"LOG_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	DB       DBConfig       `envPrefix:"DB_"`
	Kafka    KafkaConfig    `envPrefix:"KAFKA_"`
	Backend  BackendConfig  `envPrefix:"BACKEND_"`
	Checkout CheckoutConfig `envPrefix:"CHECKOUT_"`
}

type HTTPConfig struct {
	Port               string        `env:"PORT" envDefault:"8080"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MaxRequestBodySize int64         `env:"MAX_BODY_BYTES" envDefault:"1048576"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type DBConfig struct {
	Host           string `env:"HOST" envDefault:"localhost"`
	Port           int    `env:"PORT" envDefault:"5432"`
	User           string `env:"USER" envDefault:"postgres"`
	Password       string `env:"PASSWORD" envDefault:"postgres"`
	Name           string `env:"NAME" envDefault:"checkout"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"./internal/repository/migrations"`
}

type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic   string   `env:"TOPIC" envDefault:"checkout-settlements"`
}

type BackendConfig struct {
	CartURL     string        `env:"CART_URL" envDefault:"http://localhost:9001"`
	CouponURL   string        `env:"COUPON_URL" envDefault:"http://localhost:9002"`
	OrderURL    string        `env:"ORDER_URL" envDefault:"http://localhost:9003"`
	SettingsURL string        `env:"SETTINGS_URL" envDefault:"http://localhost:9004"`
	GatewayURL  string        `env:"GATEWAY_URL" envDefault:"http://localhost:9005"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"5s"`
	// GatewayRedirectTemplate builds the hosted payment page URL from the
	// redirect token when the gateway does not return one. %s is the token.
	GatewayRedirectTemplate string        `env:"GATEWAY_REDIRECT_TEMPLATE" envDefault:"http://localhost:9005/pay/%s"`
	BreakerFailures         uint32        `env:"BREAKER_FAILURES" envDefault:"5"`
	BreakerOpenTimeout      time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"30s"`
}

type CheckoutConfig struct {
	CODDepositFallback   decimal.Decimal `env:"COD_DEPOSIT_FALLBACK" envDefault:"39"`
	StrictDeposit        bool            `env:"STRICT_DEPOSIT" envDefault:"false"`
	GatewayMinimumAmount decimal.Decimal `env:"GATEWAY_MINIMUM_AMOUNT" envDefault:"1"`
	MaxVerifyAttempts    int             `env:"MAX_VERIFY_ATTEMPTS" envDefault:"3"`
	Currency             string          `env:"CURRENCY" envDefault:"EGP"`
	GuestCartTTL         time.Duration   `env:"GUEST_CART_TTL" envDefault:"720h"`
	PendingTTL           time.Duration   `env:"PENDING_TTL" envDefault:"168h"`
	ClaimTTL             time.Duration   `env:"CLAIM_TTL" envDefault:"2m"`
	OutboxInterval       time.Duration   `env:"OUTBOX_INTERVAL" envDefault:"1s"`
	OrphanCheckInterval  time.Duration   `env:"ORPHAN_CHECK_INTERVAL" envDefault:"1m"`
	OrphanAfter          time.Duration   `env:"ORPHAN_AFTER" envDefault:"15m"`
}

// Load reads an optional .env file and then the process environment.
func Load(dotenvFiles ...string) (*Config, error) {
	if err := godotenv.Load(dotenvFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Checkout.MaxVerifyAttempts < 1 {
		return fmt.Errorf("CHECKOUT_MAX_VERIFY_ATTEMPTS must be at least 1")
	}
	if c.Checkout.CODDepositFallback.IsNegative() {
		return fmt.Errorf("CHECKOUT_COD_DEPOSIT_FALLBACK must not be negative")
	}
	if c.Checkout.GatewayMinimumAmount.IsNegative() {
		return fmt.Errorf("CHECKOUT_GATEWAY_MINIMUM_AMOUNT must not be negative")
	}
	return nil
}
