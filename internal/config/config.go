package config

import (
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr         string `env:"ADDR,default=:8080" validate:"required"`
	DSN          string `env:"DB_DSN,required=true" validate:"required"`
	JWTSecret    string `env:"JWT_SECRET,required=true" validate:"required,min=16"`
	RedisAddr    string `env:"REDIS_ADDR,default=localhost:6379" validate:"required,hostname_port"`
	RedisChannel string `env:"REDIS_CHANNEL,default=meetup:events" validate:"required"`
	LogLevel     string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	Env          string `env:"ENV,default=prod" validate:"oneof=dev prod"`

	TokenTTL       time.Duration `env:"TOKEN_TTL,default=24h" validate:"gt=0"`
	TxRetries      int           `env:"TX_RETRIES,default=3" validate:"gte=0,lte=10"`
	SendBuffer     int           `env:"SEND_BUFFER,default=256" validate:"gt=0"`
	OutboundBuffer int           `env:"OUTBOUND_BUFFER,default=1024" validate:"gt=0"`
	MaxMessageSize int64         `env:"MAX_MESSAGE_SIZE,default=8192" validate:"gt=0"`
	WriteWait      time.Duration `env:"WRITE_WAIT,default=10s" validate:"gt=0"`
	PongWait       time.Duration `env:"PONG_WAIT,default=60s" validate:"gt=0"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return &cfg, nil
}
