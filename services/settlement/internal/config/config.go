package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	base "github.com/Gimbo67/evokeessence-settlement/libs/config"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaTopics struct {
	SettlementsUpdated string
	SettlementsClamped string
	DeadLetter         string
}

type KafkaConfig struct {
	Brokers []string
	Topics  KafkaTopics
}

type RatesConfig struct {
	URL      string
	Base     string
	CacheTTL time.Duration
	Timeout  time.Duration
}

type SettlementConfig struct {
	CommissionRate decimal.Decimal
}

type AuthConfig struct {
	JWTSecret string
}

type Config struct {
	App        base.AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Rates      RatesConfig
	Settlement SettlementConfig
	Auth       AuthConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("EVX_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("EVX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("EVX_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topics.settlements_updated", "settlements.updated")
	v.SetDefault("kafka.topics.settlements_clamped", "settlements.clamped")
	v.SetDefault("kafka.topics.dead_letter", "settlements.dead_letter")
	v.SetDefault("rates.url", "http://localhost:8090")
	v.SetDefault("rates.base", "USD")

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "evx_settlement"),
			User:     envString("POSTGRES_USER", "evx"),
			Password: envString("POSTGRES_PASSWORD", "evx"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", "localhost:6379"),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			Topics: KafkaTopics{
				SettlementsUpdated: envString("KAFKA_SETTLEMENTS_UPDATED_TOPIC", v.GetString("kafka.topics.settlements_updated")),
				SettlementsClamped: envString("KAFKA_SETTLEMENTS_CLAMPED_TOPIC", v.GetString("kafka.topics.settlements_clamped")),
				DeadLetter:         envString("KAFKA_DEAD_LETTER_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Rates: RatesConfig{
			URL:      envString("RATES_URL", v.GetString("rates.url")),
			Base:     envString("RATES_BASE", v.GetString("rates.base")),
			CacheTTL: envDuration("RATES_CACHE_TTL", 60*time.Second),
			Timeout:  envDuration("RATES_TIMEOUT", 5*time.Second),
		},
		Settlement: SettlementConfig{
			CommissionRate: envDecimal("SETTLEMENT_COMMISSION_RATE", decimal.NewFromFloat(0.10)),
		},
		Auth: AuthConfig{
			JWTSecret: envString("JWT_SECRET", ""),
		},
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.Topics.SettlementsUpdated == "" {
		return nil, fmt.Errorf("settlements updated topic required")
	}
	if cfg.Rates.URL == "" {
		return nil, fmt.Errorf("rates url required")
	}
	if cfg.Settlement.CommissionRate.IsNegative() || cfg.Settlement.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("commission rate must be in [0, 1)")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET required")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
