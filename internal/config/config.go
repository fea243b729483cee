package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	CatalogPostgres = "postgres"
	CatalogStatic   = "static"

	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	StorefrontPort string
	NotifierPort   string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	KafkaBrokers string
	KafkaEnabled bool
	// DLQReplay makes the DLQ monitor republish dead-lettered events.
	DLQReplay bool

	// RedisAddr selects the Redis idempotency store; empty keeps keys in memory.
	RedisAddr string

	JWTSecret     string
	CatalogSource string
	LogLevel      logrus.Level
	DeliveryETA   time.Duration

	// Store selects the persistence backend. The memory store has no product
	// table, so it always serves the static catalog.
	Store string
}

var defaults = map[string]interface{}{
	"STOREFRONT_PORT":      "8080",
	"NOTIFIER_PORT":        "8083",
	"DB_HOST":              "localhost",
	"DB_PORT":              "5432",
	"DB_USER":              "storefront",
	"DB_PASSWORD":          "storefront",
	"DB_NAME":              "storefront",
	"DB_SSLMODE":           "disable",
	"KAFKA_BROKERS":        "localhost:9092",
	"KAFKA_ENABLED":        true,
	"DLQ_REPLAY":           false,
	"REDIS_ADDR":           "",
	"JWT_SECRET":           "dev-secret",
	"STORE":                StorePostgres,
	"CATALOG_SOURCE":       CatalogPostgres,
	"LOG_LEVEL":            "info",
	"DELIVERY_ETA_MINUTES": 20,
}

// Load reads an optional .env file, then the environment, over the defaults.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		// godotenv never overrides variables already set in the environment.
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	level, err := logrus.ParseLevel(v.GetString("LOG_LEVEL"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	catalog := v.GetString("CATALOG_SOURCE")
	if catalog != CatalogPostgres && catalog != CatalogStatic {
		return nil, fmt.Errorf("invalid CATALOG_SOURCE %q: want %s or %s", catalog, CatalogPostgres, CatalogStatic)
	}

	backend := v.GetString("STORE")
	if backend != StorePostgres && backend != StoreMemory {
		return nil, fmt.Errorf("invalid STORE %q: want %s or %s", backend, StorePostgres, StoreMemory)
	}
	if backend == StoreMemory {
		catalog = CatalogStatic
	}

	eta := v.GetInt("DELIVERY_ETA_MINUTES")
	if eta <= 0 {
		return nil, fmt.Errorf("invalid DELIVERY_ETA_MINUTES %d", eta)
	}

	return &Config{
		StorefrontPort: v.GetString("STOREFRONT_PORT"),
		NotifierPort:   v.GetString("NOTIFIER_PORT"),
		DBHost:         v.GetString("DB_HOST"),
		DBPort:         v.GetString("DB_PORT"),
		DBUser:         v.GetString("DB_USER"),
		DBPassword:     v.GetString("DB_PASSWORD"),
		DBName:         v.GetString("DB_NAME"),
		DBSSLMode:      v.GetString("DB_SSLMODE"),
		KafkaBrokers:   v.GetString("KAFKA_BROKERS"),
		KafkaEnabled:   v.GetBool("KAFKA_ENABLED"),
		DLQReplay:      v.GetBool("DLQ_REPLAY"),
		RedisAddr:      v.GetString("REDIS_ADDR"),
		JWTSecret:      v.GetString("JWT_SECRET"),
		Store:          backend,
		CatalogSource:  catalog,
		LogLevel:       level,
		DeliveryETA:    time.Duration(eta) * time.Minute,
	}, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// NewLogger builds the JSON logger every service uses.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(c.LogLevel)
	return logger
}
