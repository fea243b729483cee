package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.StorefrontPort)
	assert.Equal(t, "localhost:9092", cfg.KafkaBrokers)
	assert.True(t, cfg.KafkaEnabled)
	assert.False(t, cfg.DLQReplay)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, CatalogPostgres, cfg.CatalogSource)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, 20*time.Minute, cfg.DeliveryETA)
	assert.Equal(t, "host=localhost port=5432 user=storefront password=storefront dbname=storefront sslmode=disable", cfg.DSN())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("STOREFRONT_PORT", "9090")
	t.Setenv("KAFKA_ENABLED", "false")
	t.Setenv("CATALOG_SOURCE", "static")
	t.Setenv("DELIVERY_ETA_MINUTES", "45")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.StorefrontPort)
	assert.False(t, cfg.KafkaEnabled)
	assert.Equal(t, CatalogStatic, cfg.CatalogSource)
	assert.Equal(t, 45*time.Minute, cfg.DeliveryETA)
	assert.Equal(t, logrus.DebugLevel, cfg.NewLogger().GetLevel())
}

func TestMemoryStoreServesStaticCatalog(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("CATALOG_SOURCE", "postgres")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, CatalogStatic, cfg.CatalogSource)
}

func TestLoadDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("REDIS_ADDR=redis:6379\nJWT_SECRET=from-file\n"), 0o600))
	t.Setenv("JWT_SECRET", "from-env")
	t.Cleanup(func() { os.Unsetenv("REDIS_ADDR") })

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "from-env", cfg.JWTSecret, "the environment wins over .env")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.env")

	t.Setenv("CATALOG_SOURCE", "mongo")
	_, err := Load(missing)
	assert.Error(t, err)

	t.Setenv("CATALOG_SOURCE", "static")
	t.Setenv("STORE", "sqlite")
	_, err = Load(missing)
	assert.Error(t, err)

	t.Setenv("STORE", "memory")
	t.Setenv("LOG_LEVEL", "loud")
	_, err = Load(missing)
	assert.Error(t, err)
}
