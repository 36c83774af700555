package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "8082", cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.EqualValues(t, 52428800, cfg.Media.MaxBytes)
	assert.Equal(t, time.Hour, cfg.Media.SignedURLTTL)
	assert.Equal(t, "chat.events", cfg.Broker.Exchange)
	assert.False(t, cfg.Storage.Enabled())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CORS_ORIGINS", "https://crm.clinic.test,https://admin.clinic.test")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("S3_ENDPOINT", "minio:9000")
	t.Setenv("S3_BUCKET", "chat-media")
	t.Setenv("S3_USE_SSL", "false")
	t.Setenv("WAHA_API_URL", "http://waha:3000")
	t.Setenv("WAHA_TIMEOUT", "5s")
	t.Setenv("MEDIA_MAX_BYTES", "1024")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, []string{"https://crm.clinic.test", "https://admin.clinic.test"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.True(t, cfg.Storage.Enabled())
	assert.False(t, cfg.Storage.UseSSL)
	assert.Equal(t, "http://waha:3000", cfg.WAHA.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.WAHA.Timeout)
	assert.EqualValues(t, 1024, cfg.Media.MaxBytes)
}

func TestLoadDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("AMQP_EXCHANGE=clinic.chat\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("AMQP_EXCHANGE") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "clinic.chat", cfg.Broker.Exchange)
}

func TestIsMemoryDSN(t *testing.T) {
	assert.True(t, isMemoryDSN(""))
	assert.True(t, isMemoryDSN(":memory:"))
	assert.True(t, isMemoryDSN("file:chat?mode=memory&cache=shared"))
	assert.False(t, isMemoryDSN("/var/lib/clinic/chat.db"))
}

func TestInitDB(t *testing.T) {
	db, err := InitDB(Database{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	assert.Same(t, db, DB)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Ping())
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	sqlDB.Close()

	file, err := InitDB(Database{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "chat.db")})
	require.NoError(t, err)
	fileDB, err := file.DB()
	require.NoError(t, err)
	assert.Equal(t, 0, fileDB.Stats().MaxOpenConnections)
	fileDB.Close()

	_, err = InitDB(Database{Driver: "postgres"})
	assert.Error(t, err)
	_, err = InitDB(Database{Driver: "mysql"})
	assert.Error(t, err)
}
