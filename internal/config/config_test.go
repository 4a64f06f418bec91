package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("默认值", func(t *testing.T) {
		cfg, err := LoadConfig(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, "sqlite", cfg.DB.Driver)
		assert.Equal(t, "approval.db", cfg.DB.DSN)
		assert.Equal(t, ":8080", cfg.HTTP.Addr)
		assert.Equal(t, 5*time.Second, cfg.Approval.StoreTimeout)
		assert.True(t, cfg.Reconcile.Enable)
		assert.Equal(t, time.Minute, cfg.Reconcile.Interval)
		assert.Equal(t, int64(5), cfg.Reconcile.MaxAttempts)
		assert.False(t, cfg.IsProduction())
		assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	})

	t.Run("配置文件和环境变量", func(t *testing.T) {
		dir := t.TempDir()
		yaml := `
environment: production
log_level: debug
db:
  driver: MySQL
  dsn: "root:root@tcp(127.0.0.1:3306)/approval?parseTime=true"
reconcile:
  batch_size: 20
  grace: 30s
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
		t.Setenv("APPROVAL_REDIS_ADDR", "127.0.0.1:6379")
		t.Setenv("APPROVAL_APPROVAL_STORE_TIMEOUT", "2s")

		cfg, err := LoadConfig(dir)
		require.NoError(t, err)
		assert.True(t, cfg.IsProduction())
		assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
		assert.Equal(t, "mysql", cfg.DB.Driver)
		assert.Equal(t, 20, cfg.Reconcile.BatchSize)
		assert.Equal(t, 30*time.Second, cfg.Reconcile.Grace)
		assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
		assert.Equal(t, 2*time.Second, cfg.Approval.StoreTimeout)
	})

	t.Run("非法配置", func(t *testing.T) {
		t.Setenv("APPROVAL_DB_DRIVER", "postgres")
		_, err := LoadConfig(t.TempDir())
		assert.Error(t, err)
	})

	t.Run("补偿间隔必须大于0", func(t *testing.T) {
		t.Setenv("APPROVAL_RECONCILE_INTERVAL", "0s")
		_, err := LoadConfig(t.TempDir())
		assert.Error(t, err)
	})
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, (&Config{LogLevel: "warn"}).SlogLevel())
	assert.Equal(t, slog.LevelInfo, (&Config{LogLevel: "loud"}).SlogLevel())
}
