package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CAPSULE_CONFIG", "")
	t.Setenv("WEBHOOK_SIGNING_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, defaultAddress, cfg.Address)
	assert.Equal(t, 72*time.Hour, cfg.LockWindow)
	assert.Equal(t, 30*time.Second, cfg.SendTimeout)
	assert.Equal(t, "@every 5m", cfg.ReconcileSpec)
	assert.Equal(t, 1, cfg.CurrentKeyVersion)
	assert.Len(t, cfg.WebhookSecret, 32)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CAPSULE_CONFIG", "")
	t.Setenv("CAPSULE_ADDRESS", ":9999")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/capsule")
	t.Setenv("CAPSULE_WORKERS", "-3")
	t.Setenv("CAPSULE_SEND_TIMEOUT", "5s")
	t.Setenv("CAPSULE_LOCK_WINDOW", "not-a-duration")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("WEBHOOK_SIGNING_SECRET", "whsec_test")
	t.Setenv("CRYPTO_CURRENT_KEY_VERSION", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Address)
	assert.Equal(t, "postgres://u:p@db/capsule", cfg.DatabaseURL)
	assert.Equal(t, defaultWorkerCount, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.SendTimeout)
	assert.Equal(t, defaultLockWindow, cfg.LockWindow)
	assert.True(t, cfg.S3UseSSL)
	assert.Equal(t, []byte("whsec_test"), cfg.WebhookSecret)
	assert.Equal(t, 3, cfg.CurrentKeyVersion)
}

func TestLoad_FileOverlayThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capsule.yaml")
	yaml := []byte(`
address: ":7000"
redis_addr: "redis:6379"
artifact_bucket: "printed"
lock_window: "48h"
workers: 4
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o600))
	t.Setenv("CAPSULE_CONFIG", path)
	t.Setenv("CAPSULE_ADDRESS", "")
	t.Setenv("CAPSULE_WORKERS", "6")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Address)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "printed", cfg.ArtifactBucket)
	assert.Equal(t, 48*time.Hour, cfg.LockWindow)
	assert.Equal(t, 6, cfg.Workers)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CAPSULE_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "EMAIL_API_URL")

	cfg.DatabaseURL = "postgres://localhost/capsule"
	cfg.EmailAPIURL = "https://api.resend.com/emails"
	assert.NoError(t, cfg.Validate())
}
