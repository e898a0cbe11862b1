package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.File)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "site_inspection_audit.db", cfg.Database.URL)
	assert.Equal(t, 5, cfg.Audit.MaxAppendAttempts)
	assert.False(t, cfg.Auth.TrustHeaders)
	assert.True(t, cfg.Audit.VerifyOnStart)
	assert.Zero(t, cfg.Audit.VerifyInterval)
	assert.Equal(t, 4, cfg.Audit.VerifyConcurrency)
}

func TestLoad_file(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	yaml := `
server:
  port: 9090
  rate_limit_rps: 5
database:
  driver: postgres
  url: postgres://audit:audit@db:5432/audit
auth:
  jwt_secret: s3cret
  trust_headers: true
audit:
  max_append_attempts: 3
  verify_on_start: false
  verify_interval: 10m
  verify_tenants: [tenant-a, tenant-b]
  verify_concurrency: 8
alerts:
  webhook_url: https://ops.example.com/hooks/audit
`
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Server.RateLimitRPS)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Auth.TrustHeaders)
	assert.False(t, cfg.Audit.VerifyOnStart)
	assert.Equal(t, 10*time.Minute, cfg.Audit.VerifyInterval)
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, cfg.Audit.VerifyTenants)
	assert.Equal(t, 8, cfg.Audit.VerifyConcurrency)
	assert.Equal(t, "https://ops.example.com/hooks/audit", cfg.Alerts.WebhookURL)

	store := cfg.Store()
	assert.Equal(t, "postgres", store.Driver)
	assert.Equal(t, 3, store.MaxAppendAttempts)
}

func TestLoad_envOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("SERVER_PORT", "7000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 7000, cfg.Server.Port)
}

func TestLoad_jwtSecretKeyEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET_KEY", "from-identity-service")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-identity-service", cfg.Auth.JWTSecret)

	t.Setenv("AUTH_JWT_SECRET", "explicit")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "explicit", cfg.Auth.JWTSecret)
}

func TestLoad_dotenv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("AUTH_JWT_ISSUER=https://auth.example.com\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("AUTH_JWT_ISSUER") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com", cfg.Auth.JWTIssuer)
}

func TestLoad_invalid(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("DATABASE_DRIVER", "mongo")
		_, err := Load("")
		require.Error(t, err)
	})

	t.Run("zero verify concurrency", func(t *testing.T) {
		t.Setenv("AUDIT_VERIFY_CONCURRENCY", "0")
		_, err := Load("")
		require.Error(t, err)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}
