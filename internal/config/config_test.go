package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RATE_LIMIT_PATIENT_PER_MIN", "")
	t.Setenv("AUDIT_SALT", "")

	cfg := Load()

	assert.Equal(t, 12, cfg.RateLimitPerPatient)
	assert.Equal(t, 60, cfg.RateLimitPerIP)
	assert.Equal(t, 2000, cfg.AuditMaxLen)
	assert.Equal(t, 1.0, cfg.AuditSampleRate)
	assert.Equal(t, 2, cfg.ModelRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.ModelRetryBase)
	assert.NotEmpty(t, cfg.AuditSalt)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_PATIENT_PER_MIN", "3")
	t.Setenv("AUDIT_SAMPLE_RATE", "0.25")
	t.Setenv("MODEL_TIMEOUT_MS", "500")
	t.Setenv("AUDIT_SALT", "s3cr3t")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()

	assert.Equal(t, 3, cfg.RateLimitPerPatient)
	assert.Equal(t, 0.25, cfg.AuditSampleRate)
	assert.Equal(t, 500*time.Millisecond, cfg.ModelTimeout)
	assert.Equal(t, "s3cr3t", cfg.AuditSalt)
	assert.Equal(t, 0, cfg.RedisDB)
}

func TestValidate_ProductionNeedsAuditSalt(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("AUDIT_SALT", "")

	cfg := Load()
	assert.Equal(t, DevAuditSalt, cfg.AuditSalt)
	require.ErrorIs(t, cfg.Validate(), ErrInsecureConfig)

	t.Setenv("AUDIT_SALT", "prod-secret")
	assert.NoError(t, Load().Validate())
}

func TestValidate_DevelopmentAllowsDevSalt(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("AUDIT_SALT", "")

	assert.NoError(t, Load().Validate())
}

func TestLoad_TrustedProxies(t *testing.T) {
	t.Setenv("TRUSTED_PROXIES", "")
	assert.Empty(t, Load().TrustedProxies)

	t.Setenv("TRUSTED_PROXIES", " 10.0.0.1, ,192.168.0.0/16 ")
	assert.Equal(t, []string{"10.0.0.1", "192.168.0.0/16"}, Load().TrustedProxies)
}
