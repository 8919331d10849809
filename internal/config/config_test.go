package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paylink/internal/config"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL": "postgres://localhost/paylink",
		"REDIS_URL":    "redis://localhost:6379/0",
		"JWT_SECRET":   "secret",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(baseEnv())
	require.NoError(t, err)
	require.Equal(t, config.StoreDriverPostgres, cfg.StoreDriver)
	require.Equal(t, 10*time.Second, cfg.ProviderTimeout)
	require.Equal(t, 24*time.Hour, cfg.LinkDefaultTTL)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, "http://localhost:8080/api/v1/webhooks/payment/square", cfg.WebhookURL("square"))
}

func TestLoadMemoryDriverSkipsDatabaseURL(t *testing.T) {
	env := baseEnv()
	env["DATABASE_URL"] = ""
	env["STORE_DRIVER"] = "memory"
	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, config.StoreDriverMemory, cfg.StoreDriver)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	env := baseEnv()
	env["STORE_DRIVER"] = "mysql"
	_, err := config.LoadForTests(env)
	require.Error(t, err)
}

func TestLoadRequiresRedis(t *testing.T) {
	env := baseEnv()
	env["REDIS_URL"] = ""
	_, err := config.LoadForTests(env)
	require.EqualError(t, err, "REDIS_URL is required")
}

func TestLoadParsesOverrides(t *testing.T) {
	env := baseEnv()
	env["PROVIDER_TIMEOUT"] = "3s"
	env["POLL_GRACE_OVERRIDE"] = "1m"
	env["CORS_ALLOWED_ORIGINS"] = "https://a.example, https://b.example"
	env["STRIPE_BASE_URL"] = "http://stripe.local/"
	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, cfg.ProviderTimeout)
	require.Equal(t, time.Minute, cfg.PollGraceOverride)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	require.Equal(t, "http://stripe.local", cfg.ProviderBaseURLs["stripe"])
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	env := baseEnv()
	env["PROVIDER_TIMEOUT"] = "soon"
	env["CREATE_RATE_LIMIT"] = "many"
	_, err := config.LoadForTests(env)
	require.ErrorContains(t, err, "PROVIDER_TIMEOUT")
	require.ErrorContains(t, err, "CREATE_RATE_LIMIT")
}

func TestLoadRejectsBreakerRatioOutOfRange(t *testing.T) {
	env := baseEnv()
	env["PROVIDER_BREAKER_FAILURE_RATIO"] = "1.5"
	_, err := config.LoadForTests(env)
	require.Error(t, err)
}

func TestLoadForTestsIgnoresProcessEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mysql")
	cfg, err := config.LoadForTests(baseEnv())
	require.NoError(t, err)
	require.Equal(t, config.StoreDriverPostgres, cfg.StoreDriver)
}
