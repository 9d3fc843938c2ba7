package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:                DefaultPort,
		Env:                 DefaultEnv,
		LogLevel:            DefaultLogLevel,
		StripeSecretKey:     "sk_test_123",
		StripeWebhookSecret: "whsec_123",
		CommissionRateBPS:   DefaultCommissionRateBPS,
		PlatformFeeBPS:      DefaultPlatformFeeBPS,
		MaxFundAmount:       DefaultMaxFundAmount,
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_abc")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_abc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, int64(DefaultCommissionRateBPS), cfg.CommissionRateBPS)
	assert.Equal(t, int64(DefaultPlatformFeeBPS), cfg.PlatformFeeBPS)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestValidate_ProductionRequiresStripeKey(t *testing.T) {
	cfg := validConfig()
	cfg.Env = "production"
	cfg.StripeSecretKey = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_BadStripeKeyPrefix(t *testing.T) {
	cfg := validConfig()
	cfg.StripeSecretKey = "pk_test_123" // publishable key is not accepted
	assert.Error(t, cfg.Validate())
}

func TestValidate_ProductionRequiresWebhookSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Env = "production"
	cfg.StripeWebhookSecret = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_DevelopmentRunsWithoutStripeKeys(t *testing.T) {
	cfg := validConfig()
	cfg.StripeSecretKey = ""
	cfg.StripeWebhookSecret = ""
	assert.NoError(t, cfg.Validate(), "in-memory development mode needs no gateway credentials")
}

func TestValidate_SplitRates(t *testing.T) {
	cfg := validConfig()
	cfg.CommissionRateBPS = -1
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.CommissionRateBPS = 9800
	cfg.PlatformFeeBPS = 300
	assert.Error(t, cfg.Validate(), "rates consuming the whole amount leave no professional share")
}

func TestValidate_MaxFundAmount(t *testing.T) {
	cfg := validConfig()
	cfg.MaxFundAmount = 0
	assert.Error(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_abc")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_abc")
	t.Setenv("COMMISSION_RATE_BPS", "1500")
	t.Setenv("MAX_FUND_AMOUNT", "250000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1500), cfg.CommissionRateBPS)
	assert.Equal(t, int64(250000), cfg.MaxFundAmount)
}
