package billing

import (
	"strings"

	"github.com/ManuelReschke/Polaris/app/models"
	"github.com/ManuelReschke/Polaris/internal/pkg/entitlements"
	"github.com/ManuelReschke/Polaris/internal/pkg/env"
)

const defaultBaseURL = "http://localhost:4000"

// providerOrder is the fallback order when the caller has no preference.
var providerOrder = []string{models.BillingProviderStripe, models.BillingProviderLemonSqueezy}

// GatewayConfig holds one gateway's credentials and its plan catalogue.
type GatewayConfig struct {
	Enabled       bool
	APIKey        string
	WebhookSecret string
	StoreID       string
	// Prices maps a plan to the gateway's price (Stripe) or variant (Lemon Squeezy) id.
	Prices map[entitlements.PlanKey]string
}

// PlanForPrice resolves a gateway price/variant id back to a plan.
func (g GatewayConfig) PlanForPrice(priceID string) (entitlements.PlanKey, bool) {
	id := strings.TrimSpace(priceID)
	if id == "" {
		return "", false
	}
	for plan, ref := range g.Prices {
		if ref == id {
			return plan, true
		}
	}
	return "", false
}

// Config is the billing subsystem's environment configuration.
type Config struct {
	BaseURL         string
	DefaultProvider string
	UseProcedures   bool

	Stripe       GatewayConfig
	LemonSqueezy GatewayConfig
}

// LoadConfig reads billing configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		BaseURL:         strings.TrimRight(env.GetEnv("APP_BASE_URL", defaultBaseURL), "/"),
		DefaultProvider: strings.ToLower(strings.TrimSpace(env.GetEnv("BILLING_DEFAULT_PROVIDER", ""))),
		UseProcedures:   env.GetEnvBool("BILLING_USE_PROCEDURES", true),
		Stripe: GatewayConfig{
			Enabled:       env.GetEnvBool("STRIPE_ENABLED", false),
			APIKey:        strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
			WebhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
			Prices:        loadPlanRefs("STRIPE_PRICE_"),
		},
		LemonSqueezy: GatewayConfig{
			Enabled:       env.GetEnvBool("LEMONSQUEEZY_ENABLED", false),
			APIKey:        strings.TrimSpace(env.GetEnv("LEMONSQUEEZY_API_KEY", "")),
			WebhookSecret: strings.TrimSpace(env.GetEnv("LEMONSQUEEZY_WEBHOOK_SECRET", "")),
			StoreID:       strings.TrimSpace(env.GetEnv("LEMONSQUEEZY_STORE_ID", "")),
			Prices:        loadPlanRefs("LEMONSQUEEZY_VARIANT_"),
		},
	}
}

// loadPlanRefs reads PREFIX + PRO_MONTHLY style variables for every plan.
func loadPlanRefs(prefix string) map[entitlements.PlanKey]string {
	out := make(map[entitlements.PlanKey]string, len(entitlements.AllPlanKeys))
	for _, plan := range entitlements.AllPlanKeys {
		if v := strings.TrimSpace(env.GetEnv(prefix+strings.ToUpper(string(plan)), "")); v != "" {
			out[plan] = v
		}
	}
	return out
}

// Gateway returns the configuration for a provider key.
func (c *Config) Gateway(provider string) (GatewayConfig, bool) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case models.BillingProviderStripe:
		return c.Stripe, true
	case models.BillingProviderLemonSqueezy:
		return c.LemonSqueezy, true
	default:
		return GatewayConfig{}, false
	}
}

// IsEnabled reports whether a provider is known and switched on.
func (c *Config) IsEnabled(provider string) bool {
	g, ok := c.Gateway(provider)
	return ok && g.Enabled
}

// SelectProvider picks the preferred provider when it is enabled, otherwise
// the configured default, otherwise the first enabled one.
func (c *Config) SelectProvider(preferred string) (string, error) {
	for _, candidate := range []string{preferred, c.DefaultProvider} {
		p := strings.ToLower(strings.TrimSpace(candidate))
		if p != "" && c.IsEnabled(p) {
			return p, nil
		}
	}
	for _, p := range providerOrder {
		if c.IsEnabled(p) {
			return p, nil
		}
	}
	return "", ErrNoProviderConfigured
}

// BillingPageURL is the application's own billing-management page, used
// whenever a gateway call fails.
func (c *Config) BillingPageURL() string {
	return c.BaseURL + "/account/billing"
}
