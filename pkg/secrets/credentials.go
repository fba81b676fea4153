package secrets

import (
	"context"
	"fmt"
)

// Credentials are the secrets the API needs at boot
type Credentials struct {
	JWTSecret           string
	DatabaseURL         string
	StripeSecretKey     string
	StripeWebhookSecret string
	SendGridAPIKey      string
	SentryDSN           string
}

// LoadCredentials reads all credentials. JWT_SECRET and DATABASE_URL are
// required; the rest are left empty when missing.
func LoadCredentials(ctx context.Context, m Manager) (*Credentials, error) {
	jwtSecret, err := required(ctx, m, "JWT_SECRET")
	if err != nil {
		return nil, err
	}
	databaseURL, err := required(ctx, m, "DATABASE_URL")
	if err != nil {
		return nil, err
	}

	return &Credentials{
		JWTSecret:           jwtSecret,
		DatabaseURL:         databaseURL,
		StripeSecretKey:     optional(ctx, m, "STRIPE_SECRET_KEY"),
		StripeWebhookSecret: optional(ctx, m, "STRIPE_WEBHOOK_SECRET"),
		SendGridAPIKey:      optional(ctx, m, "SENDGRID_API_KEY"),
		SentryDSN:           optional(ctx, m, "SENTRY_DSN"),
	}, nil
}

func required(ctx context.Context, m Manager, key string) (string, error) {
	value, err := m.GetSecret(ctx, key)
	if err != nil {
		return "", fmt.Errorf("required secret %s not found: %w", key, err)
	}
	if value == "" {
		return "", fmt.Errorf("required secret %s is empty", key)
	}
	return value, nil
}

func optional(ctx context.Context, m Manager, key string) string {
	value, err := m.GetSecret(ctx, key)
	if err != nil {
		return ""
	}
	return value
}
