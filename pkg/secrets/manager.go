// Package secrets resolves credentials from the environment or AWS Secrets Manager.
package secrets

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
)

// Backends
const (
	BackendEnv = "env"
	BackendAWS = "aws-secrets-manager"
)

// Manager looks up secrets by key
type Manager interface {
	// GetSecret returns the secret stored under key, or an error if it is missing.
	GetSecret(ctx context.Context, key string) (string, error)
}

// Config holds secrets manager configuration
type Config struct {
	Backend       string
	AWSRegion     string
	Prefix        string // prepended to keys in AWS, e.g. "courses/prod/"
	CacheDuration time.Duration
}

// NewManager creates a secrets manager for cfg.Backend
func NewManager(cfg Config) (Manager, error) {
	if cfg.CacheDuration == 0 {
		cfg.CacheDuration = 5 * time.Minute
	}

	switch cfg.Backend {
	case BackendAWS, "aws":
		log.Printf("🔐 Initializing AWS Secrets Manager (region: %s)", cfg.AWSRegion)
		sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.AWSRegion)})
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS session: %w", err)
		}
		return NewAWSManager(secretsmanager.New(sess), cfg), nil
	case BackendEnv, "", "environment":
		return EnvManager{}, nil
	default:
		return nil, fmt.Errorf("unsupported secrets backend: %s", cfg.Backend)
	}
}

// EnvManager reads secrets from environment variables
type EnvManager struct{}

// GetSecret returns the environment variable named key
func (EnvManager) GetSecret(ctx context.Context, key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return value, nil
}

// AWSManager reads string secrets from AWS Secrets Manager and caches them
type AWSManager struct {
	client secretsmanageriface.SecretsManagerAPI
	prefix string
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// NewAWSManager wraps an AWS Secrets Manager client
func NewAWSManager(client secretsmanageriface.SecretsManagerAPI, cfg Config) *AWSManager {
	return &AWSManager{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.CacheDuration,
		now:    time.Now,
		cache:  make(map[string]cachedSecret),
	}
}

// GetSecret returns the secret named prefix+key
func (m *AWSManager) GetSecret(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	cached, ok := m.cache[key]
	m.mu.Unlock()
	if ok && m.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	result, err := m.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(m.prefix + key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", key)
	}

	m.mu.Lock()
	m.cache[key] = cachedSecret{value: *result.SecretString, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return *result.SecretString, nil
}
