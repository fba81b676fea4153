package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecretsAPI struct {
	secretsmanageriface.SecretsManagerAPI
	values map[string]string
	calls  int
}

func (f *fakeSecretsAPI) GetSecretValueWithContext(ctx aws.Context, in *secretsmanager.GetSecretValueInput, opts ...request.Option) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	value, ok := f.values[aws.StringValue(in.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(value)}, nil
}

func TestAWSManager(t *testing.T) {
	ctx := context.Background()
	api := &fakeSecretsAPI{values: map[string]string{"courses/JWT_SECRET": "s3cret"}}
	m := NewAWSManager(api, Config{Prefix: "courses/", CacheDuration: time.Minute})
	now := time.Now()
	m.now = func() time.Time { return now }

	t.Run("Success - Cached until expiry", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			v, err := m.GetSecret(ctx, "JWT_SECRET")
			require.NoError(t, err)
			assert.Equal(t, "s3cret", v)
		}
		assert.Equal(t, 1, api.calls)

		now = now.Add(2 * time.Minute)
		_, err := m.GetSecret(ctx, "JWT_SECRET")
		require.NoError(t, err)
		assert.Equal(t, 2, api.calls)
	})

	t.Run("Failure - Missing secret", func(t *testing.T) {
		_, err := m.GetSecret(ctx, "STRIPE_SECRET_KEY")
		assert.Error(t, err)
	})
}

func TestNewManager(t *testing.T) {
	m, err := NewManager(Config{Backend: BackendEnv})
	require.NoError(t, err)
	assert.IsType(t, EnvManager{}, m)

	_, err = NewManager(Config{Backend: "vault"})
	assert.Error(t, err)
}

func TestLoadCredentials(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - Optional secrets may be missing", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "jwt")
		t.Setenv("DATABASE_URL", "postgres://localhost/courses")
		t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")

		creds, err := LoadCredentials(ctx, EnvManager{})
		require.NoError(t, err)
		assert.Equal(t, "jwt", creds.JWTSecret)
		assert.Equal(t, "sk_test_123", creds.StripeSecretKey)
		assert.Empty(t, creds.SendGridAPIKey)
	})

	t.Run("Failure - Required secret missing", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		t.Setenv("DATABASE_URL", "postgres://localhost/courses")

		_, err := LoadCredentials(ctx, EnvManager{})
		assert.ErrorContains(t, err, "JWT_SECRET")
	})
}
