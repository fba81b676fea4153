package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func sign(t *testing.T, userID uint, email, role string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: userID,
		Email:  email,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestValidateJWT(t *testing.T) {
	token := sign(t, 42, "aff@example.com", "", time.Hour)

	claims, err := ValidateJWT(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, uint(42), claims.UserID)
	assert.Equal(t, "aff@example.com", claims.Email)
	assert.False(t, claims.IsAdmin())
}

func TestValidateJWT_AdminRole(t *testing.T) {
	token := sign(t, 1, "admin@example.com", RoleAdmin, time.Hour)

	claims, err := ValidateJWT(token, testSecret)
	require.NoError(t, err)
	assert.True(t, claims.IsAdmin())
}

func TestValidateJWT_Failures(t *testing.T) {
	t.Run("wrong secret", func(t *testing.T) {
		token := sign(t, 1, "a@example.com", "", time.Hour)

		_, err := ValidateJWT(token, "other-secret")
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		token := sign(t, 1, "a@example.com", "", -time.Hour)

		_, err := ValidateJWT(token, testSecret)
		assert.Error(t, err)
	})

	t.Run("none algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: 1})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = ValidateJWT(signed, testSecret)
		assert.Error(t, err)
	})

	t.Run("missing user", func(t *testing.T) {
		token := sign(t, 0, "a@example.com", "", time.Hour)

		_, err := ValidateJWT(token, testSecret)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ValidateJWT("not-a-token", testSecret)
		assert.Error(t, err)
	})
}
