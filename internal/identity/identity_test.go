package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canasta-server/internal/domain"
	"canasta-server/internal/repository"
)

var testSecret = []byte("test-signing-secret")

func signToken(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func TestAuthenticateAcceptsValidToken(t *testing.T) {
	repo := repository.NewMemoryRepository()
	v := NewVerifier(testSecret, repo)

	token := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Username:    "alice",
		DisplayName: "Alice",
		PremiumTier: "monthly",
	})

	user, err := v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", user.ID)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, domain.PremiumMonthly, user.PremiumTier)
}

func TestAuthenticateDefaultsToFreeTier(t *testing.T) {
	repo := repository.NewMemoryRepository()
	v := NewVerifier(testSecret, repo)

	token := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-456",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	user, err := v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, domain.PremiumFree, user.PremiumTier)
}

func TestAuthenticateRejectsEmptyToken(t *testing.T) {
	repo := repository.NewMemoryRepository()
	v := NewVerifier(testSecret, repo)

	_, err := v.Authenticate(context.Background(), "")
	assert.Error(t, err)
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	repo := repository.NewMemoryRepository()
	v := NewVerifier(testSecret, repo)

	token := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-789",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	_, err := v.Authenticate(context.Background(), token)
	assert.Error(t, err)
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	repo := repository.NewMemoryRepository()
	v := NewVerifier([]byte("a-different-secret"), repo)

	token := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err := v.Authenticate(context.Background(), token)
	assert.Error(t, err)
}

func TestAuthenticateRejectsMissingSubject(t *testing.T) {
	repo := repository.NewMemoryRepository()
	v := NewVerifier(testSecret, repo)

	token := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err := v.Authenticate(context.Background(), token)
	assert.Error(t, err)
}
