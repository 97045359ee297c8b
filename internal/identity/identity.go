// Package identity turns an opaque bearer token from the identity
// provider into a domain.User projection. It never issues or signs
// tokens itself — it only decodes the claims an external identity
// service already vouched for, matching spec.md's non-goal of
// implementing identity token cryptography.
package identity

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"canasta-server/internal/apperror"
	"canasta-server/internal/domain"
	"canasta-server/internal/repository"
)

// Claims is the subset of the identity provider's JWT payload the core
// cares about.
type Claims struct {
	jwt.RegisteredClaims
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	IsGuest     bool   `json:"is_guest"`
	PremiumTier string `json:"premium_tier"`
}

// Verifier decodes and validates bearer tokens against a shared secret.
// The identity provider signs tokens out-of-band; this type only checks
// the signature and expiry and projects the claims into our own User
// record.
type Verifier struct {
	secret []byte
	repo   repository.Repository
}

func NewVerifier(secret []byte, repo repository.Repository) *Verifier {
	return &Verifier{secret: secret, repo: repo}
}

// Authenticate verifies token and upserts the resulting projection into
// the repository so the rest of the core can treat domain.User as
// locally owned, even though the identity provider is the source of
// truth for these fields.
func (v *Verifier) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	if token == "" {
		return nil, apperror.New(apperror.CodeUnauthorized, "missing bearer token")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperror.New(apperror.CodeUnauthorized, "bearer token is invalid or expired")
	}

	userID := claims.Subject
	if userID == "" {
		return nil, apperror.New(apperror.CodeUnauthorized, "token carries no subject")
	}

	user := domain.User{
		ID:          userID,
		Username:    claims.Username,
		DisplayName: claims.DisplayName,
		AvatarURL:   claims.AvatarURL,
		Role:        domain.RoleUser,
		IsGuest:     claims.IsGuest,
		PremiumTier: domain.PremiumTier(claims.PremiumTier),
	}
	if user.PremiumTier == "" {
		user.PremiumTier = domain.PremiumFree
	}

	stored, err := v.repo.UpsertUser(ctx, user)
	if err != nil {
		return nil, err
	}
	return stored, nil
}
