package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/pkg/models"
)

// JWTProvider resolves HMAC-signed bearer tokens carrying the user id in the
// subject claim and a verified email claim.
type JWTProvider struct {
	secret []byte
}

// NewJWTProvider creates a JWT identity provider
func NewJWTProvider(secret string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret)}
}

type identityClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Resolve parses and verifies the token and extracts the identity
func (p *JWTProvider) Resolve(ctx context.Context, credential string) (*models.User, error) {
	claims := &identityClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token invalid")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("token subject is not a user id: %w", err)
	}

	return &models.User{ID: userID, Email: claims.Email}, nil
}

// IssueToken signs a token for a user. Used by tests and local tooling; the
// production identity provider issues its own credentials.
func (p *JWTProvider) IssueToken(userID uuid.UUID, email string) (string, error) {
	claims := identityClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID.String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}
