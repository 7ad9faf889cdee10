package httpapi

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"zaiko/backend/internal/domain"
)

const tokenIssuer = "zaiko"

// AuthManager verifies the bearer tokens that carry actor and branch.
// Tokens are issued elsewhere; Sign exists for trusted terminals that share
// the secret.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
}

type actorClaims struct {
	jwtlib.RegisteredClaims
	BranchID string `json:"branch_id"`
}

func NewAuthManager(secret string, tokenTTL time.Duration) *AuthManager {
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
	}
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &actorClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if strings.TrimSpace(claims.BranchID) == "" {
		return domain.Actor{}, errors.New("token carries no branch")
	}
	return domain.Actor{UserID: sub, BranchID: claims.BranchID}, nil
}

func (a *AuthManager) Sign(actor domain.Actor) (string, time.Time, error) {
	if strings.TrimSpace(actor.UserID) == "" || strings.TrimSpace(actor.BranchID) == "" {
		return "", time.Time{}, errors.New("actor and branch required")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(a.tokenTTL)
	claims := actorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.UserID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		BranchID: actor.BranchID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
