package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
)

// TokenService validates the bearer tokens issued by the identity provider.
// Issuing is only used by tests and local tooling.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	return &TokenService{
		secret:    []byte(secret),
		expiresIn: expiresIn,
	}
}

// CreateForUser creates a JWT carrying the user id and display name using
// the default TTL.
func (t *TokenService) CreateForUser(userID, displayName string) (string, error) {
	return t.CreateWithTTL(userID, displayName, t.expiresIn)
}

// CreateWithTTL creates a JWT with an explicit TTL.
func (t *TokenService) CreateWithTTL(userID, displayName string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"name": displayName,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse validates a token and returns its claims.
func (t *TokenService) Parse(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		return claims, nil
	}
	return nil, jwt.ErrTokenMalformed
}

// Identity validates tokenStr and extracts the caller. The display name
// falls back to the user id when the token carries none.
func (t *TokenService) Identity(tokenStr string) (domain.Identity, error) {
	claims, err := t.Parse(tokenStr)
	if err != nil {
		return domain.Identity{}, errors.Join(domain.ErrUnauthorized, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Identity{}, domain.ErrUnauthorized
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = sub
	}
	return domain.Identity{UserID: sub, DisplayName: name}, nil
}
