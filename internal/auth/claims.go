package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the only role the admin API accepts
const RoleAdmin = "admin"

const issuer = "warden"

var ErrInvalidToken = errors.New("invalid token")

// AdminClaims are carried by the bearer tokens of the admin API
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (c *AdminClaims) UserID() string { return c.Subject }
func (c *AdminClaims) IsAdmin() bool  { return c.Role == RoleAdmin }

// IssueToken signs an HS256 token for subject that expires after ttl
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("signing secret is empty")
	}
	now := time.Now()
	claims := AdminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates signature, algorithm, issuer and expiry
func ParseToken(secret, token string) (*AdminClaims, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
