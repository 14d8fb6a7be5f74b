package auth

import (
	"context"
)

type contextKey string

var claimsKey contextKey = "admin_claims"

func SetClaims(ctx context.Context, claims *AdminClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// GetClaims returns nil for unauthenticated requests
func GetClaims(ctx context.Context) *AdminClaims {
	if claims, ok := ctx.Value(claimsKey).(*AdminClaims); ok {
		return claims
	}
	return nil
}
