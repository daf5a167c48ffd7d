package jwttoken

import (
	authmw "storeops/pkg/platform/middleware/auth"
	platformstrings "storeops/pkg/platform/strings"
)

// JWTServiceAdapter satisfies authmw.JWTValidator so the middleware package
// stays free of the jwt library.
type JWTServiceAdapter struct {
	service *JWTService
}

func NewJWTServiceAdapter(service *JWTService) *JWTServiceAdapter {
	return &JWTServiceAdapter{service: service}
}

// ValidateToken verifies tokenString and returns its actor and capabilities.
// Capabilities are case-folded and deduplicated.
func (a *JWTServiceAdapter) ValidateToken(tokenString string) (*authmw.JWTClaims, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &authmw.JWTClaims{
		ActorID:      claims.ActorID,
		Capabilities: platformstrings.Dedupe(claims.Capabilities, true),
		JTI:          claims.ID,
	}, nil
}
