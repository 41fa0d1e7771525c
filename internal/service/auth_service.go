package service

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/limsflow/workflow-api/internal/models"
	"github.com/limsflow/workflow-api/pkg/config"
	appErrors "github.com/limsflow/workflow-api/pkg/errors"
)

// AuthService validates access tokens minted by the identity platform. Token
// issuance lives outside this service; only verification happens here.
type AuthService struct {
	config config.JWTConfig
}

// NewAuthService constructs the validator.
func NewAuthService(cfg config.JWTConfig) *AuthService {
	return &AuthService{config: cfg}
}

// ValidateToken parses and validates an access token returning the claims.
func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}

	if s.config.Issuer != "" && claims.Issuer != s.config.Issuer {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token issuer")
	}

	return claims, nil
}
