package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/limsflow/workflow-api/internal/middleware"
	"github.com/limsflow/workflow-api/internal/models"
)

// claimsFromContext returns the verified identity set by the JWT
// middleware, or nil when the request was never authenticated.
func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	if claims, ok := value.(*models.JWTClaims); ok {
		return claims
	}
	return nil
}
