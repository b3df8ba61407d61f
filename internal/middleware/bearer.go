package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/identity-core/internal/models"
	"github.com/noah-isme/identity-core/internal/service"
	appErrors "github.com/noah-isme/identity-core/pkg/errors"
	"github.com/noah-isme/identity-core/pkg/response"
)

// ContextClaimsKey is the gin context key storing validated access claims.
const ContextClaimsKey = "currentClaims"

// Bearer protects routes by requiring a valid, unrevoked access token. This
// is the adapter the API layer mounts in front of protected handlers.
func Bearer(issuer *service.TokenIssuerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		claims, err := issuer.ValidateToken(c.Request.Context(), parts[1])
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the validated claims stored by Bearer, or nil.
func ClaimsFrom(c *gin.Context) *models.AccessClaims {
	if v, exists := c.Get(ContextClaimsKey); exists {
		if claims, ok := v.(*models.AccessClaims); ok {
			return claims
		}
	}
	return nil
}
