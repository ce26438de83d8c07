package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const ctxClaims = "freessl.auth.claims"

// RequireOwner accepts any valid token. Admin tokens pass too.
func RequireOwner(tokens *Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := bearerClaims(c, tokens)
		if !ok {
			return
		}
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// RequireAdmin accepts only tokens with the admin role.
func RequireAdmin(tokens *Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := bearerClaims(c, tokens)
		if !ok {
			return
		}
		if claims.Role != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

func bearerClaims(c *gin.Context, tokens *Tokens) (*Claims, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
		return nil, false
	}
	claims, err := tokens.Verify(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return nil, false
	}
	return claims, true
}

// ClaimsFromCtx returns the verified claims, or nil on unauthenticated routes.
func ClaimsFromCtx(c *gin.Context) *Claims {
	v, _ := c.Get(ctxClaims)
	claims, _ := v.(*Claims)
	return claims
}

// OwnerFromCtx returns the authenticated owner id.
func OwnerFromCtx(c *gin.Context) (uuid.UUID, bool) {
	claims := ClaimsFromCtx(c)
	if claims == nil {
		return uuid.Nil, false
	}
	id, err := claims.Owner()
	return id, err == nil
}

// IsAdmin reports whether the request carries an admin token.
func IsAdmin(c *gin.Context) bool {
	claims := ClaimsFromCtx(c)
	return claims != nil && claims.Role == RoleAdmin
}
