package middleware

import (
	"net/http"
	"strings"

	"github.com/example/fintech-ledger/internal/auth"
	"github.com/example/fintech-ledger/internal/codec"
	"github.com/gin-gonic/gin"
)

const (
	// ClaimsKey is the gin context key holding *auth.Claims
	ClaimsKey = "claims"

	// CorrelationHeader carries the correlation id into event metadata
	CorrelationHeader = "X-Correlation-ID"
)

// ExtractToken extracts the bearer token from the Authorization header
func ExtractToken(c *gin.Context) string {
	token, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !found {
		return ""
	}
	return strings.TrimSpace(token)
}

// AuthMiddleware validates JWT tokens, stores the claims in the gin context
// and seeds the request context with event metadata for the caller.
func AuthMiddleware(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ExtractToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		claims, err := jwtService.ValidateAccessToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ClaimsKey, claims)
		md := codec.Metadata{
			Actor:         claims.Actor(),
			CorrelationID: c.GetHeader(CorrelationHeader),
		}
		c.Request = c.Request.WithContext(codec.ContextWithMetadata(c.Request.Context(), md))
		c.Next()
	}
}

// RequireWriter rejects principals that may not append events
func RequireWriter() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !claims.CanWrite() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// GetClaims retrieves the claims set by AuthMiddleware
func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

// GetActor is a helper to get just the principal from the gin context
func GetActor(c *gin.Context) string {
	claims, ok := GetClaims(c)
	if !ok {
		return ""
	}
	return claims.Actor()
}
