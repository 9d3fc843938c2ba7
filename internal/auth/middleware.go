package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the gin context key holding the validated *APIKey.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyUserID is the gin context key holding the authenticated user id.
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the gin context key holding the authenticated role.
	ContextKeyRole = "authRole"
)

// Middleware extracts and validates the API key from the request.
// Sets apiKey, authUserID, and authRole in the context if valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyUserID, key.UserID)
				c.Set(ContextKeyRole, string(key.Role))
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without valid auth.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin allows requests carrying a matching X-Admin-Secret header or
// an API key with the admin role.
func RequireAdmin(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminSecret != "" {
			header := c.GetHeader("X-Admin-Secret")
			if header != "" && subtle.ConstantTimeCompare([]byte(header), []byte(adminSecret)) == 1 {
				c.Set(ContextKeyRole, string(RoleAdmin))
				c.Next()
				return
			}
		}

		if c.GetString(ContextKeyRole) == string(RoleAdmin) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Admin access required.",
		})
	}
}

// UserID returns the authenticated user id from context, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsAdmin reports whether the request is authenticated as an admin.
func IsAdmin(c *gin.Context) bool {
	return c.GetString(ContextKeyRole) == string(RoleAdmin)
}
