package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlevault/internal/logging"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyUserID is the key for storing the authenticated user id
	ContextKeyUserID = "authUserID"
	// ContextKeyAdmin is set when the request carried the admin secret
	ContextKeyAdmin = "authAdmin"

	// AdminSecretHeader carries the operator secret.
	AdminSecretHeader = "X-Admin-Secret"
)

// Middleware extracts and validates the API key and admin secret.
// Sets apiKey and authUserID in context if the key is valid, and authAdmin
// if the admin secret matches. Never aborts; see RequireAuth and RequireAdmin.
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
				c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), key.UserID))
			}
		}

		if m.IsAdminSecret(c.GetHeader(AdminSecretHeader)) {
			c.Set(ContextKeyAdmin, true)
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid API key or admin secret
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) && !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin middleware rejects requests without the admin secret
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include the '" + AdminSecretHeader + "' header.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// GetUserID returns the authenticated user id, or "".
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsAdmin reports whether the request carried the admin secret.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}

// IsAuthenticated checks if the request carries a valid API key
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
