package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	contextKeyUserID = "auth_user_id"
	contextKeyEmail  = "auth_email"
)

// RequireViewer is gin middleware for the REST surface (session listing,
// token management): it resolves the viewer's identity from the signed
// cookie and aborts with 401 if that fails.
func RequireViewer(manager *JWTManager, devMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := ResolveViewer(c.Request, manager, devMode)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyEmail, claims.Email)
		c.Next()
	}
}

// GetUserID returns the authenticated user id set by RequireViewer.
func GetUserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(contextKeyUserID)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

func GetEmail(c *gin.Context) (string, bool) {
	v, ok := c.Get(contextKeyEmail)
	if !ok {
		return "", false
	}
	email, ok := v.(string)
	return email, ok
}
