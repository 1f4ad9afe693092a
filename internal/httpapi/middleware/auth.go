package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/common"
)

const (
	UserIDKey    = "user_id"
	UserEmailKey = "user_email"
)

// AuthRequired verifies the bearer token and stores the principal in the context.
func AuthRequired(identity auth.IdentityProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			common.Fail(c, http.StatusUnauthorized, "Unauthorized")
			return
		}

		p, err := identity.Verify(c.Request.Context(), token)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, "Unauthorized")
			return
		}

		c.Set(UserIDKey, p.ID)
		c.Set(UserEmailKey, p.Email)
		c.Next()
	}
}

// UserID returns the principal id stored by AuthRequired.
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
