package middleware

import (
	"strings"

	"creditflow/internal/auth"
	"creditflow/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// Auth verifies the bearer token and attaches the user to the request. A nil
// verifier disables authentication.
func Auth(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			c.Next()
			return
		}

		token := bearerToken(c.GetHeader("Authorization"))
		user, err := verifier.Verify(token)
		if err != nil {
			_ = c.Error(errutil.Unauthorized("authentication required", err))
			c.Abort()
			return
		}

		c.Set(identityKey, user)
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), user))
		c.Next()
	}
}

// Identity returns the verified user, or nil when auth is disabled.
func Identity(c *gin.Context) *auth.User {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	user, _ := v.(*auth.User)
	return user
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
