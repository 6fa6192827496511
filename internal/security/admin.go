package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireBearer rejects requests whose Authorization header does not carry
// secret as a bearer token. An empty secret lets every request through,
// which is only accepted outside production (see config.Validate).
func RequireBearer(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Include 'Authorization: Bearer <secret>' header.",
			})
			return
		}
		c.Next()
	}
}
