package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const ContextOperatorIDKey = "operator_id"

// Middleware authenticates the bearer token and, when roles are given,
// requires at least one of them to be present in the claims.
func Middleware(secret []byte, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		if len(roles) > 0 && !claims.HasRole(roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "insufficient role"})
			return
		}

		c.Set(ContextOperatorIDKey, claims.Subject)
		c.Next()
	}
}
