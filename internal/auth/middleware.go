package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeySubject is the gin context key the middleware stores the
// validated token's subject under.
const ContextKeySubject = "auth_subject"

// Middleware requires a valid Bearer admin token on every request in the
// group it's attached to.
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrMissingToken.Error()})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidToken.Error()})
			return
		}

		claims, err := jwtManager.ValidateToken(parts[1])
		if err != nil {
			status := http.StatusUnauthorized
			msg := ErrInvalidToken.Error()
			if errors.Is(err, ErrTokenExpired) {
				msg = ErrTokenExpired.Error()
			}
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}

		c.Set(ContextKeySubject, claims.Subject)
		c.Next()
	}
}

// Subject extracts the validated token's subject from the gin context, or
// "" if Middleware never ran (e.g. auth disabled).
func Subject(c *gin.Context) string {
	if v, ok := c.Get(ContextKeySubject); ok {
		return v.(string)
	}
	return ""
}
