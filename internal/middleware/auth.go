package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/playmatatu/arbiter/internal/admin"
	"github.com/playmatatu/arbiter/internal/store"
	"go.uber.org/zap"
)

const (
	UserIDKey  = "user_id"
	AdminIDKey = "admin_id"
)

func bearer(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	// Browsers cannot set headers on a websocket upgrade.
	if strings.ToLower(c.GetHeader("Upgrade")) == "websocket" {
		return c.Query("token")
	}
	return ""
}

// PlayerAuth validates an externally issued HS256 token and sets the account
// id from its subject claim.
func PlayerAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		token := bearer(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		var claims jwt.RegisteredClaims
		parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return key, nil
		})
		if err != nil || !parsed.Valid || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(UserIDKey, claims.Subject)
		c.Next()
	}
}

// AdminAuth requires X-Admin-Id plus the operator's bearer token.
func AdminAuth(st store.Store, log *zap.SugaredLogger) gin.HandlerFunc {
	log = log.Named("admin_auth")
	return func(c *gin.Context) {
		id := c.GetHeader("X-Admin-Id")
		acc, err := admin.Authenticate(c.Request.Context(), st, id, bearer(c))
		if err != nil {
			log.Warnw("admin authentication failed", "admin_id", id, "ip", c.ClientIP(), "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}
		c.Set(AdminIDKey, acc.ID)
		c.Next()
	}
}

// UserID returns the authenticated account id.
func UserID(c *gin.Context) string { return c.GetString(UserIDKey) }

// AdminID returns the authenticated operator id.
func AdminID(c *gin.Context) string { return c.GetString(AdminIDKey) }
