package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

const ctxUserID = "user_id"
const ctxScope = "token_scope"

// ScopeEvents authorizes ledger event ingestion. Only service credentials
// issued to the project subsystem carry it; user tokens never do.
const ScopeEvents = "events:write"

// RequireUser verifies the bearer token and stores the user id and token
// scope on the gin context.
func RequireUser(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		userID, claims, err := v.Verify(strings.TrimPrefix(raw, bearerPrefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUserID, userID)
		c.Set(ctxScope, claims.Scope)
		c.Next()
	}
}

// RequireScope gates service-to-service endpoints on a token grant. Runs
// after RequireUser.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, _ := c.Get(ctxScope)
		granted, _ := v.(string)
		if !hasScope(granted, scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient scope"})
			return
		}
		c.Next()
	}
}

func hasScope(granted, want string) bool {
	for _, s := range strings.Fields(granted) {
		if s == want {
			return true
		}
	}
	return false
}

// UserID reads the authenticated user id set by RequireUser.
func UserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(ctxUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
