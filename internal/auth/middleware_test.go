package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireScope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v, err := NewVerifier("s3cret", "craftlink")
	require.NoError(t, err)

	r := gin.New()
	r.POST("/events", RequireUser(v), RequireScope(ScopeEvents), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	do := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/events", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	// an ordinary user token carries no service grant
	assert.Equal(t, http.StatusForbidden, do(signed(t, "s3cret", validClaims("42"))))

	svc := validClaims("7")
	svc.Scope = ScopeEvents
	assert.Equal(t, http.StatusOK, do(signed(t, "s3cret", svc)))

	multi := validClaims("7")
	multi.Scope = "projects:read " + ScopeEvents
	assert.Equal(t, http.StatusOK, do(signed(t, "s3cret", multi)))

	// unrelated grants do not open the endpoint
	other := validClaims("7")
	other.Scope = "projects:read"
	assert.Equal(t, http.StatusForbidden, do(signed(t, "s3cret", other)))
}

func TestRequireUser_RejectsMissingToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v, err := NewVerifier("s3cret", "craftlink")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", RequireUser(v), func(c *gin.Context) {
		id, ok := UserID(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"user_id": id})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+signed(t, "s3cret", validClaims("42")))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
