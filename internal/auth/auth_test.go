package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func validClaims(userID string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "craftlink",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: userID,
	}
}

func TestVerify(t *testing.T) {
	v, err := NewVerifier("s3cret", "craftlink")
	require.NoError(t, err)

	id, claims, err := v.Verify(signed(t, "s3cret", validClaims("42")))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)
	assert.Empty(t, claims.Scope)
}

func TestVerify_Rejections(t *testing.T) {
	v, err := NewVerifier("s3cret", "craftlink")
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		_, _, err := v.Verify(signed(t, "other", validClaims("42")))
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		c := validClaims("42")
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, _, err := v.Verify(signed(t, "s3cret", c))
		assert.Error(t, err)
	})

	t.Run("no expiry", func(t *testing.T) {
		c := validClaims("42")
		c.ExpiresAt = nil
		_, _, err := v.Verify(signed(t, "s3cret", c))
		assert.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := validClaims("42")
		c.Issuer = "someone-else"
		_, _, err := v.Verify(signed(t, "s3cret", c))
		assert.Error(t, err)
	})

	t.Run("missing user_id", func(t *testing.T) {
		_, _, err := v.Verify(signed(t, "s3cret", validClaims("")))
		assert.Error(t, err)
	})

	t.Run("non-numeric user_id", func(t *testing.T) {
		_, _, err := v.Verify(signed(t, "s3cret", validClaims("abc")))
		assert.Error(t, err)
	})

	t.Run("unsigned alg", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims("42")).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, _, err = v.Verify(tok)
		assert.Error(t, err)
	})
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier("", "craftlink")
	assert.Error(t, err)
}
