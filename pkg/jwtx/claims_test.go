package jwtx_test

import (
	"testing"
	"time"

	"github.com/aussiebroadwan/tabsession/pkg/jwtx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwtx.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

func TestLooksLikeJWT(t *testing.T) {
	t.Parallel()

	require.True(t, jwtx.LooksLikeJWT("a.b.c"))
	require.False(t, jwtx.LooksLikeJWT("opaque-legacy-token"))
	require.False(t, jwtx.LooksLikeJWT("a..c"))
	require.False(t, jwtx.LooksLikeJWT("a.b.c.d"))
}

func TestParseUnverified(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	tok := signed(t, jwtx.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "https://idp.example.com",
			Subject:  "user-1",
			IssuedAt: jwt.NewNumericDate(now),
		},
		Email: "a@example.com",
	})

	t.Run("decodes claims", func(t *testing.T) {
		c, err := jwtx.ParseUnverified(tok)
		require.NoError(t, err)
		require.Equal(t, "user-1", c.Subject)
		require.Equal(t, "a@example.com", c.Email)
		require.True(t, now.Equal(c.IssuedAtOr(time.Time{})))
	})

	t.Run("issuer check", func(t *testing.T) {
		c, err := jwtx.ParseUnverified(tok)
		require.NoError(t, err)
		require.NoError(t, c.ValidateIssuer("other", "https://idp.example.com"))
		require.ErrorIs(t, c.ValidateIssuer("other"), jwtx.ErrIssuer)
		require.ErrorIs(t, c.ValidateIssuer(""), jwtx.ErrIssuer)
	})

	t.Run("undecodable middle segment", func(t *testing.T) {
		_, err := jwtx.ParseUnverified("aaa.!!!.ccc")
		require.ErrorIs(t, err, jwtx.ErrMalformed)
	})

	t.Run("missing iat uses fallback", func(t *testing.T) {
		c := &jwtx.Claims{}
		fallback := time.Unix(5, 0)
		require.Equal(t, fallback, c.IssuedAtOr(fallback))
	})
}
