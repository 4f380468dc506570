package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier_ValidToken(t *testing.T) {
	v := NewJWTVerifier("test-secret", "studio", "")
	token, err := v.Sign("user-42", "DJ Test", "dj@example.com", time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", id.UID)
	assert.Equal(t, "DJ Test", id.Name)
	assert.Equal(t, "dj@example.com", id.Email)
	assert.Equal(t, "studio", id.Claims["iss"])
}

func TestJWTVerifier_Rejections(t *testing.T) {
	v := NewJWTVerifier("test-secret", "studio", "bookings")
	good, err := v.Sign("u", "", "", time.Hour)
	require.NoError(t, err)

	expired, err := v.Sign("u", "", "", -time.Minute)
	require.NoError(t, err)

	otherKey, err := NewJWTVerifier("other-secret", "studio", "bookings").Sign("u", "", "", time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := NewJWTVerifier("test-secret", "elsewhere", "bookings").Sign("u", "", "", time.Hour)
	require.NoError(t, err)

	noSubject, err := v.Sign("", "", "", time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	testCases := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrUnauthenticated},
		{"garbage", "not-a-jwt", ErrUnauthenticated},
		{"no subject", noSubject, ErrUnauthenticated},
		{"expired", expired, ErrForbidden},
		{"bad signature", otherKey, ErrForbidden},
		{"wrong issuer", wrongIssuer, ErrForbidden},
		{"unsigned", none, ErrForbidden},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tc.token)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err = v.Verify(context.Background(), good)
	assert.NoError(t, err)
}

func TestIdentity_DisplayName(t *testing.T) {
	assert.Equal(t, "Name", (&Identity{Name: " Name ", Email: "e@x"}).DisplayName())
	assert.Equal(t, "", (&Identity{Email: "e@x"}).DisplayName())
}
