package mw

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"studio-booking-backend/internal/auth"
	"studio-booking-backend/internal/model"
	"studio-booking-backend/internal/response"
)

// Context keys set by Auth.
const (
	UIDKey      = "uid"
	IdentityKey = "identity"
	ProfileKey  = "profile"
)

// ProfileEnsurer creates the caller's profile on first sight.
type ProfileEnsurer interface {
	EnsureProfile(ctx context.Context, uid, displayName, email string) (*model.Profile, error)
}

// Auth verifies the bearer token and loads the caller's profile. Websocket
// upgrades may carry the token in the "token" query parameter instead, since
// browsers cannot set headers on them.
func Auth(verifier auth.Verifier, profiles ProfileEnsurer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			response.Error(c, http.StatusUnauthorized, "UNAUTHENTICATED", "A bearer token is required.")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), auth.VerifyTimeout)
		defer cancel()

		id, err := verifier.Verify(ctx, token)
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrUnauthenticated):
			response.Error(c, http.StatusUnauthorized, "UNAUTHENTICATED", "The bearer token is malformed.")
			return
		case errors.Is(err, auth.ErrForbidden):
			response.Error(c, http.StatusForbidden, "FORBIDDEN", "The bearer token was rejected.")
			return
		default:
			log.Printf("auth: verify failed request_id=%s: %v", c.GetString(response.RequestIDKey), err)
			response.Error(c, http.StatusServiceUnavailable, "UNAVAILABLE", "Token verification is unavailable, please retry.")
			return
		}

		profile, err := profiles.EnsureProfile(c.Request.Context(), id.UID, id.DisplayName(), id.Email)
		if err != nil {
			log.Printf("auth: ensure profile uid=%s request_id=%s: %v", id.UID, c.GetString(response.RequestIDKey), err)
			response.Error(c, http.StatusServiceUnavailable, "UNAVAILABLE", "Profile store is unavailable, please retry.")
			return
		}

		c.Set(UIDKey, id.UID)
		c.Set(IdentityKey, id)
		c.Set(ProfileKey, profile)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return "", false
		}
		token = strings.TrimSpace(token)
		return token, token != ""
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		if token := c.Query("token"); token != "" {
			return token, true
		}
	}
	return "", false
}

// UID returns the verified caller id set by Auth.
func UID(c *gin.Context) string {
	return c.GetString(UIDKey)
}

// Profile returns the caller's profile set by Auth, or nil.
func Profile(c *gin.Context) *model.Profile {
	if v, ok := c.Get(ProfileKey); ok {
		if p, ok := v.(*model.Profile); ok {
			return p
		}
	}
	return nil
}
