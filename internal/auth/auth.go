package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated means no usable token was presented.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrForbidden means the token was presented but is not acceptable.
	ErrForbidden = errors.New("auth: forbidden")
)

// VerifyTimeout bounds a single verification.
const VerifyTimeout = 2 * time.Second

// Identity is the verified caller.
type Identity struct {
	UID    string
	Name   string
	Email  string
	Claims map[string]any
}

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Claims is the token payload accepted by JWTVerifier.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HMAC-signed tokens.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewJWTVerifier creates a verifier. Empty issuer or audience disables that check.
func NewJWTVerifier(secret, issuer, audience string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, audience: audience, now: time.Now}
}

// Verify parses and validates token. Malformed tokens yield ErrUnauthenticated;
// bad signatures, expiry and issuer or audience mismatches yield ErrForbidden.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthenticated)
	}
	ctx, cancel := context.WithTimeout(ctx, VerifyTimeout)
	defer cancel()

	type result struct {
		id  *Identity
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := v.parse(token)
		done <- result{id, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("verify token: %w", ctx.Err())
	case r := <-done:
		return r.id, r.err
	}
}

func (v *JWTVerifier) parse(token string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if !parsed.Valid {
		return nil, ErrForbidden
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	raw := map[string]any{}
	if mc, err := rawClaims(token); err == nil {
		raw = mc
	}
	return &Identity{UID: claims.Subject, Name: claims.Name, Email: claims.Email, Claims: raw}, nil
}

// rawClaims decodes the already verified payload without checking it again.
func rawClaims(token string) (map[string]any, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return nil, err
	}
	return mc, nil
}

// Sign issues a token for uid. It is used by local tooling and tests.
func (v *JWTVerifier) Sign(uid, name, email string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Name:  name,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// DisplayName is the name carried by the token, or "" when it has none.
// An empty profile name lets the caller's own label apply.
func (id *Identity) DisplayName() string {
	return strings.TrimSpace(id.Name)
}
