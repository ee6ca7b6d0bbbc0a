// Package auth verifies the bearer tokens issued by the identity service.
//
// Tokens are HS256 JWTs carrying the user id in "sub", a display name in
// "username", and an optional "avatar_url". The verifier turns a valid token
// into an Identity; everything else is ErrInvalidToken.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tbourn/pulse-chat-relay/internal/domain"
)

var (
	// ErrMissingToken is returned when a request carries no credential.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken covers bad signatures, wrong algorithms, expiry, and
	// missing required claims.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Claims is the token payload.
type Claims struct {
	jwt.RegisteredClaims
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Identity is an authenticated user.
type Identity struct {
	UserID    string
	Username  string
	AvatarURL string
}

// Author converts the identity into the author snapshot stamped on messages.
func (id Identity) Author() domain.Author {
	a := domain.Author{UserID: id.UserID, DisplayName: id.Username}
	if id.AvatarURL != "" {
		v := id.AvatarURL
		a.AvatarRef = &v
	}
	return a
}

// Verifier validates HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewVerifier returns a verifier for secret. A non-empty issuer is enforced.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}
}

// Verify parses and validates a raw token.
func (v *Verifier) Verify(raw string) (Identity, error) {
	if strings.TrimSpace(raw) == "" {
		return Identity{}, ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.Username) == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		UserID:    claims.Subject,
		Username:  claims.Username,
		AvatarURL: claims.AvatarURL,
	}, nil
}

// Sign mints a token for id that expires after ttl. The relay itself never
// issues tokens; this serves local tooling and tests.
func Sign(secret, issuer string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username:  id.Username,
		AvatarURL: id.AvatarURL,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// TokenFromRequest returns the bearer credential from the Authorization
// header, or from the "token" query parameter since browsers cannot set
// headers on a WebSocket handshake.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
