package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/pulse-chat-relay/internal/auth"
)

const (
	// UserIDKey is the Gin context key holding the authenticated user id.
	// The rate limiter and idempotency validator key on it.
	UserIDKey   = "userID"
	identityKey = "auth.identity"
)

// TokenVerifier turns a raw bearer credential into an identity.
type TokenVerifier interface {
	Verify(raw string) (auth.Identity, error)
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	v, _ := c.Get(UserIDKey)
	return asString(v)
}

// IdentityFrom returns the identity stored by RequireAuth or OptionalAuth.
func IdentityFrom(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}

// RequireAuth rejects requests without a valid bearer token with 401. The
// token is read from the Authorization header or the token query parameter.
func RequireAuth(v TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := v.Verify(auth.TokenFromRequest(c.Request))
		if err != nil {
			msg := "invalid bearer token"
			if errors.Is(err, auth.ErrMissingToken) {
				msg = "missing bearer token"
			}
			c.Header("WWW-Authenticate", `Bearer realm="chat"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": GetRequestID(c),
				"code":       "unauthorized",
				"message":    msg,
			})
			return
		}
		setIdentity(c, id)
		c.Next()
	}
}

// OptionalAuth stores the identity when a valid token is present and lets
// anonymous requests through. A present but invalid token is still a 401.
func OptionalAuth(v TokenVerifier) gin.HandlerFunc {
	require := RequireAuth(v)
	return func(c *gin.Context) {
		if auth.TokenFromRequest(c.Request) == "" && c.GetHeader("Authorization") == "" {
			c.Next()
			return
		}
		require(c)
	}
}

func setIdentity(c *gin.Context, id auth.Identity) {
	c.Set(UserIDKey, id.UserID)
	c.Set(identityKey, id)
}
