// Package identity turns the upstream bearer token carried by a connection
// into an Identity. Policy lives upstream: a missing or unverifiable token
// yields an anonymous identity, never an error.
package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ginKey = "identity"

// Identity is either an authenticated user or an anonymous caller.
type Identity struct {
	UserID   string
	Username string
}

// Anonymous returns the identity of a caller without a valid token.
func Anonymous() Identity { return Identity{} }

// Authenticated returns the identity of a verified user.
func Authenticated(userID, username string) Identity {
	if username == "" {
		username = userID
	}
	return Identity{UserID: userID, Username: username}
}

func (i Identity) IsAuthenticated() bool { return i.UserID != "" }

// DisplayName is the name shown to other room members.
func (i Identity) DisplayName() string {
	if !i.IsAuthenticated() {
		return "anonymous"
	}
	return i.Username
}

// Middleware resolves the request's token and stores the identity on the
// gin context for downstream handlers.
func Middleware(r Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := Anonymous()
		if tok := tokenFromRequest(c.Request); tok != "" && r != nil {
			resolved, err := r.Resolve(tok)
			if err != nil {
				zap.L().Debug("identity.resolve", zap.Error(err))
			} else {
				id = resolved
			}
		}
		c.Set(ginKey, id)
		c.Next()
	}
}

// FromGin returns the identity set by Middleware. ok is false when no
// identity was attached to the request.
func FromGin(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(ginKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// Browsers cannot set headers on a websocket handshake, so the token may
// also arrive as a query parameter.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}
