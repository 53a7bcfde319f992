package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var ErrInvalidToken = errors.New("invalid token")

// Resolver verifies a bearer token and returns the identity it carries.
type Resolver interface {
	Resolve(token string) (Identity, error)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Username          string `json:"username"`
}

type jwtResolver struct {
	keyfunc jwt.Keyfunc
	methods []string
	jwks    *keyfunc.JWKS
}

// NewHMACResolver verifies HS256 tokens signed with secret.
func NewHMACResolver(secret string) Resolver {
	key := []byte(secret)
	return &jwtResolver{
		keyfunc: func(*jwt.Token) (interface{}, error) { return key, nil },
		methods: []string{jwt.SigningMethodHS256.Alg()},
	}
}

// NewJWKSResolver verifies asymmetric tokens against keys published at
// jwksURL. The key set is refreshed in the background until Close.
func NewJWKSResolver(ctx context.Context, jwksURL string) (Resolver, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   5 * time.Minute,
		RefreshRateLimit:  time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			zap.L().Warn("identity.jwks_refresh", zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	return &jwtResolver{
		keyfunc: jwks.Keyfunc,
		methods: []string{"RS256", "RS384", "RS512", "ES256", "ES384", "PS256"},
		jwks:    jwks,
	}, nil
}

func (r *jwtResolver) Resolve(token string) (Identity, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, r.keyfunc,
		jwt.WithValidMethods(r.methods),
	)
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	name := claims.PreferredUsername
	if name == "" {
		name = claims.Username
	}
	return Authenticated(claims.Subject, name), nil
}

// Close stops the JWKS refresh goroutine, if any.
func (r *jwtResolver) Close() {
	if r.jwks != nil {
		r.jwks.EndBackground()
	}
}
