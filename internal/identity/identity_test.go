package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return tok
}

func TestHMACResolver(t *testing.T) {
	r := NewHMACResolver(secret)
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name     string
		token    string
		wantErr  bool
		wantUser string
		wantName string
	}{
		{
			name:     "preferred username",
			token:    sign(t, secret, jwt.MapClaims{"sub": "7", "preferred_username": "alice", "exp": exp}),
			wantUser: "7",
			wantName: "alice",
		},
		{
			name:     "username claim",
			token:    sign(t, secret, jwt.MapClaims{"sub": "8", "username": "bob"}),
			wantUser: "8",
			wantName: "bob",
		},
		{
			name:     "falls back to subject",
			token:    sign(t, secret, jwt.MapClaims{"sub": "9"}),
			wantUser: "9",
			wantName: "9",
		},
		{name: "wrong key", token: sign(t, "other", jwt.MapClaims{"sub": "7"}), wantErr: true},
		{name: "expired", token: sign(t, secret, jwt.MapClaims{"sub": "7", "exp": time.Now().Add(-time.Hour).Unix()}), wantErr: true},
		{name: "no subject", token: sign(t, secret, jwt.MapClaims{"username": "x"}), wantErr: true},
		{name: "garbage", token: "not.a.jwt", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := r.Resolve(tt.token)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidToken)
				return
			}
			require.NoError(t, err)
			assert.True(t, id.IsAuthenticated())
			assert.Equal(t, tt.wantUser, id.UserID)
			assert.Equal(t, tt.wantName, id.DisplayName())
		})
	}
}

func TestAnonymous(t *testing.T) {
	id := Anonymous()
	assert.False(t, id.IsAuthenticated())
	assert.Equal(t, "anonymous", id.DisplayName())
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	token := sign(t, secret, jwt.MapClaims{"sub": "42", "username": "carol"})

	tests := []struct {
		name   string
		setup  func(*http.Request)
		wantID Identity
	}{
		{
			name:   "bearer header",
			setup:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) },
			wantID: Authenticated("42", "carol"),
		},
		{
			name: "query parameter",
			setup: func(r *http.Request) {
				q := r.URL.Query()
				q.Set("token", token)
				r.URL.RawQuery = q.Encode()
			},
			wantID: Authenticated("42", "carol"),
		},
		{
			name:   "invalid token is anonymous",
			setup:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer junk") },
			wantID: Anonymous(),
		},
		{
			name:   "no token is anonymous",
			setup:  func(*http.Request) {},
			wantID: Anonymous(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Identity
			var present bool
			engine := gin.New()
			engine.Use(Middleware(NewHMACResolver(secret)))
			engine.GET("/", func(c *gin.Context) {
				got, present = FromGin(c)
				c.Status(http.StatusNoContent)
			})

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(req)
			engine.ServeHTTP(httptest.NewRecorder(), req)

			assert.True(t, present)
			assert.Equal(t, tt.wantID, got)
		})
	}
}

func TestFromGinWithoutMiddleware(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, ok := FromGin(c)
	assert.False(t, ok)
}
