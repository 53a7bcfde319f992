package presencehandler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"teamchat/internal/services/presence"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSnapshotter struct {
	agg presence.Aggregate
	err error
}

func (s stubSnapshotter) Snapshot(context.Context) (presence.Aggregate, error) { return s.agg, s.err }

func serve(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestSnapshot(t *testing.T) {
	agg := presence.Aggregate{LoggedInUsers: 2, AnonymousUsers: 3, TotalConnections: 5}
	w := serve(t, New(stubSnapshotter{agg: agg}, nil), "/presence")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"logged_in_users":2,"anonymous_users":3,"total_connections":5}`, w.Body.String())
}

func TestSnapshotStoreDown(t *testing.T) {
	w := serve(t, New(stubSnapshotter{err: presence.ErrStoreUnavailable}, nil), "/presence")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "presence store unavailable")
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name     string
		checks   map[string]HealthCheck
		wantCode int
		want     HealthResponse
	}{
		{
			name:     "all up",
			checks:   map[string]HealthCheck{"redis": ok, "postgres": ok},
			wantCode: http.StatusOK,
			want:     HealthResponse{Status: "ok", Checks: map[string]string{"redis": "ok", "postgres": "ok"}},
		},
		{
			name:     "postgres down",
			checks:   map[string]HealthCheck{"redis": ok, "postgres": down},
			wantCode: http.StatusServiceUnavailable,
			want: HealthResponse{Status: "degraded",
				Checks: map[string]string{"redis": "ok", "postgres": "connection refused"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, New(stubSnapshotter{}, tt.checks), "/healthz")
			require.Equal(t, tt.wantCode, w.Code)

			var got HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}
