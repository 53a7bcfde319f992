package http_server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"teamchat/internal/http/presencehandler"
	"teamchat/internal/services/presence"
	"teamchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fixedPresence struct{}

func (fixedPresence) Snapshot(context.Context) (presence.Aggregate, error) {
	return presence.Aggregate{LoggedInUsers: 1, TotalConnections: 1}, nil
}

func TestRouterMountsRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	wsSrv := ws.NewWsServer(ws.NewHub(ws.NewLocalBackbone), nil, nil, ws.Options{})
	h := NewHttpServer(context.Background(), 8085, wsSrv, nil, fixedPresence{},
		map[string]presencehandler.HealthCheck{})
	r := h.Router()

	tests := []struct {
		path string
		want int
	}{
		{"/presence", http.StatusOK},
		{"/healthz", http.StatusOK},
		// Plain GETs reach the websocket handlers, which refuse the upgrade.
		{"/ws/chat/42", http.StatusBadRequest},
		{"/ws/chat", http.StatusBadRequest},
		{"/ws/user_presence", http.StatusBadRequest},
		{"/ws/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
