package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"teamchat/internal/identity"
	"teamchat/internal/services/chat"
	"teamchat/internal/services/presence"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 12 * time.Second
	pingPeriod      = 3 * time.Second // must be < pongWait
	teardownTimeout = 5 * time.Second
)

// PresenceTracker is the part of presence.Tracker sessions drive.
type PresenceTracker interface {
	Register(ctx context.Context, m presence.Member) error
	Unregister(ctx context.Context, m presence.Member) error
}

type Options struct {
	RequireSecureTransport bool
	// TrustForwardedProto accepts X-Forwarded-Proto from a TLS-terminating
	// proxy as proof of an encrypted transport.
	TrustForwardedProto bool
	AllowedOrigins      []string
	MaxMessageSize      int64
	StoreTimeout        time.Duration
}

type WsServer struct {
	hub      *Hub
	chatSvc  chat.IChatService
	tracker  PresenceTracker
	upgrader websocket.Upgrader
	opts     Options

	wg       sync.WaitGroup
	mu       sync.Mutex
	sessions map[*session]struct{}
	closing  bool
}

func NewWsServer(h *Hub, chatSvc chat.IChatService, tracker PresenceTracker, opts Options) *WsServer {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 16 << 10
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	return &WsServer{
		hub:     h,
		chatSvc: chatSvc,
		tracker: tracker,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		sessions: make(map[*session]struct{}),
	}
}

// ---------------------------------------------------------------------------
//  Public: Gin entry‑points
// ---------------------------------------------------------------------------

// HandleChat serves /ws/chat/:channel_id.
func (s *WsServer) HandleChat(ginCtx *gin.Context) {
	s.serve(ginCtx, roomChat, strings.TrimSpace(ginCtx.Param("channel_id")))
}

// HandlePresence serves /ws/user_presence.
func (s *WsServer) HandlePresence(ginCtx *gin.Context) {
	s.serve(ginCtx, roomPresence, "")
}

// Shutdown closes every live session and waits for their teardown.
func (s *WsServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	live := make([]*session, 0, len(s.sessions))
	for ss := range s.sessions {
		live = append(live, ss)
	}
	s.mu.Unlock()

	for _, ss := range live {
		ss.conn.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
//  Private helpers
// ---------------------------------------------------------------------------

func (s *WsServer) serve(ginCtx *gin.Context, kind roomKind, channelID string) {
	ident, hasIdent := identity.FromGin(ginCtx)
	secure := s.isSecure(ginCtx.Request)

	rawConn, err := s.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		// The upgrader already answered with an HTTP error.
		zap.L().Warn("ws.accept", zap.Error(err))
		return
	}

	ss := &session{
		srv:       s,
		conn:      newClientConn(rawConn),
		kind:      kind,
		ident:     ident,
		hasIdent:  hasIdent,
		channelID: channelID,
		secure:    secure,
	}
	if !s.track(ss) {
		ss.conn.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(ss)

	// The handler goroutine owns the session until it ends.
	ss.run(ginCtx.Request.Context())
	ss.logger().Debug("ws.session_end", zap.String("state", ss.State().String()))
}

func (s *WsServer) track(ss *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[ss] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *WsServer) untrack(ss *session) {
	s.mu.Lock()
	delete(s.sessions, ss)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *WsServer) isSecure(r *http.Request) bool {
	if !s.opts.RequireSecureTransport || r.TLS != nil {
		return true
	}
	if s.opts.TrustForwardedProto {
		switch strings.ToLower(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto"))) {
		case "https", "wss":
			return true
		}
	}
	return false
}

// originChecker allows requests without an Origin header (non-browser
// clients) and browser requests from an allowed origin. "*" allows all.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[strings.ToLower(o)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
