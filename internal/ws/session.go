package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"teamchat/internal/identity"
	"teamchat/internal/services/chat"
	"teamchat/internal/services/presence"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close code sent when a connection arrives over an unencrypted transport.
const closeInsecureTransport = 4003

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrMissingRoom     = errors.New("no room identifier supplied")
	errProcessing      = errors.New("message processing failed")
)

type sessionState int32

const (
	stateHandshaking sessionState = iota
	stateAuthorizing
	stateJoined
	stateClosed
	stateRejected
)

func (s sessionState) String() string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateAuthorizing:
		return "authorizing"
	case stateJoined:
		return "joined"
	case stateClosed:
		return "closed"
	case stateRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type roomKind int

const (
	roomChat roomKind = iota
	roomPresence
)

func (k roomKind) String() string {
	if k == roomPresence {
		return "presence"
	}
	return "chat"
}

// session drives one websocket through handshake, authorization, the
// receive loop and teardown. Only the goroutine running run mutates it.
type session struct {
	srv  *WsServer
	conn *clientConn
	kind roomKind

	ident     identity.Identity
	hasIdent  bool
	channelID string
	secure    bool

	state atomic.Int32
}

func (ss *session) State() sessionState { return sessionState(ss.state.Load()) }

func (ss *session) setState(st sessionState) { ss.state.Store(int32(st)) }

func (ss *session) group() string {
	if ss.kind == roomPresence {
		return presence.GroupName
	}
	return chatGroup(ss.channelID)
}

func chatGroup(channelID string) string { return "chat_" + channelID }

func (ss *session) member() presence.Member {
	return presence.Member{ConnID: ss.conn.ID(), Identity: ss.ident}
}

func (ss *session) logger() *zap.Logger {
	return zap.L().With(
		zap.String("conn", ss.conn.ID()),
		zap.Stringer("room", ss.kind),
		zap.String("channel_id", ss.channelID),
	)
}

func (ss *session) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			ss.logger().Error("ws.session_panic", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	// Handshaking: nothing is read from an insecure transport.
	ss.setState(stateHandshaking)
	if !ss.secure {
		ss.logger().Info("ws.insecure_transport")
		ss.conn.closeWith(closeInsecureTransport, "secure transport required")
		ss.setState(stateRejected)
		return
	}

	ss.setState(stateAuthorizing)
	if err := ss.authorize(ctx); err != nil {
		ss.reject(err)
		return
	}
	if err := ss.srv.hub.Join(ctx, ss.group(), ss.conn); err != nil {
		ss.logger().Warn("ws.join", zap.Error(err))
		ss.reject(err)
		return
	}
	ss.setState(stateJoined)
	defer ss.teardown()

	switch ss.kind {
	case roomChat:
		ss.announce(ctx, "%s has joined the chat.")
	case roomPresence:
		// Presence bookkeeping never blocks admission.
		if err := ss.srv.tracker.Register(ctx, ss.member()); err != nil {
			ss.logger().Warn("ws.presence_register", zap.Error(err))
		}
	}

	ss.readLoop(ctx)
}

func (ss *session) authorize(ctx context.Context) error {
	if !ss.hasIdent {
		return ErrUnauthenticated
	}
	if ss.kind == roomPresence {
		return nil
	}
	if !ss.ident.IsAuthenticated() {
		return ErrUnauthenticated
	}
	if ss.channelID == "" {
		return ErrMissingRoom
	}

	sctx, cancel := context.WithTimeout(ctx, ss.srv.opts.StoreTimeout)
	defer cancel()
	ok, err := ss.srv.chatSvc.ChannelExists(sctx, ss.channelID)
	if err != nil {
		return err
	}
	if !ok {
		return chat.ErrRoomNotFound
	}
	return nil
}

// reject reports err to the client, then closes. The frame is written
// synchronously so it is flushed before the close frame.
func (ss *session) reject(err error) {
	text := msgJoinFailed
	switch {
	case errors.Is(err, ErrUnauthenticated):
		text = msgAuthRequired
	case errors.Is(err, ErrMissingRoom):
		text = msgNoChannel
	case errors.Is(err, chat.ErrRoomNotFound):
		text = msgInvalidChannel
	}
	ss.logger().Info("ws.rejected", zap.Error(err))

	if werr := ss.conn.writeJSON(ErrorFrame{Message: text}); werr != nil {
		ss.logger().Debug("ws.reject_write", zap.Error(werr))
	}
	ss.conn.closeWith(websocket.CloseNormalClosure, "")
	ss.setState(stateRejected)
}

func (ss *session) readLoop(ctx context.Context) {
	raw := ss.conn.rawConn
	raw.SetReadLimit(ss.srv.opts.MaxMessageSize)
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				ss.logger().Debug("ws.read", zap.Error(err))
			}
			return
		}
		// Inbound frames on the presence feed carry nothing.
		if ss.kind == roomPresence {
			continue
		}
		if err := ss.handleChatFrame(ctx, data); err != nil {
			ss.sendError(err)
		}
	}
}

// handleChatFrame persists one frame and broadcasts it. A panic is turned
// into errProcessing so one bad frame never ends the session.
func (ss *session) handleChatFrame(ctx context.Context, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ss.logger().Error("ws.frame_panic", zap.Any("panic", r), zap.Stack("stack"))
			err = errProcessing
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, ss.srv.opts.StoreTimeout)
	defer cancel()

	msg, err := ss.srv.chatSvc.Submit(sctx, ss.channelID, ss.ident, data)
	if err != nil {
		return err
	}
	return ss.broadcast(sctx, ChatEvent{
		Message:   msg.Content,
		Username:  msg.SenderName,
		ChannelID: ss.channelID,
		Timestamp: formatTimestamp(msg.Timestamp),
	})
}

func (ss *session) sendError(err error) {
	text := msgProcessing
	switch {
	case errors.Is(err, chat.ErrMalformedPayload):
		text = msgInvalidFormat
	case errors.Is(err, chat.ErrEmptyContent):
		text = msgEmptyContent
	default:
		ss.logger().Warn("ws.frame", zap.Error(err))
	}
	if werr := ss.conn.writeJSON(ErrorFrame{Message: text}); werr != nil {
		ss.logger().Debug("ws.error_write", zap.Error(werr))
	}
}

func (ss *session) broadcast(ctx context.Context, ev ChatEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return ss.srv.hub.Broadcast(ctx, ss.group(), payload)
}

func (ss *session) announce(ctx context.Context, format string) {
	ev := systemEvent(ss.channelID, format, ss.ident.DisplayName())
	if err := ss.broadcast(ctx, ev); err != nil {
		ss.logger().Warn("ws.announce", zap.Error(err))
	}
}

// teardown runs on every exit from the joined state, panics included. It
// uses a fresh context: the decrement must be attempted even when the
// request context is gone.
func (ss *session) teardown() {
	if ss.State() != stateJoined {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	switch ss.kind {
	case roomChat:
		ss.announce(ctx, "%s has left the chat.")
		ss.srv.hub.Leave(ss.group(), ss.conn)
	case roomPresence:
		ss.srv.hub.Leave(ss.group(), ss.conn)
		if err := ss.srv.tracker.Unregister(ctx, ss.member()); err != nil {
			ss.logger().Warn("ws.presence_unregister", zap.Error(err))
		}
	}
	_ = ss.conn.Close()
	ss.setState(stateClosed)
}
