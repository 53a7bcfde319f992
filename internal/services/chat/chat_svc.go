package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"teamchat/internal/identity"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type MessageDTO struct {
	ID         string     `json:"id"`
	ChannelID  string     `json:"channel_id"`
	SenderID   string     `json:"sender_id"`
	SenderName string     `json:"sender_name"`
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
	IsDeleted  bool       `json:"is_deleted"`
}

// Frame is the only payload a client sends on a chat room.
type Frame struct {
	Message string `json:"message"`
}

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrEmptyContent     = errors.New("message content is empty")
	ErrRoomNotFound     = errors.New("channel not found")
	ErrPersistence      = errors.New("message persistence failed")
	ErrMessageNotFound  = errors.New("message not found")
)

type IChatService interface {
	ChannelExists(ctx context.Context, channelID string) (bool, error)
	Submit(ctx context.Context, channelID string, sender identity.Identity, raw []byte) (*MessageDTO, error)
	EditMessage(ctx context.Context, messageID, senderID, content string) (*MessageDTO, error)
	SoftDeleteMessage(ctx context.Context, messageID, senderID string) error
}

type chatService struct {
	db        *sql.DB
	validate  *validator.Validate
	maxLength int
	persisted metric.Int64Counter
}

var tracer = otel.Tracer("teamchat/chat")

func NewChatService(db *sql.DB, maxContentLength int) IChatService {
	persisted, err := otel.Meter("teamchat/chat").Int64Counter("chat.messages.persisted",
		metric.WithDescription("Chat messages committed to the message store"))
	if err != nil {
		zap.L().Warn("chat.metric_init", zap.Error(err))
	}
	return &chatService{
		db:        db,
		validate:  validator.New(),
		maxLength: maxContentLength,
		persisted: persisted,
	}
}

// Non-numeric ids can never match a channel row.
func parseChannelID(channelID string) (int64, bool) {
	id, err := strconv.ParseInt(channelID, 10, 64)
	return id, err == nil && id > 0
}

func (svc *chatService) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	id, ok := parseChannelID(channelID)
	if !ok {
		return false, nil
	}
	var exists bool
	err := svc.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return exists, nil
}

// ParseContent decodes one client frame and returns its trimmed content.
func (svc *chatService) ParseContent(raw []byte) (string, error) {
	var f *Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if f == nil {
		return "", fmt.Errorf("%w: null frame", ErrMalformedPayload)
	}
	content := strings.TrimSpace(f.Message)
	if content == "" {
		return "", ErrEmptyContent
	}
	if err := svc.validate.Var(content, "max="+strconv.Itoa(svc.maxLength)); err != nil {
		return "", fmt.Errorf("%w: content longer than %d characters", ErrMalformedPayload, svc.maxLength)
	}
	return content, nil
}

// Submit validates a frame and commits it. The returned message is durable;
// callers broadcast only after a nil error.
func (svc *chatService) Submit(ctx context.Context, channelID string, sender identity.Identity, raw []byte) (*MessageDTO, error) {
	ctx, span := tracer.Start(ctx, "chat.submit")
	defer span.End()
	span.SetAttributes(attribute.String("chat.channel_id", channelID))

	content, err := svc.ParseContent(raw)
	if err != nil {
		return nil, err
	}
	chID, ok := parseChannelID(channelID)
	if !ok {
		return nil, ErrRoomNotFound
	}

	msg := &MessageDTO{
		ID:         uuid.NewString(),
		ChannelID:  channelID,
		SenderID:   sender.UserID,
		SenderName: sender.DisplayName(),
		Content:    content,
		Timestamp:  time.Now().UTC(),
	}

	// One statement checks the channel and inserts, so a concurrently
	// deleted channel cannot receive an orphan row.
	const ins = `
	  INSERT INTO messages (id, channel_id, sender_id, sender_name, content, timestamp)
	       SELECT $1::uuid, $2::bigint, $3::text, $4::text, $5::text, $6::timestamptz
	        WHERE EXISTS (SELECT 1 FROM channels WHERE id = $2::bigint)`
	res, err := svc.db.ExecContext(ctx, ins,
		msg.ID, chID, msg.SenderID, msg.SenderName, msg.Content, msg.Timestamp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if n == 0 {
		return nil, ErrRoomNotFound
	}

	if svc.persisted != nil {
		svc.persisted.Add(ctx, 1)
	}
	return msg, nil
}

// EditMessage replaces the content of a live message owned by senderID.
func (svc *chatService) EditMessage(ctx context.Context, messageID, senderID, content string) (*MessageDTO, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if _, err := uuid.Parse(messageID); err != nil {
		return nil, ErrMessageNotFound
	}

	const q = `
	  UPDATE messages
	     SET content = $1, edited_at = $2
	   WHERE id = $3 AND sender_id = $4 AND NOT is_deleted
	  RETURNING id, channel_id, sender_id, sender_name, content, timestamp, edited_at, is_deleted`
	row := svc.db.QueryRowContext(ctx, q, content, time.Now().UTC(), messageID, senderID)

	dto := &MessageDTO{}
	var chID int64
	var edited sql.NullTime
	if err := row.Scan(&dto.ID, &chID, &dto.SenderID, &dto.SenderName,
		&dto.Content, &dto.Timestamp, &edited, &dto.IsDeleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	dto.ChannelID = strconv.FormatInt(chID, 10)
	if edited.Valid {
		dto.EditedAt = &edited.Time
	}
	return dto, nil
}

// SoftDeleteMessage flags a message as deleted; the row is kept.
func (svc *chatService) SoftDeleteMessage(ctx context.Context, messageID, senderID string) error {
	if _, err := uuid.Parse(messageID); err != nil {
		return ErrMessageNotFound
	}
	res, err := svc.db.ExecContext(ctx,
		`UPDATE messages SET is_deleted = TRUE WHERE id = $1 AND sender_id = $2 AND NOT is_deleted`,
		messageID, senderID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}
