package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"teamchat/internal/identity"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var insertQ = regexp.QuoteMeta("INSERT INTO messages")

func newService(t *testing.T) (*chatService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewChatService(db, 20).(*chatService), mock
}

func TestSubmitPersistsMessage(t *testing.T) {
	svc, mock := newService(t)
	alice := identity.Authenticated("7", "alice")

	mock.ExpectExec(insertQ).
		WithArgs(sqlmock.AnyArg(), int64(42), "7", "alice", "hi", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	before := time.Now().UTC()
	msg, err := svc.Submit(context.Background(), "42", alice, []byte(`{"message":"  hi  "}`))
	require.NoError(t, err)

	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "42", msg.ChannelID)
	assert.Equal(t, "alice", msg.SenderName)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.Before(before))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitRejections(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		raw     string
		wantErr error
	}{
		{"whitespace only", "42", `{"message":"   \n\t "}`, ErrEmptyContent},
		{"missing field", "42", `{}`, ErrEmptyContent},
		{"not json", "42", `hello`, ErrMalformedPayload},
		{"not an object", "42", `["hi"]`, ErrMalformedPayload},
		{"wrong field type", "42", `{"message":5}`, ErrMalformedPayload},
		{"null frame", "42", `null`, ErrMalformedPayload},
		{"too long", "42", `{"message":"` + strings.Repeat("x", 21) + `"}`, ErrMalformedPayload},
		{"non numeric channel", "general", `{"message":"hi"}`, ErrRoomNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mock := newService(t)

			_, err := svc.Submit(context.Background(), tt.channel, identity.Authenticated("7", "alice"), []byte(tt.raw))
			assert.ErrorIs(t, err, tt.wantErr)
			// Nothing may reach the store for a rejected frame.
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSubmitUnknownChannel(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectExec(insertQ).WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := svc.Submit(context.Background(), "99", identity.Authenticated("7", "alice"), []byte(`{"message":"hi"}`))
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestSubmitPersistenceFailure(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectExec(insertQ).WillReturnError(errors.New("connection reset"))

	msg, err := svc.Submit(context.Background(), "42", identity.Authenticated("7", "alice"), []byte(`{"message":"hi"}`))
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestChannelExists(t *testing.T) {
	svc, mock := newService(t)
	q := regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1)")

	mock.ExpectQuery(q).WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err := svc.ChannelExists(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery(q).WithArgs(int64(43)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	ok, err = svc.ChannelExists(context.Background(), "43")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.ChannelExists(context.Background(), "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(q).WithArgs(int64(44)).WillReturnError(errors.New("timeout"))
	_, err = svc.ChannelExists(context.Background(), "44")
	assert.ErrorIs(t, err, ErrPersistence)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEditMessage(t *testing.T) {
	svc, mock := newService(t)
	id := "7f1b9b3e-4c47-4b8e-9a53-2a0c1c7f0e11"
	sent := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	edited := sent.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE messages")).
		WithArgs("fixed", sqlmock.AnyArg(), id, "7").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "channel_id", "sender_id", "sender_name", "content", "timestamp", "edited_at", "is_deleted",
		}).AddRow(id, int64(42), "7", "alice", "fixed", sent, edited, false))

	msg, err := svc.EditMessage(context.Background(), id, "7", " fixed ")
	require.NoError(t, err)
	assert.Equal(t, "fixed", msg.Content)
	assert.Equal(t, "42", msg.ChannelID)
	require.NotNil(t, msg.EditedAt)
	assert.Equal(t, edited, *msg.EditedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEditMessageRejections(t *testing.T) {
	svc, mock := newService(t)
	id := "7f1b9b3e-4c47-4b8e-9a53-2a0c1c7f0e11"

	_, err := svc.EditMessage(context.Background(), id, "7", "  ")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = svc.EditMessage(context.Background(), "nope", "7", "text")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	// Someone else's message, or already deleted.
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE messages")).
		WithArgs("text", sqlmock.AnyArg(), id, "8").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = svc.EditMessage(context.Background(), id, "8", "text")
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteMessage(t *testing.T) {
	svc, mock := newService(t)
	id := "7f1b9b3e-4c47-4b8e-9a53-2a0c1c7f0e11"
	q := regexp.QuoteMeta("UPDATE messages SET is_deleted = TRUE")

	mock.ExpectExec(q).WithArgs(id, "7").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, svc.SoftDeleteMessage(context.Background(), id, "7"))

	mock.ExpectExec(q).WithArgs(id, "7").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, svc.SoftDeleteMessage(context.Background(), id, "7"), ErrMessageNotFound)

	assert.ErrorIs(t, svc.SoftDeleteMessage(context.Background(), "bad", "7"), ErrMessageNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
