package ws

import (
	"fmt"
	"time"
)

// systemSender is the username on join/leave announcements.
const systemSender = "System"

// Client-facing texts of error frames.
const (
	msgAuthRequired   = "Authentication required. Connection closed."
	msgNoChannel      = "No channel_id supplied. Connection closed."
	msgInvalidChannel = "Invalid channel ID. Connection closed."
	msgJoinFailed     = "Unable to join the room. Connection closed."
	msgInvalidFormat  = "Invalid message format."
	msgEmptyContent   = "Message content cannot be empty."
	msgProcessing     = "An error occurred while processing your message."
)

// ChatEvent is broadcast to every member of a chat room.
type ChatEvent struct {
	Message   string `json:"message"`
	Username  string `json:"username"`
	ChannelID string `json:"channel_id"`
	Timestamp string `json:"timestamp"`
}

// ErrorFrame is sent to a single client.
type ErrorFrame struct {
	Message string `json:"message"`
}

func formatTimestamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func systemEvent(channelID, format, username string) ChatEvent {
	return ChatEvent{
		Message:   fmt.Sprintf(format, username),
		Username:  systemSender,
		ChannelID: channelID,
		Timestamp: formatTimestamp(time.Now()),
	}
}
