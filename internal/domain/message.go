package domain

import (
	"strings"
	"time"
)

// SenderTag classifies who produced a message entry.
type SenderTag string

const (
	// SenderSelf is the signed-in user.
	SenderSelf SenderTag = "self"
	// SenderPeer is another human participant.
	SenderPeer SenderTag = "peer"
	// SenderAI is the assistant.
	SenderAI SenderTag = "ai"
	// SenderSystem marks system-generated status annotations.
	SenderSystem SenderTag = "system-status"
)

// Entry is a single message or status annotation in a conversation.
type Entry struct {
	ID          string     `json:"id"`
	Content     string     `json:"content"`
	Sender      SenderTag  `json:"sender"`
	Timestamp   time.Time  `json:"timestamp"`
	OwnID       string     `json:"own_id,omitempty"`
	RecipientID string     `json:"recipient_id,omitempty"`
	IsPending   bool       `json:"is_pending"`
	IsStatus    bool       `json:"is_status"`
	IsComplete  bool       `json:"is_complete,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsActiveStatus returns true for a status entry that has not been superseded.
func (e *Entry) IsActiveStatus() bool {
	return e.IsStatus && !e.IsComplete
}

const groupChatPrefix = "group_chat_"

// GroupChatKey builds the composite conversation key for a project group chat.
func GroupChatKey(projectID, clientID string) string {
	return groupChatPrefix + projectID + "_" + clientID
}

// IsGroupChatKey returns true if key was built by GroupChatKey.
func IsGroupChatKey(key string) bool {
	return strings.HasPrefix(key, groupChatPrefix)
}
