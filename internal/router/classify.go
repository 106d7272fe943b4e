package router

import (
	"strings"
	"unicode/utf8"

	"github.com/ashureev/chatsync/internal/domain"
)

// Identity is who the local user is and which id the assistant uses.
type Identity struct {
	UserID      string
	AssistantID string
}

// senderTags maps explicit sender_tag values to a class. Tags outside the
// table fall through to the id checks.
var senderTags = map[string]domain.SenderTag{
	"ai":            domain.SenderAI,
	"assistant":     domain.SenderAI,
	"ai_assistant":  domain.SenderAI,
	"bot":           domain.SenderAI,
	"system":        domain.SenderSystem,
	"status":        domain.SenderSystem,
	"system-status": domain.SenderSystem,
}

// heuristicMinLength is the content length above which an unattributed
// message is assumed to come from the assistant.
const heuristicMinLength = 280

var assistantPhrases = []string{
	"as an ai",
	"i'm an ai",
	"great question",
	"i'd be happy to",
	"let's begin",
	"next question",
	"here are some",
	"based on your",
}

// Classify decides who produced rec. heuristic reports that no identity
// signal was present and the content guess was used.
func Classify(rec domain.Record, id Identity) (class domain.SenderTag, heuristic bool) {
	if tag, ok := senderTags[strings.ToLower(strings.TrimSpace(rec.SenderTag))]; ok {
		return tag, false
	}

	sender, recipient := string(rec.OwnID), string(rec.RecipientID)
	switch {
	case sender != "" && sender == id.UserID:
		return domain.SenderSelf, false
	case sender != "" && sender == id.AssistantID:
		return domain.SenderAI, false
	}

	if sender == "" && recipient == "" && rec.SenderTag == "" {
		return guessFromContent(rec.Content), true
	}
	if sender == "" && recipient == id.AssistantID {
		return domain.SenderSelf, false
	}
	return domain.SenderPeer, false
}

func guessFromContent(content string) domain.SenderTag {
	if utf8.RuneCountInString(content) > heuristicMinLength {
		return domain.SenderAI
	}
	lower := strings.ToLower(content)
	for _, phrase := range assistantPhrases {
		if strings.Contains(lower, phrase) {
			return domain.SenderAI
		}
	}
	return domain.SenderPeer
}

// RouteKey returns the conversation a classified record belongs to: the
// group chat tag for group traffic, otherwise the other party. An empty key
// means the record cannot be placed.
func RouteKey(rec domain.Record, class domain.SenderTag, id Identity) string {
	sender, recipient := string(rec.OwnID), string(rec.RecipientID)
	if domain.IsGroupChatKey(recipient) {
		return recipient
	}

	switch class {
	case domain.SenderAI:
		return id.AssistantID
	case domain.SenderSelf:
		if recipient == "" {
			return id.AssistantID
		}
		return recipient
	case domain.SenderSystem:
		if sender != "" && sender != id.UserID {
			return sender
		}
		if recipient != "" && recipient != id.UserID {
			return recipient
		}
		return id.AssistantID
	default:
		if sender != "" && sender != id.UserID {
			// Traffic between two other parties is not ours to show.
			if recipient != "" && recipient != id.UserID {
				return ""
			}
			return sender
		}
		if recipient != "" && recipient != id.UserID {
			return recipient
		}
		return ""
	}
}
