// Package chat implements the direct, group and assistant chat surfaces on
// top of the shared connection and conversation store.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/chatsync/internal/conversation"
	"github.com/ashureev/chatsync/internal/domain"
	"github.com/ashureev/chatsync/internal/realtime"
	"github.com/ashureev/chatsync/internal/router"
	"github.com/google/uuid"
)

// Outbound event names.
const (
	EventJoin        = "join"
	EventSendMessage = "send_message"
)

// ErrEmptyMessage is returned by Send for blank content.
var ErrEmptyMessage = errors.New("chat: empty message")

// Kind is the type of chat surface.
type Kind int

const (
	KindDirect Kind = iota
	KindGroup
	KindAssistant
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindGroup:
		return "group"
	case KindAssistant:
		return "assistant"
	default:
		return "unknown"
	}
}

// ParseKind parses the String form of a Kind.
func ParseKind(s string) (Kind, bool) {
	for _, k := range []Kind{KindDirect, KindGroup, KindAssistant} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Conn is the part of the connection registry a surface uses.
type Conn interface {
	Emit(event string, payload interface{}) error
	IsConnected() bool
	On(event string, l *realtime.Listener)
	Off(event string, l *realtime.Listener)
}

// HistorySource loads stored messages.
type HistorySource interface {
	ChatHistory(ctx context.Context, ownID, otherID string) ([]domain.Record, error)
	GroupHistory(ctx context.Context, projectID, clientID string) ([]domain.Record, error)
}

// Deps are shared by every surface.
type Deps struct {
	Conn    Conn
	Router  *router.Router
	Store   *conversation.Store
	History HistorySource
	Logger  *slog.Logger
}

type joinPayload struct {
	RoomName string `json:"room_name,omitempty"`
	Room     string `json:"room,omitempty"`
	User     string `json:"user"`
}

type sendPayload struct {
	MessageContent string `json:"message_content"`
	OwnID          string `json:"own_id"`
	RecipientID    string `json:"recipient_id"`
}

// Surface is one open conversation view.
type Surface struct {
	deps      Deps
	kind      Kind
	key       string
	projectID string
	clientID  string

	mu        sync.Mutex
	open      bool
	unwatch   func()
	onConnect *realtime.Listener
}

// NewDirect creates a surface for a one-to-one chat with peerID.
func NewDirect(deps Deps, peerID string) *Surface {
	return newSurface(deps, KindDirect, peerID)
}

// NewGroup creates a surface for a project group chat.
func NewGroup(deps Deps, projectID, clientID string) *Surface {
	s := newSurface(deps, KindGroup, domain.GroupChatKey(projectID, clientID))
	s.projectID = projectID
	s.clientID = clientID
	return s
}

// NewAssistant creates a surface for the assistant chat.
func NewAssistant(deps Deps) *Surface {
	return newSurface(deps, KindAssistant, deps.Router.Identity().AssistantID)
}

func newSurface(deps Deps, kind Kind, key string) *Surface {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("surface", kind.String(), "conversation", key)
	s := &Surface{deps: deps, kind: kind, key: key}
	s.onConnect = realtime.NewListener(func(realtime.Event) { s.join() })
	return s
}

// Key returns the conversation key.
func (s *Surface) Key() string { return s.key }

// Kind returns the surface type.
func (s *Surface) Kind() Kind { return s.kind }

// Open starts receiving traffic for the conversation, joins its room on
// every connect and loads stored history. A history failure is returned but
// leaves the surface open.
func (s *Surface) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = true
	s.unwatch = s.deps.Router.Watch(s.key)
	s.deps.Conn.On(realtime.EventConnect, s.onConnect)
	s.mu.Unlock()

	if s.deps.Conn.IsConnected() {
		s.join()
	}
	return s.LoadHistory(ctx)
}

// Close stops receiving traffic. Entries stay in the store.
func (s *Surface) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return
	}
	s.open = false
	s.deps.Conn.Off(realtime.EventConnect, s.onConnect)
	s.unwatch()
	s.unwatch = nil
}

// Entries returns the conversation in order.
func (s *Surface) Entries() []domain.Entry {
	return s.deps.Store.Entries(s.key)
}

// LoadHistory merges stored messages into the conversation.
func (s *Surface) LoadHistory(ctx context.Context) error {
	if s.deps.History == nil {
		return nil
	}
	me := s.deps.Router.Identity().UserID
	if me == "" {
		return nil
	}

	var (
		records []domain.Record
		err     error
	)
	if s.kind == KindGroup {
		records, err = s.deps.History.GroupHistory(ctx, s.projectID, s.clientID)
	} else {
		records, err = s.deps.History.ChatHistory(ctx, me, s.key)
	}
	if err != nil {
		s.deps.Logger.Warn("Failed to load history", "error", err)
		return fmt.Errorf("load %s history: %w", s.kind, err)
	}

	entries := make([]domain.Entry, 0, len(records))
	for _, rec := range records {
		_, e, ok := s.deps.Router.Entry(rec)
		if !ok {
			continue
		}
		entries = append(entries, e)
	}
	added := s.deps.Store.Seed(s.key, entries)
	s.deps.Logger.Debug("History loaded", "records", len(records), "added", added)
	return nil
}

// Send posts content to the conversation. The entry is shown as pending
// until the service echoes it back. Nothing is appended when the send is
// dropped.
func (s *Surface) Send(content string) (domain.Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Entry{}, ErrEmptyMessage
	}
	if !s.deps.Conn.IsConnected() {
		return domain.Entry{}, realtime.ErrNotConnected
	}
	me := s.deps.Router.Identity().UserID

	e := domain.Entry{
		ID:          uuid.NewString(),
		Content:     content,
		Sender:      domain.SenderSelf,
		Timestamp:   time.Now(),
		OwnID:       me,
		RecipientID: s.key,
		IsPending:   true,
	}
	err := s.deps.Conn.Emit(EventSendMessage, sendPayload{
		MessageContent: content,
		OwnID:          me,
		RecipientID:    s.key,
	})
	if err != nil {
		return domain.Entry{}, fmt.Errorf("send message: %w", err)
	}
	s.deps.Store.CompleteActive(s.key)
	// A fast echo may already be stored and then stands in for e.
	s.deps.Store.AppendMessage(s.key, e)
	return e, nil
}

func (s *Surface) join() {
	me := s.deps.Router.Identity().UserID
	if me == "" {
		return
	}
	p := joinPayload{User: me}
	if s.kind == KindGroup {
		p.Room = s.key
	} else {
		p.RoomName = me
	}
	if err := s.deps.Conn.Emit(EventJoin, p); err != nil {
		s.deps.Logger.Warn("Failed to join room", "user_id", me, "error", err)
		return
	}
	s.deps.Logger.Debug("Joined room", "user_id", me)
}
