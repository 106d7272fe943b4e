// Package router classifies inbound real-time events and places them in the
// conversation they belong to.
package router

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatsync/internal/conversation"
	"github.com/ashureev/chatsync/internal/domain"
	"github.com/ashureev/chatsync/internal/realtime"
	"github.com/ashureev/chatsync/internal/state"
)

// Inbound event names.
const (
	EventNewMessage         = "new_message"
	EventStatusUpdate       = "status_update"
	EventControlInstruction = "control_instruction"
	EventNotification       = "notification"
)

// Control commands the router acts on.
const (
	CommandInterviewComplete = "interview_complete"
	CommandNextQuestion      = "next_question"
	CommandError             = "error"
	CommandRedirect          = "redirect"
)

// maxNotifications bounds the retained notification history.
const maxNotifications = 50

// Subscriber is where the router attaches its listeners.
type Subscriber interface {
	On(event string, l *realtime.Listener)
	Off(event string, l *realtime.Listener)
}

// Control is a decoded control_instruction.
type Control struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Notification is a decoded notification event.
type Notification struct {
	Message    string    `json:"message"`
	Type       string    `json:"type"`
	ReceivedAt time.Time `json:"received_at"`
}

type statusPayload struct {
	Update       string    `json:"update"`
	Conversation string    `json:"conversation,omitempty"`
	RecipientID  domain.ID `json:"recipient_id,omitempty"`
}

type questionData struct {
	Question string `json:"question"`
	Message  string `json:"message"`
}

// Router turns inbound events into conversation store updates. Events routed
// to a key nobody watches are dropped.
type Router struct {
	sub         Subscriber
	store       *conversation.Store
	assistantID string
	logger      *slog.Logger
	now         func() time.Time

	mu            sync.RWMutex
	userID        string
	interest      map[string]int
	notifications []Notification

	handlersMu      sync.RWMutex
	controlFns      []func(Control)
	notificationFns []func(Notification)

	listeners map[string]*realtime.Listener
}

// New creates a router writing into store. Call Start to attach it.
func New(sub Subscriber, store *conversation.Store, assistantID string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		sub:         sub,
		store:       store,
		assistantID: assistantID,
		logger:      logger,
		now:         time.Now,
		interest:    make(map[string]int),
	}
	r.listeners = map[string]*realtime.Listener{
		EventNewMessage:         realtime.NewListener(r.handleMessage),
		EventStatusUpdate:       realtime.NewListener(r.handleStatus),
		EventControlInstruction: realtime.NewListener(r.handleControl),
		EventNotification:       realtime.NewListener(r.handleNotification),
	}
	return r
}

// Start attaches the router's listeners. Calling it twice is harmless.
func (r *Router) Start() {
	for event, l := range r.listeners {
		r.sub.On(event, l)
	}
}

// Stop detaches the router's listeners.
func (r *Router) Stop() {
	for event, l := range r.listeners {
		r.sub.Off(event, l)
	}
}

// SetUser sets the local user id used for classification.
func (r *Router) SetUser(userID string) {
	r.mu.Lock()
	r.userID = userID
	r.mu.Unlock()
}

// Bind keeps the local user id in step with the session.
func (r *Router) Bind(st *state.Store) (unbind func()) {
	unbind = st.Subscribe(func(sess state.Session) { r.SetUser(sess.UserID) })
	r.SetUser(st.Session().UserID)
	return unbind
}

// Identity returns the identity events are classified against.
func (r *Router) Identity() Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Identity{UserID: r.userID, AssistantID: r.assistantID}
}

// Watch declares interest in a conversation key. Interest is counted, so two
// surfaces may watch the same key.
func (r *Router) Watch(key string) (unwatch func()) {
	r.mu.Lock()
	r.interest[key]++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.interest[key]--; r.interest[key] <= 0 {
				delete(r.interest, key)
			}
		})
	}
}

// Watching reports whether any surface watches key.
func (r *Router) Watching(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.interest[key] > 0
}

// OnControl registers fn for every recognized control instruction.
func (r *Router) OnControl(fn func(Control)) {
	r.handlersMu.Lock()
	r.controlFns = append(r.controlFns, fn)
	r.handlersMu.Unlock()
}

// OnNotification registers fn for every notification.
func (r *Router) OnNotification(fn func(Notification)) {
	r.handlersMu.Lock()
	r.notificationFns = append(r.notificationFns, fn)
	r.handlersMu.Unlock()
}

// Notifications returns the most recent notifications, oldest first.
func (r *Router) Notifications() []Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Notification, len(r.notifications))
	copy(out, r.notifications)
	return out
}

// Entry converts a record into a conversation entry and its key. ok is false
// when the record has no content or no conversation to land in.
func (r *Router) Entry(rec domain.Record) (key string, e domain.Entry, ok bool) {
	if rec.Content == "" {
		return "", domain.Entry{}, false
	}
	id := r.Identity()
	class, heuristic := Classify(rec, id)
	if heuristic {
		r.logger.Warn("Message sender inferred from content",
			"heuristic", true, "class", class, "message_id", rec.ID)
	}
	key = RouteKey(rec, class, id)
	if key == "" {
		return "", domain.Entry{}, false
	}
	return key, domain.Entry{
		ID:          string(rec.ID),
		Content:     rec.Content,
		Sender:      class,
		Timestamp:   rec.Time(),
		OwnID:       string(rec.OwnID),
		RecipientID: string(rec.RecipientID),
	}, true
}

func (r *Router) handleMessage(ev realtime.Event) {
	var rec domain.Record
	if err := ev.Decode(&rec); err != nil {
		r.logger.Warn("Dropping malformed message", "error", err)
		return
	}
	key, entry, ok := r.Entry(rec)
	if !ok {
		r.logger.Warn("Dropping unroutable message", "message_id", rec.ID, "own_id", rec.OwnID, "recipient_id", rec.RecipientID)
		return
	}
	if !r.Watching(key) {
		r.logger.Debug("Ignoring message for unwatched conversation", "conversation", key)
		return
	}
	if !r.store.AppendMessage(key, entry) {
		r.logger.Debug("Discarded duplicate message", "conversation", key, "message_id", entry.ID)
	}
}

func (r *Router) handleStatus(ev realtime.Event) {
	var p statusPayload
	if err := ev.Decode(&p); err != nil {
		r.logger.Warn("Dropping malformed status update", "error", err)
		return
	}
	text, ok := conversation.StatusText(p.Update)
	if !ok {
		r.logger.Debug("Ignoring unmapped status update", "update", p.Update)
		return
	}
	key := r.statusKey(p)
	if !r.Watching(key) {
		return
	}
	r.store.BeginStatus(key, text)
}

func (r *Router) statusKey(p statusPayload) string {
	if p.Conversation != "" {
		return p.Conversation
	}
	id := r.Identity()
	if rid := string(p.RecipientID); rid != "" && rid != id.UserID {
		return rid
	}
	return id.AssistantID
}

func (r *Router) handleControl(ev realtime.Event) {
	var c Control
	if err := ev.Decode(&c); err != nil {
		r.logger.Warn("Dropping malformed control instruction", "error", err)
		return
	}

	switch c.Command {
	case CommandInterviewComplete, CommandError:
		r.store.CompleteActive(r.assistantID)
	case CommandNextQuestion:
		r.appendQuestion(c.Data)
	case CommandRedirect:
	default:
		r.logger.Debug("Ignoring unknown control instruction", "command", c.Command)
		return
	}
	r.logger.Info("Control instruction received", "command", c.Command)

	r.handlersMu.RLock()
	fns := append([]func(Control){}, r.controlFns...)
	r.handlersMu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (r *Router) appendQuestion(data json.RawMessage) {
	if len(data) == 0 || !r.Watching(r.assistantID) {
		return
	}
	var q questionData
	if err := json.Unmarshal(data, &q); err != nil {
		var text string
		if json.Unmarshal(data, &text) != nil {
			r.logger.Warn("Dropping malformed next_question data", "error", err)
			return
		}
		q.Question = text
	}
	content := q.Question
	if content == "" {
		content = q.Message
	}
	if content == "" {
		return
	}
	r.store.AppendMessage(r.assistantID, domain.Entry{Content: content, Sender: domain.SenderAI})
}

func (r *Router) handleNotification(ev realtime.Event) {
	var n Notification
	if err := ev.Decode(&n); err != nil {
		r.logger.Warn("Dropping malformed notification", "error", err)
		return
	}
	if n.Message == "" {
		r.logger.Warn("Dropping notification without message", "type", n.Type)
		return
	}
	n.ReceivedAt = r.now()

	r.mu.Lock()
	r.notifications = append(r.notifications, n)
	if len(r.notifications) > maxNotifications {
		r.notifications = r.notifications[len(r.notifications)-maxNotifications:]
	}
	r.mu.Unlock()

	r.handlersMu.RLock()
	fns := append([]func(Notification){}, r.notificationFns...)
	r.handlersMu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}
