// Package api provides the HTTP handlers of the local status API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/chatsync/internal/backend"
	"github.com/ashureev/chatsync/internal/chat"
	"github.com/ashureev/chatsync/internal/domain"
	"github.com/ashureev/chatsync/internal/lifecycle"
	"github.com/ashureev/chatsync/internal/router"
	"github.com/ashureev/chatsync/internal/state"
)

// maxBodySize bounds request bodies (64KB).
const maxBodySize = 64 << 10

// Lifecycle is the connection lifecycle as seen by the API.
type Lifecycle interface {
	Status() lifecycle.Status
	SetVisible(visible bool)
	Recheck()
}

// Session signs the local user in and out.
type Session interface {
	SignIn(creds domain.Credentials, role string, profileComplete bool)
	SignOut()
}

// Surfaces opens and looks up chat surfaces.
type Surfaces interface {
	Open(ctx context.Context, t chat.Target) (*chat.Surface, error)
	Get(key string) (*chat.Surface, bool)
	Keys() []string
}

// Conversations reads conversation entries and reports changes.
type Conversations interface {
	Entries(key string) []domain.Entry
	Watch(fn func(key string)) (unwatch func())
}

// Notifications lists received notifications.
type Notifications interface {
	Notifications() []router.Notification
}

// Profiles loads user profiles from the REST API.
type Profiles interface {
	Profile(ctx context.Context, userID string) (*backend.Profile, error)
}

// Handler provides common handler utilities.
type Handler struct {
	lc            Lifecycle
	session       Session
	state         *state.Store
	surfaces      Surfaces
	conversations Conversations
	notifications Notifications
	profiles      Profiles
	keepalive     time.Duration
	logger        *slog.Logger
}

// Deps groups the Handler dependencies. A zero KeepaliveInterval pings
// event streams every 10s.
type Deps struct {
	Lifecycle         Lifecycle
	Session           Session
	State             *state.Store
	Surfaces          Surfaces
	Conversations     Conversations
	Notifications     Notifications
	Profiles          Profiles
	KeepaliveInterval time.Duration
	Logger            *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepalive := d.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	return &Handler{
		lc:            d.Lifecycle,
		session:       d.Session,
		state:         d.State,
		surfaces:      d.Surfaces,
		conversations: d.Conversations,
		notifications: d.Notifications,
		profiles:      d.Profiles,
		keepalive:     keepalive,
		logger:        logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
