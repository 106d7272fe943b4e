package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ashureev/chatsync/internal/domain"
)

// ErrInvalidTarget is returned by Hub.Open for an incomplete target.
var ErrInvalidTarget = errors.New("chat: invalid target")

// Target names the conversation a surface shows.
type Target struct {
	Kind      Kind   `json:"-"`
	PeerID    string `json:"peer_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

// Key returns the conversation key of t.
func (t Target) Key(assistantID string) (string, error) {
	switch t.Kind {
	case KindDirect:
		if t.PeerID == "" {
			return "", fmt.Errorf("%w: direct chat needs a peer id", ErrInvalidTarget)
		}
		return t.PeerID, nil
	case KindGroup:
		if t.ProjectID == "" || t.ClientID == "" {
			return "", fmt.Errorf("%w: group chat needs project and client ids", ErrInvalidTarget)
		}
		return domain.GroupChatKey(t.ProjectID, t.ClientID), nil
	case KindAssistant:
		return assistantID, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %d", ErrInvalidTarget, t.Kind)
	}
}

// Hub keeps the open surfaces, one per conversation key.
type Hub struct {
	deps Deps

	mu       sync.Mutex
	surfaces map[string]*Surface
}

// NewHub creates an empty hub.
func NewHub(deps Deps) *Hub {
	return &Hub{deps: deps, surfaces: make(map[string]*Surface)}
}

// Open returns the surface for t, opening it on first use. The history
// error of a first open is returned alongside the open surface.
func (h *Hub) Open(ctx context.Context, t Target) (*Surface, error) {
	key, err := t.Key(h.deps.Router.Identity().AssistantID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if s, ok := h.surfaces[key]; ok {
		h.mu.Unlock()
		return s, nil
	}
	var s *Surface
	switch t.Kind {
	case KindDirect:
		s = NewDirect(h.deps, t.PeerID)
	case KindGroup:
		s = NewGroup(h.deps, t.ProjectID, t.ClientID)
	default:
		s = NewAssistant(h.deps)
	}
	h.surfaces[key] = s
	h.mu.Unlock()

	return s, s.Open(ctx)
}

// Get returns the open surface for key.
func (h *Hub) Get(key string) (*Surface, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.surfaces[key]
	return s, ok
}

// Keys returns the keys of every open surface, sorted.
func (h *Hub) Keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]string, 0, len(h.surfaces))
	for k := range h.surfaces {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadHistory reloads stored history into every open surface. Failures are
// logged by the surfaces and the first one is returned.
func (h *Hub) LoadHistory(ctx context.Context) error {
	h.mu.Lock()
	surfaces := make([]*Surface, 0, len(h.surfaces))
	for _, s := range h.surfaces {
		surfaces = append(surfaces, s)
	}
	h.mu.Unlock()

	var first error
	for _, s := range surfaces {
		if err := s.LoadHistory(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes the surface for key. Reports whether one was open.
func (h *Hub) Close(key string) bool {
	h.mu.Lock()
	s, ok := h.surfaces[key]
	delete(h.surfaces, key)
	h.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// CloseAll closes every surface.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	surfaces := h.surfaces
	h.surfaces = make(map[string]*Surface)
	h.mu.Unlock()
	for _, s := range surfaces {
		s.Close()
	}
}
