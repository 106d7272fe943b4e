// Package conversation is the keyed message store shared by every chat
// surface, including the per-conversation status sequence.
package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/ashureev/chatsync/internal/domain"
	"github.com/google/uuid"
)

// DefaultDedupWindow is how close two identical messages must be to count as one.
const DefaultDedupWindow = time.Second

// Store maps conversation keys to ordered entries. Conversations are created
// on first reference and never removed.
type Store struct {
	mu          sync.RWMutex
	convs       map[string][]*domain.Entry
	dedupWindow time.Duration
	now         func() time.Time

	watchMu  sync.RWMutex
	nextID   int
	watchers map[int]func(key string)
}

// NewStore creates an empty store. A non-positive window uses DefaultDedupWindow.
func NewStore(dedupWindow time.Duration) *Store {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &Store{
		convs:       make(map[string][]*domain.Entry),
		dedupWindow: dedupWindow,
		now:         time.Now,
		watchers:    make(map[int]func(string)),
	}
}

// Entries returns a copy of the conversation's entries in order.
func (s *Store) Entries(key string) []domain.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Entry, len(s.convs[key]))
	for i, e := range s.convs[key] {
		out[i] = *e
	}
	return out
}

// Keys returns every known conversation key, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.convs))
	for k := range s.convs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AppendMessage adds a non-status message. A message matching an existing
// entry's content and sender within the dedup window is discarded; if that
// entry was a pending local send it is marked confirmed. Otherwise any active
// status is completed first. Reports whether the message was appended.
func (s *Store) AppendMessage(key string, e domain.Entry) bool {
	s.mu.Lock()
	if dup := s.findDuplicate(key, e); dup != nil {
		changed := dup.IsPending && !e.IsPending
		if changed {
			dup.IsPending = false
		}
		s.mu.Unlock()
		if changed {
			s.notify(key)
		}
		return false
	}

	now := s.now()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.IsStatus = false
	e.IsComplete = false
	s.completeActiveLocked(key, now)
	s.convs[key] = append(s.convs[key], &e)
	s.mu.Unlock()

	s.notify(key)
	return true
}

// Seed merges stored history into a conversation, skipping entries whose id
// is already present, and keeps entries ordered by timestamp.
func (s *Store) Seed(key string, history []domain.Entry) int {
	s.mu.Lock()
	known := make(map[string]struct{}, len(s.convs[key]))
	for _, e := range s.convs[key] {
		known[e.ID] = struct{}{}
	}
	added := 0
	for i := range history {
		e := history[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if _, ok := known[e.ID]; ok {
			continue
		}
		known[e.ID] = struct{}{}
		s.convs[key] = append(s.convs[key], &e)
		added++
	}
	if added > 0 {
		entries := s.convs[key]
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		})
	} else if _, ok := s.convs[key]; !ok {
		s.convs[key] = nil
	}
	s.mu.Unlock()

	if added > 0 {
		s.notify(key)
	}
	return added
}

// Watch registers fn to be called with the key of every changed conversation.
func (s *Store) Watch(fn func(key string)) (unwatch func()) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		delete(s.watchers, id)
	}
}

func (s *Store) findDuplicate(key string, e domain.Entry) *domain.Entry {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	entries := s.convs[key]
	for i := len(entries) - 1; i >= 0; i-- {
		existing := entries[i]
		if existing.IsStatus || existing.Content != e.Content || existing.Sender != e.Sender {
			continue
		}
		delta := ts.Sub(existing.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= s.dedupWindow {
			return existing
		}
	}
	return nil
}

func (s *Store) notify(key string) {
	s.watchMu.RLock()
	fns := make([]func(string), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.watchMu.RUnlock()

	for _, fn := range fns {
		fn(key)
	}
}
