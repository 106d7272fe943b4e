// Package state is the centralized client-state store's session slice.
package state

import "sync"

// Session is the published authentication snapshot.
type Session struct {
	IsAuthenticated bool   `json:"is_authenticated"`
	UserID          string `json:"user_id,omitempty"`
	HasAccessToken  bool   `json:"has_access_token"`
	Role            string `json:"role,omitempty"`
	ProfileComplete bool   `json:"profile_complete"`
}

type subscriber struct {
	id int
	fn func(Session)
}

// Store holds the current session and notifies subscribers on every publish,
// in the order they subscribed.
type Store struct {
	mu      sync.RWMutex
	session Session
	nextID  int
	subs    []subscriber
}

// NewStore creates an unauthenticated store.
func NewStore() *Store {
	return &Store{}
}

// Session returns the current snapshot.
func (s *Store) Session() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Publish replaces the snapshot and notifies subscribers synchronously,
// outside the store lock.
func (s *Store) Publish(sess Session) {
	s.mu.Lock()
	s.session = sess
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(sess)
	}
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn func(Session)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}
