package conversation

import (
	"time"

	"github.com/ashureev/chatsync/internal/domain"
	"github.com/google/uuid"
)

// statusText maps status identifiers sent by the service to display text.
// Identifiers missing here are ignored.
var statusText = map[string]string{
	"thinking":            "Thinking...",
	"analyzing_response":  "Analyzing your response...",
	"evaluating_answer":   "Evaluating your answer...",
	"generating_question": "Preparing the next question...",
	"searching_jobs":      "Searching for matching jobs...",
	"matching_profiles":   "Matching profiles...",
	"reviewing_profile":   "Reviewing your profile...",
	"generating_report":   "Generating your report...",
	"saving_results":      "Saving results...",
}

// StatusText returns the display text for a status identifier.
func StatusText(update string) (string, bool) {
	text, ok := statusText[update]
	return text, ok
}

// BeginStatus completes the active status of the conversation, if any, and
// appends a new active status entry with the given text.
func (s *Store) BeginStatus(key, text string) domain.Entry {
	s.mu.Lock()
	now := s.now()
	s.completeActiveLocked(key, now)
	e := &domain.Entry{
		ID:        uuid.NewString(),
		Content:   text,
		Sender:    domain.SenderSystem,
		Timestamp: now,
		IsStatus:  true,
	}
	s.convs[key] = append(s.convs[key], e)
	out := *e
	s.mu.Unlock()

	s.notify(key)
	return out
}

// CompleteActive marks the active status of the conversation complete
// without adding anything. Reports whether a status was completed.
func (s *Store) CompleteActive(key string) bool {
	s.mu.Lock()
	changed := s.completeActiveLocked(key, s.now())
	s.mu.Unlock()

	if changed {
		s.notify(key)
	}
	return changed
}

// ActiveStatus returns the conversation's incomplete status entry, if any.
func (s *Store) ActiveStatus(key string) (domain.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.convs[key]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].IsActiveStatus() {
			return *entries[i], true
		}
	}
	return domain.Entry{}, false
}

// completeActiveLocked requires s.mu held.
func (s *Store) completeActiveLocked(key string, now time.Time) bool {
	changed := false
	for _, e := range s.convs[key] {
		if e.IsActiveStatus() {
			e.IsComplete = true
			at := now
			e.CompletedAt = &at
			changed = true
		}
	}
	return changed
}
