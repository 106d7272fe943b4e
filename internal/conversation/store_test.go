package conversation

import (
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatsync/internal/domain"
	"github.com/stretchr/testify/require"
)

func activeCount(entries []domain.Entry) int {
	n := 0
	for i := range entries {
		if entries[i].IsActiveStatus() {
			n++
		}
	}
	return n
}

func TestStore_StatusSupersession(t *testing.T) {
	s := NewStore(0)
	s.BeginStatus("c1", "A")
	s.BeginStatus("c1", "B")
	require.Equal(t, 1, activeCount(s.Entries("c1")))

	require.True(t, s.AppendMessage("c1", domain.Entry{Content: "hi", Sender: domain.SenderPeer}))

	entries := s.Entries("c1")
	require.Len(t, entries, 3)
	require.Equal(t, 0, activeCount(entries))
	require.True(t, entries[0].IsComplete)
	require.NotNil(t, entries[0].CompletedAt)
	require.True(t, entries[1].IsComplete)
	require.Equal(t, "hi", entries[2].Content)
	require.False(t, entries[2].IsStatus)
}

func TestStore_StatusIsolatedPerConversation(t *testing.T) {
	s := NewStore(0)
	s.BeginStatus("a", "working")
	s.BeginStatus("b", "working")
	s.AppendMessage("a", domain.Entry{Content: "done", Sender: domain.SenderAI})

	require.Equal(t, 0, activeCount(s.Entries("a")))
	active, ok := s.ActiveStatus("b")
	require.True(t, ok)
	require.Equal(t, "working", active.Content)
}

func TestStore_CompleteActive(t *testing.T) {
	s := NewStore(0)
	require.False(t, s.CompleteActive("c1"))

	s.BeginStatus("c1", "Thinking...")
	require.True(t, s.CompleteActive("c1"))
	require.False(t, s.CompleteActive("c1"))

	entries := s.Entries("c1")
	require.Len(t, entries, 1)
	require.True(t, entries[0].IsComplete)
}

func TestStore_DedupWithinWindow(t *testing.T) {
	s := NewStore(time.Second)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.True(t, s.AppendMessage("c1", domain.Entry{Content: "hello", Sender: domain.SenderPeer, Timestamp: base}))
	require.False(t, s.AppendMessage("c1", domain.Entry{Content: "hello", Sender: domain.SenderPeer, Timestamp: base.Add(500 * time.Millisecond)}))
	require.True(t, s.AppendMessage("c1", domain.Entry{Content: "hello", Sender: domain.SenderPeer, Timestamp: base.Add(3 * time.Second)}))
	require.True(t, s.AppendMessage("c1", domain.Entry{Content: "hello", Sender: domain.SenderSelf, Timestamp: base}))

	require.Len(t, s.Entries("c1"), 3)
}

func TestStore_EchoConfirmsPendingSend(t *testing.T) {
	s := NewStore(time.Second)
	now := time.Now()

	require.True(t, s.AppendMessage("c1", domain.Entry{Content: "ping", Sender: domain.SenderSelf, Timestamp: now, IsPending: true}))
	require.False(t, s.AppendMessage("c1", domain.Entry{Content: "ping", Sender: domain.SenderSelf, Timestamp: now.Add(100 * time.Millisecond)}))

	entries := s.Entries("c1")
	require.Len(t, entries, 1)
	require.False(t, entries[0].IsPending)
}

func TestStore_SeedMergesByID(t *testing.T) {
	s := NewStore(0)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.AppendMessage("c1", domain.Entry{ID: "3", Content: "live", Sender: domain.SenderPeer, Timestamp: base.Add(3 * time.Minute)})

	added := s.Seed("c1", []domain.Entry{
		{ID: "1", Content: "first", Sender: domain.SenderPeer, Timestamp: base},
		{ID: "2", Content: "second", Sender: domain.SenderSelf, Timestamp: base.Add(time.Minute)},
		{ID: "3", Content: "live", Sender: domain.SenderPeer, Timestamp: base.Add(3 * time.Minute)},
	})
	require.Equal(t, 2, added)

	entries := s.Entries("c1")
	require.Len(t, entries, 3)
	require.Equal(t, "1", entries[0].ID)
	require.Equal(t, "2", entries[1].ID)
	require.Equal(t, "3", entries[2].ID)

	require.Zero(t, s.Seed("c1", entries))
}

func TestStore_EntriesReturnsCopy(t *testing.T) {
	s := NewStore(0)
	s.AppendMessage("c1", domain.Entry{Content: "x", Sender: domain.SenderPeer})

	entries := s.Entries("c1")
	entries[0].Content = "mutated"
	require.Equal(t, "x", s.Entries("c1")[0].Content)
}

func TestStore_Watch(t *testing.T) {
	s := NewStore(0)
	var mu sync.Mutex
	var keys []string
	unwatch := s.Watch(func(key string) {
		mu.Lock()
		keys = append(keys, key)
		mu.Unlock()
	})

	s.BeginStatus("a", "x")
	s.AppendMessage("b", domain.Entry{Content: "y", Sender: domain.SenderPeer})
	s.CompleteActive("missing")
	unwatch()
	s.AppendMessage("c", domain.Entry{Content: "z", Sender: domain.SenderPeer})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b"}, keys)
	require.Equal(t, []string{"a", "b", "c"}, s.Keys())
}

func TestStore_ConcurrentStatusKeepsSingleActive(t *testing.T) {
	s := NewStore(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.BeginStatus("c1", "working")
		}()
	}
	wg.Wait()

	entries := s.Entries("c1")
	require.Len(t, entries, 50)
	require.Equal(t, 1, activeCount(entries))
}

func TestStatusText(t *testing.T) {
	text, ok := StatusText("thinking")
	require.True(t, ok)
	require.NotEmpty(t, text)

	_, ok = StatusText("made_up_update")
	require.False(t, ok)
}
