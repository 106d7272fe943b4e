package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/chatsync/internal/conversation"
	"github.com/ashureev/chatsync/internal/domain"
	"github.com/ashureev/chatsync/internal/realtime"
	"github.com/ashureev/chatsync/internal/realtime/realtimetest"
	"github.com/ashureev/chatsync/internal/router"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	direct map[string][]domain.Record
	group  []domain.Record
	err    error
}

func (h *fakeHistory) ChatHistory(_ context.Context, ownID, otherID string) ([]domain.Record, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.direct[ownID+"/"+otherID], nil
}

func (h *fakeHistory) GroupHistory(_ context.Context, projectID, clientID string) ([]domain.Record, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.group, nil
}

type env struct {
	deps   Deps
	reg    *realtime.Registry
	dialer *realtimetest.Dialer
	hist   *fakeHistory
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, realtime.Options{})
}

func newEnvWith(t *testing.T, opts realtime.Options) *env {
	t.Helper()
	dialer := &realtimetest.Dialer{}
	reg := realtime.NewRegistry(dialer, opts, nil)
	store := conversation.NewStore(time.Second)
	r := router.New(reg, store, "ai_assistant", nil)
	r.SetUser("7")
	r.Start()
	t.Cleanup(r.Stop)
	t.Cleanup(reg.Disconnect)
	hist := &fakeHistory{direct: map[string][]domain.Record{}}
	return &env{
		deps:   Deps{Conn: reg, Router: r, Store: store, History: hist},
		reg:    reg,
		dialer: dialer,
		hist:   hist,
	}
}

func (e *env) connect(t *testing.T) *realtimetest.Conn {
	t.Helper()
	require.NoError(t, e.reg.Connect(context.Background(), domain.Credentials{AccessToken: "A1", UserID: "7"}))
	return e.dialer.Last()
}

func decode(t *testing.T, f realtime.Frame) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(f.Data, &out))
	return out
}

func TestSurface_OpenJoinsAndLoadsHistory(t *testing.T) {
	e := newEnv(t)
	e.hist.direct["7/9"] = []domain.Record{
		{ID: "1", Content: "hi", OwnID: "9", RecipientID: "7", Timestamp: "2026-01-01T10:00:00Z"},
		{ID: "2", Content: "hello", OwnID: "7", RecipientID: "9", Timestamp: "2026-01-01T10:01:00Z"},
		{ID: "3", OwnID: "9", RecipientID: "7"},
	}
	conn := e.connect(t)

	s := NewDirect(e.deps, "9")
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	joins := conn.WrittenEvents(EventJoin)
	require.Len(t, joins, 1)
	require.Equal(t, map[string]string{"room_name": "7", "user": "7"}, decode(t, joins[0]))

	entries := s.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, domain.SenderPeer, entries[0].Sender)
	require.Equal(t, domain.SenderSelf, entries[1].Sender)
}

func TestSurface_RejoinsOnReconnect(t *testing.T) {
	e := newEnv(t)
	s := NewGroup(e.deps, "p1", "c1")
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	first := e.connect(t)
	e.reg.Disconnect()
	second := e.connect(t)
	require.NotSame(t, first, second)

	for _, c := range []*realtimetest.Conn{first, second} {
		joins := c.WrittenEvents(EventJoin)
		require.Len(t, joins, 1)
		require.Equal(t, map[string]string{"room": "group_chat_p1_c1", "user": "7"}, decode(t, joins[0]))
	}
}

func TestSurface_SendWhileDisconnected(t *testing.T) {
	e := newEnv(t)
	s := NewAssistant(e.deps)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	_, err := s.Send("hello")
	require.ErrorIs(t, err, realtime.ErrNotConnected)
	require.Empty(t, s.Entries())

	_, err = s.Send("   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSurface_SendAppendsPendingAndCompletesStatus(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t)
	s := NewAssistant(e.deps)
	require.Equal(t, "ai_assistant", s.Key())
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	e.deps.Store.BeginStatus(s.Key(), "Thinking...")
	entry, err := s.Send("my answer")
	require.NoError(t, err)
	require.True(t, entry.IsPending)

	entries := s.Entries()
	require.Len(t, entries, 2)
	require.True(t, entries[0].IsComplete)
	require.Equal(t, "my answer", entries[1].Content)
	require.True(t, entries[1].IsPending)

	sends := conn.WrittenEvents(EventSendMessage)
	require.Len(t, sends, 1)
	require.Equal(t, map[string]string{
		"message_content": "my answer", "own_id": "7", "recipient_id": "ai_assistant",
	}, decode(t, sends[0]))

	conn.Push(router.EventNewMessage, map[string]string{
		"content": "my answer", "own_id": "7", "recipient_id": "ai_assistant",
	}, nil)
	require.Eventually(t, func() bool {
		entries := s.Entries()
		return len(entries) == 2 && !entries[1].IsPending
	}, time.Second, 5*time.Millisecond)
}

func TestSurface_SendDroppedByRateLimitAppendsNothing(t *testing.T) {
	e := newEnvWith(t, realtime.Options{SendRate: 0.001, SendBurst: 2})
	conn := e.connect(t)
	s := NewAssistant(e.deps)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()
	require.Len(t, conn.WrittenEvents(EventJoin), 1)

	e.deps.Store.BeginStatus(s.Key(), "Thinking...")
	_, err := s.Send("first")
	require.NoError(t, err)

	_, err = s.Send("second")
	require.ErrorIs(t, err, realtime.ErrRateLimited)

	entries := s.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "first", entries[1].Content)
	require.Len(t, conn.WrittenEvents(EventSendMessage), 1)
}

func TestSurface_HistoryFailureKeepsSurfaceOpen(t *testing.T) {
	e := newEnv(t)
	e.hist.err = errors.New("boom")
	conn := e.connect(t)

	s := NewDirect(e.deps, "9")
	err := s.Open(context.Background())
	require.Error(t, err)
	defer s.Close()

	conn.Push(router.EventNewMessage, map[string]string{"content": "yo", "own_id": "9", "recipient_id": "7"}, nil)
	require.Eventually(t, func() bool { return len(s.Entries()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSurface_CloseStopsTraffic(t *testing.T) {
	e := newEnv(t)
	s := NewDirect(e.deps, "9")
	require.NoError(t, s.Open(context.Background()))
	s.Close()
	s.Close()

	conn := e.connect(t)
	require.Empty(t, conn.WrittenEvents(EventJoin))
	require.False(t, e.deps.Router.Watching("9"))
}

func TestSurface_GroupHistory(t *testing.T) {
	e := newEnv(t)
	e.hist.group = []domain.Record{
		{ID: "g1", Content: "standup?", OwnID: "12", RecipientID: "group_chat_p1_c1"},
	}
	s := NewGroup(e.deps, "p1", "c1")
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	entries := s.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "standup?", entries[0].Content)
	require.Equal(t, domain.SenderPeer, entries[0].Sender)
}
