//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatsync/internal/backend"
	"github.com/ashureev/chatsync/internal/chat"
	"github.com/ashureev/chatsync/internal/conversation"
	"github.com/ashureev/chatsync/internal/domain"
	"github.com/ashureev/chatsync/internal/lifecycle"
	"github.com/ashureev/chatsync/internal/realtime"
	"github.com/ashureev/chatsync/internal/realtime/realtimetest"
	"github.com/ashureev/chatsync/internal/router"
	"github.com/ashureev/chatsync/internal/state"
	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type fakeLifecycle struct {
	mu       sync.Mutex
	visible  []bool
	rechecks int
}

func (f *fakeLifecycle) Status() lifecycle.Status {
	return lifecycle.Status{State: "connected", Ready: true, Indicator: lifecycle.IndicatorConnected}
}

func (f *fakeLifecycle) SetVisible(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible = append(f.visible, v)
}

func (f *fakeLifecycle) Recheck() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rechecks++
}

type fakeSession struct {
	st *state.Store
}

func (f *fakeSession) SignIn(creds domain.Credentials, role string, profileComplete bool) {
	f.st.Publish(state.Session{
		IsAuthenticated: true,
		UserID:          creds.UserID,
		HasAccessToken:  creds.AccessToken != "",
		Role:            role,
		ProfileComplete: profileComplete,
	})
}

func (f *fakeSession) SignOut() { f.st.Publish(state.Session{}) }

type fakeProfiles struct{}

func (fakeProfiles) Profile(_ context.Context, userID string) (*backend.Profile, error) {
	if userID == "404" {
		return nil, backend.ErrRejected
	}
	return &backend.Profile{WellReceived: true, ProfileData: map[string]interface{}{"name": "Ada"}}, nil
}

type testServer struct {
	srv    *httptest.Server
	lc     *fakeLifecycle
	st     *state.Store
	reg    *realtime.Registry
	dialer *realtimetest.Dialer
	store  *conversation.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := state.NewStore()
	dialer := &realtimetest.Dialer{}
	reg := realtime.NewRegistry(dialer, realtime.Options{}, nil)
	store := conversation.NewStore(time.Second)
	rt := router.New(reg, store, "ai_assistant", nil)
	unbind := rt.Bind(st)
	rt.Start()
	hub := chat.NewHub(chat.Deps{Conn: reg, Router: rt, Store: store})
	lc := &fakeLifecycle{}

	h := NewHandler(Deps{
		Lifecycle:     lc,
		Session:       &fakeSession{st: st},
		State:         st,
		Surfaces:      hub,
		Conversations: store,
		Notifications: rt,
		Profiles:      fakeProfiles{},
	})
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		hub.CloseAll()
		rt.Stop()
		unbind()
		reg.Disconnect()
	})
	return &testServer{srv: srv, lc: lc, st: st, reg: reg, dialer: dialer, store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestStatus_ReportsSession(t *testing.T) {
	ts := newTestServer(t)
	ts.st.Publish(state.Session{IsAuthenticated: true, UserID: "7", HasAccessToken: true, Role: "candidate"})

	resp := ts.do(t, http.MethodGet, "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Authenticated || got.UserID != "7" || got.Role != "candidate" {
		t.Errorf("unexpected session fields: %+v", got)
	}
	if got.Connection.Indicator != lifecycle.IndicatorConnected {
		t.Errorf("indicator = %q", got.Connection.Indicator)
	}
}

func TestVisibility(t *testing.T) {
	ts := newTestServer(t)

	if resp := ts.do(t, http.MethodPost, "/api/visibility", map[string]bool{"visible": false}); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodPost, "/api/visibility", map[string]string{}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing visible: status = %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodPost, "/api/visibility", map[string]string{"hidden": "yes"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d", resp.StatusCode)
	}

	ts.lc.mu.Lock()
	defer ts.lc.mu.Unlock()
	if len(ts.lc.visible) != 1 || ts.lc.visible[0] {
		t.Errorf("visible calls = %v", ts.lc.visible)
	}
}

func TestRecheck(t *testing.T) {
	ts := newTestServer(t)
	if resp := ts.do(t, http.MethodPost, "/api/recheck", nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ts.lc.mu.Lock()
	defer ts.lc.mu.Unlock()
	if ts.lc.rechecks != 1 {
		t.Errorf("rechecks = %d", ts.lc.rechecks)
	}
}

func TestSession_SignInAndOut(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/session", map[string]string{"user_id": "7"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing token: status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/api/session", map[string]interface{}{
		"access_token": "A1", "refresh_token": "R1", "user_id": "7", "role": "client", "profile_complete": true,
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("sign in: status = %d", resp.StatusCode)
	}
	if sess := ts.st.Session(); !sess.IsAuthenticated || sess.UserID != "7" || !sess.ProfileComplete {
		t.Errorf("session after sign in = %+v", sess)
	}

	if resp := ts.do(t, http.MethodDelete, "/api/session", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("sign out: status = %d", resp.StatusCode)
	}
	if ts.st.Session().IsAuthenticated {
		t.Error("session should be signed out")
	}
}

func TestSurfaces_OpenSendAndRead(t *testing.T) {
	ts := newTestServer(t)
	ts.st.Publish(state.Session{IsAuthenticated: true, UserID: "7", HasAccessToken: true})

	resp := ts.do(t, http.MethodPost, "/api/surfaces", map[string]string{"kind": "direct", "peer_id": "9"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open: status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/api/conversations/9/messages", map[string]string{"content": "hi"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("send while disconnected: status = %d", resp.StatusCode)
	}

	if err := ts.reg.Connect(context.Background(), domain.Credentials{AccessToken: "A1", UserID: "7"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	resp = ts.do(t, http.MethodPost, "/api/conversations/9/messages", map[string]string{"content": "hi"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send: status = %d", resp.StatusCode)
	}
	if sends := ts.dialer.Last().WrittenEvents(chat.EventSendMessage); len(sends) != 1 {
		t.Errorf("send_message frames = %d", len(sends))
	}

	resp = ts.do(t, http.MethodGet, "/api/conversations/9", nil)
	var got struct {
		Key     string         `json:"key"`
		Entries []domain.Entry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Key != "9" || len(got.Entries) != 1 || !got.Entries[0].IsPending {
		t.Errorf("conversation = %+v", got)
	}
}

func TestSurfaces_Errors(t *testing.T) {
	ts := newTestServer(t)

	if resp := ts.do(t, http.MethodPost, "/api/surfaces", map[string]string{"kind": "broadcast"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad kind: status = %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodPost, "/api/surfaces", map[string]string{"kind": "group", "project_id": "p1"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("incomplete group: status = %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodPost, "/api/conversations/42/messages", map[string]string{"content": "x"}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("send to closed surface: status = %d", resp.StatusCode)
	}
}

func TestNotifications(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/api/notifications", nil)
	var got map[string][]router.Notification
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n, ok := got["notifications"]; !ok || len(n) != 0 {
		t.Errorf("notifications = %v", got)
	}
}

func TestProfile(t *testing.T) {
	ts := newTestServer(t)
	if resp := ts.do(t, http.MethodGet, "/api/profile", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("signed out: status = %d", resp.StatusCode)
	}

	ts.st.Publish(state.Session{IsAuthenticated: true, UserID: "7", HasAccessToken: true})
	resp := ts.do(t, http.MethodGet, "/api/profile", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got backend.Profile
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ProfileData["name"] != "Ada" {
		t.Errorf("profile = %+v", got)
	}

	ts.st.Publish(state.Session{IsAuthenticated: true, UserID: "404", HasAccessToken: true})
	if resp := ts.do(t, http.MethodGet, "/api/profile", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("rejected profile: status = %d", resp.StatusCode)
	}
}
