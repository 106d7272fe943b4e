package credentials

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ashureev/chatsync/internal/domain"
)

func TestAdapter_MissingKeyReturnsFalse(t *testing.T) {
	a := NewAdapter(NewMemoryBackend(), nil)

	if v, ok := a.Get(KeyAccessToken); ok || v != "" {
		t.Errorf("Expected missing key, got %q (ok=%v)", v, ok)
	}
	// Removing a missing key must not panic.
	a.Remove(KeyUserID)
}

func TestAdapter_ReadsLegacyNames(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	_ = backend.Set(ctx, "access_jwt", "legacy-access")
	_ = backend.Set(ctx, "refresh_jwt", "legacy-refresh")

	a := NewAdapter(backend, nil)
	creds := a.Load()
	if creds.AccessToken != "legacy-access" {
		t.Errorf("Expected legacy access token, got %q", creds.AccessToken)
	}
	if creds.RefreshToken != "legacy-refresh" {
		t.Errorf("Expected legacy refresh token, got %q", creds.RefreshToken)
	}
}

func TestAdapter_CanonicalWinsOverLegacy(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	_ = backend.Set(ctx, "access_jwt", "old")
	_ = backend.Set(ctx, KeyAccessToken, "new")

	a := NewAdapter(backend, nil)
	if v, _ := a.Get(KeyAccessToken); v != "new" {
		t.Errorf("Expected canonical value, got %q", v)
	}
}

func TestAdapter_SetDropsLegacyCopy(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	_ = backend.Set(ctx, "access_jwt", "old")

	a := NewAdapter(backend, nil)
	a.Set(KeyAccessToken, "fresh")

	if _, ok, _ := backend.Get(ctx, "access_jwt"); ok {
		t.Error("Expected legacy key to be removed after canonical write")
	}
}

func TestAdapter_ClearAllRemovesLegacy(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	_ = backend.Set(ctx, "refresh_jwt", "r")
	_ = backend.Set(ctx, KeyUserID, "7")

	a := NewAdapter(backend, nil)
	a.ClearAll(AllKeys()...)

	if !a.Load().IsEmpty() {
		t.Errorf("Expected empty credentials, got %+v", a.Load())
	}
}

type failingBackend struct{ MemoryBackend }

func (f *failingBackend) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}

func TestAdapter_BackendErrorsDegradeToMissing(t *testing.T) {
	a := NewAdapter(&failingBackend{}, nil)
	if _, ok := a.Get(KeyUserID); ok {
		t.Error("Expected backend error to read as missing")
	}
}

func TestSQLiteBackend_RoundTrip(t *testing.T) {
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "creds", "c.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	defer func() { _ = backend.Close() }()

	a := NewAdapter(backend, nil)
	want := domain.Credentials{AccessToken: "A1", RefreshToken: "R1", UserID: "7"}
	a.Save(want)

	if got := a.Load(); got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}

	a.Set(KeyAccessToken, "A2")
	if v, _ := a.Get(KeyAccessToken); v != "A2" {
		t.Errorf("Expected overwritten token A2, got %q", v)
	}

	a.ClearAll(AllKeys()...)
	if got := a.Load(); !got.IsEmpty() {
		t.Errorf("Expected empty credentials after ClearAll, got %+v", got)
	}
}

func TestIsConflictError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SQLITE_BUSY: busy"), true},
		{errors.New("database is locked"), true},
		{errors.New("no such table"), false},
	}
	for _, tt := range tests {
		if got := isConflictError(tt.err); got != tt.want {
			t.Errorf("isConflictError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
