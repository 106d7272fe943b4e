package credentials

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/chatsync/internal/domain"
)

// Canonical credential keys.
const (
	KeyAccessToken     = "access_token"
	KeyRefreshToken    = "refresh_token"
	KeyUserID          = "user_id"
	KeyRole            = "user_role"
	KeyProfileComplete = "profile_complete"
)

// legacyNames lists older key names still found in existing stores.
// They are only consulted on read; writes always use the canonical key.
var legacyNames = map[string][]string{
	KeyAccessToken:  {"access_jwt"},
	KeyRefreshToken: {"refresh_jwt"},
}

// AllKeys returns every key the adapter may have written, legacy names included.
func AllKeys() []string {
	keys := []string{KeyAccessToken, KeyRefreshToken, KeyUserID, KeyRole, KeyProfileComplete}
	for _, names := range legacyNames {
		keys = append(keys, names...)
	}
	return keys
}

const backendTimeout = 5 * time.Second

// Adapter is a passthrough over a Backend. It never returns errors;
// backend failures are logged and reads degrade to "missing".
type Adapter struct {
	backend Backend
	logger  *slog.Logger
}

// NewAdapter creates an adapter over backend.
func NewAdapter(backend Backend, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{backend: backend, logger: logger}
}

// Get returns the value for key, checking legacy names when the canonical key is absent.
func (a *Adapter) Get(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	for _, name := range append([]string{key}, legacyNames[key]...) {
		v, ok, err := a.backend.Get(ctx, name)
		if err != nil {
			a.logger.Warn("Credential read failed", "key", name, "error", err)
			continue
		}
		if ok {
			return v, true
		}
	}
	return "", false
}

// Set writes value under the canonical key and drops stale legacy copies.
func (a *Adapter) Set(key, value string) {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	if err := a.backend.Set(ctx, key, value); err != nil {
		a.logger.Warn("Credential write failed", "key", key, "error", err)
		return
	}
	if legacy := legacyNames[key]; len(legacy) > 0 {
		if err := a.backend.Delete(ctx, legacy...); err != nil {
			a.logger.Debug("Failed to drop legacy credential keys", "key", key, "error", err)
		}
	}
}

// Remove deletes key under every name it may be stored as.
func (a *Adapter) Remove(key string) {
	a.ClearAll(key)
}

// ClearAll removes all given keys, legacy names included.
func (a *Adapter) ClearAll(keys ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	var names []string
	for _, k := range keys {
		names = append(names, k)
		names = append(names, legacyNames[k]...)
	}
	if err := a.backend.Delete(ctx, names...); err != nil {
		a.logger.Warn("Credential delete failed", "keys", names, "error", err)
	}
}

// Load reads the current credential set.
func (a *Adapter) Load() domain.Credentials {
	access, _ := a.Get(KeyAccessToken)
	refresh, _ := a.Get(KeyRefreshToken)
	userID, _ := a.Get(KeyUserID)
	return domain.Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		UserID:       userID,
	}
}

// Save writes every non-empty field of creds.
func (a *Adapter) Save(creds domain.Credentials) {
	if creds.AccessToken != "" {
		a.Set(KeyAccessToken, creds.AccessToken)
	}
	if creds.RefreshToken != "" {
		a.Set(KeyRefreshToken, creds.RefreshToken)
	}
	if creds.UserID != "" {
		a.Set(KeyUserID, creds.UserID)
	}
}
