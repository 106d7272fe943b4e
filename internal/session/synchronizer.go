// Package session reconciles persisted credentials with the centralized
// session state and owns token refresh.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/chatsync/internal/backend"
	"github.com/ashureev/chatsync/internal/credentials"
	"github.com/ashureev/chatsync/internal/domain"
	"github.com/ashureev/chatsync/internal/state"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoRefreshToken is returned when a refresh is needed but none is stored.
	ErrNoRefreshToken = errors.New("session: no refresh token")
	// ErrRefreshRejected is returned when the refresh endpoint refused the token.
	ErrRefreshRejected = errors.New("session: refresh rejected")
)

const refreshTimeout = 15 * time.Second

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (backend.Tokens, error)
}

// Synchronizer keeps the credential store and the session state in agreement.
type Synchronizer struct {
	creds     *credentials.Adapter
	state     *state.Store
	refresher Refresher
	logger    *slog.Logger

	hydrateOnce sync.Once
	flight      singleflight.Group
}

// New creates a synchronizer.
func New(creds *credentials.Adapter, st *state.Store, refresher Refresher, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		creds:     creds,
		state:     st,
		refresher: refresher,
		logger:    logger,
	}
}

// Hydrate publishes an authenticated snapshot if the store holds an access
// token and user id. Only the first call has any effect. It reports whether
// a snapshot was published.
func (s *Synchronizer) Hydrate() bool {
	published := false
	s.hydrateOnce.Do(func() {
		snap := s.snapshot()
		if !snap.IsAuthenticated {
			s.logger.Info("No stored session found")
			return
		}
		s.logger.Info("Restored stored session", "user_id", snap.UserID)
		s.state.Publish(snap)
		published = true
	})
	return published
}

// SignIn persists a fresh credential set from a sign-in or sign-up flow and
// publishes the resulting session.
func (s *Synchronizer) SignIn(creds domain.Credentials, role string, profileComplete bool) {
	s.creds.Save(creds)
	if role != "" {
		s.creds.Set(credentials.KeyRole, role)
	}
	s.creds.Set(credentials.KeyProfileComplete, strconv.FormatBool(profileComplete))
	s.publish()
}

// SignOut clears every credential and publishes an unauthenticated session.
func (s *Synchronizer) SignOut() {
	s.creds.ClearAll(credentials.AllKeys()...)
	s.state.Publish(state.Session{})
	s.logger.Info("Signed out")
}

// AccessToken returns the stored access token.
func (s *Synchronizer) AccessToken() string {
	v, _ := s.creds.Get(credentials.KeyAccessToken)
	return v
}

// Refresh exchanges the stored refresh token for a new pair and returns the
// new access token. Concurrent callers share one refresh call. Any failure
// other than cancellation ends the session.
func (s *Synchronizer) Refresh(ctx context.Context) (string, error) {
	ch := s.flight.DoChan("refresh", func() (interface{}, error) {
		// Detached so one caller giving up does not fail the shared refresh.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.refresh(rctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Synchronizer) refresh(ctx context.Context) (string, error) {
	refreshToken, ok := s.creds.Get(credentials.KeyRefreshToken)
	if !ok || refreshToken == "" {
		s.expire(ErrNoRefreshToken)
		return "", ErrNoRefreshToken
	}

	tokens, err := s.refresher.RefreshTokens(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("refresh tokens: %w", err)
		}
		s.expire(err)
		return "", fmt.Errorf("%w: %v", ErrRefreshRejected, err)
	}

	s.creds.Set(credentials.KeyAccessToken, tokens.AccessToken)
	if tokens.RefreshToken != "" {
		s.creds.Set(credentials.KeyRefreshToken, tokens.RefreshToken)
	}
	s.logger.Info("Access token refreshed")
	s.publish()
	return tokens.AccessToken, nil
}

func (s *Synchronizer) expire(cause error) {
	s.logger.Warn("Token refresh failed, ending session", "error", cause)
	s.SignOut()
}

func (s *Synchronizer) publish() {
	s.state.Publish(s.snapshot())
}

func (s *Synchronizer) snapshot() state.Session {
	creds := s.creds.Load()
	role, _ := s.creds.Get(credentials.KeyRole)
	profileComplete, _ := s.creds.Get(credentials.KeyProfileComplete)
	complete, _ := strconv.ParseBool(profileComplete)

	if !creds.IsAuthenticated() {
		return state.Session{HasAccessToken: creds.AccessToken != ""}
	}
	return state.Session{
		IsAuthenticated: true,
		UserID:          creds.UserID,
		HasAccessToken:  true,
		Role:            role,
		ProfileComplete: complete,
	}
}
