package api

import (
	"errors"
	"net/http"

	"github.com/ashureev/chatsync/internal/backend"
	"github.com/ashureev/chatsync/internal/chat"
	"github.com/ashureev/chatsync/internal/domain"
	"github.com/ashureev/chatsync/internal/lifecycle"
	"github.com/ashureev/chatsync/internal/realtime"
	"github.com/go-chi/chi/v5"
)

type statusResponse struct {
	Connection      lifecycle.Status `json:"connection"`
	Authenticated   bool             `json:"authenticated"`
	UserID          string           `json:"user_id,omitempty"`
	Role            string           `json:"role,omitempty"`
	ProfileComplete bool             `json:"profile_complete"`
	Surfaces        []string         `json:"surfaces"`
}

type visibilityRequest struct {
	Visible *bool `json:"visible"`
}

type signInRequest struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	UserID          string `json:"user_id"`
	Role            string `json:"role"`
	ProfileComplete bool   `json:"profile_complete"`
}

type openRequest struct {
	Kind      string `json:"kind"`
	PeerID    string `json:"peer_id"`
	ProjectID string `json:"project_id"`
	ClientID  string `json:"client_id"`
}

type sendRequest struct {
	Content string `json:"content"`
}

// RegisterRoutes registers the status API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Post("/visibility", h.SetVisibility)
		r.Post("/recheck", h.Recheck)
		r.Post("/session", h.SignIn)
		r.Delete("/session", h.SignOut)
		r.Post("/surfaces", h.OpenSurface)
		r.Get("/conversations/{key}", h.GetConversation)
		r.Get("/conversations/{key}/events", h.StreamConversation)
		r.Post("/conversations/{key}/messages", h.SendMessage)
		r.Get("/notifications", h.GetNotifications)
		r.Get("/profile", h.GetProfile)
	})
}

// GetStatus reports the connection and session state.
func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	sess := h.state.Session()
	JSON(w, http.StatusOK, statusResponse{
		Connection:      h.lc.Status(),
		Authenticated:   sess.IsAuthenticated,
		UserID:          sess.UserID,
		Role:            sess.Role,
		ProfileComplete: sess.ProfileComplete,
		Surfaces:        h.surfaces.Keys(),
	})
}

// SetVisibility forwards a visibility change to the lifecycle manager.
func (h *Handler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Visible == nil {
		Error(w, http.StatusBadRequest, "visible is required")
		return
	}
	h.lc.SetVisible(*req.Visible)
	w.WriteHeader(http.StatusNoContent)
}

// Recheck starts a new connection cycle.
func (h *Handler) Recheck(w http.ResponseWriter, _ *http.Request) {
	h.lc.Recheck()
	JSON(w, http.StatusAccepted, h.lc.Status())
}

// SignIn stores credentials and publishes the session.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeBody(w, r, &req) {
		return
	}
	creds := domain.Credentials{AccessToken: req.AccessToken, RefreshToken: req.RefreshToken, UserID: req.UserID}
	if !creds.IsAuthenticated() {
		Error(w, http.StatusBadRequest, "access_token and user_id are required")
		return
	}
	h.session.SignIn(creds, req.Role, req.ProfileComplete)
	h.logger.Info("Signed in through status API", "user_id", req.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// SignOut clears credentials.
func (h *Handler) SignOut(w http.ResponseWriter, _ *http.Request) {
	h.session.SignOut()
	w.WriteHeader(http.StatusNoContent)
}

// OpenSurface opens a chat surface and returns its conversation key.
func (h *Handler) OpenSurface(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !decodeBody(w, r, &req) {
		return
	}
	kind, ok := chat.ParseKind(req.Kind)
	if !ok {
		Error(w, http.StatusBadRequest, "kind must be direct, group or assistant")
		return
	}
	s, err := h.surfaces.Open(r.Context(), chat.Target{
		Kind:      kind,
		PeerID:    req.PeerID,
		ProjectID: req.ProjectID,
		ClientID:  req.ClientID,
	})
	switch {
	case errors.Is(err, chat.ErrInvalidTarget):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		// The surface is open; only its history failed to load.
		h.logger.Warn("Surface opened without history", "error", err)
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"key":            s.Key(),
		"kind":           s.Kind().String(),
		"history_loaded": err == nil,
	})
}

// GetConversation returns the entries of a conversation.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	JSON(w, http.StatusOK, map[string]interface{}{
		"key":     key,
		"entries": h.conversations.Entries(key),
	})
}

// SendMessage sends a message through an open surface.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	s, ok := h.surfaces.Get(key)
	if !ok {
		Error(w, http.StatusNotFound, "conversation is not open")
		return
	}
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entry, err := s.Send(req.Content)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		Error(w, http.StatusBadRequest, "content is required")
	case errors.Is(err, realtime.ErrNotConnected):
		Error(w, http.StatusServiceUnavailable, "not connected")
	case errors.Is(err, realtime.ErrRateLimited):
		Error(w, http.StatusTooManyRequests, "send rate exceeded")
	case err != nil:
		Error(w, http.StatusInternalServerError, "failed to send message")
	default:
		JSON(w, http.StatusCreated, entry)
	}
}

// GetNotifications returns recent notifications.
func (h *Handler) GetNotifications(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"notifications": h.notifications.Notifications(),
	})
}

// GetProfile returns the signed-in user's profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	sess := h.state.Session()
	if !sess.IsAuthenticated {
		Error(w, http.StatusUnauthorized, "not signed in")
		return
	}
	profile, err := h.profiles.Profile(r.Context(), sess.UserID)
	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		Error(w, http.StatusUnauthorized, "session expired")
	case errors.Is(err, backend.ErrRejected):
		Error(w, http.StatusNotFound, "profile not available")
	case err != nil:
		h.logger.Warn("Failed to load profile", "user_id", sess.UserID, "error", err)
		Error(w, http.StatusBadGateway, "failed to load profile")
	default:
		JSON(w, http.StatusOK, profile)
	}
}
