package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/asheshgoplani/agent-monitor/internal/notify"
)

type pushConfigResponse struct {
	Enabled           bool   `json:"enabled"`
	VAPIDPublicKey    string `json:"vapidPublicKey,omitempty"`
	SubscriptionCount int    `json:"subscriptionCount,omitempty"`
}

type pushResultResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type pushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

type pushPresenceRequest struct {
	Endpoint string `json:"endpoint"`
	Focused  *bool  `json:"focused"`
}

func (s *Server) pushReady(w http.ResponseWriter) bool {
	if s.cfg.Push == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "PUSH_NOT_CONFIGURED", "push notifications are not configured")
		return false
	}
	return true
}

func (s *Server) handlePushConfig(w http.ResponseWriter, _ *http.Request) {
	resp := pushConfigResponse{Enabled: s.cfg.Push != nil}
	if resp.Enabled {
		resp.VAPIDPublicKey = s.cfg.Push.PublicKey()
		if subs, err := s.cfg.Push.Subscriptions().List(); err == nil {
			resp.SubscriptionCount = len(subs)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.pushReady(w) {
		return
	}
	var sub notify.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid subscription payload")
		return
	}
	if err := s.cfg.Push.Subscriptions().Upsert(sub); err != nil {
		if errors.Is(err, notify.ErrInvalidSubscription) {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save push subscription")
		return
	}
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: "subscription saved"})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.pushReady(w) {
		return
	}
	var req pushUnsubscribeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if req.Endpoint == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint is required")
		return
	}
	if err := s.cfg.Push.Subscriptions().Remove(req.Endpoint); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to remove push subscription")
		return
	}
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: "subscription removed"})
}

// handlePushPresence lets a foreground page suppress pushes to itself.
func (s *Server) handlePushPresence(w http.ResponseWriter, r *http.Request) {
	if !s.pushReady(w) {
		return
	}
	var req pushPresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid presence payload")
		return
	}
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if req.Endpoint == "" || req.Focused == nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint and focused are required")
		return
	}
	if err := s.cfg.Push.Subscriptions().SetFocus(req.Endpoint, *req.Focused); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update push presence")
		return
	}
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: "push presence updated"})
}
