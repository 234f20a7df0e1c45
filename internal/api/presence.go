package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"courier/internal/models"
	"courier/internal/realtime"
)

type PresenceRequest struct {
	Status       *models.PresenceStatus `json:"status,omitempty"`
	CustomStatus *string                `json:"customStatus,omitempty"`
}

type SubscriptionRequest struct {
	UserIDs []string `json:"userIds"`
}

type TypingRequest struct {
	ChannelID string `json:"channelId"`
	Value     string `json:"value"`
}

type TypingStatus struct {
	ChannelID string              `json:"channelId"`
	Users     []models.TypingUser `json:"users"`
	Text      string              `json:"text"`
}

func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.engine.Presence())
}

func (a *API) SetPresenceHandler(w http.ResponseWriter, r *http.Request) {
	var req PresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	self, err := a.engine.SetPresence(req.Status, req.CustomStatus)
	if errors.Is(err, realtime.ErrInvalidStatus) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		a.log.Error("failed to set presence", "error", err)
		http.Error(w, "Failed to set presence", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, self)
}

func (a *API) SubscribePresenceHandler(w http.ResponseWriter, r *http.Request) {
	a.subscription(w, r, a.engine.SubscribePresence)
}

func (a *API) UnsubscribePresenceHandler(w http.ResponseWriter, r *http.Request) {
	a.subscription(w, r, a.engine.UnsubscribePresence)
}

func (a *API) subscription(w http.ResponseWriter, r *http.Request, fn func(userIDs ...string) map[string]int) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.UserIDs) == 0 {
		http.Error(w, "userIds are required", http.StatusBadRequest)
		return
	}
	a.writeJSON(w, http.StatusOK, fn(req.UserIDs...))
}

func (a *API) InputHandler(w http.ResponseWriter, r *http.Request) {
	var req TypingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		http.Error(w, "channelId is required", http.StatusBadRequest)
		return
	}
	a.engine.InputChanged(req.ChannelID, req.Value)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) TypingHandler(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel")
	if channelID == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}
	a.writeJSON(w, http.StatusOK, a.engine.Typing(channelID))
}
