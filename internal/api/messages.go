package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"courier/internal/models"
	"courier/internal/optimistic"
	"courier/internal/realtime"
)

type EditRequest struct {
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
}

type ReactionRequest struct {
	ChannelID string `json:"channelId"`
	Emoji     string `json:"emoji"`
}

type ReadRequest struct {
	ChannelID string `json:"channelId"`
	// Author of the message. Own messages are not acknowledged.
	UserID string `json:"userId"`
}

func (a *API) EditHandler(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	err := a.engine.EditMessage(r.Context(), req.ChannelID, r.PathValue("id"), req.Content)
	a.writeChange(w, err)
}

func (a *API) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	err := a.engine.DeleteMessage(r.Context(), r.URL.Query().Get("channel"), r.PathValue("id"))
	a.writeChange(w, err)
}

func (a *API) AddReactionHandler(w http.ResponseWriter, r *http.Request) {
	var req ReactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	err := a.engine.AddReaction(r.Context(), req.ChannelID, r.PathValue("id"), req.Emoji)
	a.writeChange(w, err)
}

func (a *API) RemoveReactionHandler(w http.ResponseWriter, r *http.Request) {
	err := a.engine.RemoveReaction(r.Context(), r.URL.Query().Get("channel"), r.PathValue("id"), r.PathValue("emoji"))
	a.writeChange(w, err)
}

// ChangesHandler lists message changes waiting for the server.
func (a *API) ChangesHandler(w http.ResponseWriter, r *http.Request) {
	overlays := a.engine.Overlays(r.URL.Query().Get("channel"))
	if overlays == nil {
		overlays = []optimistic.Overlay{}
	}
	a.writeJSON(w, http.StatusOK, overlays)
}

func (a *API) ReadHandler(w http.ResponseWriter, r *http.Request) {
	var req ReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	err := a.engine.MarkRead(models.Message{ID: r.PathValue("id"), ChannelID: req.ChannelID, UserID: req.UserID})
	switch {
	case errors.Is(err, realtime.ErrNotConnected):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		a.log.Error("failed to send read receipt", "message_id", r.PathValue("id"), "error", err)
		http.Error(w, "Failed to send read receipt", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) DeliveryHandler(w http.ResponseWriter, r *http.Request) {
	status, ok := a.engine.Delivery(r.PathValue("id"))
	if !ok {
		http.Error(w, "Message not tracked", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, status)
}

// writeChange answers an optimistic change. The change is visible locally at
// once, so success is 202.
func (a *API) writeChange(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, optimistic.ErrOffline), errors.Is(err, optimistic.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, optimistic.ErrInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, optimistic.ErrNotSaved):
		a.log.Error("message change not saved", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
