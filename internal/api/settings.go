package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"courier/internal/models"
	"courier/internal/settings"
)

type ResolveRequest struct {
	Choice models.ConflictChoice `json:"choice"`
}

func (a *API) SettingsHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.engine.Settings())
}

func (a *API) UpdateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s, err := a.engine.UpdateSettings(r.Context(), partial)
	switch {
	case errors.Is(err, settings.ErrEmptyUpdate):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		a.log.Error("failed to update settings", "error", err)
		http.Error(w, "Failed to update settings", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, s)
}

func (a *API) ConflictHandler(w http.ResponseWriter, r *http.Request) {
	record, ok := a.engine.Conflict()
	if !ok {
		http.Error(w, "No conflict", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, record)
}

func (a *API) ResolveHandler(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s, err := a.engine.ResolveConflict(r.Context(), req.Choice)
	switch {
	case errors.Is(err, settings.ErrNoConflict):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, settings.ErrUnknownChoice):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		a.log.Error("failed to resolve conflict", "choice", req.Choice, "error", err)
		http.Error(w, "Failed to resolve conflict", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, s)
}
