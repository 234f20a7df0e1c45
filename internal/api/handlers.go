package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"courier/internal/models"
	"courier/internal/optimistic"
	"courier/internal/queue"
	"courier/internal/syncer"
)

// Status is the snapshot served on GET /api/status.
type Status struct {
	Connection models.ConnectionState `json:"connection"`
	Sync       models.SyncState       `json:"sync"`
	Tracker    optimistic.Stats       `json:"tracker"`
	Conflict   bool                   `json:"conflict"`
}

// Engine is what the local API exposes to the UI shell and the CLI.
type Engine interface {
	Status() Status
	Actions(statuses ...models.ActionStatus) ([]models.QueuedAction, error)
	Retry(ctx context.Context, id string) (int, error)
	Clear(statuses ...models.ActionStatus) (int, error)
	SyncNow(ctx context.Context) (syncer.Summary, error)

	SendMessage(ctx context.Context, opts optimistic.SendOptions) (models.OptimisticMessage, error)
	Messages(channelID string) []models.OptimisticMessage
	EditMessage(ctx context.Context, channelID, messageID, text string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error
	Overlays(channelID string) []optimistic.Overlay
	MarkRead(msg models.Message) error
	Delivery(messageID string) (models.DeliveryStatus, bool)

	Presence() []models.Presence
	SetPresence(status *models.PresenceStatus, customStatus *string) (models.Presence, error)
	SubscribePresence(userIDs ...string) map[string]int
	UnsubscribePresence(userIDs ...string) map[string]int
	InputChanged(channelID, value string)
	Typing(channelID string) TypingStatus

	Settings() models.Settings
	UpdateSettings(ctx context.Context, partial map[string]any) (models.Settings, error)
	Conflict() (models.ConflictRecord, bool)
	ResolveConflict(ctx context.Context, choice models.ConflictChoice) (models.Settings, error)
}

type API struct {
	engine Engine
	log    *slog.Logger
}

func New(engine Engine, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{engine: engine, log: logger}
}

type RetryRequest struct {
	ID string `json:"id,omitempty"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type ClearRequest struct {
	Statuses []models.ActionStatus `json:"statuses,omitempty"`
}

type SendRequest struct {
	ChannelID   string            `json:"channelId"`
	Content     string            `json:"content"`
	ContentType string            `json:"contentType,omitempty"`
	ReplyTo     string            `json:"replyTo,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (a *API) StatusHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.engine.Status())
}

func (a *API) QueueHandler(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query()["status"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	actions, err := a.engine.Actions(statuses...)
	if err != nil {
		a.log.Error("failed to list queue", "error", err)
		http.Error(w, "Failed to list queue", http.StatusInternalServerError)
		return
	}
	if actions == nil {
		actions = []models.QueuedAction{}
	}
	a.writeJSON(w, http.StatusOK, actions)
}

func (a *API) RetryHandler(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	// An empty body is allowed.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	n, err := a.engine.Retry(r.Context(), req.ID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "Action not found", http.StatusNotFound)
		return
	case errors.Is(err, optimistic.ErrNotFailed), errors.Is(err, queue.ErrNotFailed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		a.log.Error("failed to retry", "id", req.ID, "error", err)
		http.Error(w, "Failed to retry", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (a *API) ClearHandler(w http.ResponseWriter, r *http.Request) {
	var req ClearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	statuses, err := parseStatuses(req.Statuses)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n, err := a.engine.Clear(statuses...)
	if err != nil {
		a.log.Error("failed to clear queue", "error", err)
		http.Error(w, "Failed to clear queue", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (a *API) SyncHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := a.engine.SyncNow(r.Context())
	if err != nil {
		a.log.Warn("sync failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	a.writeJSON(w, http.StatusOK, summary)
}

func (a *API) SendHandler(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := a.engine.SendMessage(r.Context(), optimistic.SendOptions{
		ChannelID:   req.ChannelID,
		Content:     req.Content,
		ContentType: req.ContentType,
		ReplyTo:     req.ReplyTo,
		Metadata:    req.Metadata,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.writeJSON(w, http.StatusAccepted, msg)
}

func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	msgs := a.engine.Messages(r.URL.Query().Get("channel"))
	if msgs == nil {
		msgs = []models.OptimisticMessage{}
	}
	a.writeJSON(w, http.StatusOK, msgs)
}

// RequireSameOrigin rejects browser requests coming from another origin.
// Requests without an Origin header (CLI, curl) pass.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next(w, r)
			return
		}
		u, err := url.Parse(origin)
		if err != nil || !strings.EqualFold(u.Host, r.Host) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("failed to encode response", "error", err)
	}
}

func parseStatuses[S ~string](raw []S) ([]models.ActionStatus, error) {
	var out []models.ActionStatus
	for _, s := range raw {
		for part := range strings.SplitSeq(string(s), ",") {
			if part == "" {
				continue
			}
			status := models.ActionStatus(part)
			if !status.Valid() {
				return nil, errors.New("unknown status " + part)
			}
			out = append(out, status)
		}
	}
	return out, nil
}
