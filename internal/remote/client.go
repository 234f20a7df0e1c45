package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"courier/internal/models"
)

const DefaultTimeout = 15 * time.Second

var ErrInvalidResponse = errors.New("invalid server response")

// TokenSource provides the session token sent with every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Client talks to the chat server's HTTP endpoints. Every call is bounded
// by the configured timeout.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	timeout time.Duration
	log     *slog.Logger
}

func New(baseURL string, tokens TokenSource, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{},
		tokens:  tokens,
		timeout: timeout,
		log:     logger,
	}
}

type UploadResponse struct {
	FileID string `json:"fileId"`
	URL    string `json:"url"`
}

type conflictResponse struct {
	Values  map[string]any `json:"values"`
	Version int64          `json:"version"`
}

// SendMessage posts a new message. idempotencyKey lets the server drop
// duplicates when an acknowledged send is retried.
func (c *Client) SendMessage(ctx context.Context, idempotencyKey string, p models.SendMessagePayload) (models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, "send message", http.MethodPost, "/api/messages", idempotencyKey, p, &msg); err != nil {
		return models.Message{}, err
	}
	if msg.ID == "" {
		return models.Message{}, fmt.Errorf("send message: %w: missing message id", ErrInvalidResponse)
	}
	return msg, nil
}

func (c *Client) EditMessage(ctx context.Context, idempotencyKey string, p models.EditMessagePayload) (models.Message, error) {
	var msg models.Message
	path := "/api/messages/" + url.PathEscape(p.MessageID)
	body := map[string]string{"content": p.Content}
	if err := c.do(ctx, "edit message", http.MethodPatch, path, idempotencyKey, body, &msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (c *Client) DeleteMessage(ctx context.Context, idempotencyKey string, p models.DeleteMessagePayload) error {
	path := "/api/messages/" + url.PathEscape(p.MessageID)
	return c.do(ctx, "delete message", http.MethodDelete, path, idempotencyKey, nil, nil)
}

func (c *Client) AddReaction(ctx context.Context, idempotencyKey string, p models.ReactionPayload) error {
	path := "/api/messages/" + url.PathEscape(p.MessageID) + "/reactions"
	body := map[string]string{"emoji": p.Emoji}
	return c.do(ctx, "add reaction", http.MethodPost, path, idempotencyKey, body, nil)
}

func (c *Client) RemoveReaction(ctx context.Context, idempotencyKey string, p models.ReactionPayload) error {
	path := "/api/messages/" + url.PathEscape(p.MessageID) + "/reactions/" + url.PathEscape(p.Emoji)
	return c.do(ctx, "remove reaction", http.MethodDelete, path, idempotencyKey, nil, nil)
}

// UpdateSettings pushes a partial settings update. A version mismatch comes
// back as *ConflictError carrying the server's settings.
func (c *Client) UpdateSettings(ctx context.Context, idempotencyKey string, p models.SettingsPayload) (models.Settings, error) {
	var settings models.Settings
	if err := c.do(ctx, "update settings", http.MethodPut, "/api/settings", idempotencyKey, p, &settings); err != nil {
		return models.Settings{}, err
	}
	return settings, nil
}

func (c *Client) FetchSettings(ctx context.Context) (models.Settings, error) {
	var settings models.Settings
	if err := c.do(ctx, "fetch settings", http.MethodGet, "/api/settings", "", nil, &settings); err != nil {
		return models.Settings{}, err
	}
	return settings, nil
}

// UploadAttachment uploads one file for a message that is not sent yet.
func (c *Client) UploadAttachment(ctx context.Context, channelID, tempID string, a models.Attachment, r io.Reader) (UploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("channelId", channelID)
	_ = mw.WriteField("messageId", tempID)
	_ = mw.WriteField("mimeType", a.MimeType)
	fw, err := mw.CreateFormFile("file", a.Name)
	if err != nil {
		return UploadResponse{}, fmt.Errorf("upload %s: %w", a.Name, err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return UploadResponse{}, fmt.Errorf("upload %s: %w", a.Name, err)
	}
	if err := mw.Close(); err != nil {
		return UploadResponse{}, fmt.Errorf("upload %s: %w", a.Name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &buf)
	if err != nil {
		return UploadResponse{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out UploadResponse
	if err := c.roundTrip(req, "upload "+a.Name, &out); err != nil {
		return UploadResponse{}, err
	}
	if out.FileID == "" {
		return UploadResponse{}, fmt.Errorf("upload %s: %w: missing file id", a.Name, ErrInvalidResponse)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return c.roundTrip(req, op, out)
}

func (c *Client) roundTrip(req *http.Request, op string, out any) error {
	if c.tokens != nil {
		token, err := c.tokens.Token(req.Context())
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		req.Header.Set("token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("request failed", "op", op, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		c.log.Debug("request rejected", "op", op, "status", resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusConflict && strings.HasSuffix(req.URL.Path, "/api/settings"):
		var conflict conflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return &Error{Op: op, StatusCode: resp.StatusCode, Message: "conflict"}
		}
		return &ConflictError{Server: models.Settings{Values: conflict.Values, Version: conflict.Version}}
	case resp.StatusCode == http.StatusUnauthorized && c.tokens != nil:
		c.tokens.Invalidate()
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: readMessage(resp.Body)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: readMessage(resp.Body)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrInvalidResponse, err)
	}
	return nil
}

func readMessage(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 1024))
	return strings.TrimSpace(string(body))
}
