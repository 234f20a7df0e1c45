package models

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

type ActionKind string

const (
	ActionSendMessage    ActionKind = "send-message"
	ActionEditMessage    ActionKind = "edit-message"
	ActionDeleteMessage  ActionKind = "delete-message"
	ActionReact          ActionKind = "react"
	ActionUnreact        ActionKind = "unreact"
	ActionUpdateSettings ActionKind = "update-settings"
)

type ActionStatus string

const (
	ActionStatusPending  ActionStatus = "pending"
	ActionStatusSending  ActionStatus = "sending"
	ActionStatusFailed   ActionStatus = "failed"
	ActionStatusConflict ActionStatus = "conflict"
)

func (s ActionStatus) Valid() bool {
	switch s {
	case ActionStatusPending, ActionStatusSending, ActionStatusFailed, ActionStatusConflict:
		return true
	}
	return false
}

// Target identifies what a queued action applies to.
type Target struct {
	ChannelID string `json:"channelId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Resource  string `json:"resource,omitempty"`
}

// QueuedAction is a durable record of one user action that has not been
// acknowledged by the server yet. Retries mutate the same record.
type QueuedAction struct {
	ID            string          `json:"id"`
	Kind          ActionKind      `json:"kind"`
	Target        Target          `json:"target"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt time.Time       `json:"lastAttemptAt,omitzero"`
	Status        ActionStatus    `json:"status"`
	LastError     string          `json:"lastError,omitempty"`
	Conflict      *ConflictRecord `json:"conflict,omitempty"`
}

// OrderingKey groups actions that must reach the server in creation order.
// Actions with an empty key are independent of each other.
func (a QueuedAction) OrderingKey() string {
	switch {
	case a.Target.ChannelID != "":
		return "channel:" + a.Target.ChannelID
	case a.Target.Resource != "":
		return "resource:" + a.Target.Resource
	default:
		return ""
	}
}

type QueueCounts struct {
	Pending   int `json:"pending"`
	Sending   int `json:"sending"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

func (c QueueCounts) Total() int {
	return c.Pending + c.Sending + c.Failed + c.Conflicts
}

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeFile  AttachmentType = "file"
)

// Attachment is a file attached to an outgoing message. LocalID points at
// the staged bytes; FileID and URL are set once the upload completes.
type Attachment struct {
	LocalID  string         `json:"localId,omitempty"`
	Type     AttachmentType `json:"type"`
	Name     string         `json:"name"`
	MimeType string         `json:"mimeType"`
	Size     int64          `json:"size"`
	FileID   string         `json:"fileId,omitempty"`
	URL      string         `json:"url,omitempty"`
}

func (a Attachment) Uploaded() bool {
	return a.FileID != ""
}

// Message is a message as acknowledged by the server.
type Message struct {
	ID          string            `json:"id"`
	ChannelID   string            `json:"channelId"`
	UserID      string            `json:"authorId"`
	Content     string            `json:"content"`
	ContentType string            `json:"contentType,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	ReplyTo     string            `json:"replyTo,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt,omitzero"`
}

type SendMessagePayload struct {
	TempID      string            `json:"tempId"`
	ChannelID   string            `json:"channelId"`
	Content     string            `json:"content"`
	ContentType string            `json:"contentType,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	ReplyTo     string            `json:"replyTo,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type EditMessagePayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

type ReactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type SettingsPayload struct {
	Values          map[string]any `json:"values"`
	ExpectedVersion int64          `json:"expectedVersion"`
	Force           bool           `json:"force,omitempty"`
}

type MessageStatus string

const (
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
)

// OptimisticMessage is a locally visible message that may not have reached
// the server yet. ID equals TempID until the server assigns its own id.
type OptimisticMessage struct {
	TempID       string            `json:"tempId"`
	ID           string            `json:"id"`
	ChannelID    string            `json:"channelId"`
	UserID       string            `json:"userId"`
	Content      string            `json:"content"`
	ContentType  string            `json:"contentType,omitempty"`
	RenderedHTML string            `json:"renderedHtml,omitempty"`
	Attachments  []Attachment      `json:"attachments,omitempty"`
	ReplyTo      string            `json:"replyTo,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Reactions    map[string]int    `json:"reactions,omitempty"`
	Edited       bool              `json:"edited,omitempty"`
	Deleted      bool              `json:"deleted,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	Status       MessageStatus     `json:"status"`
	Error        string            `json:"error,omitempty"`
	RetryCount   int               `json:"retryCount"`
	Queued       bool              `json:"queued,omitempty"`
}

type TransportState string

const (
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportReconnecting TransportState = "reconnecting"
	TransportDisconnected TransportState = "disconnected"
)

type ConnectionQuality string

const (
	QualityUnknown   ConnectionQuality = "unknown"
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
)

type ConnectionState struct {
	Online    bool              `json:"online"`
	Transport TransportState    `json:"transport"`
	Quality   ConnectionQuality `json:"quality"`
	RTT       time.Duration     `json:"rtt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

type SyncState struct {
	Status     SyncStatus `json:"status"`
	LastSyncAt time.Time  `json:"lastSyncAt,omitzero"`
	LastError  string     `json:"lastError,omitempty"`
	QueueCounts
}

// SyncResult is the outcome of one queued action being processed.
type SyncResult struct {
	Action   QueuedAction `json:"action"`
	Done     bool         `json:"done"`
	Terminal bool         `json:"terminal"`
	Conflict bool         `json:"conflict"`
	Message  *Message     `json:"message,omitempty"`
	Settings *Settings    `json:"settings,omitempty"`
	Err      string       `json:"error,omitempty"`
}

type Settings struct {
	Values    map[string]any `json:"values"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updatedAt,omitzero"`
	Dirty     bool           `json:"dirty"`
}

type ConflictRecord struct {
	ActionID      string         `json:"actionId"`
	Resource      string         `json:"resource"`
	Local         map[string]any `json:"local"`
	Server        map[string]any `json:"server"`
	ServerVersion int64          `json:"serverVersion"`
	DetectedAt    time.Time      `json:"detectedAt"`
}

type ConflictChoice string

const (
	KeepLocal ConflictChoice = "local"
	UseServer ConflictChoice = "server"
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceDND     PresenceStatus = "dnd"
	PresenceOffline PresenceStatus = "offline"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceDND, PresenceOffline:
		return true
	}
	return false
}

type Presence struct {
	UserID       string         `json:"userId"`
	Status       PresenceStatus `json:"status"`
	CustomStatus string         `json:"customStatus,omitempty"`
	LastSeen     time.Time      `json:"lastSeen,omitzero"`
}

type TypingUser struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	ChannelID string    `json:"channelId"`
	StartedAt time.Time `json:"startedAt"`
}

type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

type DeliveryStatus struct {
	MessageID string        `json:"messageId"`
	ChannelID string        `json:"channelId"`
	State     DeliveryState `json:"state"`
	Expected  int           `json:"expected"`
	Delivered int           `json:"delivered"`
	Read      int           `json:"read"`
	UpdatedAt time.Time     `json:"updatedAt"`
}
