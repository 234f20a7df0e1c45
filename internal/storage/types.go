package storage

import (
	"encoding"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"courier/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBAction struct {
	Seq           uint64      `msgpack:"seq"`
	ID            string      `msgpack:"id"`
	Kind          string      `msgpack:"kind"`
	ChannelID     string      `msgpack:"channelId"`
	MessageID     string      `msgpack:"messageId"`
	Resource      string      `msgpack:"resource"`
	Payload       []byte      `msgpack:"payload"`
	CreatedAt     int64       `msgpack:"createdAt"`
	Attempts      int         `msgpack:"attempts"`
	LastAttemptAt int64       `msgpack:"lastAttemptAt"`
	Status        string      `msgpack:"status"`
	LastError     string      `msgpack:"lastError"`
	Conflict      *DBConflict `msgpack:"conflict,omitempty"`
}

// DBConflict keeps the conflicting values as JSON so that numbers and nested
// objects come back with the same types the UI sent them with.
type DBConflict struct {
	ActionID      string `msgpack:"actionId"`
	Resource      string `msgpack:"resource"`
	Local         []byte `msgpack:"local"`
	Server        []byte `msgpack:"server"`
	ServerVersion int64  `msgpack:"serverVersion"`
	DetectedAt    int64  `msgpack:"detectedAt"`
}

func (a *DBAction) Key() []byte {
	return []byte(a.ID)
}

func (a *DBAction) orderKey() []byte {
	return seqKey(a.Seq)
}

func (a *DBAction) MarshalBinary() (data []byte, err error) {
	type alias DBAction
	return msgpack.Marshal((*alias)(a))
}

func (a *DBAction) UnmarshalBinary(data []byte) error {
	type alias DBAction
	return msgpack.Unmarshal(data, (*alias)(a))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func newDBAction(a models.QueuedAction) (*DBAction, error) {
	dbAction := &DBAction{
		ID:            a.ID,
		Kind:          string(a.Kind),
		ChannelID:     a.Target.ChannelID,
		MessageID:     a.Target.MessageID,
		Resource:      a.Target.Resource,
		Payload:       a.Payload,
		CreatedAt:     unixNano(a.CreatedAt),
		Attempts:      a.Attempts,
		LastAttemptAt: unixNano(a.LastAttemptAt),
		Status:        string(a.Status),
		LastError:     a.LastError,
	}
	if a.Conflict != nil {
		local, err := json.Marshal(a.Conflict.Local)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal local values: %w", err)
		}
		server, err := json.Marshal(a.Conflict.Server)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal server values: %w", err)
		}
		dbAction.Conflict = &DBConflict{
			ActionID:      a.Conflict.ActionID,
			Resource:      a.Conflict.Resource,
			Local:         local,
			Server:        server,
			ServerVersion: a.Conflict.ServerVersion,
			DetectedAt:    unixNano(a.Conflict.DetectedAt),
		}
	}
	return dbAction, nil
}

func (a *DBAction) model() (models.QueuedAction, error) {
	action := models.QueuedAction{
		ID:   a.ID,
		Kind: models.ActionKind(a.Kind),
		Target: models.Target{
			ChannelID: a.ChannelID,
			MessageID: a.MessageID,
			Resource:  a.Resource,
		},
		CreatedAt:     fromUnixNano(a.CreatedAt),
		Attempts:      a.Attempts,
		LastAttemptAt: fromUnixNano(a.LastAttemptAt),
		Status:        models.ActionStatus(a.Status),
		LastError:     a.LastError,
	}
	if len(a.Payload) > 0 {
		action.Payload = json.RawMessage(a.Payload)
	}
	if a.Conflict != nil {
		record := &models.ConflictRecord{
			ActionID:      a.Conflict.ActionID,
			Resource:      a.Conflict.Resource,
			ServerVersion: a.Conflict.ServerVersion,
			DetectedAt:    fromUnixNano(a.Conflict.DetectedAt),
		}
		if err := json.Unmarshal(a.Conflict.Local, &record.Local); err != nil {
			return models.QueuedAction{}, fmt.Errorf("corrupt conflict for action %s: %w", a.ID, err)
		}
		if err := json.Unmarshal(a.Conflict.Server, &record.Server); err != nil {
			return models.QueuedAction{}, fmt.Errorf("corrupt conflict for action %s: %w", a.ID, err)
		}
		action.Conflict = record
	}
	return action, nil
}

type DBSettings struct {
	Resource  string `msgpack:"resource"`
	Values    []byte `msgpack:"values"`
	Version   int64  `msgpack:"version"`
	UpdatedAt int64  `msgpack:"updatedAt"`
	Dirty     bool   `msgpack:"dirty"`
}

func (s *DBSettings) Key() []byte {
	return []byte(s.Resource)
}

func (s *DBSettings) MarshalBinary() (data []byte, err error) {
	type alias DBSettings
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSettings) UnmarshalBinary(data []byte) error {
	type alias DBSettings
	return msgpack.Unmarshal(data, (*alias)(s))
}
