package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"courier/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketActions     = []byte("actions")
	bucketActionOrder = []byte("action_order")
	bucketSettings    = []byte("settings")
	bucketFiles       = []byte("files")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketActions, bucketActionOrder, bucketSettings, bucketFiles} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// PutActions stores actions in a single transaction. New actions are
// appended to the end of the queue order; existing ones keep their position.
func (s *BboltStorage) PutActions(actions ...models.QueuedAction) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketActions)
		order := tx.Bucket(bucketActionOrder)

		for _, action := range actions {
			if action.ID == "" {
				return errors.New("action missing id")
			}
			dbAction, err := newDBAction(action)
			if err != nil {
				return err
			}

			if existing := b.Get(dbAction.Key()); existing != nil {
				var prev DBAction
				if err := prev.UnmarshalBinary(existing); err != nil {
					return fmt.Errorf("failed to unmarshal action %s: %w", action.ID, err)
				}
				dbAction.Seq = prev.Seq
			} else {
				seq, err := order.NextSequence()
				if err != nil {
					return fmt.Errorf("failed to allocate sequence: %w", err)
				}
				dbAction.Seq = seq
				if err := order.Put(dbAction.orderKey(), dbAction.Key()); err != nil {
					return fmt.Errorf("failed to put action order: %w", err)
				}
			}

			data, err := dbAction.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal action: %w", err)
			}
			if err := b.Put(dbAction.Key(), data); err != nil {
				return fmt.Errorf("failed to put action: %w", err)
			}
		}
		return nil
	})
}

// GetAction returns models.ErrNotFound if there is no action with the given id.
func (s *BboltStorage) GetAction(id string) (models.QueuedAction, error) {
	var action models.QueuedAction
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketActions).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbAction DBAction
		if err := dbAction.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal action %s: %w", id, err)
		}
		var err error
		action, err = dbAction.model()
		return err
	})
	return action, err
}

// DeleteActions removes actions and their queue positions. Unknown ids are ignored.
func (s *BboltStorage) DeleteActions(ids ...string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketActions)
		order := tx.Bucket(bucketActionOrder)
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var dbAction DBAction
			if err := dbAction.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal action %s: %w", id, err)
			}
			if err := order.Delete(dbAction.orderKey()); err != nil {
				return err
			}
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListActions returns all actions in insertion order.
func (s *BboltStorage) ListActions() ([]models.QueuedAction, error) {
	var actions []models.QueuedAction
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketActions)
		c := tx.Bucket(bucketActionOrder).Cursor()
		for k, id := c.First(); k != nil; k, id = c.Next() {
			data := b.Get(id)
			if data == nil {
				return fmt.Errorf("action %s is in queue order but not stored", string(id))
			}
			var dbAction DBAction
			if err := dbAction.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal action %s: %w", string(id), err)
			}
			action, err := dbAction.model()
			if err != nil {
				return err
			}
			actions = append(actions, action)
		}
		return nil
	})
	return actions, err
}

// GetSettings returns models.ErrNotFound if nothing was stored for the resource yet.
func (s *BboltStorage) GetSettings(resource string) (models.Settings, error) {
	var settings models.Settings
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get([]byte(resource))
		if data == nil {
			return models.ErrNotFound
		}
		var dbSettings DBSettings
		if err := dbSettings.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal settings: %w", err)
		}
		settings = models.Settings{
			Version:   dbSettings.Version,
			UpdatedAt: fromUnixNano(dbSettings.UpdatedAt),
			Dirty:     dbSettings.Dirty,
		}
		if len(dbSettings.Values) > 0 {
			if err := json.Unmarshal(dbSettings.Values, &settings.Values); err != nil {
				return fmt.Errorf("failed to decode settings values: %w", err)
			}
		}
		return nil
	})
	return settings, err
}

func (s *BboltStorage) UpsertSettings(resource string, settings models.Settings) error {
	values, err := json.Marshal(settings.Values)
	if err != nil {
		return fmt.Errorf("failed to encode settings values: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbSettings := &DBSettings{
			Resource:  resource,
			Values:    values,
			Version:   settings.Version,
			UpdatedAt: unixNano(settings.UpdatedAt),
			Dirty:     settings.Dirty,
		}
		data, err := dbSettings.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSettings).Put(dbSettings.Key(), data)
	})
}
