package state

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	apperrors "github.com/alexjbarnes/ride-sync/internal/errors"
	"github.com/alexjbarnes/ride-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.ride-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket     = []byte("app")
	tokenKey      = []byte("token")
	roleKey       = []byte("role")
	actionsBucket = []byte("sync_actions")
)

// State wraps a bbolt database for all persistent application state:
// the cached channel credential and the durable sync action queue.
type State struct {
	db *bolt.DB
}

// LoadAt opens the state database at path, creating it and its
// directory if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(actionsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached channel credential, or empty string.
func (s *State) Token() string {
	return s.appValue(tokenKey)
}

// SetToken persists the channel credential.
func (s *State) SetToken(token string) error {
	return s.setAppValue(tokenKey, token)
}

// Role returns the last role used to authenticate, or empty string.
func (s *State) Role() string {
	return s.appValue(roleKey)
}

// SetRole persists the role used to authenticate.
func (s *State) SetRole(role string) error {
	return s.setAppValue(roleKey, role)
}

func (s *State) appValue(key []byte) string {
	var value string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(key); v != nil {
			value = string(v)
		}

		return nil
	})

	return value
}

func (s *State) setAppValue(key []byte, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(key, []byte(value))
	})
}

// actionKey encodes an id big-endian so bucket order is id order.
func actionKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)

	return k
}

// Insert stores a new action under the bucket's next sequence number.
func (s *State) Insert(_ context.Context, a models.SyncAction) (models.SyncAction, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(actionsBucket)

		id, err := b.NextSequence()
		if err != nil {
			return err
		}

		a.ID = id

		data, err := json.Marshal(a)
		if err != nil {
			return err
		}

		return b.Put(actionKey(id), data)
	})
	if err != nil {
		return models.SyncAction{}, fmt.Errorf("inserting sync action: %w", err)
	}

	return a, nil
}

// ListByStatus returns actions with the given status, oldest first.
func (s *State) ListByStatus(_ context.Context, status models.Status) ([]models.SyncAction, error) {
	var actions []models.SyncAction

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(actionsBucket).ForEach(func(_, v []byte) error {
			var a models.SyncAction
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}

			if a.Status == status {
				actions = append(actions, a)
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s actions: %w", status, err)
	}

	// Keys are already in id order; a stable sort on timestamp keeps id
	// as the tie breaker.
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Timestamp.Before(actions[j].Timestamp)
	})

	return actions, nil
}

// Get returns one action by id.
func (s *State) Get(_ context.Context, id uint64) (models.SyncAction, error) {
	var a models.SyncAction

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(actionsBucket).Get(actionKey(id))
		if v == nil {
			return apperrors.ErrActionNotFound
		}

		return json.Unmarshal(v, &a)
	})
	if err != nil {
		return models.SyncAction{}, err
	}

	return a, nil
}

// UpdateStatus rewrites one action's status, retry count and last error
// in a single transaction.
func (s *State) UpdateStatus(_ context.Context, id uint64, status models.Status, retryCount int, lastErr string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(actionsBucket)
		key := actionKey(id)

		v := b.Get(key)
		if v == nil {
			return apperrors.ErrActionNotFound
		}

		var a models.SyncAction
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}

		a.Status = status
		a.RetryCount = retryCount
		a.LastError = lastErr

		data, err := json.Marshal(a)
		if err != nil {
			return err
		}

		return b.Put(key, data)
	})
}

// DeleteByStatus removes every action with the given status.
func (s *State) DeleteByStatus(_ context.Context, status models.Status) (int, error) {
	n := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(actionsBucket)

		var doomed [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var a models.SyncAction
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}

			if a.Status == status {
				// k is only valid for the life of the transaction and
				// must not be retained across a Delete during ForEach.
				doomed = append(doomed, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		n = len(doomed)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting %s actions: %w", status, err)
	}

	return n, nil
}

// CountByStatus counts actions with the given status.
func (s *State) CountByStatus(_ context.Context, status models.Status) (int, error) {
	n := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(actionsBucket).ForEach(func(_, v []byte) error {
			var a struct {
				Status models.Status `json:"status"`
			}
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}

			if a.Status == status {
				n++
			}

			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("counting %s actions: %w", status, err)
	}

	return n, nil
}

// ResetStatus moves every action in status from to status to.
func (s *State) ResetStatus(_ context.Context, from, to models.Status) (int, error) {
	n := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(actionsBucket)
		updates := make(map[string][]byte)

		err := b.ForEach(func(k, v []byte) error {
			var a models.SyncAction
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}

			if a.Status != from {
				return nil
			}

			a.Status = to

			data, err := json.Marshal(a)
			if err != nil {
				return err
			}

			updates[string(k)] = data

			return nil
		})
		if err != nil {
			return err
		}

		for k, data := range updates {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}

		n = len(updates)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("resetting %s actions: %w", from, err)
	}

	return n, nil
}
