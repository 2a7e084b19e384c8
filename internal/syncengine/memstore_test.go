package syncengine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	apperrors "github.com/alexjbarnes/ride-sync/internal/errors"
	"github.com/alexjbarnes/ride-sync/internal/models"
)

var errDiskFull = errors.New("disk full")

// memStore is an in-memory Store. failInsert and failUpdate inject
// durability errors.
type memStore struct {
	mu     sync.Mutex
	nextID uint64
	rows   map[uint64]models.SyncAction

	failInsert bool
	failUpdate func(id uint64, status models.Status) bool

	updates atomic.Int64
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[uint64]models.SyncAction)}
}

func (s *memStore) Insert(_ context.Context, a models.SyncAction) (models.SyncAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failInsert {
		return models.SyncAction{}, errDiskFull
	}

	s.nextID++
	a.ID = s.nextID
	s.rows[a.ID] = a

	return a, nil
}

func (s *memStore) ListByStatus(_ context.Context, status models.Status) ([]models.SyncAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.SyncAction

	for _, a := range s.rows {
		if a.Status == status {
			out = append(out, a)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}

		return out[i].ID < out[j].ID
	})

	return out, nil
}

func (s *memStore) Get(_ context.Context, id uint64) (models.SyncAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.rows[id]
	if !ok {
		return models.SyncAction{}, apperrors.ErrActionNotFound
	}

	return a, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id uint64, status models.Status, retryCount int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updates.Add(1)

	if s.failUpdate != nil && s.failUpdate(id, status) {
		return errDiskFull
	}

	a, ok := s.rows[id]
	if !ok {
		return apperrors.ErrActionNotFound
	}

	a.Status = status
	a.RetryCount = retryCount
	a.LastError = lastErr
	s.rows[id] = a

	return nil
}

func (s *memStore) DeleteByStatus(_ context.Context, status models.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for id, a := range s.rows {
		if a.Status == status {
			delete(s.rows, id)
			n++
		}
	}

	return n, nil
}

func (s *memStore) CountByStatus(_ context.Context, status models.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, a := range s.rows {
		if a.Status == status {
			n++
		}
	}

	return n, nil
}

func (s *memStore) ResetStatus(_ context.Context, from, to models.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for id, a := range s.rows {
		if a.Status == from {
			a.Status = to
			s.rows[id] = a
			n++
		}
	}

	return n, nil
}

func (s *memStore) get(id uint64) models.SyncAction {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rows[id]
}

// switchReach is a settable Reachability.
type switchReach struct {
	up atomic.Bool
}

func (r *switchReach) Reachable() bool { return r.up.Load() }
