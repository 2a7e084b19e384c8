// Package spool ingests sync actions dropped as files into a directory.
//
// Each file holds one or more YAML documents (JSON is accepted, being a
// subset of YAML) of the form:
//
//	type: RATING_SUBMISSION
//	payload:
//	  rideId: r1
//	  rating: 5
//
// A file is enqueued as a whole and then removed. A file that cannot be
// parsed is renamed with a .rejected suffix and left for inspection.
package spool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/ride-sync/internal/errors"
	"github.com/alexjbarnes/ride-sync/internal/models"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	// spoolDirPerm is the permission mode for the spool directory.
	spoolDirPerm = fs.FileMode(0o700)

	// debounceInterval is how often pending files are checked.
	debounceInterval = 500 * time.Millisecond

	// settleTime is how long a file must go without writes before it is
	// read, so half-written files are not ingested.
	settleTime = 300 * time.Millisecond

	rejectedSuffix = ".rejected"
)

// enqueuer is the subset of syncengine.Engine the spool needs.
type enqueuer interface {
	Enqueue(ctx context.Context, typ models.ActionType, payload any) (models.SyncAction, error)
}

// document is one action in a spool file.
type document struct {
	Type    models.ActionType `yaml:"type"`
	Payload any               `yaml:"payload"`
}

// Spool watches a directory and enqueues the actions found in it.
type Spool struct {
	dir    string
	queue  enqueuer
	logger *slog.Logger
}

// New creates a Spool over dir.
func New(dir string, queue enqueuer, logger *slog.Logger) *Spool {
	return &Spool{dir: dir, queue: queue, logger: logger}
}

// Watch ingests files already in the directory, then watches for new
// ones until ctx is cancelled.
func (s *Spool) Watch(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, spoolDirPerm); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watching spool dir: %w", err)
	}

	s.logger.Info("spool watcher started", slog.String("dir", s.dir))

	if _, err := s.IngestAll(ctx); err != nil {
		s.logger.Warn("initial spool scan", slog.String("error", err.Error()))
	}

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !candidate(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			s.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < settleTime {
					continue
				}

				delete(pending, path)

				if err := s.Ingest(ctx, path); err != nil {
					s.logger.Warn("spool ingest failed",
						slog.String("path", path),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// IngestAll ingests every candidate file currently in the directory and
// returns how many actions were enqueued.
func (s *Spool) IngestAll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading spool dir: %w", err)
	}

	total := 0

	for _, e := range entries {
		if e.IsDir() || !candidate(e.Name()) {
			continue
		}

		path := filepath.Join(s.dir, e.Name())

		n, err := s.ingest(ctx, path)
		if err != nil {
			s.logger.Warn("spool ingest failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			continue
		}

		total += n
	}

	return total, nil
}

// Ingest enqueues the actions in one file. The file is removed on
// success and renamed .rejected if it is malformed. If the queue fails
// to persist, the file stays in place for the next attempt.
func (s *Spool) Ingest(ctx context.Context, path string) error {
	_, err := s.ingest(ctx, path)
	return err
}

func (s *Spool) ingest(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("reading %s: %w", path, err)
	}

	docs, err := Parse(data)
	if err != nil {
		s.reject(path, err)
		return 0, nil
	}

	for i, doc := range docs {
		if _, err := s.queue.Enqueue(ctx, doc.Type, doc.Payload); err != nil {
			if errors.Is(err, apperrors.ErrPersist) {
				// Earlier documents are already queued. Keep only the rest.
				if werr := s.rewrite(path, docs[i:]); werr != nil {
					s.logger.Warn("rewriting partially ingested file", slog.String("error", werr.Error()))
				}

				return i, err
			}

			// Drop the queued documents so replaying the rejected file
			// does not enqueue them twice.
			if i > 0 {
				if werr := s.rewrite(path, docs[i:]); werr != nil {
					s.logger.Warn("rewriting partially ingested file", slog.String("error", werr.Error()))
				}
			}

			s.reject(path, err)

			return i, nil
		}
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return len(docs), fmt.Errorf("removing ingested file: %w", err)
	}

	s.logger.Info("spool file ingested",
		slog.String("file", filepath.Base(path)),
		slog.Int("actions", len(docs)),
	)

	return len(docs), nil
}

// Parse decodes every document in data into an action payload ready for
// Enqueue. Payloads come back as json.RawMessage.
func Parse(data []byte) ([]Action, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var out []Action

	for {
		var doc document

		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("document %d: %w", len(out)+1, err)
		}

		if !doc.Type.Valid() {
			return nil, fmt.Errorf("document %d: %w: %q", len(out)+1, apperrors.ErrUnknownActionType, doc.Type)
		}

		if doc.Payload == nil {
			doc.Payload = map[string]any{}
		}

		payload, err := json.Marshal(doc.Payload)
		if err != nil {
			return nil, fmt.Errorf("document %d: payload is not JSON-compatible: %w", len(out)+1, err)
		}

		out = append(out, Action{Type: doc.Type, Payload: payload})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no actions in file")
	}

	return out, nil
}

// Action is one parsed spool document.
type Action struct {
	Type    models.ActionType `yaml:"type"`
	Payload json.RawMessage   `yaml:"-"`
}

// MarshalYAML writes the payload back as a YAML mapping.
func (a Action) MarshalYAML() (any, error) {
	var payload any
	if err := json.Unmarshal(a.Payload, &payload); err != nil {
		return nil, err
	}

	return document{Type: a.Type, Payload: payload}, nil
}

func (s *Spool) rewrite(path string, docs []Action) error {
	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			return err
		}
	}

	if err := enc.Close(); err != nil {
		return err
	}

	return os.WriteFile(path, buf.Bytes(), 0o600)
}

func (s *Spool) reject(path string, cause error) {
	s.logger.Warn("rejecting spool file",
		slog.String("file", filepath.Base(path)),
		slog.String("error", cause.Error()),
	)

	if err := os.Rename(path, path+rejectedSuffix); err != nil {
		s.logger.Warn("renaming rejected file", slog.String("error", err.Error()))
	}
}

// candidate reports whether name looks like a spool file.
func candidate(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}

	switch strings.ToLower(filepath.Ext(base)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}
