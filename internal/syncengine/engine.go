// Package syncengine delivers durably queued user actions to the backend
// with at-least-once semantics.
//
// Actions are written to a Store as PENDING and never delivered inline.
// A sync pass walks the pending rows oldest first and dispatches each to
// the handler registered for its type. Only one pass runs at a time; a
// concurrent trigger returns immediately instead of waiting, so no row
// can be handed to its handler twice by overlapping passes.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/ride-sync/internal/backoff"
	apperrors "github.com/alexjbarnes/ride-sync/internal/errors"
	"github.com/alexjbarnes/ride-sync/internal/models"
	"github.com/alexjbarnes/ride-sync/internal/pubsub"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxRetries     = 3
	defaultHandlerTimeout = 30 * time.Second
	defaultSyncInterval   = 15 * time.Minute
)

// Handler delivers one action payload. A nil return marks the action
// completed; any error counts as one failed attempt.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	// MaxRetries is the number of failed deliveries after which an action
	// is marked FAILED and left alone.
	MaxRetries int

	// HandlerTimeout bounds a single delivery.
	HandlerTimeout time.Duration

	// Backoff spaces passes inside RunWithRetry.
	Backoff backoff.Policy
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}

	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = defaultHandlerTimeout
	}

	if c.Backoff.Initial <= 0 {
		c.Backoff = backoff.SyncRetry
	}

	return c
}

// PassResult summarizes one RunSyncPass call.
type PassResult struct {
	// Skipped is set when another pass held the lock.
	Skipped bool `json:"skipped"`
	// Unreachable is set when the pass did not run for lack of network.
	Unreachable bool `json:"unreachable"`

	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
}

// Outcome is the verdict of a bounded RunWithRetry loop.
type Outcome int

const (
	// OutcomeSuccess means no pending actions remain.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryLater means the attempt budget ran out with actions
	// still pending. The caller should try again on a coarser schedule.
	OutcomeRetryLater
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryLater:
		return "retry_later"
	default:
		return "unknown"
	}
}

// Engine owns the durable action queue.
type Engine struct {
	store  Store
	reach  Reachability
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[models.ActionType]Handler

	// pass admits one sync pass at a time.
	pass *semaphore.Weighted

	pending *pubsub.Broadcaster[int]
}

// New creates an Engine over store. A nil reach is treated as always
// reachable.
func New(store Store, reach Reachability, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		reach:    reach,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		handlers: make(map[models.ActionType]Handler),
		pass:     semaphore.NewWeighted(1),
		pending:  pubsub.New[int](),
	}
}

// Register installs the delivery handler for an action type, replacing
// any previous one.
func (e *Engine) Register(typ models.ActionType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.handlers[typ] = h
}

func (e *Engine) handler(typ models.ActionType) Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.handlers[typ]
}

// Enqueue durably records an action as PENDING. payload is marshalled
// to JSON unless it already is a json.RawMessage. A returned error means
// the action was not recorded; errors from the store wrap ErrPersist.
func (e *Engine) Enqueue(ctx context.Context, typ models.ActionType, payload any) (models.SyncAction, error) {
	if !typ.Valid() {
		return models.SyncAction{}, fmt.Errorf("%w: %q", apperrors.ErrUnknownActionType, typ)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return models.SyncAction{}, fmt.Errorf("encoding %s payload: %w", typ, err)
	}

	a, err := e.store.Insert(ctx, models.SyncAction{
		Type:      typ,
		Data:      string(data),
		Timestamp: e.now().UTC(),
		Status:    models.StatusPending,
		ClientRef: uuid.NewString(),
	})
	if err != nil {
		return models.SyncAction{}, fmt.Errorf("%w: %w", apperrors.ErrPersist, err)
	}

	e.logger.Debug("action enqueued",
		slog.Uint64("id", a.ID),
		slog.String("type", string(a.Type)),
		slog.String("client_ref", a.ClientRef),
	)

	e.publishPending(ctx)

	return a, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}

		return p, nil
	default:
		return json.Marshal(p)
	}
}

// RunSyncPass delivers every PENDING action once, oldest first. It
// returns at once with Skipped set if another pass is running, and with
// Unreachable set if the network is down. Delivery failures never abort
// the pass; only a failure to list pending rows is returned.
func (e *Engine) RunSyncPass(ctx context.Context) (PassResult, error) {
	var res PassResult

	if !e.pass.TryAcquire(1) {
		e.logger.Debug("sync pass already running")

		res.Skipped = true

		return res, nil
	}
	defer e.pass.Release(1)

	if e.reach != nil && !e.reach.Reachable() {
		e.logger.Debug("sync pass skipped, backend unreachable")

		res.Unreachable = true

		return res, nil
	}

	// With the pass lock held nothing else can be delivering, so any
	// IN_PROGRESS row was stranded by an earlier pass.
	if n, err := e.store.ResetStatus(ctx, models.StatusInProgress, models.StatusPending); err != nil {
		e.logger.Warn("requeueing stranded actions", slog.String("error", err.Error()))
	} else if n > 0 {
		e.logger.Warn("requeued stranded in-progress actions", slog.Int("count", n))
	}

	rows, err := e.store.ListByStatus(ctx, models.StatusPending)
	if err != nil {
		return res, fmt.Errorf("listing pending actions: %w", err)
	}

	defer e.publishPending(ctx)

	for _, a := range rows {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		if err := e.store.UpdateStatus(ctx, a.ID, models.StatusInProgress, a.RetryCount, a.LastError); err != nil {
			e.logger.Warn("marking action in progress failed, skipping",
				slog.Uint64("id", a.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		res.Attempted++

		deliverErr := e.deliver(ctx, a)

		// Bookkeeping must land even if ctx was cancelled mid-delivery.
		bookCtx := context.WithoutCancel(ctx)

		if deliverErr != nil && ctx.Err() != nil {
			// Interrupted, not failed: put the row back untouched.
			if err := e.store.UpdateStatus(bookCtx, a.ID, models.StatusPending, a.RetryCount, a.LastError); err != nil {
				e.logger.Warn("requeueing interrupted action failed",
					slog.Uint64("id", a.ID),
					slog.String("error", err.Error()),
				)
			}

			return res, ctx.Err()
		}

		if deliverErr == nil {
			if !e.settle(bookCtx, a, models.StatusCompleted, a.RetryCount, "") {
				continue
			}

			res.Delivered++

			continue
		}

		retries := a.RetryCount + 1
		status := models.StatusPending

		if retries >= e.cfg.MaxRetries {
			status = models.StatusFailed
		}

		if !e.settle(bookCtx, a, status, retries, deliverErr.Error()) {
			continue
		}

		if status == models.StatusFailed {
			res.Failed++

			e.logger.Error("action failed permanently",
				slog.Uint64("id", a.ID),
				slog.String("type", string(a.Type)),
				slog.Int("retries", retries),
				slog.String("error", deliverErr.Error()),
			)
		} else {
			res.Retrying++

			e.logger.Warn("action delivery failed",
				slog.Uint64("id", a.ID),
				slog.String("type", string(a.Type)),
				slog.Int("retries", retries),
				slog.String("error", deliverErr.Error()),
			)
		}
	}

	e.logger.Info("sync pass complete",
		slog.Int("attempted", res.Attempted),
		slog.Int("delivered", res.Delivered),
		slog.Int("retrying", res.Retrying),
		slog.Int("failed", res.Failed),
	)

	return res, nil
}

// settle records the outcome of delivering a. If that write fails the
// row is put back to PENDING as it was before the attempt, so it is
// delivered again rather than left IN_PROGRESS. It reports whether the
// outcome itself was recorded.
func (e *Engine) settle(ctx context.Context, a models.SyncAction, status models.Status, retries int, lastErr string) bool {
	err := e.store.UpdateStatus(ctx, a.ID, status, retries, lastErr)
	if err == nil {
		return true
	}

	e.logger.Warn("recording delivery outcome failed, requeueing",
		slog.Uint64("id", a.ID),
		slog.String("status", string(status)),
		slog.String("error", err.Error()),
	)

	if err := e.store.UpdateStatus(ctx, a.ID, models.StatusPending, a.RetryCount, a.LastError); err != nil {
		e.logger.Error("requeueing action failed, left in progress until the next pass",
			slog.Uint64("id", a.ID),
			slog.String("error", err.Error()),
		)
	}

	return false
}

// deliver runs the handler for a with a timeout, turning a panic into
// an error.
func (e *Engine) deliver(ctx context.Context, a models.SyncAction) (err error) {
	h := e.handler(a.Type)
	if h == nil {
		return fmt.Errorf("%w for %s", apperrors.ErrNoHandler, a.Type)
	}

	ctx, cancel := context.WithTimeout(WithIdempotencyKey(ctx, a.ClientRef), e.cfg.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return h(ctx, json.RawMessage(a.Data))
}

// RunWithRetry runs up to maxAttempts passes, sleeping the backoff delay
// between them, until no actions are pending.
func (e *Engine) RunWithRetry(ctx context.Context, maxAttempts int) Outcome {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := range maxAttempts {
		if _, err := e.RunSyncPass(ctx); err != nil {
			e.logger.Warn("sync pass error",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
		}

		n, err := e.outstanding(ctx)
		if err == nil && n == 0 {
			return OutcomeSuccess
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := e.cfg.Backoff.Delay(attempt)

		e.logger.Debug("actions still pending, backing off",
			slog.Int("pending", n),
			slog.Duration("backoff", delay),
		)

		if err := backoff.Sleep(ctx, delay); err != nil {
			return OutcomeRetryLater
		}
	}

	return OutcomeRetryLater
}

// Run triggers RunWithRetry immediately, on every tick of interval, and
// whenever reachability reports true. Completed rows are cleared after
// every run whatever the outcome. It returns when ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration, maxAttempts int, reachable <-chan bool) error {
	if interval <= 0 {
		interval = defaultSyncInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.syncAndClear(ctx, maxAttempts, "startup")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.syncAndClear(ctx, maxAttempts, "timer")
		case up, ok := <-reachable:
			if !ok {
				reachable = nil
				continue
			}

			if up {
				e.syncAndClear(ctx, maxAttempts, "network restored")
			}
		}
	}
}

func (e *Engine) syncAndClear(ctx context.Context, maxAttempts int, trigger string) {
	outcome := e.RunWithRetry(ctx, maxAttempts)

	e.logger.Debug("sync run finished",
		slog.String("trigger", trigger),
		slog.String("outcome", outcome.String()),
	)

	if _, err := e.ClearCompletedActions(ctx); err != nil {
		e.logger.Warn("clearing completed actions", slog.String("error", err.Error()))
	}
}

// ClearCompletedActions deletes COMPLETED rows.
func (e *Engine) ClearCompletedActions(ctx context.Context) (int, error) {
	n, err := e.store.DeleteByStatus(ctx, models.StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("clearing completed actions: %w", err)
	}

	if n > 0 {
		e.logger.Debug("cleared completed actions", slog.Int("count", n))
	}

	return n, nil
}

// PurgeFailedActions deletes FAILED rows. Failed rows are otherwise kept
// for diagnostics.
func (e *Engine) PurgeFailedActions(ctx context.Context) (int, error) {
	n, err := e.store.DeleteByStatus(ctx, models.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("purging failed actions: %w", err)
	}

	e.logger.Info("purged failed actions", slog.Int("count", n))

	return n, nil
}

// PendingActionCount returns the number of PENDING rows. It is advisory,
// for display only.
func (e *Engine) PendingActionCount(ctx context.Context) (int, error) {
	return e.store.CountByStatus(ctx, models.StatusPending)
}

// outstanding counts rows not yet delivered: PENDING plus any left
// IN_PROGRESS by a failed status write.
func (e *Engine) outstanding(ctx context.Context) (int, error) {
	pending, err := e.store.CountByStatus(ctx, models.StatusPending)
	if err != nil {
		return 0, err
	}

	stranded, err := e.store.CountByStatus(ctx, models.StatusInProgress)
	if err != nil {
		return 0, err
	}

	return pending + stranded, nil
}

// FailedActionCount returns the number of FAILED rows.
func (e *Engine) FailedActionCount(ctx context.Context) (int, error) {
	return e.store.CountByStatus(ctx, models.StatusFailed)
}

// FailedActions lists FAILED rows oldest first.
func (e *Engine) FailedActions(ctx context.Context) ([]models.SyncAction, error) {
	return e.store.ListByStatus(ctx, models.StatusFailed)
}

// Recover returns rows left IN_PROGRESS by an interrupted pass to
// PENDING. Call it once at startup, before the first pass.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	n, err := e.store.ResetStatus(ctx, models.StatusInProgress, models.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("recovering in-progress actions: %w", err)
	}

	if n > 0 {
		e.logger.Warn("requeued actions interrupted mid-delivery", slog.Int("count", n))
	}

	return n, nil
}

// RetryFailed re-arms one FAILED action with a fresh retry budget.
func (e *Engine) RetryFailed(ctx context.Context, id uint64) error {
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if a.Status != models.StatusFailed {
		return fmt.Errorf("action %d is %s, only FAILED actions can be retried", id, a.Status)
	}

	if err := e.store.UpdateStatus(ctx, id, models.StatusPending, 0, ""); err != nil {
		return fmt.Errorf("re-arming action %d: %w", id, err)
	}

	e.logger.Info("failed action re-armed", slog.Uint64("id", id))
	e.publishPending(ctx)

	return nil
}

// PendingChanges streams the pending count after every enqueue and pass.
func (e *Engine) PendingChanges(buf int) (<-chan int, func()) {
	return e.pending.Subscribe(buf)
}

func (e *Engine) publishPending(ctx context.Context) {
	if e.pending.Len() == 0 {
		return
	}

	n, err := e.PendingActionCount(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.Debug("counting pending actions", slog.String("error", err.Error()))
		return
	}

	e.pending.Publish(n)
}
