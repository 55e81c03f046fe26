package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/state"
	"github.com/TheMichaelB/cddsync/internal/storage"
	"github.com/TheMichaelB/cddsync/internal/transport"
)

// Engine drives one sync session: locate, filter, plan, materialize and
// optionally prune.
type Engine struct {
	locator      *Locator
	materializer *Materializer
	reconciler   *Reconciler
	state        state.Store
	logger       *events.Logger

	// Progress tracking
	progress atomic.Value // *Progress
	events   chan Event

	// Sync state
	mu           sync.Mutex
	syncing      bool
	cancelFn     context.CancelFunc
	eventsClosed bool
}

// Progress tracks sync progress.
type Progress struct {
	Phase         string
	SessionID     string
	TotalRuns     int
	ProcessedRuns int
	CurrentRun    string
	StartTime     time.Time
}

// Event represents a sync event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	RunID     models.VaultID
	Path      string
	Error     error
	Progress  *Progress
}

// EventType defines sync event types.
type EventType string

const (
	EventStarted    EventType = "started"
	EventRunFetched EventType = "run_fetched"
	EventRunSkipped EventType = "run_skipped"
	EventRunFailed  EventType = "run_failed"
	EventRunDeleted EventType = "run_deleted"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
)

// SyncConfig contains engine configuration.
type SyncConfig struct {
	SyncFiles      bool
	IgnorePatterns []string
}

// Options configures one Sync call.
type Options struct {
	// Root is the mirror directory runs are planned under.
	Root string
	// Prune removes local runs that left the scope.
	Prune bool
	// Confirm approves pruning. Nil declines.
	Confirm Confirmer
	// DryRun reports what would happen without fetching or removing.
	DryRun bool
}

// Summary reports the outcome of a sync session.
type Summary struct {
	SessionID string
	Located   int
	InScope   int
	Fetched   int
	Skipped   int
	Failed    int
	Pending   int
	Deleted   []string
	// Orphans lists prune candidates found during a dry run.
	Orphans   []string
	Errors    []error
	Cancelled bool
	Bytes     int64
	Duration  time.Duration
}

// NewEngine creates a sync engine.
func NewEngine(
	api transport.VaultAPI,
	store storage.BlobStore,
	stateStore state.Store,
	config *SyncConfig,
	logger *events.Logger,
) (*Engine, error) {
	reconciler, err := NewReconciler(store, config.IgnorePatterns, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		locator:      NewLocator(api, logger),
		materializer: NewMaterializer(api, store, config.SyncFiles, logger),
		reconciler:   reconciler,
		state:        stateStore,
		logger:       logger.WithField("component", "sync_engine"),
		events:       make(chan Event, 100),
	}, nil
}

// Events returns the event channel. It is closed when a Sync returns and
// replaced by the next Sync.
func (e *Engine) Events() <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

// GetProgress returns current progress.
func (e *Engine) GetProgress() *Progress {
	if p := e.progress.Load(); p != nil {
		return p.(*Progress)
	}
	return nil
}

// SetSyncFiles toggles source and attached file downloads.
func (e *Engine) SetSyncFiles(enabled bool) {
	e.materializer.SetSyncFiles(enabled)
}

// Sync runs one session over scope. Per-run failures are collected in the
// summary and do not fail the session; a failed run query or cancellation
// does.
func (e *Engine) Sync(ctx context.Context, scope models.ScopeSelection, opts Options) (*Summary, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, models.ErrSyncInProgress
	}
	e.syncing = true

	if e.eventsClosed {
		e.events = make(chan Event, 100)
		e.eventsClosed = false
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancelFn = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.syncing = false
		e.cancelFn = nil
		if !e.eventsClosed {
			close(e.events)
			e.eventsClosed = true
		}
		e.mu.Unlock()
	}()

	summary := &Summary{SessionID: uuid.NewString()}
	progress := &Progress{
		Phase:     "locating",
		SessionID: summary.SessionID,
		StartTime: time.Now(),
	}
	e.progress.Store(progress)

	ctx = events.WithSessionID(events.WithLogger(ctx, e.logger), summary.SessionID)
	logger := events.FromContext(ctx)

	logger.WithFields(map[string]interface{}{
		"root":      opts.Root,
		"projects":  len(scope.ProjectIDs()),
		"protocols": len(scope.ProtocolIDs()),
		"prune":     opts.Prune,
		"dry_run":   opts.DryRun,
	}).Info("Starting sync")

	e.emitEvent(Event{Type: EventStarted, Timestamp: time.Now(), Progress: progress})

	runs, err := e.locator.LocateRuns(ctx, scope.ProtocolIDs())
	if err != nil {
		return summary, e.handleError(summary, progress, err)
	}
	summary.Located = len(runs)

	inScope := FilterRuns(runs, scope)
	summary.InScope = len(inScope)

	planned, planErrs := PlanPaths(inScope, opts.Root)
	for _, err := range planErrs {
		var idErr *models.InvalidIdentityError
		runID := models.VaultID("")
		if errors.As(err, &idErr) {
			runID = idErr.RunID
		}
		e.recordFailure(logger, summary, runID, "", err)
	}

	progress = e.updateProgress(func(p *Progress) {
		p.Phase = "materializing"
		p.TotalRuns = len(planned)
	})

	for _, p := range planned {
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}

		e.updateProgress(func(pr *Progress) { pr.CurrentRun = p.Path })

		if opts.DryRun {
			e.dryRun(logger, summary, p)
			continue
		}

		result, err := e.materializer.Materialize(events.WithRunID(ctx, p.Run.RunID.String()), p)
		if err != nil {
			e.recordFailure(logger, summary, p.Run.RunID, p.Path, err)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				summary.Cancelled = true
				break
			}
			continue
		}

		e.recordResult(logger, summary, p, result)
		e.updateProgress(func(pr *Progress) { pr.ProcessedRuns++ })
	}

	if opts.Prune && !summary.Cancelled {
		e.prune(ctx, logger, summary, opts, inScope)
	}

	summary.Duration = time.Since(progress.StartTime)

	if summary.Cancelled {
		err := ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		return summary, e.handleError(summary, progress, fmt.Errorf("sync cancelled: %w", err))
	}

	completed := e.updateProgress(func(p *Progress) {
		p.Phase = "completed"
		p.CurrentRun = ""
	})
	e.emitEvent(Event{Type: EventCompleted, Timestamp: time.Now(), Progress: completed})

	logger.WithFields(map[string]interface{}{
		"duration": summary.Duration,
		"located":  summary.Located,
		"in_scope": summary.InScope,
		"fetched":  summary.Fetched,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
		"deleted":  len(summary.Deleted),
	}).Info("Sync completed")

	return summary, nil
}

// Cancel stops an ongoing sync.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelFn != nil {
		e.logger.Info("Cancelling sync")
		e.cancelFn()
	}
}

func (e *Engine) dryRun(logger *events.Logger, summary *Summary, p models.PlannedRun) {
	outcome := models.OutcomePending
	if e.materializer.IsCurrent(p) {
		outcome = models.OutcomeSkipped
		summary.Skipped++
	} else {
		summary.Pending++
	}

	logger.WithFields(map[string]interface{}{
		"run_id":  p.Run.RunID,
		"path":    p.Path,
		"outcome": outcome,
	}).Info("Dry run")
}

func (e *Engine) prune(ctx context.Context, logger *events.Logger, summary *Summary, opts Options, inScope []models.RunRecord) {
	e.updateProgress(func(p *Progress) {
		p.Phase = "reconciling"
		p.CurrentRun = ""
	})

	if opts.DryRun {
		orphans, err := e.reconciler.Orphans(opts.Root, inScope)
		if err != nil {
			summary.Errors = append(summary.Errors, err)
			return
		}
		summary.Orphans = orphans
		return
	}

	deleted, err := e.reconciler.Reconcile(ctx, opts.Root, inScope, opts.Confirm)
	for _, path := range deleted {
		summary.Deleted = append(summary.Deleted, path)
		e.emitEvent(Event{Type: EventRunDeleted, Timestamp: time.Now(), Path: path})
		e.record(logger, models.LedgerEntry{
			SessionID: summary.SessionID,
			Path:      path,
			Outcome:   models.OutcomeDeleted,
		})
	}
	if err != nil {
		logger.WithError(err).Error("Reconciliation incomplete")
		summary.Errors = append(summary.Errors, err)
	}
}

func (e *Engine) recordResult(logger *events.Logger, summary *Summary, p models.PlannedRun, result Result) {
	entry := models.LedgerEntry{
		SessionID:  summary.SessionID,
		RunID:      p.Run.RunID,
		Path:       p.Path,
		Outcome:    result.Outcome,
		ModifiedAt: p.Run.RunModifiedAt,
		Digest:     result.Digest,
	}

	runLogger := logger.WithFields(map[string]interface{}{
		"run_id": p.Run.RunID,
		"path":   p.Path,
	})

	switch result.Outcome {
	case models.OutcomeFetched:
		summary.Fetched++
		summary.Bytes += result.Bytes
		runLogger.WithField("files", result.Files).Info("Run fetched")
		e.emitEvent(Event{Type: EventRunFetched, Timestamp: time.Now(), RunID: p.Run.RunID, Path: p.Path})
	default:
		summary.Skipped++
		runLogger.Info("Run skipped, local copy is current")
		e.emitEvent(Event{Type: EventRunSkipped, Timestamp: time.Now(), RunID: p.Run.RunID, Path: p.Path})
	}

	e.record(logger, entry)
}

func (e *Engine) recordFailure(logger *events.Logger, summary *Summary, runID models.VaultID, path string, err error) {
	summary.Failed++
	summary.Errors = append(summary.Errors, err)

	logger.WithError(err).WithFields(map[string]interface{}{
		"run_id": runID,
		"path":   path,
	}).Error("Run failed")

	e.emitEvent(Event{Type: EventRunFailed, Timestamp: time.Now(), RunID: runID, Path: path, Error: err})
	e.record(logger, models.LedgerEntry{
		SessionID: summary.SessionID,
		RunID:     runID,
		Path:      path,
		Outcome:   models.OutcomeFailed,
		Error:     err.Error(),
	})
}

func (e *Engine) record(logger *events.Logger, entry models.LedgerEntry) {
	if e.state == nil {
		return
	}
	entry.At = time.Now().UTC()
	if err := e.state.RecordRun(entry); err != nil {
		logger.WithError(err).WithField("run_id", entry.RunID).Warn("Failed to record ledger entry")
	}
}

func (e *Engine) updateProgress(fn func(*Progress)) *Progress {
	current := e.GetProgress()
	next := &Progress{}
	if current != nil {
		*next = *current
	}
	fn(next)
	e.progress.Store(next)
	return next
}

func (e *Engine) emitEvent(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.eventsClosed {
		return
	}

	select {
	case e.events <- event:
	default:
		e.logger.Debug("Event channel full, dropping event")
	}
}

func (e *Engine) handleError(summary *Summary, progress *Progress, err error) error {
	e.updateProgress(func(p *Progress) { p.Phase = "failed" })
	e.emitEvent(Event{
		Type:      EventFailed,
		Timestamp: time.Now(),
		Error:     err,
		Progress:  progress,
	})
	e.logger.WithError(err).WithField("session_id", summary.SessionID).Error("Sync failed")
	return err
}
