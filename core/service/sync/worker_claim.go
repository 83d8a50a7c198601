// Package sync drives mailbox synchronization: a DB-leased claim per
// (connector, mailbox), incremental Gmail history and IMAP CONDSTORE paths,
// reconcile windows and background content hydration.
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/core/service/events"
	"mailworker/pkg/logger"
	"mailworker/pkg/retry"
)

const (
	// 취소 확인 주기 (메시지 개수 기준)
	cancelCheckEvery      = 25
	progressFlushInterval = time.Second
)

var errSyncCancelled = errors.New("sync cancelled by request")

// Runner owns the claim lifecycle shared by the Gmail and IMAP drivers:
// TryClaim, heartbeat while the body runs, outcome classification and the
// final state write plus event emission.
type Runner struct {
	states            out.SyncStateRepository
	bus               *events.Bus
	heartbeatInterval time.Duration
	log               *logger.Logger
}

func NewRunner(states out.SyncStateRepository, bus *events.Bus, heartbeatInterval time.Duration) *Runner {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	return &Runner{
		states:            states,
		bus:               bus,
		heartbeatInterval: heartbeatInterval,
		log:               logger.WithField("component", "sync_runner"),
	}
}

// RunState is handed to the driver body: progress counters plus the
// cancellation / flush cadence.
type RunState struct {
	runner      *Runner
	connectorID int64
	mailbox     string

	Progress domain.SyncProgress
	Prior    *domain.SyncState

	sinceCheck int
	lastFlush  time.Time
}

// Tick is called once per processed message. Roughly every 25 messages it
// re-reads the status for a cancel request, and at most once a second it
// flushes the progress counters so observers see movement.
func (rs *RunState) Tick(ctx context.Context) error {
	rs.sinceCheck++
	if rs.sinceCheck >= cancelCheckEvery {
		rs.sinceCheck = 0
		status, err := rs.runner.states.GetStatus(ctx, rs.connectorID, rs.mailbox)
		if err == nil && status == domain.SyncStatusCancelRequested {
			return errSyncCancelled
		}
	}
	if time.Since(rs.lastFlush) >= progressFlushInterval {
		rs.lastFlush = time.Now()
		p := rs.Progress
		if err := rs.runner.states.SetState(ctx, rs.connectorID, rs.mailbox, domain.SyncStatePatch{Progress: &p}); err != nil {
			rs.runner.log.WithError(err).Debug("[RunState.Tick] progress flush failed: connector=%d mailbox=%s", rs.connectorID, rs.mailbox)
		}
	}
	return nil
}

// Patch writes a partial state update mid-run (uidvalidity, watermarks).
func (rs *RunState) Patch(ctx context.Context, patch domain.SyncStatePatch) error {
	return rs.runner.states.SetState(ctx, rs.connectorID, rs.mailbox, patch)
}

// Run executes one sync under the claim lease. The heartbeat goroutine keeps
// updated_at fresh so concurrent claims stay rejected; a crashed worker stops
// heartbeating and the row becomes claimable after the stale window.
func (r *Runner) Run(ctx context.Context, userID uuid.UUID, connectorID int64, mailbox string, body func(ctx context.Context, rs *RunState) error) domain.SyncOutcome {
	if err := r.states.EnsureExists(ctx, connectorID, mailbox); err != nil {
		return domain.SyncTransient(err)
	}
	prior, err := r.states.Get(ctx, connectorID, mailbox)
	if err != nil {
		return domain.SyncTransient(err)
	}

	claimed, err := r.states.TryClaim(ctx, connectorID, mailbox, domain.SyncProgress{}, prior.LastSeenUID, prior.HighestUID)
	if err != nil {
		return domain.SyncTransient(err)
	}
	if !claimed {
		r.log.Debug("[Runner.Run] claim rejected, sync already running: connector=%d mailbox=%s", connectorID, mailbox)
		return domain.SyncAlreadyRunning(domain.SyncProgress{})
	}

	stopHeartbeat := r.startHeartbeat(connectorID, mailbox)
	defer stopHeartbeat()

	rs := &RunState{
		runner:      r,
		connectorID: connectorID,
		mailbox:     mailbox,
		Prior:       prior,
		lastFlush:   time.Now(),
	}

	started := time.Now()
	bodyErr := body(ctx, rs)
	outcome := r.classify(bodyErr, rs.Progress)
	r.finalize(ctx, userID, connectorID, mailbox, outcome, time.Since(started))
	return outcome
}

func (r *Runner) startHeartbeat(connectorID int64, mailbox string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := r.states.Touch(ctx, connectorID, mailbox); err != nil {
					r.log.WithError(err).Warn("[Runner.startHeartbeat] heartbeat failed: connector=%d mailbox=%s", connectorID, mailbox)
				}
				cancel()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (r *Runner) classify(err error, progress domain.SyncProgress) domain.SyncOutcome {
	switch {
	case err == nil:
		return domain.SyncCompleted(progress)
	case errors.Is(err, errSyncCancelled):
		return domain.SyncCancelled(progress)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return domain.SyncTransient(err)
	case retry.IsTransient(err):
		return domain.SyncTransient(err)
	default:
		return domain.SyncFatal(err)
	}
}

// finalize writes the terminal row state and emits the matching event. The
// transient/fatal split only matters for job retry; both land as error here.
func (r *Runner) finalize(ctx context.Context, userID uuid.UUID, connectorID int64, mailbox string, outcome domain.SyncOutcome, elapsed time.Duration) {
	now := time.Now()
	progress := outcome.Progress

	var patch domain.SyncStatePatch
	var eventType domain.SyncEventType
	payload := map[string]any{
		"mailbox":     mailbox,
		"inserted":    progress.Inserted,
		"updated":     progress.Updated,
		"removed":     progress.ReconciledRemoved,
		"elapsed_ms":  elapsed.Milliseconds(),
	}

	switch outcome.Kind {
	case domain.SyncOutcomeCompleted:
		status := domain.SyncStatusCompleted
		patch = domain.SyncStatePatch{
			Status:          &status,
			SyncCompletedAt: &now,
			Progress:        &progress,
			ClearSyncError:  true,
		}
		eventType = domain.EventSyncCompleted
	case domain.SyncOutcomeCancelled:
		status := domain.SyncStatusCancelled
		patch = domain.SyncStatePatch{Status: &status, Progress: &progress}
		eventType = domain.EventSyncCancelled
	case domain.SyncOutcomeTransient, domain.SyncOutcomeFatal:
		status := domain.SyncStatusError
		msg := outcome.Err.Error()
		patch = domain.SyncStatePatch{Status: &status, SyncError: &msg, Progress: &progress}
		eventType = domain.EventSyncError
		payload["error"] = msg
	default:
		return
	}

	if err := r.states.SetState(ctx, connectorID, mailbox, patch); err != nil {
		r.log.WithError(err).Error("[Runner.finalize] terminal state write failed: connector=%d mailbox=%s", connectorID, mailbox)
	}
	if _, err := r.bus.Emit(ctx, connectorID, eventType, payload); err != nil {
		r.log.WithError(err).Debug("[Runner.finalize] event emit failed: connector=%d mailbox=%s", connectorID, mailbox)
	}
	if outcome.Failed() {
		r.log.WithError(outcome.Err).Warn("[Runner.finalize] sync failed: connector=%d mailbox=%s kind=%s", connectorID, mailbox, outcome.Kind)
	} else {
		r.log.Info("[Runner.finalize] sync %s: connector=%d mailbox=%s inserted=%d updated=%d removed=%d elapsed=%s",
			outcome.Kind, connectorID, mailbox, progress.Inserted, progress.Updated, progress.ReconciledRemoved, elapsed.Round(time.Millisecond))
	}
}

// RequestCancel flips a live claim to cancel_requested; the running driver
// notices at its next check. Emits sync_cancel_requested for observers.
func (r *Runner) RequestCancel(ctx context.Context, userID uuid.UUID, connectorID int64, mailbox string) error {
	status, err := r.states.GetStatus(ctx, connectorID, mailbox)
	if err != nil {
		return err
	}
	if status != domain.SyncStatusSyncing && status != domain.SyncStatusQueued {
		return nil
	}
	next := domain.SyncStatusCancelRequested
	if err := r.states.SetState(ctx, connectorID, mailbox, domain.SyncStatePatch{Status: &next}); err != nil {
		return err
	}
	if _, err := r.bus.Emit(ctx, connectorID, domain.EventSyncCancelRequested, map[string]any{"mailbox": mailbox}); err != nil {
		r.log.WithError(err).Debug("[Runner.RequestCancel] event emit failed: connector=%d", connectorID)
	}
	return nil
}
