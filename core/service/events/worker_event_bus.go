// Package events persists per-user monotonic sync events and fans them out to
// waiters (SSE long-poll) and browser push subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/logger"
)

const (
	defaultWaitTimeout = time.Second
	maxListLimit       = 500

	defaultRetentionDays  = 14
	defaultPruneBatchSize = 2000
	defaultPruneMaxBatch  = 50
)

type waiter struct {
	since int64
	ch    chan *domain.EventSignal // buffered(1); closed-over by one delivery
}

// Bus is the per-process event hub: an in-memory latest-watermark map plus
// waiter registration, backed by the append-only event table and the shared
// LISTEN loop.
type Bus struct {
	repo       out.SyncEventRepository
	listener   out.EventListener
	pushSubs   out.PushSubscriptionRepository
	pushSender out.BrowserPushSender

	mu      sync.Mutex
	latest  map[uuid.UUID]int64
	waiters map[uuid.UUID]map[*waiter]struct{}

	log *logger.Logger
}

func NewBus(repo out.SyncEventRepository, listener out.EventListener, pushSubs out.PushSubscriptionRepository, pushSender out.BrowserPushSender) *Bus {
	return &Bus{
		repo:       repo,
		listener:   listener,
		pushSubs:   pushSubs,
		pushSender: pushSender,
		latest:     make(map[uuid.UUID]int64),
		waiters:    make(map[uuid.UUID]map[*waiter]struct{}),
		log:        logger.WithField("component", "event_bus"),
	}
}

// =============================================================================
// Emit / List
// =============================================================================

// Emit inserts the event, advances the watermark, wakes waiters and fans out
// browser push best-effort for externally visible event types.
func (b *Bus) Emit(ctx context.Context, connectorID int64, eventType domain.SyncEventType, payload any) (*domain.SyncEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	event, err := b.repo.Insert(ctx, connectorID, eventType, raw)
	if err != nil {
		return nil, err
	}

	b.Signal(domain.EventSignal{UserID: event.UserID, EventID: event.ID})

	if eventType.IsBrowserPushable() && b.pushSender != nil {
		go b.fanOutBrowserPush(event)
	}
	return event, nil
}

func (b *Bus) fanOutBrowserPush(event *domain.SyncEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	subs, err := b.pushSubs.ListByUser(ctx, event.UserID)
	if err != nil {
		b.log.WithError(err).Warn("[Bus.fanOutBrowserPush] subscription lookup failed: user=%s", event.UserID)
		return
	}
	for _, sub := range subs {
		if err := b.pushSender.Send(ctx, sub, event); err != nil {
			b.log.WithError(err).Debug("[Bus.fanOutBrowserPush] push delivery failed: endpoint=%s", sub.Endpoint)
		}
	}
}

// List returns events with id > since, ascending. since clamps to >=0,
// limit to [1,500].
func (b *Bus) List(ctx context.Context, userID uuid.UUID, since int64, limit int) ([]*domain.SyncEvent, error) {
	if since < 0 {
		since = 0
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return b.repo.List(ctx, userID, since, limit)
}

// =============================================================================
// Signal / Wait
// =============================================================================

// Signal advances the per-user watermark (never backwards) and resolves every
// waiter whose since is below the new event id.
func (b *Bus) Signal(sig domain.EventSignal) {
	b.mu.Lock()
	if sig.EventID > b.latest[sig.UserID] {
		b.latest[sig.UserID] = sig.EventID
	}
	var resolved []*waiter
	for w := range b.waiters[sig.UserID] {
		if sig.EventID > w.since {
			resolved = append(resolved, w)
			delete(b.waiters[sig.UserID], w)
		}
	}
	b.mu.Unlock()

	for _, w := range resolved {
		s := sig
		w.ch <- &s
	}
}

// WaitForSignal blocks until an event with id > since is observed or the
// timeout elapses (nil result). The waiter registers before re-reading the
// watermark, so a signal racing the subscription is never lost.
func (b *Bus) WaitForSignal(ctx context.Context, userID uuid.UUID, since int64, timeout time.Duration) *domain.EventSignal {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	w := &waiter{since: since, ch: make(chan *domain.EventSignal, 1)}

	b.mu.Lock()
	if latest := b.latest[userID]; latest > since {
		b.mu.Unlock()
		return &domain.EventSignal{UserID: userID, EventID: latest}
	}
	if b.waiters[userID] == nil {
		b.waiters[userID] = make(map[*waiter]struct{})
	}
	b.waiters[userID][w] = struct{}{}
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sig := <-w.ch:
		return sig
	case <-timer.C:
	case <-ctx.Done():
	}

	b.mu.Lock()
	delete(b.waiters[userID], w)
	b.mu.Unlock()

	// 등록 해제와 신호 전달이 겹친 경우 드레인
	select {
	case sig := <-w.ch:
		return sig
	default:
		return nil
	}
}

// dropAllWaiters resolves every current waiter with nil after a listener
// drop; new waiters ride the reconnect.
func (b *Bus) dropAllWaiters() {
	b.mu.Lock()
	var dropped []*waiter
	for userID, set := range b.waiters {
		for w := range set {
			dropped = append(dropped, w)
		}
		delete(b.waiters, userID)
	}
	b.mu.Unlock()

	for _, w := range dropped {
		close(w.ch)
	}
}

// =============================================================================
// Listener loop
// =============================================================================

// RunListener drives the shared LISTEN connection until ctx ends.
func (b *Bus) RunListener(ctx context.Context) {
	if b.listener == nil {
		return
	}
	if err := b.listener.Listen(ctx, b.Signal, b.dropAllWaiters); err != nil && ctx.Err() == nil {
		b.log.WithError(err).Error("[Bus.RunListener] listener loop ended")
	}
}

// =============================================================================
// Prune
// =============================================================================

// Prune deletes old events in batches, stopping early when a batch comes back
// short. Non-positive inputs clamp to the defaults (14d / 2000 / 50).
func (b *Bus) Prune(ctx context.Context, retentionDays, batchSize, maxBatches int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}
	if batchSize <= 0 {
		batchSize = defaultPruneBatchSize
	}
	if maxBatches <= 0 {
		maxBatches = defaultPruneMaxBatch
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	total := 0
	for i := 0; i < maxBatches; i++ {
		n, err := b.repo.DeleteBatchBefore(ctx, cutoff, batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < batchSize {
			break
		}
	}
	if total > 0 {
		b.log.Info("[Bus.Prune] pruned %d sync events older than %d days", total, retentionDays)
	}
	return total, nil
}
