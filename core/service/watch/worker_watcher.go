// Package watch keeps one live-notification loop per watched mailbox and
// turns server activity into sync jobs: IMAP connectors hold an IDLE session,
// Gmail API connectors without an active push subscription fall back to
// polling. Connection storms are contained by a per connector circuit
// breaker.
package watch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sony/gobreaker"

	"mailworker/config"
	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/core/service/auth"
	"mailworker/core/service/events"
	"mailworker/core/service/mailbox"
	"mailworker/pkg/logger"
	"mailworker/pkg/retry"
)

const (
	maxWatchMailboxes = 32

	watchdogInterval = time.Minute
	reconnectBase    = 5 * time.Second
	reconnectMax     = 5 * time.Minute
	minPollInterval  = 2 * time.Second

	// Consecutive session failures before the breaker trips and the watch
	// loop gives up until the next process restart.
	maxConsecutiveSessionFailures = 20
)

type watchKey struct {
	connectorID int64
	mailbox     string
}

// Watcher supervises IDLE loops. Run blocks; the watchdog re-reads active
// connectors every minute so settings changes take effect without restarts.
type Watcher struct {
	connectors out.ConnectorRepository
	dialer     out.ImapDialer
	dirs       *mailbox.DirectoryCache
	tokens     *auth.TokenManager
	queue      out.JobQueue
	bus        *events.Bus
	cfg        *config.Config
	log        *logger.Logger

	mu           sync.Mutex
	cancels      map[watchKey]context.CancelFunc
	breakers     map[int64]*gobreaker.CircuitBreaker
	pushSuppress map[int64]bool
	wg           sync.WaitGroup
}

func NewWatcher(
	connectors out.ConnectorRepository,
	dialer out.ImapDialer,
	dirs *mailbox.DirectoryCache,
	tokens *auth.TokenManager,
	queue out.JobQueue,
	bus *events.Bus,
	cfg *config.Config,
) *Watcher {
	return &Watcher{
		connectors:   connectors,
		dialer:       dialer,
		dirs:         dirs,
		tokens:       tokens,
		queue:        queue,
		bus:          bus,
		cfg:          cfg,
		cancels:      make(map[watchKey]context.CancelFunc),
		breakers:     make(map[int64]*gobreaker.CircuitBreaker),
		pushSuppress: make(map[int64]bool),
		log:          logger.WithField("component", "idle_watcher"),
	}
}

// SanitizeWatchMailboxes normalizes the configured watch list: strips control
// characters, trims, drops empties, maps to canonical ids on Gmail-like
// connectors, dedupes and caps the count. An empty result defaults to INBOX.
func SanitizeWatchMailboxes(conn *domain.IncomingConnector) []string {
	seen := make(map[string]bool, len(conn.Sync.WatchMailboxes))
	out := make([]string, 0, len(conn.Sync.WatchMailboxes))
	for _, raw := range conn.Sync.WatchMailboxes {
		name := strings.TrimSpace(stripControlChars(raw))
		if name == "" {
			continue
		}
		if conn.IsGmailLike() {
			name = mailbox.NormalizeGmailPath(name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
		if len(out) >= maxWatchMailboxes {
			break
		}
	}
	if len(out) == 0 {
		out = []string{domain.SystemLabelInbox}
	}
	return out
}

func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Run starts watchers for every eligible connector and keeps the running set
// aligned with the database until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	if !w.cfg.UseIdle {
		w.log.Info("[Watcher.Run] IDLE disabled by configuration")
		return
	}
	w.resync(ctx)

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.resync(ctx)
		case <-ctx.Done():
			w.stopAll()
			w.wg.Wait()
			return
		}
	}
}

// resync diffs the desired watch set against the running loops.
func (w *Watcher) resync(ctx context.Context) {
	conns, err := w.connectors.ListActiveIncoming(ctx)
	if err != nil {
		w.log.WithError(err).Error("[Watcher.resync] connector list failed")
		return
	}

	desired := make(map[watchKey]*domain.IncomingConnector)
	for _, conn := range conns {
		if !conn.Sync.UseIdle {
			continue
		}
		// Gmail API 커넥터: push가 살아 있으면 폴링도 IDLE도 불필요
		if conn.Provider == domain.ProviderGmail && pushActive(conn) {
			w.markPushSuppressed(ctx, conn)
			continue
		}
		w.clearPushSuppressed(conn.ID)
		for _, mbox := range SanitizeWatchMailboxes(conn) {
			desired[watchKey{conn.ID, mbox}] = conn
		}
	}

	w.mu.Lock()
	for key, cancel := range w.cancels {
		if _, ok := desired[key]; !ok {
			cancel()
			delete(w.cancels, key)
			w.log.Info("[Watcher.resync] stopped watch: connector=%d mailbox=%s", key.connectorID, key.mailbox)
		}
	}
	toStart := make(map[watchKey]*domain.IncomingConnector)
	for key, conn := range desired {
		if _, running := w.cancels[key]; !running {
			toStart[key] = conn
		}
	}
	w.mu.Unlock()

	for key, conn := range toStart {
		w.startWatch(ctx, key, conn)
	}
}

func pushActive(conn *domain.IncomingConnector) bool {
	return conn.Sync.GmailPush.Enabled && conn.Sync.GmailPush.Status == domain.GmailPushStatusWatching
}

// markPushSuppressed emits the skip signal once per push-active stretch so
// clients can tell the connector is covered by webhooks, not a local loop.
func (w *Watcher) markPushSuppressed(ctx context.Context, conn *domain.IncomingConnector) {
	w.mu.Lock()
	already := w.pushSuppress[conn.ID]
	w.pushSuppress[conn.ID] = true
	w.mu.Unlock()
	if already {
		return
	}
	if _, err := w.bus.Emit(ctx, conn.ID, domain.EventSyncInfo, map[string]any{
		"kind": "watch_skipped_push_active",
	}); err != nil {
		w.log.WithError(err).Debug("[Watcher.markPushSuppressed] emit failed: connector=%d", conn.ID)
	}
	w.log.Info("[Watcher.markPushSuppressed] push active, no local watch: connector=%d", conn.ID)
}

func (w *Watcher) clearPushSuppressed(connectorID int64) {
	w.mu.Lock()
	delete(w.pushSuppress, connectorID)
	w.mu.Unlock()
}

func (w *Watcher) startWatch(parent context.Context, key watchKey, conn *domain.IncomingConnector) {
	ctx, cancel := context.WithCancel(parent)

	w.mu.Lock()
	w.cancels[key] = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if conn.Provider == domain.ProviderGmail {
			w.log.Info("[Watcher.startWatch] polling: connector=%d mailbox=%s", key.connectorID, key.mailbox)
			w.pollLoop(ctx, key, conn)
			return
		}
		w.log.Info("[Watcher.startWatch] watching: connector=%d mailbox=%s", key.connectorID, key.mailbox)
		w.watchLoop(ctx, key, conn)
	}()
}

// pollLoop drives Gmail API connectors that have no active push subscription:
// enqueue a sync, sleep, repeat. The producer's claim and dedupe checks keep
// this from stacking jobs.
func (w *Watcher) pollLoop(ctx context.Context, key watchKey, conn *domain.IncomingConnector) {
	interval := w.cfg.IdleInterval
	if interval < minPollInterval {
		interval = minPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			enqueued, err := w.queue.EnqueueSyncWithOptions(ctx, conn.UserID, conn.ID, key.mailbox, domain.SyncJobOptions{})
			if err != nil {
				w.log.WithError(err).Warn("[Watcher.pollLoop] sync enqueue failed: connector=%d mailbox=%s", conn.ID, key.mailbox)
			} else if enqueued {
				w.log.Debug("[Watcher.pollLoop] poll sync enqueued: connector=%d mailbox=%s", conn.ID, key.mailbox)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) stopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, cancel := range w.cancels {
		cancel()
		delete(w.cancels, key)
	}
}

func (w *Watcher) breakerFor(connectorID int64) *gobreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cb, ok := w.breakers[connectorID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("imap-idle-%d", connectorID),
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxConsecutiveSessionFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.log.Warn("[Watcher.breaker] %s: %s -> %s", name, from, to)
		},
	})
	w.breakers[connectorID] = cb
	return cb
}

// watchLoop redials with backoff until the breaker trips. The breaker only
// counts whole sessions; a session that survived into IDLE resets the streak.
// A tripped breaker ends the loop for good - the key stays registered so the
// watchdog will not restart it until the process does.
func (w *Watcher) watchLoop(ctx context.Context, key watchKey, conn *domain.IncomingConnector) {
	cb := w.breakerFor(key.connectorID)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		_, err := cb.Execute(func() (any, error) {
			return nil, w.runSession(ctx, key, conn)
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			attempt = 0
			continue
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			w.log.Error("[Watcher.watchLoop] breaker tripped, giving up: connector=%d mailbox=%s", key.connectorID, key.mailbox)
			if _, emitErr := w.bus.Emit(ctx, key.connectorID, domain.EventSyncInfo, map[string]any{
				"kind":    "watch_circuit_breaker_tripped",
				"mailbox": key.mailbox,
			}); emitErr != nil {
				w.log.WithError(emitErr).Debug("[Watcher.watchLoop] emit failed: connector=%d", key.connectorID)
			}
			return
		}

		attempt++
		delay := retry.Backoff(attempt-1, reconnectBase, reconnectMax)
		w.log.WithError(err).Warn("[Watcher.watchLoop] session ended: connector=%d mailbox=%s retry_in=%s", key.connectorID, key.mailbox, delay.Round(time.Second))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// runSession holds one connection in IDLE until an error, a token nearing
// expiry or ctx cancellation. A nil return asks for an immediate redial.
func (w *Watcher) runSession(ctx context.Context, key watchKey, conn *domain.IncomingConnector) error {
	fresh, err := w.connectors.GetIncoming(ctx, key.connectorID)
	if err != nil {
		return err
	}
	conn = fresh

	if conn.Auth.IsOAuth2() && auth.IsTokenExpiringSoon(conn.Auth, 0) {
		refreshed, err := w.tokens.EnsureValidGoogleAccessToken(ctx, domain.OAuthConnectorIncoming, conn.ID, conn.Auth, false)
		if err != nil {
			return err
		}
		conn.Auth = refreshed
	}

	session, err := w.dialer.Open(ctx, conn)
	if err != nil {
		return err
	}
	defer session.Close()

	serverPath := key.mailbox
	if conn.IsGmailLike() {
		resolved, err := w.dirs.ResolveServerPath(ctx, conn.ID, session, key.mailbox)
		if err != nil {
			return err
		}
		serverPath = resolved
	}
	if _, err := session.Select(ctx, serverPath); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		// XOAUTH2 세션은 토큰 만료 전에 끊고 새 토큰으로 다시 붙는다
		if conn.Auth.IsOAuth2() && auth.IsTokenExpiringSoon(conn.Auth, 2*time.Minute) {
			return nil
		}

		changed, err := session.Idle(ctx, w.cfg.IdleInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if changed {
			enqueued, err := w.queue.EnqueueSyncWithOptions(ctx, conn.UserID, conn.ID, key.mailbox, domain.SyncJobOptions{})
			if err != nil {
				w.log.WithError(err).Warn("[Watcher.runSession] sync enqueue failed: connector=%d mailbox=%s", conn.ID, key.mailbox)
			} else if enqueued {
				w.log.Debug("[Watcher.runSession] mailbox changed, sync enqueued: connector=%d mailbox=%s", conn.ID, key.mailbox)
			}
		}
	}
}
