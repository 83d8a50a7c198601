package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"mailworker/config"
	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/core/service/events"
	syncsvc "mailworker/core/service/sync"
	"mailworker/core/service/watch"
	"mailworker/pkg/logger"
)

// =============================================================================
// Maintenance - 주기 작업 스케줄러
// =============================================================================
//
// Stale claim 회수, Gmail watch 갱신, 주기 동기화 발행, 이벤트 정리를
// cron으로 돌린다. 모든 작업은 멱등해서 여러 인스턴스가 겹쳐 돌아도 안전하다.

type Maintenance struct {
	cfg        *config.Config
	states     out.SyncStateRepository
	connectors out.ConnectorRepository
	bus        *events.Bus
	queue      out.JobQueue
	gmailSync  *syncsvc.GmailSyncService

	cron *cron.Cron
	log  *logger.Logger
}

func NewMaintenance(
	cfg *config.Config,
	states out.SyncStateRepository,
	connectors out.ConnectorRepository,
	bus *events.Bus,
	queue out.JobQueue,
	gmailSync *syncsvc.GmailSyncService,
) *Maintenance {
	return &Maintenance{
		cfg:        cfg,
		states:     states,
		connectors: connectors,
		bus:        bus,
		queue:      queue,
		gmailSync:  gmailSync,
		log:        logger.WithField("component", "maintenance"),
	}
}

// Start registers the schedules and launches the cron runner.
func (m *Maintenance) Start() {
	m.cron = cron.New()

	m.cron.AddFunc("@every 1m", func() { m.reapStaleClaims() })
	m.cron.AddFunc("@every 1h", func() { m.renewGmailWatches() })
	m.cron.AddFunc("@every 15m", func() { m.scheduleBackgroundSyncs() })
	m.cron.AddFunc("@every 6h", func() { m.pruneEvents() })

	m.cron.Start()
	m.log.Info("[Maintenance.Start] scheduler started")

	// 기동 직후 한 번: 재시작으로 고아가 된 claim을 바로 회수
	go m.reapStaleClaims()
}

func (m *Maintenance) Stop() {
	if m.cron != nil {
		ctx := m.cron.Stop()
		<-ctx.Done()
	}
	m.log.Info("[Maintenance.Stop] scheduler stopped")
}

// reapStaleClaims flips expired claims to error and tells each affected user.
func (m *Maintenance) reapStaleClaims() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	reaped, err := m.states.ReapStale(ctx, m.cfg.ClaimStale)
	if err != nil {
		m.log.WithError(err).Error("[Maintenance.reapStaleClaims] reap failed")
		return
	}
	for _, r := range reaped {
		m.log.Warn("[Maintenance.reapStaleClaims] reclaimed stale claim: connector=%d mailbox=%s", r.IncomingConnectorID, r.Mailbox)
		_, err := m.bus.Emit(ctx, r.IncomingConnectorID, domain.EventSyncError, map[string]any{
			"mailbox": r.Mailbox,
			"error":   "sync claim expired",
		})
		if err != nil {
			m.log.WithError(err).Warn("[Maintenance.reapStaleClaims] event emit failed: connector=%d", r.IncomingConnectorID)
		}
	}
}

// renewGmailWatches re-registers Pub/Sub watches nearing expiry.
func (m *Maintenance) renewGmailWatches() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	conns, err := m.connectors.ListActiveIncoming(ctx)
	if err != nil {
		m.log.WithError(err).Error("[Maintenance.renewGmailWatches] connector listing failed")
		return
	}
	for _, conn := range conns {
		if conn.Provider != domain.ProviderGmail {
			continue
		}
		if err := m.gmailSync.EnsureGmailWatch(ctx, conn); err != nil {
			m.log.WithError(err).Warn("[Maintenance.renewGmailWatches] watch renewal failed: connector=%d", conn.ID)
		}
	}
}

// scheduleBackgroundSyncs enqueues a low-priority sync per watched mailbox.
// The enqueue guard skips mailboxes that are already syncing or queued.
func (m *Maintenance) scheduleBackgroundSyncs() {
	if !m.cfg.SchedulerEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conns, err := m.connectors.ListActiveIncoming(ctx)
	if err != nil {
		m.log.WithError(err).Error("[Maintenance.scheduleBackgroundSyncs] connector listing failed")
		return
	}
	enqueued := 0
	for _, conn := range conns {
		for _, mailbox := range watch.SanitizeWatchMailboxes(conn) {
			ok, err := m.queue.EnqueueSyncWithOptions(ctx, conn.UserID, conn.ID, mailbox,
				domain.SyncJobOptions{Priority: domain.JobPriorityLow})
			if err != nil {
				m.log.WithError(err).Warn("[Maintenance.scheduleBackgroundSyncs] enqueue failed: connector=%d mailbox=%s", conn.ID, mailbox)
				continue
			}
			if ok {
				enqueued++
			}
		}
	}
	if enqueued > 0 {
		m.log.Info("[Maintenance.scheduleBackgroundSyncs] enqueued %d background syncs", enqueued)
	}
}

func (m *Maintenance) pruneEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := m.bus.Prune(ctx, m.cfg.EventRetentionDays, m.cfg.EventPruneBatchSize, m.cfg.EventPruneMaxBatches); err != nil {
		m.log.WithError(err).Error("[Maintenance.pruneEvents] prune failed")
	}
}
