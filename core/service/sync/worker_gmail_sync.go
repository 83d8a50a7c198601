package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailworker/config"
	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/core/service/auth"
	"mailworker/core/service/events"
	"mailworker/core/service/mailbox"
	"mailworker/pkg/apperr"
	"mailworker/pkg/logger"
)

// GmailSyncService - Gmail API 동기화 드라이버.
// 부트스트랩은 메타데이터 우선(full list), 이후에는 history 증분.
type GmailSyncService struct {
	runner     *Runner
	states     out.SyncStateRepository
	messages   out.MessageRepository
	connectors out.ConnectorRepository
	gmail      out.GmailClient
	queue      out.JobQueue
	tokens     *auth.TokenManager
	bus        *events.Bus
	ing        *ingestor
	cfg        *config.Config
	log        *logger.Logger
}

func NewGmailSyncService(
	runner *Runner,
	states out.SyncStateRepository,
	messages out.MessageRepository,
	connectors out.ConnectorRepository,
	gmail out.GmailClient,
	blobs out.BlobStore,
	parser out.MessageParser,
	threads out.ThreadResolver,
	queue out.JobQueue,
	tokens *auth.TokenManager,
	bus *events.Bus,
	cfg *config.Config,
) *GmailSyncService {
	return &GmailSyncService{
		runner:     runner,
		states:     states,
		messages:   messages,
		connectors: connectors,
		gmail:      gmail,
		queue:      queue,
		tokens:     tokens,
		bus:        bus,
		ing:        newIngestor(messages, blobs, parser, threads, queue, bus),
		cfg:        cfg,
		log:        logger.WithField("component", "gmail_sync"),
	}
}

// Sync runs one claimed pass for (connector, mailbox).
func (s *GmailSyncService) Sync(ctx context.Context, userID uuid.UUID, connectorID int64, mbox string, opts domain.SyncJobOptions) domain.SyncOutcome {
	conn, err := s.connectors.GetIncoming(ctx, connectorID)
	if err != nil {
		return domain.SyncFatal(apperr.NotFound("connector"))
	}
	if conn.Status != domain.ConnectorStatusActive {
		return domain.SyncFatal(apperr.BadRequest("connector is not active"))
	}

	canonical := mailbox.NormalizeGmailPath(mbox)

	authCfg, err := s.tokens.EnsureValidGoogleAccessToken(ctx, domain.OAuthConnectorIncoming, conn.ID, conn.Auth, false)
	if err != nil {
		return domain.SyncFatal(err)
	}

	return s.runner.Run(ctx, userID, connectorID, canonical, func(ctx context.Context, rs *RunState) error {
		return s.run(ctx, rs, userID, conn, canonical, authCfg, opts)
	})
}

func (s *GmailSyncService) run(ctx context.Context, rs *RunState, userID uuid.UUID, conn *domain.IncomingConnector, canonical string, authCfg domain.AuthConfig, opts domain.SyncJobOptions) error {
	if !conn.Sync.GmailAPIBootstrapped || rs.Prior.Modseq == nil {
		return s.bootstrap(ctx, rs, userID, conn, canonical, authCfg)
	}
	return s.incremental(ctx, rs, userID, conn, canonical, authCfg, opts)
}

// =============================================================================
// Bootstrap - 전체 목록 + 메타데이터 (본문은 백그라운드 하이드레이션)
// =============================================================================

func (s *GmailSyncService) bootstrap(ctx context.Context, rs *RunState, userID uuid.UUID, conn *domain.IncomingConnector, canonical string, authCfg domain.AuthConfig) error {
	profile, err := s.gmail.GetProfile(ctx, authCfg)
	if err != nil {
		return err
	}

	if err := s.fullListPass(ctx, rs, userID, conn, canonical, authCfg, false); err != nil {
		return err
	}

	// history 증분 기준점은 list 시작 전에 읽은 profile.HistoryID.
	// list 도중의 변경은 다음 증분이 다시 줍는다.
	historyID := profile.HistoryID
	if err := rs.Patch(ctx, domain.SyncStatePatch{Modseq: &historyID, ClearSyncError: true}); err != nil {
		return err
	}

	if !conn.Sync.GmailAPIBootstrapped {
		settings := conn.Sync
		settings.GmailAPIBootstrapped = true
		settings.GmailBootstrapMetadataOnly = s.cfg.GmailBootstrapMetadataOnly
		if err := s.connectors.UpdateIncomingSyncSettings(ctx, conn.ID, settings); err != nil {
			return err
		}
		conn.Sync = settings
	}

	if err := s.queue.EnqueueGmailHydration(ctx, userID, conn.ID, canonical); err != nil {
		s.log.WithError(err).Warn("[GmailSyncService.bootstrap] hydration enqueue failed: connector=%d", conn.ID)
	}
	return nil
}

// fullListPass lists every message id in the label, reconciles deletions and
// upserts metadata for the rest. Shared by bootstrap and the history-too-old
// fallback.
func (s *GmailSyncService) fullListPass(ctx context.Context, rs *RunState, userID uuid.UUID, conn *domain.IncomingConnector, canonical string, authCfg domain.AuthConfig, emitPerMessage bool) error {
	// messages.list hides spam/trash unless asked; listing those folders
	// without the flag would reconcile-delete every local row in them.
	includeSpamTrash := canonical == domain.SystemLabelSpam || canonical == domain.SystemLabelTrash
	ids, err := s.gmail.ListMessageIDs(ctx, authCfg, canonical, includeSpamTrash)
	if err != nil {
		return err
	}

	removed, err := s.messages.DeleteWhereGmailIDNotIn(ctx, conn.ID, canonical, ids)
	if err != nil {
		return err
	}
	s.ing.cleanupBlobs(ctx, removed)
	rs.Progress.ReconciledRemoved += len(removed)

	chunkSize := s.cfg.GmailBootstrapConcurrency * 4
	if chunkSize < 8 {
		chunkSize = 8
	}
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		metas, err := s.fetchMetadataConcurrent(ctx, authCfg, ids[start:end], s.cfg.GmailBootstrapConcurrency)
		if err != nil {
			return err
		}
		for _, meta := range metas {
			if meta == nil {
				continue // 목록과 조회 사이에 사라진 메시지
			}
			if err := s.upsertMeta(ctx, rs, userID, conn, canonical, meta, emitPerMessage); err != nil {
				return err
			}
			if err := rs.Tick(ctx); err != nil {
				return err
			}
		}
	}

	now := time.Now()
	return rs.Patch(ctx, domain.SyncStatePatch{LastFullReconcileAt: &now})
}

// fetchMetadataConcurrent fans metadata fetches across a bounded pool. A 404
// yields a nil slot; the first other error wins.
func (s *GmailSyncService) fetchMetadataConcurrent(ctx context.Context, authCfg domain.AuthConfig, ids []string, concurrency int) ([]*out.GmailMessageMeta, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	metas := make([]*out.GmailMessageMeta, len(ids))
	sem := make(chan struct{}, concurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, id := range ids {
		mu.Lock()
		stop := firstErr != nil
		mu.Unlock()
		if stop {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			meta, err := s.gmail.GetMessageMetadata(ctx, authCfg, id)
			if err != nil {
				if apperr.HasCode(err, apperr.CodeNotFound) {
					return
				}
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			metas[i] = meta
		}(i, id)
	}
	wg.Wait()
	return metas, firstErr
}

// =============================================================================
// Incremental - history API
// =============================================================================

func (s *GmailSyncService) incremental(ctx context.Context, rs *RunState, userID uuid.UUID, conn *domain.IncomingConnector, canonical string, authCfg domain.AuthConfig, opts domain.SyncJobOptions) error {
	startID := *rs.Prior.Modseq
	if opts.GmailHistoryIDHint != 0 && opts.GmailHistoryIDHint <= startID {
		// push 힌트가 이미 처리된 지점 - 볼 것이 없다
		return nil
	}

	history, err := s.gmail.ListHistory(ctx, authCfg, startID)
	if err != nil {
		if errors.Is(err, out.ErrGmailHistoryTooOld) {
			return s.historyFallback(ctx, rs, userID, conn, canonical, authCfg)
		}
		return err
	}

	for _, id := range history.ChangedIDs {
		if err := s.applyChanged(ctx, rs, userID, conn, canonical, authCfg, id); err != nil {
			return err
		}
		if err := rs.Tick(ctx); err != nil {
			return err
		}
	}
	for _, id := range history.DeletedIDs {
		if err := s.deleteLocal(ctx, rs, conn, canonical, id); err != nil {
			return err
		}
		if err := rs.Tick(ctx); err != nil {
			return err
		}
	}

	latest := history.LatestID
	if latest == 0 {
		latest = startID
	}
	if err := rs.Patch(ctx, domain.SyncStatePatch{Modseq: &latest, ClearSyncError: true}); err != nil {
		return err
	}

	// 주기적 full reconcile - history가 놓친 삭제를 전체 목록으로 회수
	if rs.Prior.LastFullReconcileAt == nil || time.Since(*rs.Prior.LastFullReconcileAt) >= s.cfg.FullReconcileInterval {
		if err := s.fullListPass(ctx, rs, userID, conn, canonical, authCfg, false); err != nil {
			return err
		}
	}

	// upsertMeta stores metadata only, so every inserted row needs the
	// hydration job to fetch its raw source.
	if rs.Progress.Inserted > 0 {
		if err := s.queue.EnqueueGmailHydration(ctx, userID, conn.ID, canonical); err != nil {
			s.log.WithError(err).Warn("[GmailSyncService.incremental] hydration enqueue failed: connector=%d", conn.ID)
		}
	}
	return nil
}

// historyFallback records the expired-history condition and rebuilds the
// mailbox from a full list. The event carries a stable code so the UI can
// explain why the sync restarted.
func (s *GmailSyncService) historyFallback(ctx context.Context, rs *RunState, userID uuid.UUID, conn *domain.IncomingConnector, canonical string, authCfg domain.AuthConfig) error {
	s.log.Warn("[GmailSyncService.historyFallback] history id expired, falling back to full list: connector=%d mailbox=%s", conn.ID, canonical)
	errCode := "gmail-history-fallback"
	if err := rs.Patch(ctx, domain.SyncStatePatch{SyncError: &errCode}); err != nil {
		return err
	}
	if _, err := s.bus.Emit(ctx, conn.ID, domain.EventSyncError, map[string]any{
		"mailbox": canonical,
		"code":    errCode,
	}); err != nil {
		s.log.WithError(err).Debug("[GmailSyncService.historyFallback] event emit failed: connector=%d", conn.ID)
	}

	profile, err := s.gmail.GetProfile(ctx, authCfg)
	if err != nil {
		return err
	}
	if err := s.fullListPass(ctx, rs, userID, conn, canonical, authCfg, false); err != nil {
		return err
	}
	historyID := profile.HistoryID
	if err := rs.Patch(ctx, domain.SyncStatePatch{Modseq: &historyID, ClearSyncError: true}); err != nil {
		return err
	}

	if rs.Progress.Inserted > 0 {
		if err := s.queue.EnqueueGmailHydration(ctx, userID, conn.ID, canonical); err != nil {
			s.log.WithError(err).Warn("[GmailSyncService.historyFallback] hydration enqueue failed: connector=%d", conn.ID)
		}
	}
	return nil
}

// applyChanged fetches metadata for one changed id and reconciles the local
// row. A message whose labels no longer include this mailbox is treated as
// moved away.
func (s *GmailSyncService) applyChanged(ctx context.Context, rs *RunState, userID uuid.UUID, conn *domain.IncomingConnector, canonical string, authCfg domain.AuthConfig, gmailID string) error {
	meta, err := s.gmail.GetMessageMetadata(ctx, authCfg, gmailID)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return s.deleteLocal(ctx, rs, conn, canonical, gmailID)
		}
		return err
	}
	if !hasLabel(meta.LabelIDs, canonical) {
		return s.deleteLocal(ctx, rs, conn, canonical, gmailID)
	}
	return s.upsertMeta(ctx, rs, userID, conn, canonical, meta, true)
}

func (s *GmailSyncService) deleteLocal(ctx context.Context, rs *RunState, conn *domain.IncomingConnector, canonical, gmailID string) error {
	existing, err := s.messages.GetByGmailMessageID(ctx, conn.ID, canonical, gmailID)
	if err != nil {
		return nil // 로컬에 없는 메시지의 삭제 이력
	}
	if err := s.messages.DeleteByID(ctx, existing.ID); err != nil {
		return err
	}
	s.ing.cleanupBlobs(ctx, []out.RemovedMessage{{
		ID:         existing.ID,
		RawBlobKey: existing.RawBlobKey,
	}})
	rs.Progress.ReconciledRemoved++
	return nil
}

// =============================================================================
// Upsert
// =============================================================================

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func gmailFlagsFromLabels(labels []string) (isRead, isStarred bool) {
	isRead = true
	for _, l := range labels {
		switch l {
		case "UNREAD":
			isRead = false
		case "STARRED":
			isStarred = true
		}
	}
	return isRead, isStarred
}

func (s *GmailSyncService) upsertMeta(ctx context.Context, rs *RunState, userID uuid.UUID, conn *domain.IncomingConnector, canonical string, meta *out.GmailMessageMeta, emit bool) error {
	isRead, isStarred := gmailFlagsFromLabels(meta.LabelIDs)

	if existing, err := s.messages.GetByGmailMessageID(ctx, conn.ID, canonical, meta.ID); err == nil {
		changed := existing.IsRead != isRead || existing.IsStarred != isStarred || !equalStrings(existing.Flags, meta.LabelIDs)
		if changed {
			if err := s.messages.UpdateFlags(ctx, existing.ID, isRead, isStarred, meta.LabelIDs); err != nil {
				return err
			}
			rs.Progress.Updated++
		} else {
			rs.Progress.MetadataRefreshed++
		}
		if (existing.GmailThreadID == nil || *existing.GmailThreadID == "") && meta.ThreadID != "" {
			if err := s.messages.SetGmailThreadID(ctx, existing.ID, meta.ThreadID); err != nil {
				return err
			}
		}
		return nil
	}

	headerMsgID := domain.NormalizeMessageID(meta.Headers["Message-ID"])

	// IMAP 시절에 들어온 행 backfill: 같은 Message-ID인데 gmail id가 없는 경우
	if headerMsgID != "" {
		if existing, err := s.messages.GetByHeaderMessageID(ctx, conn.ID, canonical, headerMsgID); err == nil {
			existing.GmailMessageID = &meta.ID
			if meta.ThreadID != "" {
				existing.GmailThreadID = &meta.ThreadID
			}
			existing.IsRead, existing.IsStarred, existing.Flags = isRead, isStarred, meta.LabelIDs
			existing.Meta.GmailLabelIDs = meta.LabelIDs
			existing.Meta.GmailHistoryID = meta.HistoryID
			if err := s.messages.UpdateMetadata(ctx, existing); err != nil {
				return err
			}
			rs.Progress.Updated++
			return nil
		}
	}

	msg := &domain.Message{
		IncomingConnectorID: conn.ID,
		FolderPath:          canonical,
		GmailMessageID:      &meta.ID,
		MessageID:           headerMsgID,
		Subject:             meta.Headers["Subject"],
		FromHeader:          meta.Headers["From"],
		ToHeader:            meta.Headers["To"],
		Snippet:             meta.Snippet,
		ReceivedAt:          meta.InternalDate,
		IsRead:              isRead,
		IsStarred:           isStarred,
		Flags:               meta.LabelIDs,
		Meta: domain.ProviderMeta{
			GmailLabelIDs:  meta.LabelIDs,
			GmailHistoryID: meta.HistoryID,
		},
	}
	if meta.ThreadID != "" {
		msg.GmailThreadID = &meta.ThreadID
	}
	if v := domain.NormalizeMessageID(meta.Headers["In-Reply-To"]); v != "" {
		msg.InReplyTo = &v
	}
	if v := meta.Headers["References"]; v != "" {
		msg.ReferencesHeader = &v
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		return err
	}
	rs.Progress.Inserted++

	if err := s.ing.resolveThread(ctx, msg); err != nil {
		s.log.WithError(err).Warn("[GmailSyncService.upsertMeta] thread resolution failed: message=%d", msg.ID)
	}

	if emit {
		if _, err := s.bus.Emit(ctx, conn.ID, domain.EventMessageSynced, map[string]any{
			"message_id": msg.ID,
			"mailbox":    canonical,
			"subject":    msg.Subject,
		}); err != nil {
			s.log.WithError(err).Debug("[GmailSyncService.upsertMeta] event emit failed: message=%d", msg.ID)
		}
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
