package sync

import (
	"context"
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

// normalizeForConnector keys sync state by Gmail canonical ids on Gmail-like
// connectors and by the raw mailbox name everywhere else.
func normalizeForConnector(conn *domain.IncomingConnector, mbox string) string {
	if conn.IsGmailLike() {
		return mailbox.NormalizeGmailPath(mbox)
	}
	if mbox == "" {
		return "INBOX"
	}
	return mbox
}

// ImapSyncService - IMAP 동기화 드라이버.
// UIDVALIDITY 리셋, CONDSTORE 증분, 신규 UID 수집, 꼬리 윈도우 플래그
// 동기화, 주기적 reconcile을 한 클레임 안에서 수행한다.
type ImapSyncService struct {
	runner     *Runner
	states     out.SyncStateRepository
	messages   out.MessageRepository
	connectors out.ConnectorRepository
	dialer     out.ImapDialer
	dirs       *mailbox.DirectoryCache
	tokens     *auth.TokenManager
	bus        *events.Bus
	ing        *ingestor
	cfg        *config.Config
	log        *logger.Logger
}

func NewImapSyncService(
	runner *Runner,
	states out.SyncStateRepository,
	messages out.MessageRepository,
	connectors out.ConnectorRepository,
	dialer out.ImapDialer,
	dirs *mailbox.DirectoryCache,
	blobs out.BlobStore,
	parser out.MessageParser,
	threads out.ThreadResolver,
	queue out.JobQueue,
	tokens *auth.TokenManager,
	bus *events.Bus,
	cfg *config.Config,
) *ImapSyncService {
	return &ImapSyncService{
		runner:     runner,
		states:     states,
		messages:   messages,
		connectors: connectors,
		dialer:     dialer,
		dirs:       dirs,
		tokens:     tokens,
		bus:        bus,
		ing:        newIngestor(messages, blobs, parser, threads, queue, bus),
		cfg:        cfg,
		log:        logger.WithField("component", "imap_sync"),
	}
}

// Sync runs one claimed pass for (connector, mailbox).
func (s *ImapSyncService) Sync(ctx context.Context, userID uuid.UUID, connectorID int64, mbox string) domain.SyncOutcome {
	conn, err := s.connectors.GetIncoming(ctx, connectorID)
	if err != nil {
		return domain.SyncFatal(apperr.NotFound("connector"))
	}
	if conn.Status != domain.ConnectorStatusActive {
		return domain.SyncFatal(apperr.BadRequest("connector is not active"))
	}

	canonical := normalizeForConnector(conn, mbox)

	// XOAUTH2 접속 전에 선제 갱신 - 연결 중간 만료를 피한다
	if conn.Auth.IsOAuth2() && auth.IsTokenExpiringSoon(conn.Auth, 0) {
		refreshed, err := s.tokens.EnsureValidGoogleAccessToken(ctx, domain.OAuthConnectorIncoming, conn.ID, conn.Auth, false)
		if err != nil {
			return domain.SyncFatal(err)
		}
		conn.Auth = refreshed
	}

	return s.runner.Run(ctx, userID, connectorID, canonical, func(ctx context.Context, rs *RunState) error {
		return s.run(ctx, rs, userID, conn, canonical)
	})
}

func (s *ImapSyncService) run(ctx context.Context, rs *RunState, userID uuid.UUID, conn *domain.IncomingConnector, canonical string) error {
	session, err := s.dialer.Open(ctx, conn)
	if err != nil {
		return err
	}
	defer session.Close()

	serverPath := canonical
	if conn.IsGmailLike() {
		resolved, err := s.dirs.ResolveServerPath(ctx, conn.ID, session, canonical)
		if err != nil {
			return err
		}
		serverPath = resolved
	}

	status, err := session.Select(ctx, serverPath)
	if err != nil {
		return err
	}

	prior := rs.Prior

	// UIDVALIDITY가 바뀌면 저장된 UID 전부가 무효 - 폴더를 비우고 처음부터
	if prior.UIDValidity != nil && *prior.UIDValidity != status.UIDValidity {
		if err := s.resetForUIDValidity(ctx, rs, conn, canonical, status.UIDValidity); err != nil {
			return err
		}
		prior = rs.Prior
	} else if prior.UIDValidity == nil {
		v := status.UIDValidity
		if err := rs.Patch(ctx, domain.SyncStatePatch{UIDValidity: &v}); err != nil {
			return err
		}
	}

	condstoreCovered := false
	if prior.Modseq != nil && status.HighestModseq > 0 {
		if status.HighestModseq > *prior.Modseq {
			if err := s.syncChangedSince(ctx, rs, conn, canonical, session, *prior.Modseq); err != nil {
				return err
			}
		}
		condstoreCovered = true
	}

	maxUID, err := s.syncNewMessages(ctx, rs, userID, conn, canonical, session, status)
	if err != nil {
		return err
	}

	// CONDSTORE가 없으면 최근 윈도우의 플래그를 폴링으로 맞춘다
	if !condstoreCovered && prior.LastSeenUID > 0 {
		if err := s.syncFlagWindow(ctx, rs, conn, canonical, session, prior.LastSeenUID); err != nil {
			return err
		}
	}

	if err := s.reconcile(ctx, rs, conn, canonical, session, maxUID); err != nil {
		return err
	}

	if err := s.rehydrate(ctx, rs, userID, conn, canonical, session); err != nil {
		return err
	}

	patch := domain.SyncStatePatch{ClearSyncError: true}
	if maxUID > prior.LastSeenUID {
		v := maxUID
		patch.LastSeenUID = &v
	}
	if status.UIDNext > 0 {
		h := status.UIDNext - 1
		patch.HighestUID = &h
	}
	if status.HighestModseq > 0 {
		m := status.HighestModseq
		patch.Modseq = &m
	}
	return rs.Patch(ctx, patch)
}

// =============================================================================
// UIDVALIDITY reset
// =============================================================================

func (s *ImapSyncService) resetForUIDValidity(ctx context.Context, rs *RunState, conn *domain.IncomingConnector, canonical string, newValidity uint32) error {
	s.log.Warn("[ImapSyncService.resetForUIDValidity] uidvalidity changed, purging folder: connector=%d mailbox=%s", conn.ID, canonical)

	removed, err := s.messages.PurgeFolder(ctx, conn.ID, canonical)
	if err != nil {
		return err
	}
	s.ing.cleanupBlobs(ctx, removed)
	rs.Progress.ReconciledRemoved += len(removed)

	zero := uint32(0)
	if err := rs.Patch(ctx, domain.SyncStatePatch{
		UIDValidity:        &newValidity,
		LastSeenUID:        &zero,
		HighestUID:         &zero,
		ClearModseq:        true,
		ClearFullReconcile: true,
	}); err != nil {
		return err
	}

	rs.Prior.UIDValidity = &newValidity
	rs.Prior.LastSeenUID = 0
	rs.Prior.HighestUID = 0
	rs.Prior.Modseq = nil
	rs.Prior.LastFullReconcileAt = nil

	if _, err := s.bus.Emit(ctx, conn.ID, domain.EventSyncInfo, map[string]any{
		"mailbox": canonical,
		"kind":    "uidvalidity_reset",
	}); err != nil {
		s.log.WithError(err).Debug("[ImapSyncService.resetForUIDValidity] event emit failed: connector=%d", conn.ID)
	}
	return nil
}

// =============================================================================
// CONDSTORE 증분 (플래그/삭제)
// =============================================================================

func (s *ImapSyncService) syncChangedSince(ctx context.Context, rs *RunState, conn *domain.IncomingConnector, canonical string, session out.ImapSession, sinceModseq uint64) error {
	metas, err := session.FetchChangedSince(ctx, sinceModseq)
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if meta.UID > rs.Prior.LastSeenUID {
			continue // 신규 메시지는 새 UID 경로가 처리
		}
		if err := s.applyFlagMeta(ctx, rs, conn, canonical, meta); err != nil {
			return err
		}
		if err := rs.Tick(ctx); err != nil {
			return err
		}
	}
	return nil
}

func imapFlagsFromMeta(flags []string) (isRead, isStarred bool) {
	for _, f := range flags {
		switch f {
		case `\Seen`:
			isRead = true
		case `\Flagged`:
			isStarred = true
		}
	}
	return isRead, isStarred
}

func (s *ImapSyncService) applyFlagMeta(ctx context.Context, rs *RunState, conn *domain.IncomingConnector, canonical string, meta out.ImapMessageMeta) error {
	existing, err := s.messages.GetByUID(ctx, conn.ID, canonical, meta.UID)
	if err != nil {
		return nil // 아직 로컬에 없는 UID
	}
	isRead, isStarred := imapFlagsFromMeta(meta.Flags)
	if existing.IsRead == isRead && existing.IsStarred == isStarred && equalStrings(existing.Flags, meta.Flags) {
		rs.Progress.MetadataRefreshed++
		return nil
	}
	if err := s.messages.UpdateFlags(ctx, existing.ID, isRead, isStarred, meta.Flags); err != nil {
		return err
	}
	rs.Progress.Updated++
	return nil
}

// =============================================================================
// 신규 메시지 수집
// =============================================================================

func (s *ImapSyncService) syncNewMessages(ctx context.Context, rs *RunState, userID uuid.UUID, conn *domain.IncomingConnector, canonical string, session out.ImapSession, status *out.ImapMailboxStatus) (uint32, error) {
	maxUID := rs.Prior.LastSeenUID
	fromUID := rs.Prior.LastSeenUID + 1
	if status.UIDNext > 0 && fromUID >= status.UIDNext {
		return maxUID, nil // 새 메시지 없음
	}

	metas, err := session.FetchMetaRange(ctx, fromUID, 0)
	if err != nil {
		return maxUID, err
	}
	if len(metas) == 0 {
		return maxUID, nil
	}

	metaByUID := make(map[uint32]out.ImapMessageMeta, len(metas))
	uids := make([]uint32, 0, len(metas))
	for _, meta := range metas {
		metaByUID[meta.UID] = meta
		uids = append(uids, meta.UID)
	}

	batch := s.cfg.SourceFetchBatchSize
	if batch < 1 {
		batch = 25
	}
	for start := 0; start < len(uids); start += batch {
		end := start + batch
		if end > len(uids) {
			end = len(uids)
		}
		sources, err := session.FetchSource(ctx, uids[start:end])
		if err != nil {
			return maxUID, err
		}
		for _, src := range sources {
			meta := metaByUID[src.UID]
			if err := s.createFromImap(ctx, rs, userID, conn, canonical, status.UIDValidity, meta, src.Raw); err != nil {
				return maxUID, err
			}
			if src.UID > maxUID {
				maxUID = src.UID
			}
			if err := rs.Tick(ctx); err != nil {
				return maxUID, err
			}
		}

		// 긴 수집 중에도 워터마크가 전진하도록 배치마다 기록
		v := maxUID
		if err := rs.Patch(ctx, domain.SyncStatePatch{LastSeenUID: &v}); err != nil {
			return maxUID, err
		}
	}
	return maxUID, nil
}

func (s *ImapSyncService) createFromImap(ctx context.Context, rs *RunState, userID uuid.UUID, conn *domain.IncomingConnector, canonical string, uidValidity uint32, meta out.ImapMessageMeta, raw []byte) error {
	if _, err := s.messages.GetByUID(ctx, conn.ID, canonical, meta.UID); err == nil {
		return nil // 재전달된 잡이 이미 넣은 행
	}

	isRead, isStarred := imapFlagsFromMeta(meta.Flags)
	uid := meta.UID
	validity := uidValidity
	msg := &domain.Message{
		IncomingConnectorID: conn.ID,
		FolderPath:          canonical,
		UID:                 &uid,
		MessageID:           domain.NormalizeMessageID(meta.MessageID),
		Subject:             meta.Subject,
		FromHeader:          meta.From,
		ToHeader:            meta.To,
		ReceivedAt:          meta.InternalDate,
		IsRead:              isRead,
		IsStarred:           isStarred,
		Flags:               meta.Flags,
		MailboxUIDValidity:  &validity,
	}
	if v := domain.NormalizeMessageID(meta.InReplyTo); v != "" {
		msg.InReplyTo = &v
	}
	if meta.References != "" {
		refs := meta.References
		msg.ReferencesHeader = &refs
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		return err
	}
	rs.Progress.Inserted++

	if err := s.ing.hydrateFromRaw(ctx, userID, msg, raw); err != nil {
		s.log.WithError(err).Warn("[ImapSyncService.createFromImap] hydration failed: message=%d", msg.ID)
	}

	if _, err := s.bus.Emit(ctx, conn.ID, domain.EventMessageSynced, map[string]any{
		"message_id": msg.ID,
		"mailbox":    canonical,
		"subject":    msg.Subject,
	}); err != nil {
		s.log.WithError(err).Debug("[ImapSyncService.createFromImap] event emit failed: message=%d", msg.ID)
	}
	return nil
}

// =============================================================================
// 꼬리 윈도우 플래그 동기화 (CONDSTORE 미지원 서버)
// =============================================================================

func (s *ImapSyncService) syncFlagWindow(ctx context.Context, rs *RunState, conn *domain.IncomingConnector, canonical string, session out.ImapSession, lastSeenUID uint32) error {
	window := s.cfg.FlagSyncWindow
	if window == 0 {
		return nil
	}
	fromUID := uint32(1)
	if lastSeenUID > window {
		fromUID = lastSeenUID - window + 1
	}
	metas, err := session.FetchMetaRange(ctx, fromUID, lastSeenUID)
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if err := s.applyFlagMeta(ctx, rs, conn, canonical, meta); err != nil {
			return err
		}
		if err := rs.Tick(ctx); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Reconcile - 서버에서 사라진 UID 제거
// =============================================================================

// reconcile compares the server UID set against local rows. The full pass
// covers the whole folder on an interval; between full passes only the recent
// UID window is checked so expunges near the top surface quickly.
func (s *ImapSyncService) reconcile(ctx context.Context, rs *RunState, conn *domain.IncomingConnector, canonical string, session out.ImapSession, maxUID uint32) error {
	fullDue := rs.Prior.LastFullReconcileAt == nil ||
		time.Since(*rs.Prior.LastFullReconcileAt) >= s.cfg.FullReconcileInterval

	serverUIDs, err := session.SearchAllUIDs(ctx)
	if err != nil {
		return err
	}

	var minUID uint32
	seen := serverUIDs
	if !fullDue {
		window := s.cfg.RecentReconcileUIDWindow
		if window == 0 || maxUID <= window {
			minUID = 0
		} else {
			minUID = maxUID - window
		}
		if minUID > 0 {
			seen = seen[:0:0]
			for _, uid := range serverUIDs {
				if uid > minUID {
					seen = append(seen, uid)
				}
			}
		}
	}

	removed, err := s.messages.DeleteWhereUIDNotIn(ctx, conn.ID, canonical, seen, minUID)
	if err != nil {
		return err
	}
	s.ing.cleanupBlobs(ctx, removed)
	rs.Progress.ReconciledRemoved += len(removed)

	if fullDue {
		now := time.Now()
		return rs.Patch(ctx, domain.SyncStatePatch{LastFullReconcileAt: &now})
	}
	return nil
}

// =============================================================================
// Rehydrate - 본문 없는 행 재수화
// =============================================================================

// rehydrate refetches source for rows whose blob upload or parse failed on an
// earlier pass and left raw_blob_key null. One bounded batch per run; the
// remainder waits for the next claim.
func (s *ImapSyncService) rehydrate(ctx context.Context, rs *RunState, userID uuid.UUID, conn *domain.IncomingConnector, canonical string, session out.ImapSession) error {
	batch := s.cfg.SourceFetchBatchSize
	if batch < 1 {
		batch = 25
	}
	rows, err := s.messages.ListMissingContent(ctx, conn.ID, canonical, batch)
	if err != nil {
		return err
	}

	byUID := make(map[uint32]*domain.Message, len(rows))
	uids := make([]uint32, 0, len(rows))
	for _, row := range rows {
		if row.UID == nil {
			continue
		}
		byUID[*row.UID] = row
		uids = append(uids, *row.UID)
	}
	if len(uids) == 0 {
		return nil
	}

	sources, err := session.FetchSource(ctx, uids)
	if err != nil {
		return err
	}
	for _, src := range sources {
		msg, ok := byUID[src.UID]
		if !ok {
			continue
		}
		if err := s.ing.hydrateFromRaw(ctx, userID, msg, src.Raw); err != nil {
			s.log.WithError(err).Warn("[ImapSyncService.rehydrate] hydration failed: message=%d", msg.ID)
			continue
		}
		rs.Progress.Updated++
		if err := rs.Tick(ctx); err != nil {
			return err
		}
	}
	return nil
}
