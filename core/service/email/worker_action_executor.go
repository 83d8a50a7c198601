package email

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/core/service/auth"
	"mailworker/core/service/events"
	"mailworker/core/service/mailbox"
	"mailworker/pkg/apperr"
	"mailworker/pkg/logger"
)

const imapActionTimeout = 60 * time.Second

// ActionService - 메시지 단위/스레드 단위 액션 실행기
type ActionService struct {
	messages   out.MessageRepository
	connectors out.ConnectorRepository
	gmail      out.GmailClient
	imap       out.ImapDialer
	dirs       *mailbox.DirectoryCache
	tokens     *auth.TokenManager
	bus        *events.Bus
	log        *logger.Logger
}

func NewActionService(
	messages out.MessageRepository,
	connectors out.ConnectorRepository,
	gmail out.GmailClient,
	imap out.ImapDialer,
	dirs *mailbox.DirectoryCache,
	tokens *auth.TokenManager,
	bus *events.Bus,
) *ActionService {
	return &ActionService{
		messages:   messages,
		connectors: connectors,
		gmail:      gmail,
		imap:       imap,
		dirs:       dirs,
		tokens:     tokens,
		bus:        bus,
		log:        logger.WithField("component", "action_executor"),
	}
}

// loadOwned - 소유권 검증 (메시지 → 커넥터 → 사용자). 실패는 전부 not found.
func (s *ActionService) loadOwned(ctx context.Context, userID uuid.UUID, messageID, connectorID int64) (*domain.Message, *domain.IncomingConnector, error) {
	msg, err := s.messages.GetOwned(ctx, userID, messageID)
	if err != nil {
		return nil, nil, apperr.NotFound("message")
	}
	if msg.IncomingConnectorID != connectorID {
		return nil, nil, apperr.NotFound("message")
	}
	conn, err := s.connectors.GetIncomingOwned(ctx, userID, connectorID)
	if err != nil {
		return nil, nil, apperr.NotFound("message")
	}
	return msg, conn, nil
}

func (s *ActionService) emitUpdated(ctx context.Context, connectorID, messageID int64, change string) {
	if _, err := s.bus.Emit(ctx, connectorID, domain.EventMessageUpdated, map[string]any{
		"message_id": messageID,
		"change":     change,
	}); err != nil {
		s.log.WithError(err).Debug("[ActionService.emitUpdated] event emit failed: message=%d", messageID)
	}
}

// =============================================================================
// Read / Star
// =============================================================================

func (s *ActionService) SetMessageReadState(ctx context.Context, userID uuid.UUID, messageID, connectorID int64, folder string, uid *uint32, isRead bool) error {
	return s.setFlagState(ctx, userID, messageID, connectorID, folder, uid, &isRead, nil)
}

func (s *ActionService) SetMessageStarredState(ctx context.Context, userID uuid.UUID, messageID, connectorID int64, folder string, uid *uint32, isStarred bool) error {
	return s.setFlagState(ctx, userID, messageID, connectorID, folder, uid, nil, &isStarred)
}

func (s *ActionService) setFlagState(ctx context.Context, userID uuid.UUID, messageID, connectorID int64, folder string, uid *uint32, isRead, isStarred *bool) error {
	msg, conn, err := s.loadOwned(ctx, userID, messageID, connectorID)
	if err != nil {
		return err
	}

	// 롤백 스냅샷
	prevRead, prevStarred := msg.IsRead, msg.IsStarred
	prevFlags := append([]string(nil), msg.Flags...)

	if isRead != nil {
		msg.IsRead = *isRead
	}
	if isStarred != nil {
		msg.IsStarred = *isStarred
	}

	// 낙관적 로컬 반영
	if err := s.messages.UpdateFlags(ctx, msg.ID, msg.IsRead, msg.IsStarred, msg.Flags); err != nil {
		return err
	}

	rollback := func() {
		if rbErr := s.messages.UpdateFlags(ctx, msg.ID, prevRead, prevStarred, prevFlags); rbErr != nil {
			s.log.WithError(rbErr).Error("[ActionService.setFlagState] rollback failed: message=%d", msg.ID)
		}
	}

	if conn.Provider == domain.ProviderGmail {
		if err := s.gmailFlagModify(ctx, conn, msg, isRead, isStarred); err != nil {
			rollback()
			return err
		}
	} else {
		if err := s.imapFlagModify(ctx, conn, msg, folder, uid, isRead, isStarred); err != nil {
			rollback()
			return err
		}
	}

	if isStarred != nil {
		if err := syncSystemLabels(ctx, s.messages, msg); err != nil {
			s.log.WithError(err).Warn("[ActionService.setFlagState] system label sync failed: message=%d", msg.ID)
		}
	}
	s.emitUpdated(ctx, connectorID, msg.ID, "flags")
	return nil
}

func (s *ActionService) gmailFlagModify(ctx context.Context, conn *domain.IncomingConnector, msg *domain.Message, isRead, isStarred *bool) error {
	if msg.GmailMessageID == nil {
		return apperr.BadRequest("message has no gmail id")
	}
	authCfg, err := s.tokens.EnsureValidGoogleAccessToken(ctx, domain.OAuthConnectorIncoming, conn.ID, conn.Auth, false)
	if err != nil {
		return err
	}

	var add, remove []string
	if isRead != nil {
		if *isRead {
			remove = append(remove, "UNREAD")
		} else {
			add = append(add, "UNREAD")
		}
	}
	if isStarred != nil {
		if *isStarred {
			add = append(add, "STARRED")
		} else {
			remove = append(remove, "STARRED")
		}
	}

	labelIDs, err := s.gmail.Modify(ctx, authCfg, *msg.GmailMessageID, add, remove)
	if err != nil {
		return apperr.UpstreamError("gmail modify", err)
	}
	// 서버가 돌려준 라벨이 진실
	s.reconcileFromLabels(ctx, msg, labelIDs)
	return nil
}

// reconcileFromLabels - 반환된 labelIds 기준으로 로컬 플래그 확정
func (s *ActionService) reconcileFromLabels(ctx context.Context, msg *domain.Message, labelIDs []string) {
	isRead, isStarred := true, false
	for _, l := range labelIDs {
		switch l {
		case "UNREAD":
			isRead = false
		case "STARRED":
			isStarred = true
		}
	}
	msg.IsRead, msg.IsStarred, msg.Flags = isRead, isStarred, labelIDs
	if err := s.messages.UpdateFlags(ctx, msg.ID, isRead, isStarred, labelIDs); err != nil {
		s.log.WithError(err).Warn("[ActionService.reconcileFromLabels] local reconcile failed: message=%d", msg.ID)
	}
}

func (s *ActionService) imapFlagModify(ctx context.Context, conn *domain.IncomingConnector, msg *domain.Message, folder string, uid *uint32, isRead, isStarred *bool) error {
	if uid == nil {
		if msg.UID == nil {
			return apperr.BadRequest("message uid unavailable")
		}
		uid = msg.UID
	}
	return s.withImapSession(ctx, conn, folder, func(ctx context.Context, session out.ImapSession) error {
		if isRead != nil {
			if *isRead {
				if err := session.AddFlags(ctx, *uid, []string{`\Seen`}); err != nil {
					return err
				}
			} else if err := session.RemoveFlags(ctx, *uid, []string{`\Seen`}); err != nil {
				return err
			}
		}
		if isStarred != nil {
			if *isStarred {
				if err := session.AddFlags(ctx, *uid, []string{`\Flagged`}); err != nil {
					return err
				}
			} else if err := session.RemoveFlags(ctx, *uid, []string{`\Flagged`}); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// Move
// =============================================================================

func (s *ActionService) MoveMessageInMailbox(ctx context.Context, userID uuid.UUID, messageID, connectorID int64, sourceFolder, destFolder string, uid *uint32) error {
	msg, conn, err := s.loadOwned(ctx, userID, messageID, connectorID)
	if err != nil {
		return err
	}

	destCanonical := mailbox.NormalizeGmailPath(destFolder)
	archiveAlias := destCanonical == mailbox.CanonicalAll || destCanonical == mailbox.CanonicalArchive
	if archiveAlias && !conn.IsGmailLike() {
		return apperr.BadRequest("archive is not supported on this connector")
	}

	if conn.Provider == domain.ProviderGmail {
		return s.gmailMove(ctx, conn, msg, sourceFolder, destCanonical, archiveAlias)
	}
	return s.imapMove(ctx, conn, msg, sourceFolder, destFolder, uid)
}

func (s *ActionService) gmailMove(ctx context.Context, conn *domain.IncomingConnector, msg *domain.Message, sourceFolder, destCanonical string, archiveAlias bool) error {
	if msg.GmailMessageID == nil {
		return apperr.BadRequest("message has no gmail id")
	}
	authCfg, err := s.tokens.EnsureValidGoogleAccessToken(ctx, domain.OAuthConnectorIncoming, conn.ID, conn.Auth, false)
	if err != nil {
		return err
	}

	source := mailbox.NormalizeGmailPath(sourceFolder)
	var add []string
	remove := []string{source}
	localFolder := destCanonical
	if archiveAlias {
		// archive = 소스 라벨 제거만, 로컬은 ALL
		localFolder = domain.SystemLabelAll
	} else {
		add = append(add, destCanonical)
	}

	labelIDs, err := s.gmail.Modify(ctx, authCfg, *msg.GmailMessageID, add, remove)
	if err != nil {
		return apperr.UpstreamError("gmail move", err)
	}

	msg.FolderPath = localFolder
	if err := s.messages.UpdateFolderPath(ctx, msg.ID, localFolder); err != nil {
		return err
	}
	s.reconcileFromLabels(ctx, msg, labelIDs)
	if err := syncSystemLabels(ctx, s.messages, msg); err != nil {
		s.log.WithError(err).Warn("[ActionService.gmailMove] system label sync failed: message=%d", msg.ID)
	}
	s.emitUpdated(ctx, conn.ID, msg.ID, "move")
	return nil
}

func (s *ActionService) imapMove(ctx context.Context, conn *domain.IncomingConnector, msg *domain.Message, sourceFolder, destFolder string, uid *uint32) error {
	if uid == nil {
		if msg.UID == nil {
			return apperr.BadRequest("message uid unavailable")
		}
		uid = msg.UID
	}

	prevFolder := msg.FolderPath
	destLocal := destFolder
	if conn.IsGmailLike() {
		destLocal = mailbox.NormalizeGmailPath(destFolder)
	}

	// 낙관적 로컬 이동
	msg.FolderPath = destLocal
	if err := s.messages.UpdateFolderPath(ctx, msg.ID, destLocal); err != nil {
		return err
	}

	err := s.withImapSession(ctx, conn, sourceFolder, func(ctx context.Context, session out.ImapSession) error {
		dest := destFolder
		if conn.IsGmailLike() {
			resolved, rerr := s.dirs.ResolveServerPath(ctx, conn.ID, session, destLocal)
			if rerr != nil {
				return rerr
			}
			dest = resolved
		}
		return session.Move(ctx, *uid, dest)
	})
	if err != nil {
		msg.FolderPath = prevFolder
		if rbErr := s.messages.UpdateFolderPath(ctx, msg.ID, prevFolder); rbErr != nil {
			s.log.WithError(rbErr).Error("[ActionService.imapMove] rollback failed: message=%d", msg.ID)
		}
		return apperr.UpstreamError("imap move", err)
	}

	if err := syncSystemLabels(ctx, s.messages, msg); err != nil {
		s.log.WithError(err).Warn("[ActionService.imapMove] system label sync failed: message=%d", msg.ID)
	}
	s.emitUpdated(ctx, conn.ID, msg.ID, "move")
	return nil
}

// =============================================================================
// Delete
// =============================================================================

func (s *ActionService) DeleteMessageFromMailbox(ctx context.Context, userID uuid.UUID, messageID, connectorID int64, folder string, uid *uint32) error {
	msg, conn, err := s.loadOwned(ctx, userID, messageID, connectorID)
	if err != nil {
		return err
	}

	if conn.Provider == domain.ProviderGmail {
		if msg.GmailMessageID == nil {
			return apperr.BadRequest("message has no gmail id")
		}
		authCfg, err := s.tokens.EnsureValidGoogleAccessToken(ctx, domain.OAuthConnectorIncoming, conn.ID, conn.Auth, false)
		if err != nil {
			return err
		}
		if err := s.gmail.Trash(ctx, authCfg, *msg.GmailMessageID); err != nil {
			return apperr.UpstreamError("gmail trash", err)
		}
	} else {
		if uid == nil {
			if msg.UID == nil {
				return apperr.BadRequest("message uid unavailable")
			}
			uid = msg.UID
		}
		err := s.withImapSession(ctx, conn, folder, func(ctx context.Context, session out.ImapSession) error {
			return session.Delete(ctx, *uid)
		})
		if err != nil {
			return apperr.UpstreamError("imap delete", err)
		}
	}

	if err := s.messages.DeleteByID(ctx, msg.ID); err != nil {
		return err
	}
	s.emitUpdated(ctx, connectorID, msg.ID, "delete")
	return nil
}

// =============================================================================
// Labels
// =============================================================================

func (s *ActionService) applyLabels(ctx context.Context, conn *domain.IncomingConnector, msg *domain.Message, addKeys, removeKeys []string) error {
	if len(addKeys) == 0 && len(removeKeys) == 0 {
		return nil
	}
	if conn.Provider == domain.ProviderGmail {
		if msg.GmailMessageID == nil {
			return apperr.BadRequest("message has no gmail id")
		}
		authCfg, err := s.tokens.EnsureValidGoogleAccessToken(ctx, domain.OAuthConnectorIncoming, conn.ID, conn.Auth, false)
		if err != nil {
			return err
		}
		labelIDs, err := s.gmail.Modify(ctx, authCfg, *msg.GmailMessageID, addKeys, removeKeys)
		if err != nil {
			return apperr.UpstreamError("gmail label modify", err)
		}
		s.reconcileFromLabels(ctx, msg, labelIDs)
		return nil
	}

	if msg.UID == nil {
		return apperr.BadRequest("message uid unavailable")
	}
	return s.withImapSession(ctx, conn, msg.FolderPath, func(ctx context.Context, session out.ImapSession) error {
		if len(addKeys) > 0 {
			if err := session.AddFlags(ctx, *msg.UID, addKeys); err != nil {
				return err
			}
		}
		if len(removeKeys) > 0 {
			return session.RemoveFlags(ctx, *msg.UID, removeKeys)
		}
		return nil
	})
}

// =============================================================================
// Thread fan-out
// =============================================================================

// ThreadActions - 스레드 전체에 적용할 액션 부분집합
type ThreadActions struct {
	IsRead          *bool
	IsStarred       *bool
	MoveToFolder    *string
	Delete          bool
	AddLabelKeys    []string
	RemoveLabelKeys []string
}

// ApplyThreadMessageActions loads every thread message owned by the user and
// applies the requested subset in order labels → read → star → move → delete.
func (s *ActionService) ApplyThreadMessageActions(ctx context.Context, userID uuid.UUID, anchorMessageID int64, actions ThreadActions) error {
	anchor, err := s.messages.GetOwned(ctx, userID, anchorMessageID)
	if err != nil {
		return apperr.NotFound("message")
	}

	var siblings []*domain.Message
	if anchor.ThreadID != nil {
		siblings, err = s.messages.ListThreadMessages(ctx, userID, *anchor.ThreadID)
		if err != nil {
			return err
		}
	}
	if len(siblings) == 0 {
		siblings = []*domain.Message{anchor}
	}

	for _, msg := range siblings {
		conn, err := s.connectors.GetIncomingOwned(ctx, userID, msg.IncomingConnectorID)
		if err != nil {
			continue
		}
		if err := s.applyLabels(ctx, conn, msg, actions.AddLabelKeys, actions.RemoveLabelKeys); err != nil {
			return err
		}
		if actions.IsRead != nil {
			if err := s.SetMessageReadState(ctx, userID, msg.ID, msg.IncomingConnectorID, msg.FolderPath, msg.UID, *actions.IsRead); err != nil {
				return err
			}
		}
		if actions.IsStarred != nil {
			if err := s.SetMessageStarredState(ctx, userID, msg.ID, msg.IncomingConnectorID, msg.FolderPath, msg.UID, *actions.IsStarred); err != nil {
				return err
			}
		}
		if actions.MoveToFolder != nil {
			if err := s.MoveMessageInMailbox(ctx, userID, msg.ID, msg.IncomingConnectorID, msg.FolderPath, *actions.MoveToFolder, msg.UID); err != nil {
				return err
			}
		}
		if actions.Delete {
			if err := s.DeleteMessageFromMailbox(ctx, userID, msg.ID, msg.IncomingConnectorID, msg.FolderPath, msg.UID); err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// IMAP session helper
// =============================================================================

// withImapSession opens a connection, selects the folder (translated through
// the Gmail-IMAP directory when needed) and guarantees release on every exit
// path including timeout.
func (s *ActionService) withImapSession(ctx context.Context, conn *domain.IncomingConnector, folder string, fn func(context.Context, out.ImapSession) error) error {
	opCtx, cancel := context.WithTimeout(ctx, imapActionTimeout)
	defer cancel()

	if conn.Auth.IsOAuth2() && auth.IsTokenExpiringSoon(conn.Auth, 0) {
		refreshed, err := s.tokens.EnsureValidGoogleAccessToken(opCtx, domain.OAuthConnectorIncoming, conn.ID, conn.Auth, false)
		if err != nil {
			return err
		}
		conn.Auth = refreshed
	}

	session, err := s.imap.Open(opCtx, conn)
	if err != nil {
		return err
	}
	defer session.Close()

	selectPath := folder
	if conn.IsGmailLike() {
		resolved, err := s.dirs.ResolveServerPath(opCtx, conn.ID, session, folder)
		if err != nil {
			return err
		}
		selectPath = resolved
	}
	if _, err := session.Select(opCtx, selectPath); err != nil {
		return err
	}
	return fn(opCtx, session)
}
