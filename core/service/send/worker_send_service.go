package send

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
	"mailworker/pkg/retry"
)

const (
	maxSendAttempts      = 4
	sendBackoffBase      = 2 * time.Second
	sendBackoffMax       = 30 * time.Second
	processingStaleAfter = 30 * time.Second

	// 첨부 합계 한도 (디코딩 기준)
	maxAttachmentTotalBytes = 25 << 20
)

// Service - 발송 파이프라인. 트랜스포트는 SMTP 또는 Gmail API.
type Service struct {
	idem       out.SendIdempotencyRepository
	connectors out.ConnectorRepository
	messages   out.MessageRepository
	gmail      out.GmailClient
	smtp       out.SMTPSender
	imap       out.ImapDialer
	dirs       *mailbox.DirectoryCache
	tokens     *auth.TokenManager
	bus        *events.Bus
	queue      out.JobQueue
	log        *logger.Logger
}

func NewService(
	idem out.SendIdempotencyRepository,
	connectors out.ConnectorRepository,
	messages out.MessageRepository,
	gmail out.GmailClient,
	smtp out.SMTPSender,
	imap out.ImapDialer,
	dirs *mailbox.DirectoryCache,
	tokens *auth.TokenManager,
	bus *events.Bus,
	queue out.JobQueue,
) *Service {
	return &Service{
		idem:       idem,
		connectors: connectors,
		messages:   messages,
		gmail:      gmail,
		smtp:       smtp,
		imap:       imap,
		dirs:       dirs,
		tokens:     tokens,
		bus:        bus,
		queue:      queue,
		log:        logger.WithField("component", "send_service"),
	}
}

// =============================================================================
// Submit - HTTP 경로. 원장에 pending 행을 만들고 잡을 큐잉할 준비를 한다.
// =============================================================================

// Submit validates the request, normalizes the idempotency key and registers
// the pending ledger row. The caller enqueues the job with the returned key;
// a replayed key returns the existing row instead of a new one.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, identityID int64, key string, req domain.SendRequest) (*domain.SendIdempotency, error) {
	if err := validateSendRequest(req); err != nil {
		return nil, err
	}
	identity, err := s.connectors.GetIdentityOwned(ctx, userID, identityID)
	if err != nil {
		return nil, apperr.NotFound("identity")
	}

	key = domain.NormalizeSendIdempotencyKey(key)
	hash := domain.MakeSendRequestHash(identity.ID, req)

	row, created, err := s.idem.GetOrCreate(ctx, &domain.SendIdempotency{
		UserID:         userID,
		IdempotencyKey: key,
		IdentityID:     identity.ID,
		RequestHash:    hash,
		Status:         domain.SendStatusPending,
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		return nil, apperr.DatabaseError("create send ledger row", err)
	}
	if !created && row.RequestHash != hash {
		return nil, apperr.Conflict("idempotency key already used with a different request")
	}
	return row, nil
}

func validateSendRequest(req domain.SendRequest) error {
	recipients := domain.ParseEnvelopeRecipients(append(append(append([]string(nil), req.To...), req.Cc...), req.Bcc...))
	if len(recipients) == 0 {
		return apperr.MissingField("to")
	}
	var total int64
	for _, att := range req.Attachments {
		if att.Filename == "" {
			return apperr.MissingField("attachment filename")
		}
		total += domain.EstimateBase64PayloadBytes(att.ContentBase64)
	}
	if total > maxAttachmentTotalBytes {
		return apperr.BadRequest("attachments exceed the total size limit")
	}
	return nil
}

// =============================================================================
// Execute - 워커 경로. claim → compose → transport(재시도) → finalize.
// =============================================================================

// Execute runs one send job to completion. The ledger claim makes this safe
// under job redelivery; a second delivery of a finished key is a no-op.
func (s *Service) Execute(ctx context.Context, userID uuid.UUID, payload domain.SendJobPayload) (*domain.SendResult, error) {
	identity, err := s.connectors.GetIdentityOwned(ctx, userID, payload.IdentityID)
	if err != nil {
		return nil, apperr.NotFound("identity")
	}
	outgoing, err := s.connectors.GetOutgoing(ctx, identity.OutgoingConnectorID)
	if err != nil {
		return nil, apperr.NotFound("outgoing connector")
	}

	row, claimed, err := s.idem.Claim(ctx, userID, payload.IdempotencyKey, identity.ID, processingStaleAfter)
	if err != nil {
		return nil, apperr.DatabaseError("claim send ledger row", err)
	}
	if !claimed {
		if row != nil && row.Status == domain.SendStatusSucceeded {
			return row.Result, nil
		}
		return nil, apperr.Conflict("send already in progress")
	}
	if row.RequestHash != domain.MakeSendRequestHash(identity.ID, payload.Request) {
		s.finalizeFailure(ctx, userID, payload.IdempotencyKey, "request does not match the original for this idempotency key")
		return nil, apperr.Conflict("idempotency key already used with a different request")
	}

	messageID := GenerateRFCMessageID(identity.EmailAddress)
	raw, err := ComposeMessage(identity, payload.Request, messageID)
	if err != nil {
		s.finalizeFailure(ctx, userID, payload.IdempotencyKey, err.Error())
		return nil, err
	}

	result, err := s.deliver(ctx, identity, outgoing, payload.Request, raw, messageID)
	if err != nil {
		s.finalizeFailure(ctx, userID, payload.IdempotencyKey, err.Error())
		return nil, err
	}

	// Sent copy: Gmail API는 서버가 보낸편지함을 관리한다.
	if outgoing.Provider != domain.ProviderGmail && outgoing.SentCopy.Mode != domain.SentCopyModeNone {
		if copyErr := s.appendSentCopy(ctx, identity, outgoing, raw); copyErr != nil {
			if outgoing.SentCopy.Mode == domain.SentCopyModeAppend {
				s.finalizeFailure(ctx, userID, payload.IdempotencyKey, "sent copy append failed: "+copyErr.Error())
				return nil, apperr.UpstreamError("sent copy append", copyErr)
			}
			msg := copyErr.Error()
			result.SentCopyError = &msg
			s.log.WithError(copyErr).Warn("[Service.Execute] sent copy append failed (preferred mode): identity=%d", identity.ID)
		}
	}

	if err := s.idem.FinalizeSuccess(ctx, userID, payload.IdempotencyKey, result); err != nil {
		s.log.WithError(err).Error("[Service.Execute] finalize success failed: key=%s", payload.IdempotencyKey)
	}
	if identity.SentToIncomingConnectorID != nil {
		if _, err := s.bus.Emit(ctx, *identity.SentToIncomingConnectorID, domain.EventSyncInfo, map[string]any{
			"kind":       "message_sent",
			"message_id": result.MessageID,
		}); err != nil {
			s.log.WithError(err).Debug("[Service.Execute] send event emit failed: identity=%d", identity.ID)
		}
		// Best-effort: 보낸편지함을 낮은 우선순위로 당겨서 sent copy를 빠르게 반영
		if s.queue != nil {
			if _, err := s.queue.EnqueueSyncWithOptions(ctx, userID, *identity.SentToIncomingConnectorID, domain.SystemLabelSent, domain.SyncJobOptions{Priority: domain.JobPriorityLow}); err != nil {
				s.log.WithError(err).Warn("[Service.Execute] sent mailbox sync enqueue failed: identity=%d", identity.ID)
			}
		}
	}
	return result, nil
}

func (s *Service) finalizeFailure(ctx context.Context, userID uuid.UUID, key, message string) {
	if err := s.idem.FinalizeFailure(ctx, userID, key, message); err != nil {
		s.log.WithError(err).Error("[Service.finalizeFailure] ledger update failed: key=%s", key)
	}
}

// deliver retries the transport with exponential backoff. An auth-smelling
// failure on an OAuth connector earns exactly one forced token refresh.
func (s *Service) deliver(ctx context.Context, identity *domain.Identity, outgoing *domain.OutgoingConnector, req domain.SendRequest, raw []byte, messageID string) (*domain.SendResult, error) {
	var lastErr error
	forceRefresh := false

	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retry.Backoff(attempt-1, sendBackoffBase, sendBackoffMax)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := s.sendOnce(ctx, identity, outgoing, req, raw, messageID, forceRefresh)
		if err == nil {
			return result, nil
		}
		lastErr = err
		forceRefresh = false

		if apperr.HasCode(err, apperr.CodeReconnectRequired) {
			return nil, err
		}
		if retry.IsAuthLike(err) && outgoing.Auth.IsOAuth2() && attempt == 0 {
			forceRefresh = true
			continue
		}
		if !retry.IsTransient(err) {
			return nil, apperr.UpstreamError("mail delivery", err)
		}
		s.log.WithError(err).Warn("[Service.deliver] transient delivery failure: identity=%d attempt=%d", identity.ID, attempt+1)
	}
	return nil, apperr.UpstreamError("mail delivery", lastErr)
}

func (s *Service) sendOnce(ctx context.Context, identity *domain.Identity, outgoing *domain.OutgoingConnector, req domain.SendRequest, raw []byte, messageID string, forceRefresh bool) (*domain.SendResult, error) {
	if outgoing.Provider == domain.ProviderGmail {
		authCfg, err := s.tokens.EnsureValidGoogleAccessToken(ctx, domain.OAuthConnectorOutgoing, outgoing.ID, outgoing.Auth, forceRefresh)
		if err != nil {
			return nil, err
		}
		threadID := s.resolveGmailThreadID(ctx, identity, req)
		gmailID, gmailThreadID, err := s.gmail.Send(ctx, authCfg, raw, threadID)
		if err != nil {
			return nil, err
		}
		result := &domain.SendResult{Accepted: true, MessageID: gmailID}
		if gmailThreadID != "" {
			result.ThreadTag = &gmailThreadID
		}
		return result, nil
	}

	if outgoing.Auth.IsOAuth2() {
		authCfg, err := s.tokens.EnsureValidGoogleAccessToken(ctx, domain.OAuthConnectorOutgoing, outgoing.ID, outgoing.Auth, forceRefresh)
		if err != nil {
			return nil, err
		}
		outgoing.Auth = authCfg
	}

	from := outgoing.FromAddress
	if from == "" {
		from = identity.EmailAddress
	}
	recipients := domain.ParseEnvelopeRecipients(append(append(append([]string(nil), req.To...), req.Cc...), req.Bcc...))
	if err := s.smtp.SendMail(ctx, outgoing, from, recipients, raw); err != nil {
		return nil, err
	}
	return &domain.SendResult{Accepted: true, MessageID: messageID}, nil
}

// resolveGmailThreadID maps the reply chain to a Gmail threadId, trying
// In-Reply-To first, then the References tail, then the local thread. A miss
// means a fresh thread.
func (s *Service) resolveGmailThreadID(ctx context.Context, identity *domain.Identity, req domain.SendRequest) string {
	if identity.SentToIncomingConnectorID == nil {
		return ""
	}
	connectorID := *identity.SentToIncomingConnectorID

	if req.InReplyTo != "" {
		if id, err := s.messages.FindGmailThreadIDByMessageIDs(ctx, connectorID, domain.MessageIDVariants(req.InReplyTo)); err == nil && id != "" {
			return id
		}
	}
	if tail := domain.ReferencesTail(req.References); tail != "" {
		if id, err := s.messages.FindGmailThreadIDByMessageIDs(ctx, connectorID, domain.MessageIDVariants(tail)); err == nil && id != "" {
			return id
		}
	}
	if req.ThreadID != nil {
		if id, err := s.messages.FindGmailThreadIDByLocalThread(ctx, connectorID, *req.ThreadID); err == nil && id != "" {
			return id
		}
	}
	return ""
}

// appendSentCopy stores the sent source in the configured mailbox over IMAP.
func (s *Service) appendSentCopy(ctx context.Context, identity *domain.Identity, outgoing *domain.OutgoingConnector, raw []byte) error {
	if identity.SentToIncomingConnectorID == nil {
		return apperr.BadRequest("identity has no incoming connector for sent copies")
	}
	conn, err := s.connectors.GetIncoming(ctx, *identity.SentToIncomingConnectorID)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
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

	target := outgoing.SentCopy.Mailbox
	if target == "" {
		target = "Sent"
	}
	if conn.IsGmailLike() {
		resolved, err := s.dirs.ResolveServerPath(opCtx, conn.ID, session, domain.SystemLabelSent)
		if err == nil {
			target = resolved
		}
	}
	return session.Append(opCtx, target, raw, []string{`\Seen`})
}

// ListOutbox - 미결/실패 발송 목록 (outbox 뷰)
func (s *Service) ListOutbox(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.SendIdempotency, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return s.idem.ListOutbox(ctx, userID, limit)
}
