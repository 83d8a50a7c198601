package worker

import (
	"context"
	"fmt"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/core/service/email"
	"mailworker/core/service/send"
	syncsvc "mailworker/core/service/sync"
	"mailworker/pkg/logger"
)

// MailProcessor handles mail-related jobs.
type MailProcessor struct {
	connectors  out.ConnectorRepository
	gmailSync   *syncsvc.GmailSyncService
	imapSync    *syncsvc.ImapSyncService
	sendService *send.Service
	scanService *email.ScanService
}

func NewMailProcessor(
	connectors out.ConnectorRepository,
	gmailSync *syncsvc.GmailSyncService,
	imapSync *syncsvc.ImapSyncService,
	sendService *send.Service,
	scanService *email.ScanService,
) *MailProcessor {
	return &MailProcessor{
		connectors:  connectors,
		gmailSync:   gmailSync,
		imapSync:    imapSync,
		sendService: sendService,
		scanService: scanService,
	}
}

// ProcessSync runs one mailbox sync, routed by connector provider.
func (p *MailProcessor) ProcessSync(ctx context.Context, job *domain.SyncJob) error {
	opts, err := ParsePayload[domain.SyncJobOptions](job)
	if err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	logger.Info("[MailProcessor.ProcessSync] connector=%d, user=%s, mailbox=%s, historyHint=%d",
		job.ConnectorID, job.UserID, job.Mailbox, opts.GmailHistoryIDHint)

	connector, err := p.connectors.GetIncoming(ctx, job.ConnectorID)
	if err != nil {
		// A deleted connector leaves stale jobs behind; ack them.
		logger.WithError(err).Warn("[MailProcessor.ProcessSync] connector lookup failed: %d", job.ConnectorID)
		return nil
	}

	var outcome domain.SyncOutcome
	switch connector.Provider {
	case domain.ProviderGmail:
		outcome = p.gmailSync.Sync(ctx, job.UserID, job.ConnectorID, job.Mailbox, *opts)
	case domain.ProviderIMAP:
		outcome = p.imapSync.Sync(ctx, job.UserID, job.ConnectorID, job.Mailbox)
	default:
		logger.Warn("[MailProcessor.ProcessSync] unsupported provider %q: connector=%d", connector.Provider, job.ConnectorID)
		return nil
	}
	return outcomeToError(job, outcome)
}

// ProcessHydrate backfills raw content for metadata-only Gmail messages.
func (p *MailProcessor) ProcessHydrate(ctx context.Context, job *domain.SyncJob) error {
	logger.Info("[MailProcessor.ProcessHydrate] connector=%d, mailbox=%s", job.ConnectorID, job.Mailbox)
	return p.gmailSync.Hydrate(ctx, job.UserID, job.ConnectorID, job.Mailbox)
}

// ProcessSend executes a submitted send through the idempotency ledger.
func (p *MailProcessor) ProcessSend(ctx context.Context, job *domain.SyncJob) error {
	payload, err := ParsePayload[domain.SendJobPayload](job)
	if err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	logger.Info("[MailProcessor.ProcessSend] user=%s, identity=%d, key=%s",
		job.UserID, payload.IdentityID, payload.IdempotencyKey)

	// Execute drives the ledger itself: terminal failures are recorded there,
	// so only transport-level errors propagate for redelivery.
	_, err = p.sendService.Execute(ctx, job.UserID, *payload)
	return err
}

// ProcessScan runs the attachment scan and records the verdict.
func (p *MailProcessor) ProcessScan(ctx context.Context, job *domain.SyncJob) error {
	payload, err := ParsePayload[domain.ScanJobPayload](job)
	if err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	logger.Info("[MailProcessor.ProcessScan] message=%d, attachment=%d",
		payload.MessageID, payload.AttachmentID)

	return p.scanService.RunScan(ctx, job.UserID, payload.MessageID, payload.AttachmentID)
}

// outcomeToError maps a sync outcome to the consumer contract: only
// transient failures return an error (kept pending, retried); everything
// else acks. Fatal outcomes are already persisted on the sync state.
func outcomeToError(job *domain.SyncJob, outcome domain.SyncOutcome) error {
	switch outcome.Kind {
	case domain.SyncOutcomeTransient:
		return fmt.Errorf("sync %s/%s: %w", job.ID, outcome.Kind, outcome.Err)
	case domain.SyncOutcomeFatal:
		logger.WithError(outcome.Err).Error("[MailProcessor] fatal sync failure: job=%s", job.ID)
		return nil
	case domain.SyncOutcomeAlreadyRunning:
		logger.Debug("[MailProcessor] sync already running: job=%s", job.ID)
		return nil
	default:
		return nil
	}
}
