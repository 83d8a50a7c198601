package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/core/service/events"
	"mailworker/pkg/logger"
)

// ingestor turns fetched RFC-822 source into stored content: raw blob, parsed
// body, attachment rows with scan jobs, and thread assignment.
type ingestor struct {
	messages out.MessageRepository
	blobs    out.BlobStore
	parser   out.MessageParser
	threads  out.ThreadResolver
	queue    out.JobQueue
	bus      *events.Bus
	log      *logger.Logger
}

func newIngestor(messages out.MessageRepository, blobs out.BlobStore, parser out.MessageParser, threads out.ThreadResolver, queue out.JobQueue, bus *events.Bus) *ingestor {
	return &ingestor{
		messages: messages,
		blobs:    blobs,
		parser:   parser,
		threads:  threads,
		queue:    queue,
		bus:      bus,
		log:      logger.WithField("component", "sync_ingest"),
	}
}

func rawBlobKey(connectorID, messageID int64) string {
	return fmt.Sprintf("raw/%d/%d", connectorID, messageID)
}

func attachmentBlobKey(connectorID, messageID int64, index int) string {
	return fmt.Sprintf("att/%d/%d/%d", connectorID, messageID, index)
}

// hydrateFromRaw stores the source and extracts body, attachments and thread
// linkage. A parse failure keeps the raw blob and logs; the message stays
// metadata-only rather than failing the sync.
func (ing *ingestor) hydrateFromRaw(ctx context.Context, userID uuid.UUID, msg *domain.Message, raw []byte) error {
	key := rawBlobKey(msg.IncomingConnectorID, msg.ID)
	if err := ing.blobs.Put(ctx, key, raw); err != nil {
		return err
	}
	if err := ing.messages.SetRawBlobKey(ctx, msg.ID, key); err != nil {
		return err
	}
	msg.RawBlobKey = &key

	parsed, err := ing.parser.Parse(raw)
	if err != nil {
		ing.log.WithError(err).Warn("[ingestor.hydrateFromRaw] parse failed, raw kept: message=%d", msg.ID)
		return nil
	}

	if err := ing.messages.SetBody(ctx, msg.ID, parsed.BodyText, parsed.BodyHTML, parsed.Snippet); err != nil {
		return err
	}
	msg.BodyText, msg.BodyHTML = &parsed.BodyText, &parsed.BodyHTML
	ing.backfillHeaders(msg, parsed)

	if err := ing.storeAttachments(ctx, userID, msg, parsed.Attachments); err != nil {
		return err
	}
	if err := ing.resolveThread(ctx, msg); err != nil {
		ing.log.WithError(err).Warn("[ingestor.hydrateFromRaw] thread resolution failed: message=%d", msg.ID)
	}

	if _, err := ing.bus.Emit(ctx, msg.IncomingConnectorID, domain.EventMessageParsed, map[string]any{
		"message_id": msg.ID,
	}); err != nil {
		ing.log.WithError(err).Debug("[ingestor.hydrateFromRaw] event emit failed: message=%d", msg.ID)
	}
	return nil
}

// backfillHeaders fills header fields the envelope fetch left empty.
func (ing *ingestor) backfillHeaders(msg *domain.Message, parsed *out.ParsedMessage) {
	if msg.MessageID == "" && parsed.MessageID != "" {
		msg.MessageID = domain.NormalizeMessageID(parsed.MessageID)
	}
	if msg.InReplyTo == nil && parsed.InReplyTo != "" {
		v := domain.NormalizeMessageID(parsed.InReplyTo)
		msg.InReplyTo = &v
	}
	if msg.ReferencesHeader == nil && parsed.References != "" {
		v := parsed.References
		msg.ReferencesHeader = &v
	}
}

func (ing *ingestor) storeAttachments(ctx context.Context, userID uuid.UUID, msg *domain.Message, parsed []out.ParsedAttachment) error {
	if len(parsed) == 0 {
		return nil
	}
	atts := make([]domain.Attachment, 0, len(parsed))
	for i, p := range parsed {
		key := attachmentBlobKey(msg.IncomingConnectorID, msg.ID, i)
		if err := ing.blobs.Put(ctx, key, p.Content); err != nil {
			return err
		}
		var contentID *string
		if p.ContentID != "" {
			cid := p.ContentID
			contentID = &cid
		}
		blobKey := key
		atts = append(atts, domain.Attachment{
			MessageID:   msg.ID,
			Filename:    p.Filename,
			ContentType: p.ContentType,
			SizeBytes:   p.SizeBytes,
			Inline:      p.Inline,
			ContentID:   contentID,
			BlobKey:     &blobKey,
			ScanStatus:  domain.ScanStatusPending,
		})
	}
	if err := ing.messages.ReplaceAttachments(ctx, msg.ID, atts); err != nil {
		return err
	}
	for _, att := range atts {
		if att.ID == 0 {
			continue
		}
		if err := ing.queue.EnqueueAttachmentScan(ctx, userID, msg.ID, att.ID); err != nil {
			ing.log.WithError(err).Warn("[ingestor.storeAttachments] scan enqueue failed: attachment=%d", att.ID)
		}
	}
	return nil
}

func (ing *ingestor) resolveThread(ctx context.Context, msg *domain.Message) error {
	if msg.ThreadID != nil {
		return nil
	}
	threadID, err := ing.threads.ResolveThread(ctx, msg)
	if err != nil {
		return err
	}
	if threadID == nil {
		return nil
	}
	msg.ThreadID = threadID
	return ing.messages.SetThreadID(ctx, msg.ID, *threadID)
}

// cleanupBlobs deletes blobs for reconciled-away rows best-effort.
func (ing *ingestor) cleanupBlobs(ctx context.Context, removed []out.RemovedMessage) {
	for _, r := range removed {
		if r.RawBlobKey != nil {
			if err := ing.blobs.Delete(ctx, *r.RawBlobKey); err != nil {
				ing.log.WithError(err).Debug("[ingestor.cleanupBlobs] raw blob delete failed: key=%s", *r.RawBlobKey)
			}
		}
		for _, key := range r.BlobKeys {
			if err := ing.blobs.Delete(ctx, key); err != nil {
				ing.log.WithError(err).Debug("[ingestor.cleanupBlobs] attachment blob delete failed: key=%s", key)
			}
		}
	}
}
