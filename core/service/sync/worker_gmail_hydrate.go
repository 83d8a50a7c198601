package sync

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"mailworker/core/domain"
	"mailworker/pkg/apperr"
)

// Hydrate fetches full RFC-822 source for metadata-only rows in one bounded
// batch. When rows remain it re-enqueues itself, so a large mailbox drains
// across many short jobs instead of one long-lived one.
func (s *GmailSyncService) Hydrate(ctx context.Context, userID uuid.UUID, connectorID int64, mbox string) error {
	conn, err := s.connectors.GetIncoming(ctx, connectorID)
	if err != nil {
		return apperr.NotFound("connector")
	}
	if conn.Status != domain.ConnectorStatusActive {
		return nil
	}
	canonical := normalizeForConnector(conn, mbox)

	authCfg, err := s.tokens.EnsureValidGoogleAccessToken(ctx, domain.OAuthConnectorIncoming, conn.ID, conn.Auth, false)
	if err != nil {
		return err
	}

	rows, err := s.messages.ListMissingContent(ctx, conn.ID, canonical, s.cfg.GmailHydrateBatchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	concurrency := s.cfg.GmailBackgroundHydrateConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	hydrated := 0

	for _, row := range rows {
		if row.GmailMessageID == nil {
			continue
		}
		mu.Lock()
		stop := firstErr != nil
		mu.Unlock()
		if stop {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(msg *domain.Message) {
			defer wg.Done()
			defer func() { <-sem }()

			raw, threadID, err := s.gmail.GetMessageRaw(ctx, authCfg, *msg.GmailMessageID)
			if err != nil {
				if apperr.HasCode(err, apperr.CodeNotFound) {
					return // 다음 증분이 삭제를 줍는다
				}
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			if (msg.GmailThreadID == nil || *msg.GmailThreadID == "") && threadID != "" {
				if err := s.messages.SetGmailThreadID(ctx, msg.ID, threadID); err != nil {
					s.log.WithError(err).Warn("[GmailSyncService.Hydrate] thread id write failed: message=%d", msg.ID)
				}
			}
			if err := s.ing.hydrateFromRaw(ctx, userID, msg, raw); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			hydrated++
			mu.Unlock()
		}(row)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}

	remaining, err := s.messages.CountMissingContent(ctx, conn.ID, canonical)
	if err != nil {
		return err
	}
	s.log.Info("[GmailSyncService.Hydrate] hydrated %d messages: connector=%d mailbox=%s remaining=%d", hydrated, conn.ID, canonical, remaining)
	if remaining > 0 {
		if err := s.queue.EnqueueGmailHydration(ctx, userID, conn.ID, canonical); err != nil {
			return err
		}
	}
	return nil
}
