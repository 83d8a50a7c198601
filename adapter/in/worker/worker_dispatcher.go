package worker

import (
	"context"

	"github.com/goccy/go-json"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/logger"
)

// Handler routes consumed stream jobs to their processors. Returning an
// error leaves the message pending for redelivery; returning nil acks it.
type Handler struct {
	mailProcessor *MailProcessor
	rules         out.RulesEngine
}

func NewHandler(mailProcessor *MailProcessor, rules out.RulesEngine) *Handler {
	return &Handler{
		mailProcessor: mailProcessor,
		rules:         rules,
	}
}

func (h *Handler) Handle(ctx context.Context, job *domain.SyncJob) error {
	logger.Debug("Processing job: %s (%s)", job.ID, job.Type)

	switch job.Type {
	// Mail jobs
	case domain.JobMailSync:
		return h.mailProcessor.ProcessSync(ctx, job)
	case domain.JobGmailHydrate:
		return h.mailProcessor.ProcessHydrate(ctx, job)
	case domain.JobMailSend:
		return h.mailProcessor.ProcessSend(ctx, job)
	case domain.JobAttachmentScan:
		return h.mailProcessor.ProcessScan(ctx, job)

	// Rules jobs are handed off to the external rules engine
	case domain.JobRulesReplay:
		if h.rules == nil {
			logger.Warn("Rules replay requested but no rules engine is wired: %s", job.ID)
			return nil
		}
		return h.rules.ReplayRules(ctx, job.UserID, job.ConnectorID, job.Payload)

	default:
		logger.Warn("Unknown job type: %s", job.Type)
		return nil
	}
}

// ParsePayload decodes the job payload into the expected shape. A missing
// payload yields the zero value, not an error.
func ParsePayload[T any](job *domain.SyncJob) (*T, error) {
	var payload T
	if len(job.Payload) == 0 {
		return &payload, nil
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
