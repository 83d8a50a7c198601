package worker

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailworker/core/domain"
)

func TestParsePayload(t *testing.T) {
	t.Run("empty payload yields zero value", func(t *testing.T) {
		job := &domain.SyncJob{Type: domain.JobMailSync}
		opts, err := ParsePayload[domain.SyncJobOptions](job)
		require.NoError(t, err)
		assert.Equal(t, domain.SyncJobOptions{}, *opts)
	})

	t.Run("decodes sync options", func(t *testing.T) {
		job := &domain.SyncJob{
			Type:    domain.JobMailSync,
			Payload: json.RawMessage(`{"priority":"high","gmail_history_id_hint":4242}`),
		}
		opts, err := ParsePayload[domain.SyncJobOptions](job)
		require.NoError(t, err)
		assert.Equal(t, domain.JobPriorityHigh, opts.Priority)
		assert.Equal(t, uint64(4242), opts.GmailHistoryIDHint)
	})

	t.Run("decodes send payload", func(t *testing.T) {
		job := &domain.SyncJob{
			Type:    domain.JobMailSend,
			Payload: json.RawMessage(`{"identity_id":7,"idempotency_key":"k1","request":{"to":["a@b.com"]}}`),
		}
		payload, err := ParsePayload[domain.SendJobPayload](job)
		require.NoError(t, err)
		assert.Equal(t, int64(7), payload.IdentityID)
		assert.Equal(t, "k1", payload.IdempotencyKey)
		assert.NotEmpty(t, payload.Request)
	})

	t.Run("rejects malformed payload", func(t *testing.T) {
		job := &domain.SyncJob{
			Type:    domain.JobAttachmentScan,
			Payload: json.RawMessage(`{"message_id": "not-a-number"}`),
		}
		_, err := ParsePayload[domain.ScanJobPayload](job)
		assert.Error(t, err)
	})
}
