package persistence

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"mailworker/core/domain"
)

// =============================================================================
// ThreadResolverAdapter - In-Reply-To / References 체인 기반 스레드 결정
// =============================================================================

type ThreadResolverAdapter struct {
	db *sqlx.DB
}

func NewThreadResolverAdapter(db *sqlx.DB) *ThreadResolverAdapter {
	return &ThreadResolverAdapter{db: db}
}

// ResolveThread finds the parent by In-Reply-To first, then by the last
// References entry. The thread id is the root message's row id; a parent
// without one gets promoted to root on first reply.
func (a *ThreadResolverAdapter) ResolveThread(ctx context.Context, m *domain.Message) (*int64, error) {
	candidates := make([]string, 0, 4)
	if m.InReplyTo != nil {
		candidates = append(candidates, domain.MessageIDVariants(*m.InReplyTo)...)
	}
	if m.ReferencesHeader != nil {
		if tail := domain.ReferencesTail(*m.ReferencesHeader); tail != "" {
			candidates = append(candidates, domain.MessageIDVariants(tail)...)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var parent struct {
		ID       int64         `db:"id"`
		ThreadID sql.NullInt64 `db:"thread_id"`
	}
	query := `
		SELECT id, thread_id FROM messages
		WHERE incoming_connector_id = $1 AND message_id = ANY($2) AND id <> $3
		ORDER BY received_at DESC
		LIMIT 1
	`
	if err := a.db.GetContext(ctx, &parent, query, m.IncomingConnectorID, pq.Array(candidates), m.ID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if parent.ThreadID.Valid {
		v := parent.ThreadID.Int64
		return &v, nil
	}
	promote := `UPDATE messages SET thread_id = id, updated_at = NOW() WHERE id = $1 AND thread_id IS NULL`
	if _, err := a.db.ExecContext(ctx, promote, parent.ID); err != nil {
		return nil, err
	}
	return &parent.ID, nil
}
