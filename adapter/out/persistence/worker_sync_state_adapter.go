package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"mailworker/core/domain"
	"mailworker/core/port/out"
)

// =============================================================================
// SyncStateAdapter - (connector, mailbox) 동기화 상태 + claim lease
// =============================================================================

type SyncStateAdapter struct {
	db             *sqlx.DB
	heartbeatStale time.Duration
	claimStale     time.Duration
}

func NewSyncStateAdapter(db *sqlx.DB, heartbeatStale, claimStale time.Duration) *SyncStateAdapter {
	return &SyncStateAdapter{db: db, heartbeatStale: heartbeatStale, claimStale: claimStale}
}

// =============================================================================
// Entity
// =============================================================================

type syncStateEntity struct {
	IncomingConnectorID int64          `db:"incoming_connector_id"`
	Mailbox             string         `db:"mailbox"`
	Status              string         `db:"status"`
	UIDValidity         sql.NullInt64  `db:"uid_validity"`
	LastSeenUID         int64          `db:"last_seen_uid"`
	HighestUID          int64          `db:"highest_uid"`
	Modseq              sql.NullInt64  `db:"modseq"`
	LastFullReconcileAt sql.NullTime   `db:"last_full_reconcile_at"`
	SyncStartedAt       sql.NullTime   `db:"sync_started_at"`
	SyncCompletedAt     sql.NullTime   `db:"sync_completed_at"`
	SyncError           sql.NullString `db:"sync_error"`
	Progress            []byte         `db:"sync_progress"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (e *syncStateEntity) toDomain() (*domain.SyncState, error) {
	state := &domain.SyncState{
		IncomingConnectorID: e.IncomingConnectorID,
		Mailbox:             e.Mailbox,
		Status:              domain.SyncStatus(e.Status),
		LastSeenUID:         uint32(e.LastSeenUID),
		HighestUID:          uint32(e.HighestUID),
		UpdatedAt:           e.UpdatedAt,
	}
	if e.UIDValidity.Valid {
		v := uint32(e.UIDValidity.Int64)
		state.UIDValidity = &v
	}
	if e.Modseq.Valid {
		m := uint64(e.Modseq.Int64)
		state.Modseq = &m
	}
	if e.LastFullReconcileAt.Valid {
		state.LastFullReconcileAt = &e.LastFullReconcileAt.Time
	}
	if e.SyncStartedAt.Valid {
		state.SyncStartedAt = &e.SyncStartedAt.Time
	}
	if e.SyncCompletedAt.Valid {
		state.SyncCompletedAt = &e.SyncCompletedAt.Time
	}
	if e.SyncError.Valid {
		state.SyncError = &e.SyncError.String
	}
	if len(e.Progress) > 0 {
		if err := json.Unmarshal(e.Progress, &state.Progress); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// =============================================================================
// 조회
// =============================================================================

func (a *SyncStateAdapter) Get(ctx context.Context, connectorID int64, mailbox string) (*domain.SyncState, error) {
	var entity syncStateEntity
	query := `SELECT * FROM sync_states WHERE incoming_connector_id = $1 AND mailbox = $2`
	if err := a.db.GetContext(ctx, &entity, query, connectorID, mailbox); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entity.toDomain()
}

func (a *SyncStateAdapter) EnsureExists(ctx context.Context, connectorID int64, mailbox string) error {
	query := `
		INSERT INTO sync_states (incoming_connector_id, mailbox, status, sync_progress)
		VALUES ($1, $2, 'idle', '{}')
		ON CONFLICT (incoming_connector_id, mailbox) DO NOTHING
	`
	_, err := a.db.ExecContext(ctx, query, connectorID, mailbox)
	return err
}

func (a *SyncStateAdapter) GetStatus(ctx context.Context, connectorID int64, mailbox string) (domain.SyncStatus, error) {
	var status string
	query := `SELECT status FROM sync_states WHERE incoming_connector_id = $1 AND mailbox = $2`
	if err := a.db.GetContext(ctx, &status, query, connectorID, mailbox); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", err
	}
	return domain.SyncStatus(status), nil
}

// =============================================================================
// Claim lease
// =============================================================================

// TryClaim is the whole concurrency story in one guarded UPDATE: the row
// flips to syncing only when no live claim holds it. Liveness is heartbeat
// recency; an old sync_started_at lets a wedged claim be taken over.
func (a *SyncStateAdapter) TryClaim(ctx context.Context, connectorID int64, mailbox string, progress domain.SyncProgress, lastSeenUID, highestUID uint32) (bool, error) {
	raw, err := json.Marshal(progress)
	if err != nil {
		return false, err
	}
	query := `
		UPDATE sync_states SET
			status = 'syncing',
			sync_started_at = NOW(),
			sync_progress = $3,
			updated_at = NOW()
		WHERE incoming_connector_id = $1 AND mailbox = $2
		  AND (
			status NOT IN ('syncing', 'cancel_requested')
			OR updated_at < NOW() - make_interval(secs => $4)
			OR sync_started_at IS NULL
			OR sync_started_at < NOW() - make_interval(secs => $5)
		  )
	`
	res, err := a.db.ExecContext(ctx, query,
		connectorID, mailbox, raw,
		a.heartbeatStale.Seconds(), a.claimStale.Seconds(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (a *SyncStateAdapter) Touch(ctx context.Context, connectorID int64, mailbox string) error {
	query := `UPDATE sync_states SET updated_at = NOW() WHERE incoming_connector_id = $1 AND mailbox = $2`
	_, err := a.db.ExecContext(ctx, query, connectorID, mailbox)
	return err
}

// HasHealthyClaim backs the enqueue guard: a syncing row inside both stale
// windows means a worker is actively on it.
func (a *SyncStateAdapter) HasHealthyClaim(ctx context.Context, connectorID int64, mailbox string) (bool, error) {
	var healthy bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM sync_states
			WHERE incoming_connector_id = $1 AND mailbox = $2
			  AND status IN ('syncing', 'cancel_requested')
			  AND updated_at >= NOW() - make_interval(secs => $3)
			  AND sync_started_at >= NOW() - make_interval(secs => $4)
		)
	`
	if err := a.db.GetContext(ctx, &healthy, query, connectorID, mailbox, a.heartbeatStale.Seconds(), a.claimStale.Seconds()); err != nil {
		return false, err
	}
	return healthy, nil
}

// ReapStale flips abandoned claims to error and returns who they belonged to
// so the caller can emit sync_error events.
func (a *SyncStateAdapter) ReapStale(ctx context.Context, claimStale time.Duration) ([]out.ReapedState, error) {
	query := `
		UPDATE sync_states s SET
			status = 'error',
			sync_error = 'sync abandoned: worker stopped heartbeating',
			updated_at = NOW()
		FROM incoming_connectors c
		WHERE s.incoming_connector_id = c.id
		  AND s.status IN ('syncing', 'queued', 'cancel_requested')
		  AND s.updated_at < NOW() - make_interval(secs => $1)
		RETURNING s.incoming_connector_id, s.mailbox, c.user_id
	`
	rows, err := a.db.QueryxContext(ctx, query, claimStale.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reaped []out.ReapedState
	for rows.Next() {
		var r out.ReapedState
		if err := rows.Scan(&r.IncomingConnectorID, &r.Mailbox, &r.UserID); err != nil {
			return nil, err
		}
		reaped = append(reaped, r)
	}
	return reaped, rows.Err()
}

// =============================================================================
// 부분 업데이트
// =============================================================================

// SetState builds the SET list from the non-nil patch fields only, so
// concurrent writers never clobber fields they did not touch.
func (a *SyncStateAdapter) SetState(ctx context.Context, connectorID int64, mailbox string, patch domain.SyncStatePatch) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{connectorID, mailbox}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		sets = append(sets, "status = "+arg(string(*patch.Status)))
	}
	if patch.UIDValidity != nil {
		sets = append(sets, "uid_validity = "+arg(int64(*patch.UIDValidity)))
	}
	if patch.LastSeenUID != nil {
		sets = append(sets, "last_seen_uid = "+arg(int64(*patch.LastSeenUID)))
	}
	if patch.HighestUID != nil {
		sets = append(sets, "highest_uid = "+arg(int64(*patch.HighestUID)))
	}
	if patch.ClearModseq {
		sets = append(sets, "modseq = NULL")
	} else if patch.Modseq != nil {
		sets = append(sets, "modseq = "+arg(int64(*patch.Modseq)))
	}
	if patch.ClearFullReconcile {
		sets = append(sets, "last_full_reconcile_at = NULL")
	} else if patch.LastFullReconcileAt != nil {
		sets = append(sets, "last_full_reconcile_at = "+arg(*patch.LastFullReconcileAt))
	}
	if patch.SyncCompletedAt != nil {
		sets = append(sets, "sync_completed_at = "+arg(*patch.SyncCompletedAt))
	}
	if patch.ClearSyncError {
		sets = append(sets, "sync_error = NULL")
	} else if patch.SyncError != nil {
		sets = append(sets, "sync_error = "+arg(*patch.SyncError))
	}
	if patch.Progress != nil {
		raw, err := json.Marshal(*patch.Progress)
		if err != nil {
			return err
		}
		sets = append(sets, "sync_progress = "+arg(raw))
	}

	query := fmt.Sprintf(
		`UPDATE sync_states SET %s WHERE incoming_connector_id = $1 AND mailbox = $2`,
		strings.Join(sets, ", "),
	)
	_, err := a.db.ExecContext(ctx, query, args...)
	return err
}

func (a *SyncStateAdapter) DeleteByConnector(ctx context.Context, connectorID int64) error {
	query := `DELETE FROM sync_states WHERE incoming_connector_id = $1`
	_, err := a.db.ExecContext(ctx, query, connectorID)
	return err
}

// =============================================================================
// Nullable helpers
// =============================================================================

func toNullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func toNullableInt(i int) interface{} {
	if i == 0 {
		return nil
	}
	return i
}
