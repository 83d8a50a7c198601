package persistence

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"mailworker/core/domain"
	"mailworker/pkg/logger"
)

// eventChannel is the shared NOTIFY channel. One LISTEN per process fans
// signals out to in-process waiters.
const eventChannel = "sync_events"

// =============================================================================
// SyncEventAdapter - append-only 이벤트 스트림
// =============================================================================

type SyncEventAdapter struct {
	db *sqlx.DB
}

func NewSyncEventAdapter(db *sqlx.DB) *SyncEventAdapter {
	return &SyncEventAdapter{db: db}
}

type syncEventEntity struct {
	ID                  int64     `db:"id"`
	UserID              uuid.UUID `db:"user_id"`
	IncomingConnectorID int64     `db:"incoming_connector_id"`
	EventType           string    `db:"event_type"`
	Payload             []byte    `db:"payload"`
	CreatedAt           time.Time `db:"created_at"`
}

func (e *syncEventEntity) toDomain() *domain.SyncEvent {
	return &domain.SyncEvent{
		ID:                  e.ID,
		UserID:              e.UserID,
		IncomingConnectorID: e.IncomingConnectorID,
		Type:                domain.SyncEventType(e.EventType),
		Payload:             json.RawMessage(e.Payload),
		CreatedAt:           e.CreatedAt,
	}
}

// Insert resolves the owning user from the connector row, appends the event
// and fires NOTIFY in the same transaction, so a signal never precedes its row.
func (a *SyncEventAdapter) Insert(ctx context.Context, connectorID int64, eventType domain.SyncEventType, payload json.RawMessage) (*domain.SyncEvent, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var entity syncEventEntity
	query := `
		INSERT INTO sync_events (user_id, incoming_connector_id, event_type, payload)
		SELECT c.user_id, c.id, $2, $3
		FROM incoming_connectors c
		WHERE c.id = $1
		RETURNING *
	`
	raw := []byte(payload)
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := tx.GetContext(ctx, &entity, query, connectorID, string(eventType), raw); err != nil {
		return nil, err
	}

	signal, err := json.Marshal(domain.EventSignal{UserID: entity.UserID, EventID: entity.ID})
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, eventChannel, string(signal)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entity.toDomain(), nil
}

func (a *SyncEventAdapter) List(ctx context.Context, userID uuid.UUID, since int64, limit int) ([]*domain.SyncEvent, error) {
	var entities []syncEventEntity
	query := `
		SELECT * FROM sync_events
		WHERE user_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`
	if err := a.db.SelectContext(ctx, &entities, query, userID, since, limit); err != nil {
		return nil, err
	}
	events := make([]*domain.SyncEvent, len(entities))
	for i := range entities {
		events[i] = entities[i].toDomain()
	}
	return events, nil
}

// DeleteBatchBefore prunes in bounded batches so the maintenance cron never
// holds a long row lock over a hot table.
func (a *SyncEventAdapter) DeleteBatchBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	query := `
		DELETE FROM sync_events
		WHERE id IN (
			SELECT id FROM sync_events WHERE created_at < $1 ORDER BY id LIMIT $2
		)
	`
	res, err := a.db.ExecContext(ctx, query, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// PgEventListener - 프로세스당 하나의 공유 LISTEN 루프
// =============================================================================

const (
	listenBackoffBase = time.Second
	listenBackoffMax  = 30 * time.Second
)

// PgEventListener holds one dedicated connection out of the pgx pool on
// LISTEN and delivers parsed signals to the handler.
type PgEventListener struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

func NewPgEventListener(pool *pgxpool.Pool) *PgEventListener {
	return &PgEventListener{pool: pool, log: logger.WithField("component", "event_listener")}
}

func (l *PgEventListener) Listen(ctx context.Context, handle func(domain.EventSignal), onDrop func()) error {
	backoff := listenBackoffBase
	for {
		err := l.listenOnce(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.log.WithError(err).Warn("[PgEventListener.Listen] connection dropped, reconnecting in %s", backoff)
		if onDrop != nil {
			onDrop()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > listenBackoffMax {
			backoff = listenBackoffMax
		}
	}
}

func (l *PgEventListener) listenOnce(ctx context.Context, handle func(domain.EventSignal)) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// Hijack so the pool never hands this LISTEN-mode connection to a query.
	raw := conn.Hijack()
	defer raw.Close(context.Background())

	if _, err := raw.Exec(ctx, "LISTEN "+eventChannel); err != nil {
		return err
	}
	l.log.Info("[PgEventListener.listenOnce] listening on %s", eventChannel)

	for {
		notification, err := raw.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var signal domain.EventSignal
		if err := json.Unmarshal([]byte(notification.Payload), &signal); err != nil {
			l.log.WithError(err).Warn("[PgEventListener.listenOnce] bad payload: %s", notification.Payload)
			continue
		}
		handle(signal)
	}
}
