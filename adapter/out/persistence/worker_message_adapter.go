package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"mailworker/core/domain"
	"mailworker/core/port/out"
)

// =============================================================================
// MessageAdapter - 로컬 메시지 미러 + 첨부파일
// =============================================================================

type MessageAdapter struct {
	db *sqlx.DB
}

func NewMessageAdapter(db *sqlx.DB) *MessageAdapter {
	return &MessageAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type messageEntity struct {
	ID                  int64          `db:"id"`
	IncomingConnectorID int64          `db:"incoming_connector_id"`
	FolderPath          string         `db:"folder_path"`
	UID                 sql.NullInt64  `db:"uid"`
	GmailMessageID      sql.NullString `db:"gmail_message_id"`
	GmailThreadID       sql.NullString `db:"gmail_thread_id"`
	ThreadID            sql.NullInt64  `db:"thread_id"`
	MessageID           string         `db:"message_id"`
	InReplyTo           sql.NullString `db:"in_reply_to"`
	ReferencesHeader    sql.NullString `db:"references_header"`
	Subject             string         `db:"subject"`
	FromHeader          string         `db:"from_header"`
	ToHeader            string         `db:"to_header"`
	Snippet             string         `db:"snippet"`
	ReceivedAt          time.Time      `db:"received_at"`
	IsRead              bool           `db:"is_read"`
	IsStarred           bool           `db:"is_starred"`
	Flags               pq.StringArray `db:"flags"`
	MailboxUIDValidity  sql.NullInt64  `db:"mailbox_uid_validity"`
	RawBlobKey          sql.NullString `db:"raw_blob_key"`
	BodyText            sql.NullString `db:"body_text"`
	BodyHTML            sql.NullString `db:"body_html"`
	Meta                []byte         `db:"meta"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (e *messageEntity) toDomain() (*domain.Message, error) {
	m := &domain.Message{
		ID:                  e.ID,
		IncomingConnectorID: e.IncomingConnectorID,
		FolderPath:          e.FolderPath,
		MessageID:           e.MessageID,
		Subject:             e.Subject,
		FromHeader:          e.FromHeader,
		ToHeader:            e.ToHeader,
		Snippet:             e.Snippet,
		ReceivedAt:          e.ReceivedAt,
		IsRead:              e.IsRead,
		IsStarred:           e.IsStarred,
		Flags:               []string(e.Flags),
		CreatedAt:           e.CreatedAt,
		UpdatedAt:           e.UpdatedAt,
	}
	if e.UID.Valid {
		v := uint32(e.UID.Int64)
		m.UID = &v
	}
	if e.GmailMessageID.Valid {
		m.GmailMessageID = &e.GmailMessageID.String
	}
	if e.GmailThreadID.Valid {
		m.GmailThreadID = &e.GmailThreadID.String
	}
	if e.ThreadID.Valid {
		v := e.ThreadID.Int64
		m.ThreadID = &v
	}
	if e.InReplyTo.Valid {
		m.InReplyTo = &e.InReplyTo.String
	}
	if e.ReferencesHeader.Valid {
		m.ReferencesHeader = &e.ReferencesHeader.String
	}
	if e.MailboxUIDValidity.Valid {
		v := uint32(e.MailboxUIDValidity.Int64)
		m.MailboxUIDValidity = &v
	}
	if e.RawBlobKey.Valid {
		m.RawBlobKey = &e.RawBlobKey.String
	}
	if e.BodyText.Valid {
		m.BodyText = &e.BodyText.String
	}
	if e.BodyHTML.Valid {
		m.BodyHTML = &e.BodyHTML.String
	}
	if len(e.Meta) > 0 {
		if err := json.Unmarshal(e.Meta, &m.Meta); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (a *MessageAdapter) getOne(ctx context.Context, query string, args ...interface{}) (*domain.Message, error) {
	var entity messageEntity
	if err := a.db.GetContext(ctx, &entity, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entity.toDomain()
}

// =============================================================================
// 조회
// =============================================================================

func (a *MessageAdapter) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	return a.getOne(ctx, `SELECT * FROM messages WHERE id = $1`, id)
}

func (a *MessageAdapter) GetOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.Message, error) {
	query := `
		SELECT m.* FROM messages m
		JOIN incoming_connectors c ON c.id = m.incoming_connector_id
		WHERE m.id = $1 AND c.user_id = $2
	`
	return a.getOne(ctx, query, id, userID)
}

func (a *MessageAdapter) GetByUID(ctx context.Context, connectorID int64, folder string, uid uint32) (*domain.Message, error) {
	query := `SELECT * FROM messages WHERE incoming_connector_id = $1 AND folder_path = $2 AND uid = $3`
	return a.getOne(ctx, query, connectorID, folder, int64(uid))
}

func (a *MessageAdapter) GetByGmailMessageID(ctx context.Context, connectorID int64, folder, gmailID string) (*domain.Message, error) {
	query := `SELECT * FROM messages WHERE incoming_connector_id = $1 AND folder_path = $2 AND gmail_message_id = $3`
	return a.getOne(ctx, query, connectorID, folder, gmailID)
}

func (a *MessageAdapter) GetByHeaderMessageID(ctx context.Context, connectorID int64, folder, messageID string) (*domain.Message, error) {
	query := `
		SELECT * FROM messages
		WHERE incoming_connector_id = $1 AND folder_path = $2
		  AND message_id = $3 AND gmail_message_id IS NULL
		LIMIT 1
	`
	return a.getOne(ctx, query, connectorID, folder, messageID)
}

func (a *MessageAdapter) ListUIDs(ctx context.Context, connectorID int64, folder string) ([]uint32, error) {
	var raw []int64
	query := `SELECT uid FROM messages WHERE incoming_connector_id = $1 AND folder_path = $2 AND uid IS NOT NULL ORDER BY uid`
	if err := a.db.SelectContext(ctx, &raw, query, connectorID, folder); err != nil {
		return nil, err
	}
	uids := make([]uint32, len(raw))
	for i, v := range raw {
		uids[i] = uint32(v)
	}
	return uids, nil
}

func (a *MessageAdapter) ListGmailMessageIDs(ctx context.Context, connectorID int64, folder string) ([]string, error) {
	var ids []string
	query := `SELECT gmail_message_id FROM messages WHERE incoming_connector_id = $1 AND folder_path = $2 AND gmail_message_id IS NOT NULL`
	if err := a.db.SelectContext(ctx, &ids, query, connectorID, folder); err != nil {
		return nil, err
	}
	return ids, nil
}

func (a *MessageAdapter) CountByFolder(ctx context.Context, connectorID int64, folder string) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM messages WHERE incoming_connector_id = $1 AND folder_path = $2`
	if err := a.db.GetContext(ctx, &count, query, connectorID, folder); err != nil {
		return 0, err
	}
	return count, nil
}

func (a *MessageAdapter) ListThreadMessages(ctx context.Context, userID uuid.UUID, threadID int64) ([]*domain.Message, error) {
	var entities []messageEntity
	query := `
		SELECT m.* FROM messages m
		JOIN incoming_connectors c ON c.id = m.incoming_connector_id
		WHERE m.thread_id = $1 AND c.user_id = $2
		ORDER BY m.received_at
	`
	if err := a.db.SelectContext(ctx, &entities, query, threadID, userID); err != nil {
		return nil, err
	}
	return entitiesToDomain(entities)
}

func (a *MessageAdapter) ListMissingContent(ctx context.Context, connectorID int64, folder string, limit int) ([]*domain.Message, error) {
	var entities []messageEntity
	query := `
		SELECT * FROM messages
		WHERE incoming_connector_id = $1 AND folder_path = $2
		  AND raw_blob_key IS NULL
		ORDER BY received_at DESC
		LIMIT $3
	`
	if err := a.db.SelectContext(ctx, &entities, query, connectorID, folder, limit); err != nil {
		return nil, err
	}
	return entitiesToDomain(entities)
}

func (a *MessageAdapter) CountMissingContent(ctx context.Context, connectorID int64, folder string) (int64, error) {
	var count int64
	query := `
		SELECT COUNT(*) FROM messages
		WHERE incoming_connector_id = $1 AND folder_path = $2 AND raw_blob_key IS NULL
	`
	if err := a.db.GetContext(ctx, &count, query, connectorID, folder); err != nil {
		return 0, err
	}
	return count, nil
}

func entitiesToDomain(entities []messageEntity) ([]*domain.Message, error) {
	msgs := make([]*domain.Message, 0, len(entities))
	for i := range entities {
		m, err := entities[i].toDomain()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// =============================================================================
// 쓰기
// =============================================================================

func (a *MessageAdapter) Create(ctx context.Context, m *domain.Message) error {
	meta, err := json.Marshal(m.Meta)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO messages (
			incoming_connector_id, folder_path, uid, gmail_message_id, gmail_thread_id,
			thread_id, message_id, in_reply_to, references_header,
			subject, from_header, to_header, snippet, received_at,
			is_read, is_starred, flags, mailbox_uid_validity, meta
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id, created_at, updated_at
	`
	var uid interface{}
	if m.UID != nil {
		uid = int64(*m.UID)
	}
	var validity interface{}
	if m.MailboxUIDValidity != nil {
		validity = int64(*m.MailboxUIDValidity)
	}
	return a.db.QueryRowContext(ctx, query,
		m.IncomingConnectorID, m.FolderPath, uid, m.GmailMessageID, m.GmailThreadID,
		m.ThreadID, m.MessageID, m.InReplyTo, m.ReferencesHeader,
		m.Subject, m.FromHeader, m.ToHeader, m.Snippet, m.ReceivedAt,
		m.IsRead, m.IsStarred, pq.Array(m.Flags), validity, meta,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
}

func (a *MessageAdapter) UpdateMetadata(ctx context.Context, m *domain.Message) error {
	meta, err := json.Marshal(m.Meta)
	if err != nil {
		return err
	}
	query := `
		UPDATE messages SET
			gmail_message_id = $1, gmail_thread_id = $2,
			subject = $3, from_header = $4, to_header = $5, snippet = $6,
			is_read = $7, is_starred = $8, flags = $9, meta = $10,
			updated_at = NOW()
		WHERE id = $11
	`
	_, err = a.db.ExecContext(ctx, query,
		m.GmailMessageID, m.GmailThreadID,
		m.Subject, m.FromHeader, m.ToHeader, m.Snippet,
		m.IsRead, m.IsStarred, pq.Array(m.Flags), meta,
		m.ID,
	)
	return err
}

func (a *MessageAdapter) UpdateFlags(ctx context.Context, id int64, isRead, isStarred bool, flags []string) error {
	query := `UPDATE messages SET is_read = $1, is_starred = $2, flags = $3, updated_at = NOW() WHERE id = $4`
	_, err := a.db.ExecContext(ctx, query, isRead, isStarred, pq.Array(flags), id)
	return err
}

func (a *MessageAdapter) UpdateFolderPath(ctx context.Context, id int64, folder string) error {
	query := `UPDATE messages SET folder_path = $1, updated_at = NOW() WHERE id = $2`
	_, err := a.db.ExecContext(ctx, query, folder, id)
	return err
}

func (a *MessageAdapter) SetRawBlobKey(ctx context.Context, id int64, key string) error {
	query := `UPDATE messages SET raw_blob_key = $1, updated_at = NOW() WHERE id = $2`
	_, err := a.db.ExecContext(ctx, query, key, id)
	return err
}

func (a *MessageAdapter) SetBody(ctx context.Context, id int64, bodyText, bodyHTML, snippet string) error {
	query := `
		UPDATE messages SET
			body_text = $1, body_html = $2, snippet = $3, updated_at = NOW()
		WHERE id = $4
	`
	_, err := a.db.ExecContext(ctx, query, toNullableString(bodyText), toNullableString(bodyHTML), snippet, id)
	return err
}

func (a *MessageAdapter) SetThreadID(ctx context.Context, id int64, threadID int64) error {
	query := `UPDATE messages SET thread_id = $1, updated_at = NOW() WHERE id = $2`
	_, err := a.db.ExecContext(ctx, query, threadID, id)
	return err
}

func (a *MessageAdapter) SetGmailThreadID(ctx context.Context, id int64, gmailThreadID string) error {
	query := `UPDATE messages SET gmail_thread_id = $1, updated_at = NOW() WHERE id = $2`
	_, err := a.db.ExecContext(ctx, query, gmailThreadID, id)
	return err
}

// =============================================================================
// 삭제 / reconcile
// =============================================================================

func (a *MessageAdapter) DeleteByID(ctx context.Context, id int64) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE message_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *MessageAdapter) DeleteByGmailMessageID(ctx context.Context, connectorID int64, folder, gmailID string) (bool, error) {
	removed, err := a.deleteWhere(ctx,
		`incoming_connector_id = $1 AND folder_path = $2 AND gmail_message_id = $3`,
		connectorID, folder, gmailID,
	)
	if err != nil {
		return false, err
	}
	return len(removed) > 0, nil
}

func (a *MessageAdapter) DeleteByUID(ctx context.Context, connectorID int64, folder string, uid uint32) error {
	_, err := a.deleteWhere(ctx,
		`incoming_connector_id = $1 AND folder_path = $2 AND uid = $3`,
		connectorID, folder, int64(uid),
	)
	return err
}

func (a *MessageAdapter) DeleteWhereUIDNotIn(ctx context.Context, connectorID int64, folder string, seen []uint32, minUID uint32) ([]out.RemovedMessage, error) {
	seen64 := make([]int64, len(seen))
	for i, v := range seen {
		seen64[i] = int64(v)
	}
	return a.deleteWhere(ctx,
		`incoming_connector_id = $1 AND folder_path = $2
		 AND uid IS NOT NULL AND uid > $3 AND NOT (uid = ANY($4))`,
		connectorID, folder, int64(minUID), pq.Array(seen64),
	)
}

func (a *MessageAdapter) DeleteWhereGmailIDNotIn(ctx context.Context, connectorID int64, folder string, seen []string) ([]out.RemovedMessage, error) {
	return a.deleteWhere(ctx,
		`incoming_connector_id = $1 AND folder_path = $2
		 AND gmail_message_id IS NOT NULL AND NOT (gmail_message_id = ANY($3))`,
		connectorID, folder, pq.Array(seen),
	)
}

func (a *MessageAdapter) PurgeFolder(ctx context.Context, connectorID int64, folder string) ([]out.RemovedMessage, error) {
	return a.deleteWhere(ctx, `incoming_connector_id = $1 AND folder_path = $2`, connectorID, folder)
}

// deleteWhere removes matching rows plus their attachments in one
// transaction, collecting blob keys for the caller's cleanup.
func (a *MessageAdapter) deleteWhere(ctx context.Context, cond string, args ...interface{}) ([]out.RemovedMessage, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, raw_blob_key FROM messages WHERE `+cond, args...)
	if err != nil {
		return nil, err
	}
	removed := make([]out.RemovedMessage, 0)
	ids := make([]int64, 0)
	for rows.Next() {
		var r out.RemovedMessage
		var rawKey sql.NullString
		if err := rows.Scan(&r.ID, &rawKey); err != nil {
			rows.Close()
			return nil, err
		}
		if rawKey.Valid {
			r.RawBlobKey = &rawKey.String
		}
		removed = append(removed, r)
		ids = append(ids, r.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	blobRows, err := tx.QueryContext(ctx,
		`SELECT message_id, blob_key FROM attachments WHERE message_id = ANY($1) AND blob_key IS NOT NULL`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, err
	}
	blobsByMessage := make(map[int64][]string)
	for blobRows.Next() {
		var messageID int64
		var key string
		if err := blobRows.Scan(&messageID, &key); err != nil {
			blobRows.Close()
			return nil, err
		}
		blobsByMessage[messageID] = append(blobsByMessage[messageID], key)
	}
	blobRows.Close()
	if err := blobRows.Err(); err != nil {
		return nil, err
	}
	for i := range removed {
		removed[i].BlobKeys = blobsByMessage[removed[i].ID]
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE message_id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, err
	}
	return removed, tx.Commit()
}

// =============================================================================
// Gmail threadId 역조회
// =============================================================================

func (a *MessageAdapter) FindGmailThreadIDByMessageIDs(ctx context.Context, connectorID int64, messageIDVariants []string) (string, error) {
	if len(messageIDVariants) == 0 {
		return "", nil
	}
	var threadID string
	query := `
		SELECT gmail_thread_id FROM messages
		WHERE incoming_connector_id = $1 AND message_id = ANY($2) AND gmail_thread_id IS NOT NULL
		ORDER BY received_at DESC
		LIMIT 1
	`
	if err := a.db.GetContext(ctx, &threadID, query, connectorID, pq.Array(messageIDVariants)); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return threadID, nil
}

func (a *MessageAdapter) FindGmailThreadIDByLocalThread(ctx context.Context, connectorID int64, threadID int64) (string, error) {
	var gmailThreadID string
	query := `
		SELECT gmail_thread_id FROM messages
		WHERE incoming_connector_id = $1 AND thread_id = $2 AND gmail_thread_id IS NOT NULL
		ORDER BY received_at DESC
		LIMIT 1
	`
	if err := a.db.GetContext(ctx, &gmailThreadID, query, connectorID, threadID); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return gmailThreadID, nil
}

// =============================================================================
// Attachments
// =============================================================================

func (a *MessageAdapter) ReplaceAttachments(ctx context.Context, messageID int64, atts []domain.Attachment) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE message_id = $1`, messageID); err != nil {
		return err
	}
	query := `
		INSERT INTO attachments (
			message_id, filename, content_type, size_bytes, inline, content_id, blob_key, scan_status, scan_result
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	for i := range atts {
		att := &atts[i]
		if err := tx.QueryRowContext(ctx, query,
			messageID, att.Filename, att.ContentType, att.SizeBytes,
			att.Inline, att.ContentID, att.BlobKey, string(att.ScanStatus), att.ScanResult,
		).Scan(&att.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (a *MessageAdapter) GetAttachment(ctx context.Context, id int64) (*domain.Attachment, error) {
	var entity struct {
		ID          int64          `db:"id"`
		MessageID   int64          `db:"message_id"`
		Filename    string         `db:"filename"`
		ContentType string         `db:"content_type"`
		SizeBytes   int64          `db:"size_bytes"`
		Inline      bool           `db:"inline"`
		ContentID   sql.NullString `db:"content_id"`
		BlobKey     sql.NullString `db:"blob_key"`
		ScanStatus  string         `db:"scan_status"`
		ScanResult  sql.NullString `db:"scan_result"`
	}
	query := `SELECT * FROM attachments WHERE id = $1`
	if err := a.db.GetContext(ctx, &entity, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	att := &domain.Attachment{
		ID:          entity.ID,
		MessageID:   entity.MessageID,
		Filename:    entity.Filename,
		ContentType: entity.ContentType,
		SizeBytes:   entity.SizeBytes,
		Inline:      entity.Inline,
		ScanStatus:  domain.ScanStatus(entity.ScanStatus),
	}
	if entity.ContentID.Valid {
		att.ContentID = &entity.ContentID.String
	}
	if entity.BlobKey.Valid {
		att.BlobKey = &entity.BlobKey.String
	}
	if entity.ScanResult.Valid {
		att.ScanResult = &entity.ScanResult.String
	}
	return att, nil
}

func (a *MessageAdapter) UpdateAttachmentScan(ctx context.Context, id int64, status domain.ScanStatus, result *string) error {
	query := `UPDATE attachments SET scan_status = $1, scan_result = $2 WHERE id = $3`
	_, err := a.db.ExecContext(ctx, query, string(status), result, id)
	return err
}
