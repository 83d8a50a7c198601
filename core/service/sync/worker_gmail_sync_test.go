package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailworker/config"
	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/core/service/auth"
	"mailworker/core/service/events"
	"mailworker/pkg/apperr"
)

// =============================================================================
// Fake ports shared by the driver tests
// =============================================================================

type fakeSyncStates struct {
	rows map[string]*domain.SyncState
}

func newFakeSyncStates() *fakeSyncStates {
	return &fakeSyncStates{rows: make(map[string]*domain.SyncState)}
}

func stateKey(connectorID int64, mbox string) string {
	return fmt.Sprintf("%d:%s", connectorID, mbox)
}

func (f *fakeSyncStates) Get(ctx context.Context, connectorID int64, mbox string) (*domain.SyncState, error) {
	row, ok := f.rows[stateKey(connectorID, mbox)]
	if !ok {
		return nil, errors.New("state not found")
	}
	copied := *row
	return &copied, nil
}

func (f *fakeSyncStates) EnsureExists(ctx context.Context, connectorID int64, mbox string) error {
	key := stateKey(connectorID, mbox)
	if _, ok := f.rows[key]; !ok {
		f.rows[key] = &domain.SyncState{
			IncomingConnectorID: connectorID,
			Mailbox:             mbox,
			Status:              domain.SyncStatusIdle,
		}
	}
	return nil
}

func (f *fakeSyncStates) TryClaim(ctx context.Context, connectorID int64, mbox string, progress domain.SyncProgress, lastSeenUID, highestUID uint32) (bool, error) {
	row, ok := f.rows[stateKey(connectorID, mbox)]
	if !ok {
		return false, errors.New("state not found")
	}
	if row.Status == domain.SyncStatusSyncing {
		return false, nil
	}
	row.Status = domain.SyncStatusSyncing
	now := time.Now()
	row.SyncStartedAt = &now
	row.Progress = progress
	return true, nil
}

func (f *fakeSyncStates) Touch(ctx context.Context, connectorID int64, mbox string) error {
	return nil
}

func (f *fakeSyncStates) SetState(ctx context.Context, connectorID int64, mbox string, patch domain.SyncStatePatch) error {
	row, ok := f.rows[stateKey(connectorID, mbox)]
	if !ok {
		return errors.New("state not found")
	}
	if patch.Status != nil {
		row.Status = *patch.Status
	}
	if patch.UIDValidity != nil {
		row.UIDValidity = patch.UIDValidity
	}
	if patch.LastSeenUID != nil {
		row.LastSeenUID = *patch.LastSeenUID
	}
	if patch.HighestUID != nil {
		row.HighestUID = *patch.HighestUID
	}
	if patch.Modseq != nil {
		row.Modseq = patch.Modseq
	}
	if patch.ClearModseq {
		row.Modseq = nil
	}
	if patch.LastFullReconcileAt != nil {
		row.LastFullReconcileAt = patch.LastFullReconcileAt
	}
	if patch.ClearFullReconcile {
		row.LastFullReconcileAt = nil
	}
	if patch.SyncCompletedAt != nil {
		row.SyncCompletedAt = patch.SyncCompletedAt
	}
	if patch.SyncError != nil {
		row.SyncError = patch.SyncError
	}
	if patch.ClearSyncError {
		row.SyncError = nil
	}
	if patch.Progress != nil {
		row.Progress = *patch.Progress
	}
	row.UpdatedAt = time.Now()
	return nil
}

func (f *fakeSyncStates) GetStatus(ctx context.Context, connectorID int64, mbox string) (domain.SyncStatus, error) {
	row, ok := f.rows[stateKey(connectorID, mbox)]
	if !ok {
		return "", errors.New("state not found")
	}
	return row.Status, nil
}

func (f *fakeSyncStates) HasHealthyClaim(ctx context.Context, connectorID int64, mbox string) (bool, error) {
	return false, nil
}

func (f *fakeSyncStates) ReapStale(ctx context.Context, claimStale time.Duration) ([]out.ReapedState, error) {
	return nil, nil
}

func (f *fakeSyncStates) DeleteByConnector(ctx context.Context, connectorID int64) error {
	return nil
}

// fakeSyncMessages - 메시지 미러의 인메모리 구현
type fakeSyncMessages struct {
	nextID int64
	rows   []*domain.Message
}

func (f *fakeSyncMessages) find(match func(*domain.Message) bool) *domain.Message {
	for _, row := range f.rows {
		if match(row) {
			return row
		}
	}
	return nil
}

func (f *fakeSyncMessages) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	if row := f.find(func(m *domain.Message) bool { return m.ID == id }); row != nil {
		return row, nil
	}
	return nil, errors.New("message not found")
}

func (f *fakeSyncMessages) GetOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.Message, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeSyncMessages) GetByUID(ctx context.Context, connectorID int64, folder string, uid uint32) (*domain.Message, error) {
	row := f.find(func(m *domain.Message) bool {
		return m.IncomingConnectorID == connectorID && m.FolderPath == folder && m.UID != nil && *m.UID == uid
	})
	if row == nil {
		return nil, errors.New("message not found")
	}
	return row, nil
}

func (f *fakeSyncMessages) GetByGmailMessageID(ctx context.Context, connectorID int64, folder, gmailID string) (*domain.Message, error) {
	row := f.find(func(m *domain.Message) bool {
		return m.IncomingConnectorID == connectorID && m.FolderPath == folder &&
			m.GmailMessageID != nil && *m.GmailMessageID == gmailID
	})
	if row == nil {
		return nil, errors.New("message not found")
	}
	return row, nil
}

func (f *fakeSyncMessages) GetByHeaderMessageID(ctx context.Context, connectorID int64, folder, messageID string) (*domain.Message, error) {
	row := f.find(func(m *domain.Message) bool {
		return m.IncomingConnectorID == connectorID && m.FolderPath == folder &&
			m.MessageID == messageID && m.GmailMessageID == nil
	})
	if row == nil {
		return nil, errors.New("message not found")
	}
	return row, nil
}

func (f *fakeSyncMessages) ListUIDs(ctx context.Context, connectorID int64, folder string) ([]uint32, error) {
	var uids []uint32
	for _, m := range f.rows {
		if m.IncomingConnectorID == connectorID && m.FolderPath == folder && m.UID != nil {
			uids = append(uids, *m.UID)
		}
	}
	return uids, nil
}

func (f *fakeSyncMessages) ListGmailMessageIDs(ctx context.Context, connectorID int64, folder string) ([]string, error) {
	var ids []string
	for _, m := range f.rows {
		if m.IncomingConnectorID == connectorID && m.FolderPath == folder && m.GmailMessageID != nil {
			ids = append(ids, *m.GmailMessageID)
		}
	}
	return ids, nil
}

func (f *fakeSyncMessages) CountByFolder(ctx context.Context, connectorID int64, folder string) (int64, error) {
	return int64(len(f.rows)), nil
}

func (f *fakeSyncMessages) ListThreadMessages(ctx context.Context, userID uuid.UUID, threadID int64) ([]*domain.Message, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSyncMessages) ListMissingContent(ctx context.Context, connectorID int64, folder string, limit int) ([]*domain.Message, error) {
	var rows []*domain.Message
	for _, m := range f.rows {
		if m.IncomingConnectorID == connectorID && m.FolderPath == folder && m.RawBlobKey == nil {
			rows = append(rows, m)
			if len(rows) >= limit {
				break
			}
		}
	}
	return rows, nil
}

func (f *fakeSyncMessages) CountMissingContent(ctx context.Context, connectorID int64, folder string) (int64, error) {
	rows, _ := f.ListMissingContent(ctx, connectorID, folder, 1<<30)
	return int64(len(rows)), nil
}

func (f *fakeSyncMessages) Create(ctx context.Context, m *domain.Message) error {
	f.nextID++
	m.ID = f.nextID
	f.rows = append(f.rows, m)
	return nil
}

func (f *fakeSyncMessages) UpdateMetadata(ctx context.Context, m *domain.Message) error {
	return nil
}

func (f *fakeSyncMessages) UpdateFlags(ctx context.Context, id int64, isRead, isStarred bool, flags []string) error {
	row, err := f.GetByID(ctx, id)
	if err != nil {
		return err
	}
	row.IsRead, row.IsStarred, row.Flags = isRead, isStarred, flags
	return nil
}

func (f *fakeSyncMessages) UpdateFolderPath(ctx context.Context, id int64, folder string) error {
	row, err := f.GetByID(ctx, id)
	if err != nil {
		return err
	}
	row.FolderPath = folder
	return nil
}

func (f *fakeSyncMessages) SetRawBlobKey(ctx context.Context, id int64, key string) error {
	row, err := f.GetByID(ctx, id)
	if err != nil {
		return err
	}
	row.RawBlobKey = &key
	return nil
}

func (f *fakeSyncMessages) SetBody(ctx context.Context, id int64, bodyText, bodyHTML, snippet string) error {
	row, err := f.GetByID(ctx, id)
	if err != nil {
		return err
	}
	row.BodyText, row.BodyHTML, row.Snippet = &bodyText, &bodyHTML, snippet
	return nil
}

func (f *fakeSyncMessages) SetThreadID(ctx context.Context, id int64, threadID int64) error {
	row, err := f.GetByID(ctx, id)
	if err != nil {
		return err
	}
	row.ThreadID = &threadID
	return nil
}

func (f *fakeSyncMessages) SetGmailThreadID(ctx context.Context, id int64, gmailThreadID string) error {
	row, err := f.GetByID(ctx, id)
	if err != nil {
		return err
	}
	row.GmailThreadID = &gmailThreadID
	return nil
}

func (f *fakeSyncMessages) DeleteByID(ctx context.Context, id int64) error {
	for i, m := range f.rows {
		if m.ID == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return nil
		}
	}
	return errors.New("message not found")
}

func (f *fakeSyncMessages) DeleteByGmailMessageID(ctx context.Context, connectorID int64, folder, gmailID string) (bool, error) {
	row, err := f.GetByGmailMessageID(ctx, connectorID, folder, gmailID)
	if err != nil {
		return false, nil
	}
	return true, f.DeleteByID(ctx, row.ID)
}

func (f *fakeSyncMessages) DeleteByUID(ctx context.Context, connectorID int64, folder string, uid uint32) error {
	row, err := f.GetByUID(ctx, connectorID, folder, uid)
	if err != nil {
		return nil
	}
	return f.DeleteByID(ctx, row.ID)
}

func (f *fakeSyncMessages) DeleteWhereUIDNotIn(ctx context.Context, connectorID int64, folder string, seen []uint32, minUID uint32) ([]out.RemovedMessage, error) {
	keep := make(map[uint32]bool, len(seen))
	for _, uid := range seen {
		keep[uid] = true
	}
	var removed []out.RemovedMessage
	var kept []*domain.Message
	for _, m := range f.rows {
		if m.IncomingConnectorID == connectorID && m.FolderPath == folder && m.UID != nil &&
			*m.UID > minUID && !keep[*m.UID] {
			removed = append(removed, out.RemovedMessage{ID: m.ID, RawBlobKey: m.RawBlobKey})
			continue
		}
		kept = append(kept, m)
	}
	f.rows = kept
	return removed, nil
}

func (f *fakeSyncMessages) DeleteWhereGmailIDNotIn(ctx context.Context, connectorID int64, folder string, seen []string) ([]out.RemovedMessage, error) {
	keep := make(map[string]bool, len(seen))
	for _, id := range seen {
		keep[id] = true
	}
	var removed []out.RemovedMessage
	var kept []*domain.Message
	for _, m := range f.rows {
		if m.IncomingConnectorID == connectorID && m.FolderPath == folder &&
			m.GmailMessageID != nil && !keep[*m.GmailMessageID] {
			removed = append(removed, out.RemovedMessage{ID: m.ID, RawBlobKey: m.RawBlobKey})
			continue
		}
		kept = append(kept, m)
	}
	f.rows = kept
	return removed, nil
}

func (f *fakeSyncMessages) PurgeFolder(ctx context.Context, connectorID int64, folder string) ([]out.RemovedMessage, error) {
	var removed []out.RemovedMessage
	var kept []*domain.Message
	for _, m := range f.rows {
		if m.IncomingConnectorID == connectorID && m.FolderPath == folder {
			removed = append(removed, out.RemovedMessage{ID: m.ID, RawBlobKey: m.RawBlobKey})
			continue
		}
		kept = append(kept, m)
	}
	f.rows = kept
	return removed, nil
}

func (f *fakeSyncMessages) FindGmailThreadIDByMessageIDs(ctx context.Context, connectorID int64, messageIDVariants []string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeSyncMessages) FindGmailThreadIDByLocalThread(ctx context.Context, connectorID int64, threadID int64) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeSyncMessages) ReplaceAttachments(ctx context.Context, messageID int64, atts []domain.Attachment) error {
	return nil
}

func (f *fakeSyncMessages) GetAttachment(ctx context.Context, id int64) (*domain.Attachment, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSyncMessages) UpdateAttachmentScan(ctx context.Context, id int64, status domain.ScanStatus, result *string) error {
	return errors.New("not implemented")
}

// fakeSyncConnectors serves a single connector and records settings writes.
type fakeSyncConnectors struct {
	conn *domain.IncomingConnector
}

func (r *fakeSyncConnectors) GetIncoming(ctx context.Context, id int64) (*domain.IncomingConnector, error) {
	if r.conn == nil || r.conn.ID != id {
		return nil, errors.New("connector not found")
	}
	return r.conn, nil
}

func (r *fakeSyncConnectors) GetIncomingOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.IncomingConnector, error) {
	return r.GetIncoming(ctx, id)
}

func (r *fakeSyncConnectors) ListActiveIncoming(ctx context.Context) ([]*domain.IncomingConnector, error) {
	return []*domain.IncomingConnector{r.conn}, nil
}

func (r *fakeSyncConnectors) ListIncomingGmailByAddress(ctx context.Context, emailAddress string) ([]*domain.IncomingConnector, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeSyncConnectors) CreateIncoming(ctx context.Context, c *domain.IncomingConnector) error {
	return errors.New("not implemented")
}

func (r *fakeSyncConnectors) UpdateIncomingSyncSettings(ctx context.Context, id int64, s domain.SyncSettings) error {
	if r.conn == nil || r.conn.ID != id {
		return errors.New("connector not found")
	}
	r.conn.Sync = s
	return nil
}

func (r *fakeSyncConnectors) DeleteIncoming(ctx context.Context, id int64) error {
	return errors.New("not implemented")
}

func (r *fakeSyncConnectors) GetOutgoing(ctx context.Context, id int64) (*domain.OutgoingConnector, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeSyncConnectors) CreateOutgoing(ctx context.Context, c *domain.OutgoingConnector) error {
	return errors.New("not implemented")
}

func (r *fakeSyncConnectors) GetIdentityOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.Identity, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeSyncConnectors) UpdateAuthTokens(ctx context.Context, kind domain.OAuthConnectorType, connectorID int64, accessToken *string, refreshToken *string, expiresAt *time.Time) error {
	return errors.New("not implemented")
}

// fakeGmailAPI mimics the API's spam/trash list behavior: messages.list hides
// those folders unless includeSpamTrash is set.
type gmailListCall struct {
	labelID          string
	includeSpamTrash bool
}

type fakeGmailAPI struct {
	profileHistoryID uint64
	listIDs          map[string][]string
	history          *out.GmailHistory
	historyErr       error
	metas            map[string]*out.GmailMessageMeta

	listCalls []gmailListCall
}

func (g *fakeGmailAPI) GetProfile(ctx context.Context, authCfg domain.AuthConfig) (*out.GmailProfile, error) {
	return &out.GmailProfile{EmailAddress: "user@gmail.com", HistoryID: g.profileHistoryID}, nil
}

func (g *fakeGmailAPI) ListMessageIDs(ctx context.Context, authCfg domain.AuthConfig, labelID string, includeSpamTrash bool) ([]string, error) {
	g.listCalls = append(g.listCalls, gmailListCall{labelID: labelID, includeSpamTrash: includeSpamTrash})
	if (labelID == domain.SystemLabelSpam || labelID == domain.SystemLabelTrash) && !includeSpamTrash {
		return nil, nil
	}
	return g.listIDs[labelID], nil
}

func (g *fakeGmailAPI) ListHistory(ctx context.Context, authCfg domain.AuthConfig, startHistoryID uint64) (*out.GmailHistory, error) {
	if g.historyErr != nil {
		return nil, g.historyErr
	}
	if g.history != nil {
		return g.history, nil
	}
	return &out.GmailHistory{}, nil
}

func (g *fakeGmailAPI) GetMessageMetadata(ctx context.Context, authCfg domain.AuthConfig, gmailID string) (*out.GmailMessageMeta, error) {
	meta, ok := g.metas[gmailID]
	if !ok {
		return nil, apperr.NotFound("gmail message")
	}
	return meta, nil
}

func (g *fakeGmailAPI) GetMessageRaw(ctx context.Context, authCfg domain.AuthConfig, gmailID string) ([]byte, string, error) {
	return nil, "", errors.New("not implemented")
}

func (g *fakeGmailAPI) Modify(ctx context.Context, authCfg domain.AuthConfig, gmailID string, addLabelIDs, removeLabelIDs []string) ([]string, error) {
	return nil, errors.New("not implemented")
}

func (g *fakeGmailAPI) Trash(ctx context.Context, authCfg domain.AuthConfig, gmailID string) error {
	return errors.New("not implemented")
}

func (g *fakeGmailAPI) Send(ctx context.Context, authCfg domain.AuthConfig, raw []byte, threadID string) (string, string, error) {
	return "", "", errors.New("not implemented")
}

func (g *fakeGmailAPI) Watch(ctx context.Context, authCfg domain.AuthConfig, topicName string, labelIDs []string) (*out.GmailWatch, error) {
	return nil, errors.New("not implemented")
}

func (g *fakeGmailAPI) StopWatch(ctx context.Context, authCfg domain.AuthConfig) error {
	return errors.New("not implemented")
}

// fakeSyncQueue records hydration and scan enqueues.
type fakeSyncQueue struct {
	hydrations []string // "connectorID:mailbox"
	scans      int
}

func (q *fakeSyncQueue) EnqueueSyncWithOptions(ctx context.Context, userID uuid.UUID, connectorID int64, mailbox string, opts domain.SyncJobOptions) (bool, error) {
	return true, nil
}

func (q *fakeSyncQueue) EnqueueSend(ctx context.Context, userID uuid.UUID, payload domain.SendJobPayload) error {
	return nil
}

func (q *fakeSyncQueue) EnqueueAttachmentScan(ctx context.Context, userID uuid.UUID, messageID, attachmentID int64) error {
	q.scans++
	return nil
}

func (q *fakeSyncQueue) EnqueueRulesReplay(ctx context.Context, userID uuid.UUID, connectorID int64, payload domain.RulesReplayPayload) error {
	return nil
}

func (q *fakeSyncQueue) EnqueueGmailHydration(ctx context.Context, userID uuid.UUID, connectorID int64, mailbox string) error {
	q.hydrations = append(q.hydrations, fmt.Sprintf("%d:%s", connectorID, mailbox))
	return nil
}

type fakeBlobStore struct {
	blobs map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (b *fakeBlobStore) Put(ctx context.Context, key string, data []byte) error {
	b.blobs[key] = data
	return nil
}

func (b *fakeBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, ok := b.blobs[key]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return data, nil
}

func (b *fakeBlobStore) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBlobStore) Delete(ctx context.Context, key string) error {
	delete(b.blobs, key)
	return nil
}

type fakeParser struct{}

func (fakeParser) Parse(raw []byte) (*out.ParsedMessage, error) {
	return &out.ParsedMessage{BodyText: string(raw), Snippet: "snippet"}, nil
}

type fakeThreads struct{}

func (fakeThreads) ResolveThread(ctx context.Context, m *domain.Message) (*int64, error) {
	return nil, nil
}

type syncEventRepo struct{ nextID int64 }

func (r *syncEventRepo) Insert(ctx context.Context, connectorID int64, eventType domain.SyncEventType, payload json.RawMessage) (*domain.SyncEvent, error) {
	r.nextID++
	return &domain.SyncEvent{ID: r.nextID, IncomingConnectorID: connectorID, Type: eventType}, nil
}

func (r *syncEventRepo) List(ctx context.Context, userID uuid.UUID, since int64, limit int) ([]*domain.SyncEvent, error) {
	return nil, nil
}

func (r *syncEventRepo) DeleteBatchBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	return 0, nil
}

// =============================================================================
// Gmail driver fixtures
// =============================================================================

func testSyncConfig() *config.Config {
	return &config.Config{
		FullReconcileInterval:     6 * time.Hour,
		RecentReconcileUIDWindow:  500,
		SourceFetchBatchSize:      25,
		GmailBootstrapConcurrency: 2,
		GmailHydrateBatchSize:     50,
		HeartbeatStale:            45 * time.Second,
	}
}

type gmailSyncFixture struct {
	svc      *GmailSyncService
	states   *fakeSyncStates
	messages *fakeSyncMessages
	gmail    *fakeGmailAPI
	queue    *fakeSyncQueue
	conn     *domain.IncomingConnector
	userID   uuid.UUID
}

func newGmailSyncFixture(t *testing.T, conn *domain.IncomingConnector, gmail *fakeGmailAPI) *gmailSyncFixture {
	t.Helper()
	states := newFakeSyncStates()
	messages := &fakeSyncMessages{}
	queue := &fakeSyncQueue{}
	connectors := &fakeSyncConnectors{conn: conn}
	tokens := auth.NewTokenManager(connectors, "id", "secret", "http://localhost/cb")
	bus := events.NewBus(&syncEventRepo{}, nil, nil, nil)
	runner := NewRunner(states, bus, time.Second)
	svc := NewGmailSyncService(runner, states, messages, connectors, gmail,
		newFakeBlobStore(), fakeParser{}, fakeThreads{}, queue, tokens, bus, testSyncConfig())
	return &gmailSyncFixture{
		svc:      svc,
		states:   states,
		messages: messages,
		gmail:    gmail,
		queue:    queue,
		conn:     conn,
		userID:   conn.UserID,
	}
}

func gmailConnector(id int64, bootstrapped bool) *domain.IncomingConnector {
	return &domain.IncomingConnector{
		ID:       id,
		UserID:   uuid.New(),
		Provider: domain.ProviderGmail,
		Status:   domain.ConnectorStatusActive,
		Auth:     domain.AuthConfig{Type: domain.AuthTypePassword, Username: "u", Password: "p"},
		Sync:     domain.SyncSettings{GmailAPIBootstrapped: bootstrapped},
	}
}

func gmailMeta(id, threadID string, labels ...string) *out.GmailMessageMeta {
	return &out.GmailMessageMeta{
		ID:           id,
		ThreadID:     threadID,
		LabelIDs:     labels,
		InternalDate: time.Now(),
		Snippet:      "snippet",
		Headers: map[string]string{
			"Message-ID": "<" + id + "@mail.example.com>",
			"Subject":    "subject " + id,
			"From":       "from@example.com",
			"To":         "to@example.com",
		},
	}
}

func seedGmailRow(f *gmailSyncFixture, folder, gmailID string) *domain.Message {
	id := gmailID
	msg := &domain.Message{
		IncomingConnectorID: f.conn.ID,
		FolderPath:          folder,
		GmailMessageID:      &id,
		MessageID:           "<" + gmailID + "@mail.example.com>",
		IsRead:              true,
	}
	_ = f.messages.Create(context.Background(), msg)
	return msg
}

// =============================================================================
// Bootstrap / full list
// =============================================================================

func TestGmailSpamFullListKeepsServerMessages(t *testing.T) {
	gmail := &fakeGmailAPI{
		profileHistoryID: 100,
		listIDs:          map[string][]string{domain.SystemLabelSpam: {"g-1"}},
		metas:            map[string]*out.GmailMessageMeta{"g-1": gmailMeta("g-1", "t-1", domain.SystemLabelSpam)},
	}
	f := newGmailSyncFixture(t, gmailConnector(10, false), gmail)
	seedGmailRow(f, domain.SystemLabelSpam, "g-1")

	outcome := f.svc.Sync(context.Background(), f.userID, 10, domain.SystemLabelSpam, domain.SyncJobOptions{})
	require.Equal(t, domain.SyncOutcomeCompleted, outcome.Kind, "outcome: %v", outcome.Err)

	// 스팸 목록은 includeSpamTrash 없이는 비어 나온다 - 그대로 reconcile하면
	// 로컬 전체가 날아간다
	require.NotEmpty(t, gmail.listCalls)
	assert.True(t, gmail.listCalls[0].includeSpamTrash)
	assert.Equal(t, 0, outcome.Progress.ReconciledRemoved)

	_, err := f.messages.GetByGmailMessageID(context.Background(), 10, domain.SystemLabelSpam, "g-1")
	assert.NoError(t, err, "spam row must survive the full list pass")
}

func TestGmailInboxFullListExcludesSpamTrash(t *testing.T) {
	gmail := &fakeGmailAPI{
		profileHistoryID: 100,
		listIDs:          map[string][]string{domain.SystemLabelInbox: {"g-1"}},
		metas:            map[string]*out.GmailMessageMeta{"g-1": gmailMeta("g-1", "t-1", domain.SystemLabelInbox)},
	}
	f := newGmailSyncFixture(t, gmailConnector(11, false), gmail)

	outcome := f.svc.Sync(context.Background(), f.userID, 11, "INBOX", domain.SyncJobOptions{})
	require.Equal(t, domain.SyncOutcomeCompleted, outcome.Kind, "outcome: %v", outcome.Err)

	require.NotEmpty(t, gmail.listCalls)
	assert.False(t, gmail.listCalls[0].includeSpamTrash)
	assert.Equal(t, 1, outcome.Progress.Inserted)
}

func TestGmailBootstrapPatchesFullReconcileTimestamp(t *testing.T) {
	gmail := &fakeGmailAPI{
		profileHistoryID: 100,
		listIDs:          map[string][]string{domain.SystemLabelInbox: {"g-1"}},
		metas:            map[string]*out.GmailMessageMeta{"g-1": gmailMeta("g-1", "t-1", domain.SystemLabelInbox)},
	}
	f := newGmailSyncFixture(t, gmailConnector(12, false), gmail)

	outcome := f.svc.Sync(context.Background(), f.userID, 12, "INBOX", domain.SyncJobOptions{})
	require.Equal(t, domain.SyncOutcomeCompleted, outcome.Kind, "outcome: %v", outcome.Err)

	state, err := f.states.Get(context.Background(), 12, domain.SystemLabelInbox)
	require.NoError(t, err)
	require.NotNil(t, state.LastFullReconcileAt)
	assert.WithinDuration(t, time.Now(), *state.LastFullReconcileAt, time.Minute)
	// 부트스트랩은 하이드레이션 잡으로 끝난다
	assert.Contains(t, f.queue.hydrations, "12:INBOX")
}

// =============================================================================
// Incremental
// =============================================================================

func seededIncrementalFixture(t *testing.T, connID int64, gmail *fakeGmailAPI, lastFull *time.Time) *gmailSyncFixture {
	t.Helper()
	f := newGmailSyncFixture(t, gmailConnector(connID, true), gmail)
	require.NoError(t, f.states.EnsureExists(context.Background(), connID, domain.SystemLabelInbox))
	modseq := uint64(50)
	row := f.states.rows[stateKey(connID, domain.SystemLabelInbox)]
	row.Modseq = &modseq
	row.LastFullReconcileAt = lastFull
	return f
}

func TestGmailIncrementalInsertEnqueuesHydration(t *testing.T) {
	gmail := &fakeGmailAPI{
		profileHistoryID: 100,
		history:          &out.GmailHistory{ChangedIDs: []string{"g-new"}, LatestID: 60},
		metas:            map[string]*out.GmailMessageMeta{"g-new": gmailMeta("g-new", "t-9", domain.SystemLabelInbox)},
	}
	recent := time.Now().Add(-time.Hour)
	f := seededIncrementalFixture(t, 20, gmail, &recent)

	outcome := f.svc.Sync(context.Background(), f.userID, 20, "INBOX", domain.SyncJobOptions{})
	require.Equal(t, domain.SyncOutcomeCompleted, outcome.Kind, "outcome: %v", outcome.Err)
	assert.Equal(t, 1, outcome.Progress.Inserted)

	// 증분이 만든 메타데이터 행도 본문 하이드레이션 대상이다
	assert.Contains(t, f.queue.hydrations, "20:INBOX")

	state, err := f.states.Get(context.Background(), 20, domain.SystemLabelInbox)
	require.NoError(t, err)
	require.NotNil(t, state.Modseq)
	assert.Equal(t, uint64(60), *state.Modseq)
}

func TestGmailIncrementalSkipsHydrationWithoutInserts(t *testing.T) {
	gmail := &fakeGmailAPI{
		profileHistoryID: 100,
		history:          &out.GmailHistory{LatestID: 60},
	}
	recent := time.Now().Add(-time.Hour)
	f := seededIncrementalFixture(t, 21, gmail, &recent)

	outcome := f.svc.Sync(context.Background(), f.userID, 21, "INBOX", domain.SyncJobOptions{})
	require.Equal(t, domain.SyncOutcomeCompleted, outcome.Kind, "outcome: %v", outcome.Err)
	assert.Empty(t, f.queue.hydrations)
}

func TestGmailIncrementalRunsFullReconcileWhenDue(t *testing.T) {
	gmail := &fakeGmailAPI{
		profileHistoryID: 100,
		history:          &out.GmailHistory{LatestID: 60},
		listIDs:          map[string][]string{domain.SystemLabelInbox: {"g-keep"}},
		metas:            map[string]*out.GmailMessageMeta{"g-keep": gmailMeta("g-keep", "t-1", domain.SystemLabelInbox)},
	}
	stale := time.Now().Add(-7 * time.Hour) // FullReconcileInterval은 6시간
	f := seededIncrementalFixture(t, 22, gmail, &stale)
	seedGmailRow(f, domain.SystemLabelInbox, "g-keep")
	seedGmailRow(f, domain.SystemLabelInbox, "g-gone")

	outcome := f.svc.Sync(context.Background(), f.userID, 22, "INBOX", domain.SyncJobOptions{})
	require.Equal(t, domain.SyncOutcomeCompleted, outcome.Kind, "outcome: %v", outcome.Err)

	// history가 놓친 삭제를 full list가 회수한다
	require.Len(t, gmail.listCalls, 1)
	assert.Equal(t, 1, outcome.Progress.ReconciledRemoved)
	_, err := f.messages.GetByGmailMessageID(context.Background(), 22, domain.SystemLabelInbox, "g-gone")
	assert.Error(t, err)

	state, err := f.states.Get(context.Background(), 22, domain.SystemLabelInbox)
	require.NoError(t, err)
	require.NotNil(t, state.LastFullReconcileAt)
	assert.WithinDuration(t, time.Now(), *state.LastFullReconcileAt, time.Minute)
}

func TestGmailIncrementalSkipsFullReconcileWhenFresh(t *testing.T) {
	gmail := &fakeGmailAPI{
		profileHistoryID: 100,
		history:          &out.GmailHistory{LatestID: 60},
	}
	recent := time.Now().Add(-time.Hour)
	f := seededIncrementalFixture(t, 23, gmail, &recent)
	seedGmailRow(f, domain.SystemLabelInbox, "g-keep")

	outcome := f.svc.Sync(context.Background(), f.userID, 23, "INBOX", domain.SyncJobOptions{})
	require.Equal(t, domain.SyncOutcomeCompleted, outcome.Kind, "outcome: %v", outcome.Err)

	assert.Empty(t, gmail.listCalls, "fresh reconcile window must not trigger a full list")
	assert.Equal(t, 0, outcome.Progress.ReconciledRemoved)
}

func TestGmailHistoryTooOldFallsBackToFullList(t *testing.T) {
	gmail := &fakeGmailAPI{
		profileHistoryID: 200,
		historyErr:       out.ErrGmailHistoryTooOld,
		listIDs:          map[string][]string{domain.SystemLabelInbox: {"g-new"}},
		metas:            map[string]*out.GmailMessageMeta{"g-new": gmailMeta("g-new", "t-1", domain.SystemLabelInbox)},
	}
	recent := time.Now().Add(-time.Hour)
	f := seededIncrementalFixture(t, 24, gmail, &recent)

	outcome := f.svc.Sync(context.Background(), f.userID, 24, "INBOX", domain.SyncJobOptions{})
	require.Equal(t, domain.SyncOutcomeCompleted, outcome.Kind, "outcome: %v", outcome.Err)
	assert.Equal(t, 1, outcome.Progress.Inserted)

	// fallback 후 기준점은 새 profile.HistoryID, 삽입분은 하이드레이션으로
	state, err := f.states.Get(context.Background(), 24, domain.SystemLabelInbox)
	require.NoError(t, err)
	require.NotNil(t, state.Modseq)
	assert.Equal(t, uint64(200), *state.Modseq)
	assert.Contains(t, f.queue.hydrations, "24:INBOX")
}
