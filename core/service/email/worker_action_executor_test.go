package email

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/core/service/auth"
	"mailworker/core/service/events"
	"mailworker/pkg/apperr"
)

// =============================================================================
// Fakes
// =============================================================================

type flagUpdate struct {
	id        int64
	isRead    bool
	isStarred bool
	flags     []string
}

type fakeMessageRepo struct {
	byID map[int64]*domain.Message

	flagUpdates   []flagUpdate
	folderUpdates map[int64]string
	deleted       []int64
}

func newFakeMessageRepo(msgs ...*domain.Message) *fakeMessageRepo {
	r := &fakeMessageRepo{
		byID:          map[int64]*domain.Message{},
		folderUpdates: map[int64]string{},
	}
	for _, m := range msgs {
		r.byID[m.ID] = m
	}
	return r
}

func (r *fakeMessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	if m, ok := r.byID[id]; ok {
		return m, nil
	}
	return nil, errors.New("no rows")
}
func (r *fakeMessageRepo) GetOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.Message, error) {
	return r.GetByID(ctx, id)
}
func (r *fakeMessageRepo) GetByUID(ctx context.Context, connectorID int64, folder string, uid uint32) (*domain.Message, error) {
	return nil, errors.New("no rows")
}
func (r *fakeMessageRepo) GetByGmailMessageID(ctx context.Context, connectorID int64, folder, gmailID string) (*domain.Message, error) {
	return nil, errors.New("no rows")
}
func (r *fakeMessageRepo) GetByHeaderMessageID(ctx context.Context, connectorID int64, folder, messageID string) (*domain.Message, error) {
	return nil, errors.New("no rows")
}
func (r *fakeMessageRepo) ListUIDs(ctx context.Context, connectorID int64, folder string) ([]uint32, error) {
	return nil, nil
}
func (r *fakeMessageRepo) ListGmailMessageIDs(ctx context.Context, connectorID int64, folder string) ([]string, error) {
	return nil, nil
}
func (r *fakeMessageRepo) CountByFolder(ctx context.Context, connectorID int64, folder string) (int64, error) {
	return 0, nil
}
func (r *fakeMessageRepo) ListThreadMessages(ctx context.Context, userID uuid.UUID, threadID int64) ([]*domain.Message, error) {
	var msgs []*domain.Message
	for _, m := range r.byID {
		if m.ThreadID != nil && *m.ThreadID == threadID {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}
func (r *fakeMessageRepo) ListMissingContent(ctx context.Context, connectorID int64, folder string, limit int) ([]*domain.Message, error) {
	return nil, nil
}
func (r *fakeMessageRepo) CountMissingContent(ctx context.Context, connectorID int64, folder string) (int64, error) {
	return 0, nil
}
func (r *fakeMessageRepo) Create(ctx context.Context, m *domain.Message) error         { return nil }
func (r *fakeMessageRepo) UpdateMetadata(ctx context.Context, m *domain.Message) error { return nil }
func (r *fakeMessageRepo) UpdateFlags(ctx context.Context, id int64, isRead, isStarred bool, flags []string) error {
	r.flagUpdates = append(r.flagUpdates, flagUpdate{
		id: id, isRead: isRead, isStarred: isStarred,
		flags: append([]string(nil), flags...),
	})
	return nil
}
func (r *fakeMessageRepo) UpdateFolderPath(ctx context.Context, id int64, folder string) error {
	r.folderUpdates[id] = folder
	return nil
}
func (r *fakeMessageRepo) SetRawBlobKey(ctx context.Context, id int64, key string) error { return nil }
func (r *fakeMessageRepo) SetBody(ctx context.Context, id int64, bodyText, bodyHTML, snippet string) error {
	return nil
}
func (r *fakeMessageRepo) SetThreadID(ctx context.Context, id int64, threadID int64) error {
	return nil
}
func (r *fakeMessageRepo) SetGmailThreadID(ctx context.Context, id int64, gmailThreadID string) error {
	return nil
}
func (r *fakeMessageRepo) DeleteByID(ctx context.Context, id int64) error {
	r.deleted = append(r.deleted, id)
	delete(r.byID, id)
	return nil
}
func (r *fakeMessageRepo) DeleteByGmailMessageID(ctx context.Context, connectorID int64, folder, gmailID string) (bool, error) {
	return false, nil
}
func (r *fakeMessageRepo) DeleteByUID(ctx context.Context, connectorID int64, folder string, uid uint32) error {
	return nil
}
func (r *fakeMessageRepo) DeleteWhereUIDNotIn(ctx context.Context, connectorID int64, folder string, seen []uint32, minUID uint32) ([]out.RemovedMessage, error) {
	return nil, nil
}
func (r *fakeMessageRepo) DeleteWhereGmailIDNotIn(ctx context.Context, connectorID int64, folder string, seen []string) ([]out.RemovedMessage, error) {
	return nil, nil
}
func (r *fakeMessageRepo) PurgeFolder(ctx context.Context, connectorID int64, folder string) ([]out.RemovedMessage, error) {
	return nil, nil
}
func (r *fakeMessageRepo) FindGmailThreadIDByMessageIDs(ctx context.Context, connectorID int64, messageIDVariants []string) (string, error) {
	return "", nil
}
func (r *fakeMessageRepo) FindGmailThreadIDByLocalThread(ctx context.Context, connectorID int64, threadID int64) (string, error) {
	return "", nil
}
func (r *fakeMessageRepo) ReplaceAttachments(ctx context.Context, messageID int64, atts []domain.Attachment) error {
	return nil
}
func (r *fakeMessageRepo) GetAttachment(ctx context.Context, id int64) (*domain.Attachment, error) {
	return nil, errors.New("no rows")
}
func (r *fakeMessageRepo) UpdateAttachmentScan(ctx context.Context, id int64, status domain.ScanStatus, result *string) error {
	return nil
}

var _ out.MessageRepository = (*fakeMessageRepo)(nil)

type fakeConnectors struct {
	incoming map[int64]*domain.IncomingConnector
}

func (f *fakeConnectors) GetIncoming(ctx context.Context, id int64) (*domain.IncomingConnector, error) {
	if c, ok := f.incoming[id]; ok {
		return c, nil
	}
	return nil, errors.New("no rows")
}
func (f *fakeConnectors) GetIncomingOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.IncomingConnector, error) {
	return f.GetIncoming(ctx, id)
}
func (f *fakeConnectors) ListActiveIncoming(ctx context.Context) ([]*domain.IncomingConnector, error) {
	return nil, nil
}
func (f *fakeConnectors) ListIncomingGmailByAddress(ctx context.Context, emailAddress string) ([]*domain.IncomingConnector, error) {
	return nil, nil
}
func (f *fakeConnectors) CreateIncoming(ctx context.Context, c *domain.IncomingConnector) error {
	return nil
}
func (f *fakeConnectors) UpdateIncomingSyncSettings(ctx context.Context, id int64, s domain.SyncSettings) error {
	return nil
}
func (f *fakeConnectors) DeleteIncoming(ctx context.Context, id int64) error { return nil }
func (f *fakeConnectors) GetOutgoing(ctx context.Context, id int64) (*domain.OutgoingConnector, error) {
	return nil, errors.New("no rows")
}
func (f *fakeConnectors) CreateOutgoing(ctx context.Context, c *domain.OutgoingConnector) error {
	return nil
}
func (f *fakeConnectors) GetIdentityOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.Identity, error) {
	return nil, errors.New("no rows")
}
func (f *fakeConnectors) UpdateAuthTokens(ctx context.Context, kind domain.OAuthConnectorType, connectorID int64, accessToken *string, refreshToken *string, expiresAt *time.Time) error {
	return nil
}

var _ out.ConnectorRepository = (*fakeConnectors)(nil)

type fakeGmail struct {
	modifyErr    error
	modifyLabels []string

	lastAdd    []string
	lastRemove []string
	trashed    []string
}

func (g *fakeGmail) GetProfile(ctx context.Context, auth domain.AuthConfig) (*out.GmailProfile, error) {
	return nil, errors.New("not implemented")
}
func (g *fakeGmail) ListMessageIDs(ctx context.Context, auth domain.AuthConfig, labelID string, includeSpamTrash bool) ([]string, error) {
	return nil, errors.New("not implemented")
}
func (g *fakeGmail) ListHistory(ctx context.Context, auth domain.AuthConfig, startHistoryID uint64) (*out.GmailHistory, error) {
	return nil, errors.New("not implemented")
}
func (g *fakeGmail) GetMessageMetadata(ctx context.Context, auth domain.AuthConfig, gmailID string) (*out.GmailMessageMeta, error) {
	return nil, errors.New("not implemented")
}
func (g *fakeGmail) GetMessageRaw(ctx context.Context, auth domain.AuthConfig, gmailID string) ([]byte, string, error) {
	return nil, "", errors.New("not implemented")
}
func (g *fakeGmail) Modify(ctx context.Context, auth domain.AuthConfig, gmailID string, addLabelIDs, removeLabelIDs []string) ([]string, error) {
	g.lastAdd = append([]string(nil), addLabelIDs...)
	g.lastRemove = append([]string(nil), removeLabelIDs...)
	if g.modifyErr != nil {
		return nil, g.modifyErr
	}
	return g.modifyLabels, nil
}
func (g *fakeGmail) Trash(ctx context.Context, auth domain.AuthConfig, gmailID string) error {
	g.trashed = append(g.trashed, gmailID)
	return nil
}
func (g *fakeGmail) Send(ctx context.Context, auth domain.AuthConfig, raw []byte, threadID string) (string, string, error) {
	return "", "", errors.New("not implemented")
}
func (g *fakeGmail) Watch(ctx context.Context, auth domain.AuthConfig, topicName string, labelIDs []string) (*out.GmailWatch, error) {
	return nil, errors.New("not implemented")
}
func (g *fakeGmail) StopWatch(ctx context.Context, auth domain.AuthConfig) error {
	return errors.New("not implemented")
}

var _ out.GmailClient = (*fakeGmail)(nil)

type noopEventRepo struct{ nextID int64 }

func (r *noopEventRepo) Insert(ctx context.Context, connectorID int64, eventType domain.SyncEventType, payload json.RawMessage) (*domain.SyncEvent, error) {
	r.nextID++
	return &domain.SyncEvent{ID: r.nextID, IncomingConnectorID: connectorID, Type: eventType}, nil
}
func (r *noopEventRepo) List(ctx context.Context, userID uuid.UUID, since int64, limit int) ([]*domain.SyncEvent, error) {
	return nil, nil
}
func (r *noopEventRepo) DeleteBatchBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	return 0, nil
}

// =============================================================================
// Fixtures
// =============================================================================

type actionFixture struct {
	svc      *ActionService
	messages *fakeMessageRepo
	gmail    *fakeGmail
	userID   uuid.UUID
}

func newGmailFixture(t *testing.T, msg *domain.Message) *actionFixture {
	t.Helper()
	userID := uuid.New()
	conn := &domain.IncomingConnector{
		ID:       msg.IncomingConnectorID,
		UserID:   userID,
		Provider: domain.ProviderGmail,
		Auth:     domain.AuthConfig{Type: domain.AuthTypePassword, Username: "u", Password: "p"},
	}
	connectors := &fakeConnectors{incoming: map[int64]*domain.IncomingConnector{conn.ID: conn}}
	messages := newFakeMessageRepo(msg)
	gmail := &fakeGmail{}
	tokens := auth.NewTokenManager(connectors, "id", "secret", "http://localhost/cb")
	bus := events.NewBus(&noopEventRepo{}, nil, nil, nil)
	svc := NewActionService(messages, connectors, gmail, nil, nil, tokens, bus)
	return &actionFixture{svc: svc, messages: messages, gmail: gmail, userID: userID}
}

func gmailMessage(id, connectorID int64, gmailID string) *domain.Message {
	return &domain.Message{
		ID:                  id,
		IncomingConnectorID: connectorID,
		FolderPath:          domain.SystemLabelInbox,
		GmailMessageID:      &gmailID,
		Flags:               []string{"INBOX", "UNREAD"},
	}
}

// =============================================================================
// Flag actions
// =============================================================================

func TestSetMessageReadState_Gmail(t *testing.T) {
	msg := gmailMessage(1, 10, "g-1")
	f := newGmailFixture(t, msg)
	f.gmail.modifyLabels = []string{"INBOX"} // server: no UNREAD, no STARRED

	err := f.svc.SetMessageReadState(context.Background(), f.userID, 1, 10, "INBOX", nil, true)
	require.NoError(t, err)

	assert.Empty(t, f.gmail.lastAdd)
	assert.Equal(t, []string{"UNREAD"}, f.gmail.lastRemove)

	// optimistic write then server-truth reconcile
	require.Len(t, f.messages.flagUpdates, 2)
	final := f.messages.flagUpdates[1]
	assert.True(t, final.isRead)
	assert.False(t, final.isStarred)
	assert.Equal(t, []string{"INBOX"}, final.flags)
}

func TestSetMessageStarredState_GmailRollsBackOnFailure(t *testing.T) {
	msg := gmailMessage(1, 10, "g-1")
	f := newGmailFixture(t, msg)
	f.gmail.modifyErr = errors.New("429 rate limited")

	err := f.svc.SetMessageStarredState(context.Background(), f.userID, 1, 10, "INBOX", nil, true)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeUpstreamError))

	require.Len(t, f.messages.flagUpdates, 2)
	assert.True(t, f.messages.flagUpdates[0].isStarred, "optimistic write applies the change")
	rollback := f.messages.flagUpdates[1]
	assert.False(t, rollback.isStarred, "rollback restores the snapshot")
	assert.Equal(t, []string{"INBOX", "UNREAD"}, rollback.flags)
}

func TestSetFlagState_ForeignConnectorIsNotFound(t *testing.T) {
	msg := gmailMessage(1, 10, "g-1")
	f := newGmailFixture(t, msg)

	err := f.svc.SetMessageReadState(context.Background(), f.userID, 1, 99, "INBOX", nil, true)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
	assert.Empty(t, f.messages.flagUpdates)
}

// =============================================================================
// Move
// =============================================================================

func TestMoveMessage_ArchiveRejectedOnPlainImap(t *testing.T) {
	userID := uuid.New()
	uid := uint32(7)
	msg := &domain.Message{ID: 1, IncomingConnectorID: 10, FolderPath: "INBOX", UID: &uid}
	conn := &domain.IncomingConnector{
		ID:       10,
		UserID:   userID,
		Provider: domain.ProviderIMAP,
		Auth:     domain.AuthConfig{Type: domain.AuthTypePassword},
	}
	connectors := &fakeConnectors{incoming: map[int64]*domain.IncomingConnector{10: conn}}
	messages := newFakeMessageRepo(msg)
	tokens := auth.NewTokenManager(connectors, "id", "secret", "http://localhost/cb")
	bus := events.NewBus(&noopEventRepo{}, nil, nil, nil)
	svc := NewActionService(messages, connectors, &fakeGmail{}, nil, nil, tokens, bus)

	err := svc.MoveMessageInMailbox(context.Background(), userID, 1, 10, "INBOX", "Archive", nil)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeBadRequest))
}

func TestMoveMessage_GmailArchiveRemovesSourceLabelOnly(t *testing.T) {
	msg := gmailMessage(1, 10, "g-1")
	f := newGmailFixture(t, msg)
	f.gmail.modifyLabels = []string{}

	err := f.svc.MoveMessageInMailbox(context.Background(), f.userID, 1, 10, "INBOX", "Archive", nil)
	require.NoError(t, err)

	assert.Empty(t, f.gmail.lastAdd, "archive adds no label")
	assert.Equal(t, []string{"INBOX"}, f.gmail.lastRemove)
	assert.Equal(t, domain.SystemLabelAll, f.messages.folderUpdates[1])
}

func TestMoveMessage_GmailAddsDestinationLabel(t *testing.T) {
	msg := gmailMessage(1, 10, "g-1")
	f := newGmailFixture(t, msg)
	f.gmail.modifyLabels = []string{"TRASH"}

	err := f.svc.MoveMessageInMailbox(context.Background(), f.userID, 1, 10, "INBOX", "Bin", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"TRASH"}, f.gmail.lastAdd, "alias resolves before the call")
	assert.Equal(t, []string{"INBOX"}, f.gmail.lastRemove)
	assert.Equal(t, "TRASH", f.messages.folderUpdates[1])
}

// =============================================================================
// Delete
// =============================================================================

func TestDeleteMessage_GmailTrashesThenRemovesLocal(t *testing.T) {
	msg := gmailMessage(1, 10, "g-1")
	f := newGmailFixture(t, msg)

	err := f.svc.DeleteMessageFromMailbox(context.Background(), f.userID, 1, 10, "INBOX", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"g-1"}, f.gmail.trashed)
	assert.Equal(t, []int64{1}, f.messages.deleted)
}

func TestDeleteMessage_GmailWithoutGmailID(t *testing.T) {
	msg := &domain.Message{ID: 1, IncomingConnectorID: 10, FolderPath: "INBOX"}
	f := newGmailFixture(t, msg)

	err := f.svc.DeleteMessageFromMailbox(context.Background(), f.userID, 1, 10, "INBOX", nil)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeBadRequest))
	assert.Empty(t, f.messages.deleted)
}

// =============================================================================
// System labels
// =============================================================================

func TestMergeSystemLabels(t *testing.T) {
	tests := []struct {
		name    string
		flags   []string
		folder  string
		starred bool
		want    []string
	}{
		{
			name:   "inbox replaces stale system labels",
			flags:  []string{"SENT", "work"},
			folder: domain.SystemLabelInbox,
			want:   []string{"work", "INBOX"},
		},
		{
			name:    "starred appends to folder label",
			flags:   nil,
			folder:  domain.SystemLabelSpam,
			starred: true,
			want:    []string{"SPAM", "STARRED"},
		},
		{
			name:   "custom flags survive case-insensitive filtering",
			flags:  []string{"starred", "Receipts"},
			folder: domain.SystemLabelTrash,
			want:   []string{"Receipts", "TRASH"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeSystemLabels(tt.flags, tt.folder, tt.starred)
			assert.Equal(t, tt.want, got)
		})
	}
}
