package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/core/service/auth"
	"mailworker/core/service/events"
)

// =============================================================================
// IMAP session fakes
// =============================================================================

type fakeImapSession struct {
	status  *out.ImapMailboxStatus
	metas   []out.ImapMessageMeta
	sources map[uint32][]byte
	allUIDs []uint32

	fetchedSourceUIDs [][]uint32
	closed            bool
}

func (s *fakeImapSession) Select(ctx context.Context, mailbox string) (*out.ImapMailboxStatus, error) {
	return s.status, nil
}

func (s *fakeImapSession) ListMailboxes(ctx context.Context) ([]out.ImapMailboxInfo, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeImapSession) FetchChangedSince(ctx context.Context, modseq uint64) ([]out.ImapMessageMeta, error) {
	return nil, nil
}

func (s *fakeImapSession) FetchMetaRange(ctx context.Context, fromUID, toUID uint32) ([]out.ImapMessageMeta, error) {
	var metas []out.ImapMessageMeta
	for _, meta := range s.metas {
		if meta.UID < fromUID {
			continue
		}
		if toUID > 0 && meta.UID > toUID {
			continue
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

func (s *fakeImapSession) FetchSource(ctx context.Context, uids []uint32) ([]out.ImapSource, error) {
	s.fetchedSourceUIDs = append(s.fetchedSourceUIDs, uids)
	var sources []out.ImapSource
	for _, uid := range uids {
		if raw, ok := s.sources[uid]; ok {
			sources = append(sources, out.ImapSource{UID: uid, Raw: raw})
		}
	}
	return sources, nil
}

func (s *fakeImapSession) SearchAllUIDs(ctx context.Context) ([]uint32, error) {
	return s.allUIDs, nil
}

func (s *fakeImapSession) Move(ctx context.Context, uid uint32, dest string) error {
	return errors.New("not implemented")
}

func (s *fakeImapSession) AddFlags(ctx context.Context, uid uint32, flags []string) error {
	return errors.New("not implemented")
}

func (s *fakeImapSession) RemoveFlags(ctx context.Context, uid uint32, flags []string) error {
	return errors.New("not implemented")
}

func (s *fakeImapSession) Delete(ctx context.Context, uid uint32) error {
	return errors.New("not implemented")
}

func (s *fakeImapSession) Append(ctx context.Context, mailbox string, raw []byte, flags []string) error {
	return errors.New("not implemented")
}

func (s *fakeImapSession) Idle(ctx context.Context, maxIdle time.Duration) (bool, error) {
	return false, nil
}

func (s *fakeImapSession) Close() error {
	s.closed = true
	return nil
}

type fakeImapDialer struct {
	session *fakeImapSession
}

func (d *fakeImapDialer) Open(ctx context.Context, connector *domain.IncomingConnector) (out.ImapSession, error) {
	return d.session, nil
}

// =============================================================================
// Fixtures
// =============================================================================

type imapSyncFixture struct {
	svc      *ImapSyncService
	states   *fakeSyncStates
	messages *fakeSyncMessages
	session  *fakeImapSession
	blobs    *fakeBlobStore
	conn     *domain.IncomingConnector
	userID   uuid.UUID
}

func newImapSyncFixture(t *testing.T, conn *domain.IncomingConnector, session *fakeImapSession) *imapSyncFixture {
	t.Helper()
	states := newFakeSyncStates()
	messages := &fakeSyncMessages{}
	blobs := newFakeBlobStore()
	connectors := &fakeSyncConnectors{conn: conn}
	tokens := auth.NewTokenManager(connectors, "id", "secret", "http://localhost/cb")
	bus := events.NewBus(&syncEventRepo{}, nil, nil, nil)
	runner := NewRunner(states, bus, time.Second)
	svc := NewImapSyncService(runner, states, messages, connectors, &fakeImapDialer{session: session},
		nil, blobs, fakeParser{}, fakeThreads{}, &fakeSyncQueue{}, tokens, bus, testSyncConfig())
	return &imapSyncFixture{
		svc:      svc,
		states:   states,
		messages: messages,
		session:  session,
		blobs:    blobs,
		conn:     conn,
		userID:   conn.UserID,
	}
}

func imapSyncConnector(id int64) *domain.IncomingConnector {
	return &domain.IncomingConnector{
		ID:       id,
		UserID:   uuid.New(),
		Provider: domain.ProviderIMAP,
		Status:   domain.ConnectorStatusActive,
		Auth:     domain.AuthConfig{Type: domain.AuthTypePassword, Username: "u", Password: "p"},
	}
}

func seedImapRow(f *imapSyncFixture, folder string, uid uint32, withRaw bool) *domain.Message {
	u := uid
	msg := &domain.Message{
		IncomingConnectorID: f.conn.ID,
		FolderPath:          folder,
		UID:                 &u,
		MessageID:           fmt.Sprintf("<m-%d@mail.example.com>", uid),
	}
	_ = f.messages.Create(context.Background(), msg)
	if withRaw {
		key := fmt.Sprintf("raw/%d/%d", f.conn.ID, msg.ID)
		f.blobs.blobs[key] = []byte("stored")
		msg.RawBlobKey = &key
	}
	return msg
}

func imapMeta(uid uint32) out.ImapMessageMeta {
	return out.ImapMessageMeta{
		UID:          uid,
		Flags:        []string{`\Seen`},
		InternalDate: time.Now(),
		Subject:      fmt.Sprintf("subject %d", uid),
		From:         "from@example.com",
		To:           "to@example.com",
		MessageID:    fmt.Sprintf("<m-%d@mail.example.com>", uid),
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestImapSyncCollectsNewMessages(t *testing.T) {
	session := &fakeImapSession{
		status: &out.ImapMailboxStatus{Mailbox: "INBOX", UIDValidity: 7, UIDNext: 3},
		metas:  []out.ImapMessageMeta{imapMeta(1), imapMeta(2)},
		sources: map[uint32][]byte{
			1: []byte("From: a@example.com\r\n\r\nbody one"),
			2: []byte("From: b@example.com\r\n\r\nbody two"),
		},
		allUIDs: []uint32{1, 2},
	}
	f := newImapSyncFixture(t, imapSyncConnector(30), session)

	outcome := f.svc.Sync(context.Background(), f.userID, 30, "INBOX")
	require.Equal(t, domain.SyncOutcomeCompleted, outcome.Kind, "outcome: %v", outcome.Err)
	assert.Equal(t, 2, outcome.Progress.Inserted)

	row, err := f.messages.GetByUID(context.Background(), 30, "INBOX", 2)
	require.NoError(t, err)
	require.NotNil(t, row.RawBlobKey)
	require.NotNil(t, row.BodyText)
	assert.Contains(t, *row.BodyText, "body two")

	state, err := f.states.Get(context.Background(), 30, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), state.LastSeenUID)
	assert.Equal(t, uint32(2), state.HighestUID)
	require.NotNil(t, state.UIDValidity)
	assert.Equal(t, uint32(7), *state.UIDValidity)
}

func TestImapSyncRehydratesRowsMissingContent(t *testing.T) {
	session := &fakeImapSession{
		status: &out.ImapMailboxStatus{Mailbox: "INBOX", UIDValidity: 1, UIDNext: 6},
		sources: map[uint32][]byte{
			3: []byte("From: a@example.com\r\n\r\nrecovered body"),
		},
		allUIDs: []uint32{3, 5},
	}
	f := newImapSyncFixture(t, imapSyncConnector(31), session)

	// 이전 패스에서 blob 업로드가 실패해 raw 없이 남은 행
	bare := seedImapRow(f, "INBOX", 3, false)
	seedImapRow(f, "INBOX", 5, true)

	require.NoError(t, f.states.EnsureExists(context.Background(), 31, "INBOX"))
	validity := uint32(1)
	recent := time.Now().Add(-time.Hour)
	row := f.states.rows[stateKey(31, "INBOX")]
	row.UIDValidity = &validity
	row.LastSeenUID = 5
	row.LastFullReconcileAt = &recent

	outcome := f.svc.Sync(context.Background(), f.userID, 31, "INBOX")
	require.Equal(t, domain.SyncOutcomeCompleted, outcome.Kind, "outcome: %v", outcome.Err)

	// 본문 없는 행만 다시 페치한다
	require.Len(t, session.fetchedSourceUIDs, 1)
	assert.Equal(t, []uint32{3}, session.fetchedSourceUIDs[0])

	require.NotNil(t, bare.RawBlobKey)
	assert.Equal(t, fmt.Sprintf("raw/31/%d", bare.ID), *bare.RawBlobKey)
	_, ok := f.blobs.blobs[*bare.RawBlobKey]
	assert.True(t, ok, "raw source must land in the blob store")
	require.NotNil(t, bare.BodyText)
	assert.Contains(t, *bare.BodyText, "recovered body")
	assert.Equal(t, 1, outcome.Progress.Updated)
}

func TestImapSyncPurgesFolderOnUIDValidityChange(t *testing.T) {
	session := &fakeImapSession{
		status:  &out.ImapMailboxStatus{Mailbox: "INBOX", UIDValidity: 2, UIDNext: 1},
		allUIDs: nil,
	}
	f := newImapSyncFixture(t, imapSyncConnector(32), session)

	stale := seedImapRow(f, "INBOX", 1, true)
	staleKey := *stale.RawBlobKey

	require.NoError(t, f.states.EnsureExists(context.Background(), 32, "INBOX"))
	validity := uint32(1)
	modseq := uint64(10)
	row := f.states.rows[stateKey(32, "INBOX")]
	row.UIDValidity = &validity
	row.LastSeenUID = 1
	row.Modseq = &modseq

	outcome := f.svc.Sync(context.Background(), f.userID, 32, "INBOX")
	require.Equal(t, domain.SyncOutcomeCompleted, outcome.Kind, "outcome: %v", outcome.Err)
	assert.Equal(t, 1, outcome.Progress.ReconciledRemoved)

	assert.Empty(t, f.messages.rows, "all rows carry invalidated UIDs")
	_, ok := f.blobs.blobs[staleKey]
	assert.False(t, ok, "purged row's blob must be cleaned up")

	state, err := f.states.Get(context.Background(), 32, "INBOX")
	require.NoError(t, err)
	require.NotNil(t, state.UIDValidity)
	assert.Equal(t, uint32(2), *state.UIDValidity)
	assert.Nil(t, state.Modseq)
	assert.Equal(t, uint32(0), state.LastSeenUID)
}
