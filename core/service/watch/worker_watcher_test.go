package watch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"mailworker/config"
	"mailworker/core/domain"
	"mailworker/core/service/events"
)

func TestSanitizeWatchMailboxes(t *testing.T) {
	imapConn := func(boxes ...string) *domain.IncomingConnector {
		return &domain.IncomingConnector{
			Provider: domain.ProviderIMAP,
			Sync:     domain.SyncSettings{WatchMailboxes: boxes},
		}
	}
	gmailConn := func(boxes ...string) *domain.IncomingConnector {
		return &domain.IncomingConnector{
			Provider: domain.ProviderGmail,
			Sync:     domain.SyncSettings{WatchMailboxes: boxes},
		}
	}

	tests := []struct {
		name string
		conn *domain.IncomingConnector
		want []string
	}{
		{
			name: "empty list defaults to inbox",
			conn: imapConn(),
			want: []string{domain.SystemLabelInbox},
		},
		{
			name: "blank entries collapse to inbox",
			conn: imapConn("", "   "),
			want: []string{domain.SystemLabelInbox},
		},
		{
			name: "imap keeps server paths as-is",
			conn: imapConn("INBOX", "Work/Projects"),
			want: []string{"INBOX", "Work/Projects"},
		},
		{
			name: "gmail canonicalizes and dedupes aliases",
			conn: gmailConn("inbox", "[Gmail]/Sent Mail", "SENT", "Archive"),
			want: []string{"INBOX", "SENT", "ALL"},
		},
		{
			name: "control characters are stripped",
			conn: imapConn("IN\x00BOX", "Work\r\n", "\x1b[31mRed"),
			want: []string{"INBOX", "Work", "[31mRed"},
		},
		{
			name: "gmail-imap connector is gmail-like",
			conn: &domain.IncomingConnector{
				Provider: domain.ProviderIMAP,
				Sync: domain.SyncSettings{
					GmailImap:      true,
					WatchMailboxes: []string{"[Gmail]/Junk"},
				},
			},
			want: []string{"SPAM"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeWatchMailboxes(tt.conn)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("index %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// =============================================================================
// Resync / breaker
// =============================================================================

type watchConnectorRepo struct {
	active []*domain.IncomingConnector
}

func (r *watchConnectorRepo) ListActiveIncoming(ctx context.Context) ([]*domain.IncomingConnector, error) {
	return r.active, nil
}
func (r *watchConnectorRepo) GetIncoming(ctx context.Context, id int64) (*domain.IncomingConnector, error) {
	for _, conn := range r.active {
		if conn.ID == id {
			return conn, nil
		}
	}
	return nil, errors.New("not found")
}
func (r *watchConnectorRepo) GetIncomingOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.IncomingConnector, error) {
	return nil, errors.New("not implemented")
}
func (r *watchConnectorRepo) ListIncomingGmailByAddress(ctx context.Context, emailAddress string) ([]*domain.IncomingConnector, error) {
	return nil, errors.New("not implemented")
}
func (r *watchConnectorRepo) CreateIncoming(ctx context.Context, c *domain.IncomingConnector) error {
	return errors.New("not implemented")
}
func (r *watchConnectorRepo) UpdateIncomingSyncSettings(ctx context.Context, id int64, s domain.SyncSettings) error {
	return errors.New("not implemented")
}
func (r *watchConnectorRepo) DeleteIncoming(ctx context.Context, id int64) error {
	return errors.New("not implemented")
}
func (r *watchConnectorRepo) GetOutgoing(ctx context.Context, id int64) (*domain.OutgoingConnector, error) {
	return nil, errors.New("not implemented")
}
func (r *watchConnectorRepo) CreateOutgoing(ctx context.Context, c *domain.OutgoingConnector) error {
	return errors.New("not implemented")
}
func (r *watchConnectorRepo) GetIdentityOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.Identity, error) {
	return nil, errors.New("not implemented")
}
func (r *watchConnectorRepo) UpdateAuthTokens(ctx context.Context, kind domain.OAuthConnectorType, connectorID int64, accessToken *string, refreshToken *string, expiresAt *time.Time) error {
	return errors.New("not implemented")
}

type watchQueue struct{}

func (q *watchQueue) EnqueueSyncWithOptions(ctx context.Context, userID uuid.UUID, connectorID int64, mailbox string, opts domain.SyncJobOptions) (bool, error) {
	return true, nil
}
func (q *watchQueue) EnqueueSend(ctx context.Context, userID uuid.UUID, payload domain.SendJobPayload) error {
	return nil
}
func (q *watchQueue) EnqueueAttachmentScan(ctx context.Context, userID uuid.UUID, messageID, attachmentID int64) error {
	return nil
}
func (q *watchQueue) EnqueueRulesReplay(ctx context.Context, userID uuid.UUID, connectorID int64, payload domain.RulesReplayPayload) error {
	return nil
}
func (q *watchQueue) EnqueueGmailHydration(ctx context.Context, userID uuid.UUID, connectorID int64, mailbox string) error {
	return nil
}

type recordingEventRepo struct {
	nextID int64
	kinds  []string
}

func (r *recordingEventRepo) Insert(ctx context.Context, connectorID int64, eventType domain.SyncEventType, payload json.RawMessage) (*domain.SyncEvent, error) {
	r.nextID++
	var body struct {
		Kind string `json:"kind"`
	}
	_ = json.Unmarshal(payload, &body)
	r.kinds = append(r.kinds, body.Kind)
	return &domain.SyncEvent{ID: r.nextID, IncomingConnectorID: connectorID, Type: eventType}, nil
}
func (r *recordingEventRepo) List(ctx context.Context, userID uuid.UUID, since int64, limit int) ([]*domain.SyncEvent, error) {
	return nil, nil
}
func (r *recordingEventRepo) DeleteBatchBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	return 0, nil
}

func newTestWatcher(repo *watchConnectorRepo, eventRepo *recordingEventRepo) *Watcher {
	cfg := &config.Config{UseIdle: true, IdleInterval: time.Minute}
	bus := events.NewBus(eventRepo, nil, nil, nil)
	return NewWatcher(repo, nil, nil, nil, &watchQueue{}, bus, cfg)
}

func TestResyncPushActiveGmailSignalsOnce(t *testing.T) {
	conn := &domain.IncomingConnector{
		ID:       7,
		UserID:   uuid.New(),
		Provider: domain.ProviderGmail,
		Sync: domain.SyncSettings{
			UseIdle: true,
			GmailPush: domain.GmailPush{
				Enabled: true,
				Status:  domain.GmailPushStatusWatching,
			},
		},
	}
	eventRepo := &recordingEventRepo{}
	w := newTestWatcher(&watchConnectorRepo{active: []*domain.IncomingConnector{conn}}, eventRepo)

	ctx := context.Background()
	w.resync(ctx)
	w.resync(ctx)
	defer func() {
		w.stopAll()
		w.wg.Wait()
	}()

	if len(w.cancels) != 0 {
		t.Fatalf("push-active connector must not get a local watch, got %d", len(w.cancels))
	}
	// 신호는 push가 활성인 동안 한 번만
	if len(eventRepo.kinds) != 1 || eventRepo.kinds[0] != "watch_skipped_push_active" {
		t.Fatalf("events = %v, want one watch_skipped_push_active", eventRepo.kinds)
	}

	// push가 풀리면 다음 활성 구간에서 다시 신호한다
	conn.Sync.GmailPush.Status = domain.GmailPushStatusExpired
	w.resync(ctx)
	conn.Sync.GmailPush.Status = domain.GmailPushStatusWatching
	w.resync(ctx)
	if len(eventRepo.kinds) != 2 {
		t.Fatalf("expected a second signal after push lapsed and recovered, got %v", eventRepo.kinds)
	}
}

func TestResyncGmailWithoutPushStartsPolling(t *testing.T) {
	conn := &domain.IncomingConnector{
		ID:       8,
		UserID:   uuid.New(),
		Provider: domain.ProviderGmail,
		Sync:     domain.SyncSettings{UseIdle: true},
	}
	eventRepo := &recordingEventRepo{}
	w := newTestWatcher(&watchConnectorRepo{active: []*domain.IncomingConnector{conn}}, eventRepo)

	w.resync(context.Background())
	defer func() {
		w.stopAll()
		w.wg.Wait()
	}()

	w.mu.Lock()
	_, running := w.cancels[watchKey{connectorID: 8, mailbox: domain.SystemLabelInbox}]
	w.mu.Unlock()
	if !running {
		t.Fatal("gmail connector without active push must run a polling loop")
	}
	if len(eventRepo.kinds) != 0 {
		t.Fatalf("no suppression signal expected, got %v", eventRepo.kinds)
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	w := newTestWatcher(&watchConnectorRepo{}, &recordingEventRepo{})
	cb := w.breakerFor(1)

	fail := errors.New("dial failed")
	for i := 0; i < maxConsecutiveSessionFailures-1; i++ {
		if _, err := cb.Execute(func() (any, error) { return nil, fail }); err != fail {
			t.Fatalf("attempt %d: err = %v, want session error", i+1, err)
		}
	}
	// 마지막 실패로 trip
	if _, err := cb.Execute(func() (any, error) { return nil, fail }); err != fail {
		t.Fatalf("final attempt: err = %v, want session error", err)
	}
	if _, err := cb.Execute(func() (any, error) { return nil, nil }); err != gobreaker.ErrOpenState {
		t.Fatalf("tripped breaker returned %v, want ErrOpenState", err)
	}
}

func TestSanitizeWatchMailboxes_Cap(t *testing.T) {
	boxes := make([]string, 0, maxWatchMailboxes+10)
	for i := 0; i < maxWatchMailboxes+10; i++ {
		boxes = append(boxes, fmt.Sprintf("Folder%02d", i))
	}
	conn := &domain.IncomingConnector{
		Provider: domain.ProviderIMAP,
		Sync:     domain.SyncSettings{WatchMailboxes: boxes},
	}
	got := SanitizeWatchMailboxes(conn)
	if len(got) != maxWatchMailboxes {
		t.Errorf("expected cap at %d, got %d", maxWatchMailboxes, len(got))
	}
}
