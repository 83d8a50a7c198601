package out

import (
	"context"
	"time"

	"mailworker/core/domain"
)

// ImapMailboxStatus - SELECT 응답의 핵심 값
type ImapMailboxStatus struct {
	Mailbox       string
	UIDValidity   uint32
	UIDNext       uint32
	HighestModseq uint64 // 0이면 CONDSTORE 미지원
	NumMessages   uint32
}

// ImapMailboxInfo - LIST 한 행
type ImapMailboxInfo struct {
	Name       string
	Delimiter  string
	SpecialUse []string // \All, \Sent, \Junk, ...
	NoSelect   bool
	Subscribed bool
}

// ImapMessageMeta - envelope/flags/internaldate 페치 결과
type ImapMessageMeta struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Modseq       uint64
	Subject      string
	From         string
	To           string
	MessageID    string
	InReplyTo    string
	References   string
}

// ImapSource - UID와 RFC-822 원문
type ImapSource struct {
	UID uint32
	Raw []byte
}

// ImapSession is one authenticated connection. Close must be idempotent and
// safe to call from a timeout path.
type ImapSession interface {
	Select(ctx context.Context, mailbox string) (*ImapMailboxStatus, error)
	ListMailboxes(ctx context.Context) ([]ImapMailboxInfo, error)

	// FetchChangedSince - CONDSTORE: 1:* CHANGEDSINCE modseq
	FetchChangedSince(ctx context.Context, modseq uint64) ([]ImapMessageMeta, error)

	// FetchMetaRange fetches envelope metadata for fromUID:toUID
	// (toUID 0 means *).
	FetchMetaRange(ctx context.Context, fromUID, toUID uint32) ([]ImapMessageMeta, error)

	// FetchSource fetches full message source for the given UIDs.
	FetchSource(ctx context.Context, uids []uint32) ([]ImapSource, error)

	// SearchAllUIDs runs UID SEARCH 1:* with the documented fallbacks.
	SearchAllUIDs(ctx context.Context) ([]uint32, error)

	Move(ctx context.Context, uid uint32, dest string) error
	AddFlags(ctx context.Context, uid uint32, flags []string) error
	RemoveFlags(ctx context.Context, uid uint32, flags []string) error
	Delete(ctx context.Context, uid uint32) error
	Append(ctx context.Context, mailbox string, raw []byte, flags []string) error

	// Idle blocks until the server reports changes, maxIdle elapses or ctx
	// ends. Returns true when the mailbox changed.
	Idle(ctx context.Context, maxIdle time.Duration) (bool, error)

	Close() error
}

// ImapDialer opens sessions. The implementation resolves the host through the
// outbound guard and picks PLAIN or XOAUTH2 from the auth config.
type ImapDialer interface {
	Open(ctx context.Context, connector *domain.IncomingConnector) (ImapSession, error)
}

// SMTPSender - 발신 트랜스포트 포트
type SMTPSender interface {
	// SendMail submits a composed RFC-822 message. TLS mode gating
	// (ssl/starttls/none) happens inside the adapter.
	SendMail(ctx context.Context, connector *domain.OutgoingConnector, from string, recipients []string, raw []byte) error
}
