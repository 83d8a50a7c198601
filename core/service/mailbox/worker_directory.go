package mailbox

import (
	"context"
	"strings"
	"sync"
	"time"

	"mailworker/core/port/out"
	"mailworker/pkg/logger"
)

const directoryTTL = 60 * time.Second

// Directory - 한 커넥터의 canonical↔서버 경로 매핑
type Directory struct {
	CanonicalToServer map[string]string
	ServerToCanonical map[string]string
	BuiltAt           time.Time
}

type directoryEntry struct {
	dir       *Directory
	expiresAt time.Time
}

// DirectoryCache builds and caches the Gmail-IMAP mailbox directory per
// connector. Entries live for 60s and are invalidated on connector auth
// change or on an unresolved path during append.
type DirectoryCache struct {
	mu      sync.Mutex
	entries map[int64]directoryEntry
	log     *logger.Logger
}

func NewDirectoryCache() *DirectoryCache {
	return &DirectoryCache{
		entries: make(map[int64]directoryEntry),
		log:     logger.WithField("component", "mailbox_directory"),
	}
}

// Get returns the cached directory or rebuilds it from LIST.
func (c *DirectoryCache) Get(ctx context.Context, connectorID int64, session out.ImapSession) (*Directory, error) {
	c.mu.Lock()
	if e, ok := c.entries[connectorID]; ok && time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.dir, nil
	}
	c.mu.Unlock()

	dir, err := BuildDirectory(ctx, session)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[connectorID] = directoryEntry{dir: dir, expiresAt: time.Now().Add(directoryTTL)}
	c.mu.Unlock()

	c.log.Debug("[DirectoryCache.Get] rebuilt directory: connector=%d mailboxes=%d", connectorID, len(dir.CanonicalToServer))
	return dir, nil
}

// Invalidate drops the cached directory (auth change, append mismatch).
func (c *DirectoryCache) Invalidate(connectorID int64) {
	c.mu.Lock()
	delete(c.entries, connectorID)
	c.mu.Unlock()
}

// ResolveServerPath translates a canonical id to the server mailbox name.
// Missing canonical falls back to INBOX for append targets.
func (c *DirectoryCache) ResolveServerPath(ctx context.Context, connectorID int64, session out.ImapSession, canonical string) (string, error) {
	dir, err := c.Get(ctx, connectorID, session)
	if err != nil {
		return "", err
	}
	if server, ok := dir.CanonicalToServer[NormalizeGmailPath(canonical)]; ok {
		return server, nil
	}
	// 매핑 실패 - 캐시를 비워 다음 호출에서 재구성
	c.Invalidate(connectorID)
	return CanonicalInbox, nil
}

// BuildDirectory lists server mailboxes and infers a canonical id per row:
// SPECIAL-USE first, then bracketed-suffix names. Non-selectable containers
// like [Gmail] are dropped; a duplicate canonical keeps the first row.
func BuildDirectory(ctx context.Context, session out.ImapSession) (*Directory, error) {
	rows, err := session.ListMailboxes(ctx)
	if err != nil {
		return nil, err
	}

	dir := &Directory{
		CanonicalToServer: make(map[string]string),
		ServerToCanonical: make(map[string]string),
		BuiltAt:           time.Now(),
	}
	for _, row := range rows {
		if row.NoSelect {
			continue
		}
		canonical := canonicalFromSpecialUse(row.SpecialUse)
		if canonical == "" {
			canonical = canonicalFromBracketSuffix(row.Name)
		}
		if canonical == "" {
			// 커스텀 폴더는 대문자 이름이 canonical
			canonical = NormalizeGmailPath(row.Name)
		}
		if _, dup := dir.CanonicalToServer[canonical]; dup {
			continue
		}
		dir.CanonicalToServer[canonical] = row.Name
		dir.ServerToCanonical[strings.ToUpper(row.Name)] = canonical
	}
	return dir, nil
}
