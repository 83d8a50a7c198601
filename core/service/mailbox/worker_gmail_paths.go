// Package mailbox canonicalizes Gmail folder/label paths and maintains the
// per-connector directory that maps canonical ids to server mailbox names.
package mailbox

import (
	"regexp"
	"strings"
)

// 표준 라벨 canonical ID
const (
	CanonicalInbox     = "INBOX"
	CanonicalSent      = "SENT"
	CanonicalAll       = "ALL"
	CanonicalSpam      = "SPAM"
	CanonicalTrash     = "TRASH"
	CanonicalDraft     = "DRAFT"
	CanonicalStarred   = "STARRED"
	CanonicalImportant = "IMPORTANT"
	CanonicalArchive   = "ARCHIVE" // 별칭 - 이동 시 ALL로 취급
)

// serverAliases - 서버가 돌려주는 폴더 이름 → canonical.
// 키는 대문자 비교.
var serverAliases = map[string]string{
	"[GMAIL]/SENT MAIL":       CanonicalSent,
	"[GOOGLE MAIL]/SENT MAIL": CanonicalSent,
	"[GMAIL]/ALL MAIL":        CanonicalAll,
	"[GOOGLE MAIL]/ALL MAIL":  CanonicalAll,
	"[GMAIL]/SPAM":            CanonicalSpam,
	"[GOOGLE MAIL]/SPAM":      CanonicalSpam,
	"[GMAIL]/JUNK":            CanonicalSpam,
	"[GOOGLE MAIL]/JUNK":      CanonicalSpam,
	"[GMAIL]/TRASH":           CanonicalTrash,
	"[GOOGLE MAIL]/TRASH":     CanonicalTrash,
	"[GMAIL]/BIN":             CanonicalTrash,
	"[GOOGLE MAIL]/BIN":       CanonicalTrash,
	"[GMAIL]/DRAFTS":          CanonicalDraft,
	"[GOOGLE MAIL]/DRAFTS":    CanonicalDraft,
	"[GMAIL]/STARRED":         CanonicalStarred,
	"[GOOGLE MAIL]/STARRED":   CanonicalStarred,
	"[GMAIL]/IMPORTANT":       CanonicalImportant,
	"[GOOGLE MAIL]/IMPORTANT": CanonicalImportant,
	"ARCHIVE":                 CanonicalAll,
}

// customLabelPattern - Gmail 커스텀 라벨 ID는 대소문자 그대로 보존
var customLabelPattern = regexp.MustCompile(`^Label_\d+$`)

// NormalizeGmailPath maps a folder/label to its canonical id: empty becomes
// INBOX, known server aliases map through the table, custom label ids keep
// their casing, everything else is upper-cased.
func NormalizeGmailPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return CanonicalInbox
	}
	if customLabelPattern.MatchString(p) {
		return p
	}
	upper := strings.ToUpper(p)
	if canonical, ok := serverAliases[upper]; ok {
		return canonical
	}
	return upper
}

// GmailPathAliases returns the canonical id plus every known server alias
// (upper-cased) so server folder metadata can be matched either way.
func GmailPathAliases(p string) []string {
	canonical := NormalizeGmailPath(p)
	out := []string{canonical}
	for alias, c := range serverAliases {
		if c == canonical && alias != canonical {
			out = append(out, alias)
		}
	}
	return out
}

// specialUseCanonical - LIST SPECIAL-USE 속성 → canonical
var specialUseCanonical = map[string]string{
	"\\ALL":     CanonicalAll,
	"\\SENT":    CanonicalSent,
	"\\JUNK":    CanonicalSpam,
	"\\TRASH":   CanonicalTrash,
	"\\DRAFTS":  CanonicalDraft,
	"\\FLAGGED": CanonicalStarred,
	"\\INBOX":   CanonicalInbox,
}

// canonicalFromSpecialUse - SPECIAL-USE 우선, 없으면 ""
func canonicalFromSpecialUse(attrs []string) string {
	for _, a := range attrs {
		if c, ok := specialUseCanonical[strings.ToUpper(a)]; ok {
			return c
		}
	}
	return ""
}

// canonicalFromBracketSuffix infers a canonical id from [Gmail]/Xxx style
// names when the server advertises no SPECIAL-USE.
func canonicalFromBracketSuffix(name string) string {
	upper := strings.ToUpper(name)
	if c, ok := serverAliases[upper]; ok {
		return c
	}
	if upper == CanonicalInbox {
		return CanonicalInbox
	}
	return ""
}
