package mailbox

import (
	"testing"
)

func TestNormalizeGmailPath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty defaults to inbox", in: "", want: CanonicalInbox},
		{name: "whitespace defaults to inbox", in: "  ", want: CanonicalInbox},
		{name: "inbox passthrough", in: "inbox", want: CanonicalInbox},
		{name: "sent alias", in: "[Gmail]/Sent Mail", want: CanonicalSent},
		{name: "google mail sent alias", in: "[Google Mail]/Sent Mail", want: CanonicalSent},
		{name: "all mail alias", in: "[Gmail]/All Mail", want: CanonicalAll},
		{name: "junk maps to spam", in: "[Gmail]/Junk", want: CanonicalSpam},
		{name: "bin maps to trash", in: "[google mail]/bin", want: CanonicalTrash},
		{name: "drafts alias", in: "[Gmail]/Drafts", want: CanonicalDraft},
		{name: "starred alias", in: "[Gmail]/Starred", want: CanonicalStarred},
		{name: "important alias", in: "[Gmail]/Important", want: CanonicalImportant},
		{name: "archive maps to all", in: "Archive", want: CanonicalAll},
		{name: "custom label keeps casing", in: "Label_12345", want: "Label_12345"},
		{name: "non-numeric label suffix uppercased", in: "Label_abc", want: "LABEL_ABC"},
		{name: "unknown name uppercased", in: "Receipts", want: "RECEIPTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeGmailPath(tt.in); got != tt.want {
				t.Errorf("NormalizeGmailPath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeGmailPath_Idempotent(t *testing.T) {
	for _, in := range []string{"", "[Gmail]/Sent Mail", "Label_99", "Receipts", "INBOX"} {
		once := NormalizeGmailPath(in)
		twice := NormalizeGmailPath(once)
		if once != twice {
			t.Errorf("normalization not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestGmailPathAliases(t *testing.T) {
	aliases := GmailPathAliases("[Gmail]/Sent Mail")
	if aliases[0] != CanonicalSent {
		t.Fatalf("expected canonical first, got %q", aliases[0])
	}
	want := map[string]bool{
		"[GMAIL]/SENT MAIL":       true,
		"[GOOGLE MAIL]/SENT MAIL": true,
	}
	for _, a := range aliases[1:] {
		if !want[a] {
			t.Errorf("unexpected alias %q", a)
		}
		delete(want, a)
	}
	if len(want) != 0 {
		t.Errorf("missing aliases: %v", want)
	}
}

func TestCanonicalFromSpecialUse(t *testing.T) {
	tests := []struct {
		attrs []string
		want  string
	}{
		{attrs: []string{"\\HasNoChildren", "\\Sent"}, want: CanonicalSent},
		{attrs: []string{"\\Junk"}, want: CanonicalSpam},
		{attrs: []string{"\\Flagged"}, want: CanonicalStarred},
		{attrs: []string{"\\HasChildren"}, want: ""},
		{attrs: nil, want: ""},
	}
	for _, tt := range tests {
		if got := canonicalFromSpecialUse(tt.attrs); got != tt.want {
			t.Errorf("canonicalFromSpecialUse(%v) = %q, want %q", tt.attrs, got, tt.want)
		}
	}
}

func TestCanonicalFromBracketSuffix(t *testing.T) {
	if got := canonicalFromBracketSuffix("[Gmail]/Trash"); got != CanonicalTrash {
		t.Errorf("expected TRASH, got %q", got)
	}
	if got := canonicalFromBracketSuffix("INBOX"); got != CanonicalInbox {
		t.Errorf("expected INBOX, got %q", got)
	}
	if got := canonicalFromBracketSuffix("Work/Projects"); got != "" {
		t.Errorf("expected no canonical for plain folders, got %q", got)
	}
}
