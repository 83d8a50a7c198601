package domain

import "testing"

func TestNormalizeMessageID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "<ABC@Example.com>", want: "abc@example.com"},
		{in: "  <x@y.com>  ", want: "x@y.com"},
		{in: "bare@id.com", want: "bare@id.com"},
		{in: "", want: ""},
		{in: "<>", want: ""},
	}
	for _, tt := range tests {
		if got := NormalizeMessageID(tt.in); got != tt.want {
			t.Errorf("NormalizeMessageID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMessageIDVariants(t *testing.T) {
	got := MessageIDVariants("<A@B.com>")
	if len(got) != 2 || got[0] != "a@b.com" || got[1] != "<a@b.com>" {
		t.Errorf("unexpected variants %v", got)
	}
	if MessageIDVariants("   ") != nil {
		t.Error("expected nil for empty input")
	}
}

func TestReferencesTail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "<a@x.com> <b@x.com> <c@x.com>", want: "c@x.com"},
		{in: "<only@x.com>", want: "only@x.com"},
		{in: "", want: ""},
		{in: "   ", want: ""},
	}
	for _, tt := range tests {
		if got := ReferencesTail(tt.in); got != tt.want {
			t.Errorf("ReferencesTail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSystemLabelsFor(t *testing.T) {
	tests := []struct {
		folder  string
		starred bool
		want    []string
	}{
		{folder: "INBOX", starred: false, want: []string{SystemLabelInbox}},
		{folder: "inbox", starred: true, want: []string{SystemLabelInbox, SystemLabelStarred}},
		{folder: "SENT", starred: false, want: []string{SystemLabelSent}},
		{folder: "Work/Projects", starred: false, want: []string{}},
		{folder: "ALL", starred: true, want: []string{SystemLabelStarred}},
	}
	for _, tt := range tests {
		got := SystemLabelsFor(tt.folder, tt.starred)
		if len(got) != len(tt.want) {
			t.Errorf("SystemLabelsFor(%q, %v) = %v, want %v", tt.folder, tt.starred, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("SystemLabelsFor(%q, %v)[%d] = %q, want %q", tt.folder, tt.starred, i, got[i], tt.want[i])
			}
		}
	}
}

func TestSyncOutcomeFailed(t *testing.T) {
	if SyncCompleted(SyncProgress{}).Failed() || SyncCancelled(SyncProgress{}).Failed() || SyncAlreadyRunning(SyncProgress{}).Failed() {
		t.Error("completed/cancelled/already-running must not count as failed")
	}
	if !SyncTransient(nil).Failed() || !SyncFatal(nil).Failed() {
		t.Error("transient and fatal must count as failed")
	}
}
