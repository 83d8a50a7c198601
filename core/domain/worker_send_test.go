package domain

import (
	"strings"
	"testing"
)

func TestParseEnvelopeRecipients(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "dedupe case-insensitively keeping first casing",
			in:   []string{"A@Example.com", "a@example.com", "b@example.com"},
			want: []string{"A@Example.com", "b@example.com"},
		},
		{
			name: "drops empties and trims",
			in:   []string{" a@example.com ", "", "   "},
			want: []string{"a@example.com"},
		},
		{
			name: "preserves order",
			in:   []string{"z@x.com", "a@x.com", "z@x.com"},
			want: []string{"z@x.com", "a@x.com"},
		},
		{name: "empty input", in: nil, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseEnvelopeRecipients(tt.in)
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

func TestEstimateBase64PayloadBytes(t *testing.T) {
	tests := []struct {
		encoded string
		want    int64
	}{
		{encoded: "", want: 0},
		{encoded: "QUJD", want: 3},     // "ABC"
		{encoded: "QUI=", want: 2},     // "AB"
		{encoded: "QQ==", want: 1},     // "A"
		{encoded: "QUJDREVGR0g=", want: 8},
	}
	for _, tt := range tests {
		if got := EstimateBase64PayloadBytes(tt.encoded); got != tt.want {
			t.Errorf("EstimateBase64PayloadBytes(%q) = %d, want %d", tt.encoded, got, tt.want)
		}
	}
}

func TestNormalizeSendIdempotencyKey(t *testing.T) {
	if got := NormalizeSendIdempotencyKey("  client-key-1  "); got != "client-key-1" {
		t.Errorf("expected trimmed key, got %q", got)
	}
	generated := NormalizeSendIdempotencyKey("")
	if generated == "" {
		t.Fatal("expected a generated key for empty input")
	}
	if NormalizeSendIdempotencyKey("") == generated {
		t.Error("expected each generated key to be unique")
	}
}

func TestMakeSendRequestHash(t *testing.T) {
	base := SendRequest{
		To:       []string{"to@example.com"},
		Cc:       []string{"b@example.com", "a@example.com"},
		Subject:  "hello",
		BodyText: "body",
	}

	h1 := MakeSendRequestHash(1, base)
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Fatalf("expected lowercase hex sha256, got %q", h1)
	}

	// cc order must not matter
	reordered := base
	reordered.Cc = []string{"a@example.com", "b@example.com"}
	if MakeSendRequestHash(1, reordered) != h1 {
		t.Error("expected cc order to be canonicalized")
	}

	// identity is part of the hash
	if MakeSendRequestHash(2, base) == h1 {
		t.Error("expected identity id to change the hash")
	}

	// payload changes change the hash
	changed := base
	changed.Subject = "other"
	if MakeSendRequestHash(1, changed) == h1 {
		t.Error("expected subject change to change the hash")
	}

	// attachment content length feeds the hash without decoding
	withAtt := base
	withAtt.Attachments = []SendAttachment{{Filename: "a.txt", ContentType: "text/plain", ContentBase64: "QUJD"}}
	hAtt := MakeSendRequestHash(1, withAtt)
	if hAtt == h1 {
		t.Error("expected attachment to change the hash")
	}
	longer := withAtt
	longer.Attachments = []SendAttachment{{Filename: "a.txt", ContentType: "text/plain", ContentBase64: "QUJDREVG"}}
	if MakeSendRequestHash(1, longer) == hAtt {
		t.Error("expected attachment size to change the hash")
	}
}
