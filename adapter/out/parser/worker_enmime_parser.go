// Package parser implements RFC-822 parsing on enmime.
package parser

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/jhillyerd/enmime"

	"mailworker/core/port/out"
)

const snippetMaxRunes = 200

// =============================================================================
// EnmimeParser - out.MessageParser 구현
// =============================================================================

type EnmimeParser struct{}

func NewEnmimeParser() *EnmimeParser {
	return &EnmimeParser{}
}

// Parse decodes the RFC-822 source into structured fields. Parse errors are
// the caller's signal to keep the raw blob and fall back to metadata-only.
func (p *EnmimeParser) Parse(raw []byte) (*out.ParsedMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	parsed := &out.ParsedMessage{
		MessageID:  env.GetHeader("Message-Id"),
		InReplyTo:  env.GetHeader("In-Reply-To"),
		References: env.GetHeader("References"),
		Subject:    env.GetHeader("Subject"),
		From:       env.GetHeader("From"),
		To:         env.GetHeader("To"),
		BodyText:   env.Text,
		BodyHTML:   env.HTML,
	}
	parsed.Snippet = makeSnippet(env.Text)

	for _, part := range env.Attachments {
		parsed.Attachments = append(parsed.Attachments, partToAttachment(part, false))
	}
	for _, part := range env.Inlines {
		// Inline parts without a filename are body fragments, not attachments.
		if part.FileName == "" && part.ContentID == "" {
			continue
		}
		parsed.Attachments = append(parsed.Attachments, partToAttachment(part, true))
	}
	for _, part := range env.OtherParts {
		if part.FileName == "" {
			continue
		}
		parsed.Attachments = append(parsed.Attachments, partToAttachment(part, false))
	}
	return parsed, nil
}

func partToAttachment(part *enmime.Part, inline bool) out.ParsedAttachment {
	contentType := part.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return out.ParsedAttachment{
		Filename:    part.FileName,
		ContentType: contentType,
		SizeBytes:   int64(len(part.Content)),
		Inline:      inline,
		ContentID:   strings.Trim(part.ContentID, "<>"),
		Content:     part.Content,
	}
}

// makeSnippet collapses whitespace and trims to a rune-safe preview.
func makeSnippet(text string) string {
	snippet := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(snippet) <= snippetMaxRunes {
		return snippet
	}
	runes := []rune(snippet)
	return string(runes[:snippetMaxRunes])
}

var _ out.MessageParser = (*EnmimeParser)(nil)
