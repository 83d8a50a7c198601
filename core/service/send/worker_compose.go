// Package send composes outgoing mail, submits it through SMTP or the Gmail
// API with bounded retries, and records every outcome in the idempotency
// ledger.
package send

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"

	"mailworker/core/domain"
	"mailworker/pkg/apperr"
)

// GenerateRFCMessageID - 발신 주소 도메인 기반 Message-ID 헤더 생성
func GenerateRFCMessageID(fromAddress string) string {
	host := "mailworker.local"
	if at := strings.LastIndex(fromAddress, "@"); at >= 0 && at < len(fromAddress)-1 {
		host = fromAddress[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), host)
}

func parseAddressList(list []string) ([]mail.Address, error) {
	out := make([]mail.Address, 0, len(list))
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, apperr.InvalidInput("recipient", fmt.Sprintf("%q is not a valid address", raw))
		}
		out = append(out, *addr)
	}
	return out, nil
}

// ComposeMessage renders the request into RFC-822 source. Bcc recipients ride
// the envelope only and never appear in headers.
func ComposeMessage(identity *domain.Identity, req domain.SendRequest, messageID string) ([]byte, error) {
	to, err := parseAddressList(req.To)
	if err != nil {
		return nil, err
	}
	cc, err := parseAddressList(req.Cc)
	if err != nil {
		return nil, err
	}
	if _, err := parseAddressList(req.Bcc); err != nil {
		return nil, err
	}

	builder := enmime.Builder().
		From(identity.DisplayName, identity.EmailAddress).
		ToAddrs(to).
		CCAddrs(cc).
		Subject(req.Subject).
		Date(time.Now()).
		Header("Message-ID", messageID)

	if identity.ReplyTo != nil && *identity.ReplyTo != "" {
		builder = builder.ReplyTo("", *identity.ReplyTo)
	}
	if req.InReplyTo != "" {
		builder = builder.Header("In-Reply-To", req.InReplyTo)
	}
	if req.References != "" {
		builder = builder.Header("References", req.References)
	}

	bodyText := req.BodyText
	if identity.Signature != nil && *identity.Signature != "" && bodyText != "" {
		bodyText = bodyText + "\n\n-- \n" + *identity.Signature
	}
	if bodyText != "" {
		builder = builder.Text([]byte(bodyText))
	}
	if req.BodyHTML != "" {
		builder = builder.HTML([]byte(req.BodyHTML))
	}

	for _, att := range req.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.ContentBase64)
		if err != nil {
			return nil, apperr.InvalidInput("attachment", fmt.Sprintf("%q is not valid base64", att.Filename))
		}
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if att.Inline && att.ContentID != nil && *att.ContentID != "" {
			builder = builder.AddInline(content, contentType, att.Filename, *att.ContentID)
		} else {
			builder = builder.AddAttachment(content, contentType, att.Filename)
		}
	}

	part, err := builder.Build()
	if err != nil {
		return nil, apperr.BadRequest("message composition failed").WithError(err)
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, apperr.InternalWithError(err)
	}
	return buf.Bytes(), nil
}
