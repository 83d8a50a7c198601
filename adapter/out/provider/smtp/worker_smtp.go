// Package smtp implements the outbound mail transport on go-smtp.
package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	smtpclient "github.com/emersion/go-smtp"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/apperr"
	"mailworker/pkg/netguard"
)

const dialTimeout = 30 * time.Second

// =============================================================================
// Sender
// =============================================================================

// Sender dials through the outbound host guard and gates plaintext delivery
// behind the insecure-transport override.
type Sender struct {
	guard         *netguard.Guard
	allowInsecure bool
}

func NewSender(guard *netguard.Guard, allowInsecure bool) *Sender {
	return &Sender{guard: guard, allowInsecure: allowInsecure}
}

func (s *Sender) SendMail(ctx context.Context, connector *domain.OutgoingConnector, from string, recipients []string, raw []byte) error {
	if len(recipients) == 0 {
		return apperr.InvalidInput("recipients", "at least one recipient is required")
	}

	safe, err := s.guard.ResolveSafeOutboundHost(ctx, connector.Host)
	if err != nil {
		return err
	}

	netDialer := &net.Dialer{Timeout: dialTimeout}
	rawConn, err := netDialer.DialContext(ctx, "tcp", net.JoinHostPort(safe.Address, strconv.Itoa(connector.Port)))
	if err != nil {
		return apperr.UpstreamError("smtp dial", err)
	}

	tlsConfig := &tls.Config{ServerName: connector.Host}
	var client *smtpclient.Client
	switch connector.TLSMode {
	case domain.TLSModeSSL:
		client = smtpclient.NewClient(tls.Client(rawConn, tlsConfig))
	case domain.TLSModeStartTLS:
		client = smtpclient.NewClient(rawConn)
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return apperr.UpstreamError("smtp starttls", err)
		}
	case domain.TLSModeNone:
		if !s.allowInsecure {
			rawConn.Close()
			return apperr.BadRequest("plaintext smtp is not allowed")
		}
		client = smtpclient.NewClient(rawConn)
	default:
		rawConn.Close()
		return apperr.BadRequest(fmt.Sprintf("unsupported tls mode %q", connector.TLSMode))
	}
	defer client.Close()

	if err := authenticate(client, connector); err != nil {
		return err
	}

	if err := client.Mail(from, nil); err != nil {
		return apperr.UpstreamError("smtp mail from", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return apperr.UpstreamError("smtp rcpt to", err)
		}
	}
	wc, err := client.Data()
	if err != nil {
		return apperr.UpstreamError("smtp data", err)
	}
	if _, err := wc.Write(raw); err != nil {
		wc.Close()
		return apperr.UpstreamError("smtp data write", err)
	}
	if err := wc.Close(); err != nil {
		return apperr.UpstreamError("smtp data close", err)
	}
	return client.Quit()
}

func authenticate(client *smtpclient.Client, connector *domain.OutgoingConnector) error {
	auth := connector.Auth
	if auth.IsOAuth2() {
		username := auth.Username
		if username == "" {
			username = connector.FromAddress
		}
		if err := client.Auth(sasl.NewXoauth2Client(username, auth.AccessToken)); err != nil {
			return apperr.New(apperr.CodeUnauthorized, "smtp xoauth2 authentication failed: "+err.Error(), 401)
		}
		return nil
	}
	if auth.Username == "" {
		// Open relay setups (dev only) skip AUTH entirely.
		return nil
	}
	if err := client.Auth(sasl.NewPlainClient("", auth.Username, auth.Password)); err != nil {
		return apperr.New(apperr.CodeUnauthorized, "smtp authentication failed: "+err.Error(), 401)
	}
	return nil
}

var _ out.SMTPSender = (*Sender)(nil)
