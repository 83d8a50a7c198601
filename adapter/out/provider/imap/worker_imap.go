// Package imap implements the IMAP session port on go-imap v2.
package imap

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/apperr"
	"mailworker/pkg/netguard"
)

const dialTimeout = 30 * time.Second

// threadHeaderFields - envelope에 없는 스레딩 헤더는 HEADER.FIELDS로 가져온다
var threadHeaderFields = []string{"Message-Id", "In-Reply-To", "References"}

// =============================================================================
// Dialer
// =============================================================================

// Dialer opens authenticated sessions. Every connection goes through the
// outbound host guard first and dials the vetted address, not the hostname.
type Dialer struct {
	guard         *netguard.Guard
	allowInsecure bool
}

func NewDialer(guard *netguard.Guard, allowInsecure bool) *Dialer {
	return &Dialer{guard: guard, allowInsecure: allowInsecure}
}

func (d *Dialer) Open(ctx context.Context, connector *domain.IncomingConnector) (out.ImapSession, error) {
	safe, err := d.guard.ResolveSafeOutboundHost(ctx, connector.Host)
	if err != nil {
		return nil, err
	}

	netDialer := &net.Dialer{Timeout: dialTimeout}
	rawConn, err := netDialer.DialContext(ctx, "tcp", net.JoinHostPort(safe.Address, strconv.Itoa(connector.Port)))
	if err != nil {
		return nil, apperr.UpstreamError("imap dial", err)
	}

	session := &Session{changed: make(chan struct{}, 1)}
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: connector.Host},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(*imapclient.UnilateralDataMailbox) { session.notifyChanged() },
			Expunge: func(uint32) { session.notifyChanged() },
		},
	}

	var conn *imapclient.Client
	switch connector.TLS {
	case domain.TLSModeSSL:
		tlsConn := tls.Client(rawConn, opts.TLSConfig)
		conn = imapclient.New(tlsConn, opts)
	case domain.TLSModeStartTLS:
		conn, err = imapclient.NewStartTLS(rawConn, opts)
		if err != nil {
			rawConn.Close()
			return nil, apperr.UpstreamError("imap starttls", err)
		}
	case domain.TLSModeNone:
		if !d.allowInsecure {
			rawConn.Close()
			return nil, apperr.BadRequest("plaintext imap is not allowed")
		}
		conn = imapclient.New(rawConn, opts)
	default:
		rawConn.Close()
		return nil, apperr.BadRequest(fmt.Sprintf("unsupported tls mode %q", connector.TLS))
	}

	if err := authenticate(conn, connector); err != nil {
		conn.Close()
		return nil, err
	}
	session.conn = conn
	return session, nil
}

func authenticate(conn *imapclient.Client, connector *domain.IncomingConnector) error {
	auth := connector.Auth
	if auth.IsOAuth2() {
		username := auth.Username
		if username == "" {
			username = connector.EmailAddress
		}
		if err := conn.Authenticate(sasl.NewXoauth2Client(username, auth.AccessToken)); err != nil {
			return apperr.New(apperr.CodeUnauthorized, "imap xoauth2 authentication failed: "+err.Error(), 401)
		}
		return nil
	}
	if err := conn.Login(auth.Username, auth.Password).Wait(); err != nil {
		return apperr.New(apperr.CodeUnauthorized, "imap login failed: "+err.Error(), 401)
	}
	return nil
}

// =============================================================================
// Session
// =============================================================================

type Session struct {
	conn    *imapclient.Client
	changed chan struct{}
}

func (s *Session) notifyChanged() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Session) Select(ctx context.Context, mailbox string) (*out.ImapMailboxStatus, error) {
	data, err := s.conn.Select(mailbox, &imap.SelectOptions{CondStore: true}).Wait()
	if err != nil {
		// Some servers reject the CONDSTORE parameter outright.
		data, err = s.conn.Select(mailbox, nil).Wait()
		if err != nil {
			return nil, apperr.UpstreamError("imap select", err)
		}
	}
	status := &out.ImapMailboxStatus{
		Mailbox:       mailbox,
		UIDValidity:   data.UIDValidity,
		UIDNext:       uint32(data.UIDNext),
		HighestModseq: data.HighestModSeq,
		NumMessages:   data.NumMessages,
	}
	return status, nil
}

func (s *Session) ListMailboxes(ctx context.Context) ([]out.ImapMailboxInfo, error) {
	items, err := s.conn.List("", "*", nil).Collect()
	if err != nil {
		return nil, apperr.UpstreamError("imap list", err)
	}
	infos := make([]out.ImapMailboxInfo, 0, len(items))
	for _, item := range items {
		info := out.ImapMailboxInfo{
			Name:      item.Mailbox,
			Delimiter: string(item.Delim),
		}
		for _, attr := range item.Attrs {
			switch attr {
			case imap.MailboxAttrNoSelect:
				info.NoSelect = true
			case imap.MailboxAttrAll, imap.MailboxAttrArchive, imap.MailboxAttrDrafts,
				imap.MailboxAttrFlagged, imap.MailboxAttrJunk, imap.MailboxAttrSent,
				imap.MailboxAttrTrash:
				info.SpecialUse = append(info.SpecialUse, string(attr))
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *Session) FetchChangedSince(ctx context.Context, modseq uint64) ([]out.ImapMessageMeta, error) {
	var seqSet imap.SeqSet
	seqSet.AddRange(1, 0)
	opts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		Envelope:     true,
		ModSeq:       true,
		ChangedSince: modseq,
		BodySection:  []*imap.FetchItemBodySection{threadHeaderSection()},
	}
	msgs, err := s.conn.Fetch(seqSet, opts).Collect()
	if err != nil {
		return nil, apperr.UpstreamError("imap fetch changedsince", err)
	}
	return buffersToMeta(msgs), nil
}

func (s *Session) FetchMetaRange(ctx context.Context, fromUID, toUID uint32) ([]out.ImapMessageMeta, error) {
	var uidSet imap.UIDSet
	uidSet.AddRange(imap.UID(fromUID), imap.UID(toUID))
	opts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		Envelope:     true,
		BodySection:  []*imap.FetchItemBodySection{threadHeaderSection()},
	}
	msgs, err := s.conn.Fetch(uidSet, opts).Collect()
	if err != nil {
		return nil, apperr.UpstreamError("imap fetch meta", err)
	}
	return buffersToMeta(msgs), nil
}

func (s *Session) FetchSource(ctx context.Context, uids []uint32) ([]out.ImapSource, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var uidSet imap.UIDSet
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}
	opts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	}
	msgs, err := s.conn.Fetch(uidSet, opts).Collect()
	if err != nil {
		return nil, apperr.UpstreamError("imap fetch source", err)
	}
	sources := make([]out.ImapSource, 0, len(msgs))
	for _, msg := range msgs {
		var raw []byte
		if len(msg.BodySection) > 0 {
			raw = msg.BodySection[0].Bytes
		}
		if len(raw) == 0 {
			continue
		}
		sources = append(sources, out.ImapSource{UID: uint32(msg.UID), Raw: raw})
	}
	return sources, nil
}

// SearchAllUIDs prefers ESEARCH; servers without it get a plain UID SEARCH,
// and servers that reject the bare ALL form get an explicit UID 1:* range.
func (s *Session) SearchAllUIDs(ctx context.Context) ([]uint32, error) {
	data, err := s.conn.UIDSearch(&imap.SearchCriteria{}, &imap.SearchOptions{ReturnAll: true}).Wait()
	if err != nil {
		data, err = s.conn.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	}
	if err != nil {
		var all imap.UIDSet
		all.AddRange(1, 0)
		data, err = s.conn.UIDSearch(&imap.SearchCriteria{UID: []imap.UIDSet{all}}, nil).Wait()
		if err != nil {
			return nil, apperr.UpstreamError("imap uid search", err)
		}
	}
	uidSet, ok := data.All.(imap.UIDSet)
	if !ok {
		return nil, nil
	}
	nums, _ := uidSet.Nums()
	uids := make([]uint32, len(nums))
	for i, n := range nums {
		uids[i] = uint32(n)
	}
	return uids, nil
}

func (s *Session) Move(ctx context.Context, uid uint32, dest string) error {
	var uidSet imap.UIDSet
	uidSet.AddNum(imap.UID(uid))
	if _, err := s.conn.Move(uidSet, dest).Wait(); err != nil {
		return apperr.UpstreamError("imap move", err)
	}
	return nil
}

func (s *Session) AddFlags(ctx context.Context, uid uint32, flags []string) error {
	return s.storeFlags(uid, imap.StoreFlagsAdd, flags)
}

func (s *Session) RemoveFlags(ctx context.Context, uid uint32, flags []string) error {
	return s.storeFlags(uid, imap.StoreFlagsDel, flags)
}

func (s *Session) storeFlags(uid uint32, op imap.StoreFlagsOp, flags []string) error {
	var uidSet imap.UIDSet
	uidSet.AddNum(imap.UID(uid))
	imapFlags := make([]imap.Flag, len(flags))
	for i, f := range flags {
		imapFlags[i] = imap.Flag(f)
	}
	err := s.conn.Store(uidSet, &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  imapFlags,
	}, nil).Close()
	if err != nil {
		return apperr.UpstreamError("imap store", err)
	}
	return nil
}

// Delete is UID STORE \Deleted plus UID EXPUNGE, scoped to the one message.
func (s *Session) Delete(ctx context.Context, uid uint32) error {
	var uidSet imap.UIDSet
	uidSet.AddNum(imap.UID(uid))
	err := s.conn.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return apperr.UpstreamError("imap store deleted", err)
	}
	if err := s.conn.UIDExpunge(uidSet).Close(); err != nil {
		return apperr.UpstreamError("imap expunge", err)
	}
	return nil
}

func (s *Session) Append(ctx context.Context, mailbox string, raw []byte, flags []string) error {
	imapFlags := make([]imap.Flag, len(flags))
	for i, f := range flags {
		imapFlags[i] = imap.Flag(f)
	}
	cmd := s.conn.Append(mailbox, int64(len(raw)), &imap.AppendOptions{Flags: imapFlags})
	if _, err := cmd.Write(raw); err != nil {
		return apperr.UpstreamError("imap append write", err)
	}
	if err := cmd.Close(); err != nil {
		return apperr.UpstreamError("imap append close", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return apperr.UpstreamError("imap append", err)
	}
	return nil
}

// Idle waits for a unilateral change, maxIdle or ctx, whichever first.
func (s *Session) Idle(ctx context.Context, maxIdle time.Duration) (bool, error) {
	// Drain a change that slipped in between idles so it is not lost.
	select {
	case <-s.changed:
		return true, nil
	default:
	}

	cmd, err := s.conn.Idle()
	if err != nil {
		return false, apperr.UpstreamError("imap idle", err)
	}

	changed := false
	timer := time.NewTimer(maxIdle)
	defer timer.Stop()
	select {
	case <-s.changed:
		changed = true
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := cmd.Close(); err != nil {
		return changed, apperr.UpstreamError("imap idle close", err)
	}
	if err := cmd.Wait(); err != nil {
		return changed, apperr.UpstreamError("imap idle wait", err)
	}
	return changed, ctx.Err()
}

func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	return conn.Close()
}

// =============================================================================
// Fetch result mapping
// =============================================================================

func threadHeaderSection() *imap.FetchItemBodySection {
	return &imap.FetchItemBodySection{
		Specifier:    imap.PartSpecifierHeader,
		HeaderFields: threadHeaderFields,
		Peek:         true,
	}
}

func buffersToMeta(msgs []*imapclient.FetchMessageBuffer) []out.ImapMessageMeta {
	metas := make([]out.ImapMessageMeta, 0, len(msgs))
	for _, msg := range msgs {
		meta := out.ImapMessageMeta{
			UID:          uint32(msg.UID),
			InternalDate: msg.InternalDate,
			Modseq:       msg.ModSeq,
		}
		for _, f := range msg.Flags {
			meta.Flags = append(meta.Flags, string(f))
		}
		if msg.Envelope != nil {
			meta.Subject = msg.Envelope.Subject
			meta.From = formatAddresses(msg.Envelope.From)
			meta.To = formatAddresses(msg.Envelope.To)
		}
		if len(msg.BodySection) > 0 {
			applyThreadHeaders(&meta, msg.BodySection[0].Bytes)
		}
		metas = append(metas, meta)
	}
	return metas
}

// applyThreadHeaders parses the HEADER.FIELDS response for the threading
// headers the envelope cannot carry.
func applyThreadHeaders(meta *out.ImapMessageMeta, raw []byte) {
	if len(raw) == 0 {
		return
	}
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(append(raw, '\r', '\n'))))
	header, err := reader.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return
	}
	meta.MessageID = header.Get("Message-Id")
	meta.InReplyTo = header.Get("In-Reply-To")
	meta.References = header.Get("References")
}

func formatAddresses(addrs []imap.Address) string {
	var buf bytes.Buffer
	for i, a := range addrs {
		if i > 0 {
			buf.WriteString(", ")
		}
		if a.Name != "" {
			buf.WriteString(a.Name)
			buf.WriteString(" <")
			buf.WriteString(a.Addr())
			buf.WriteString(">")
		} else {
			buf.WriteString(a.Addr())
		}
	}
	return buf.String()
}

var _ out.ImapDialer = (*Dialer)(nil)
var _ out.ImapSession = (*Session)(nil)
