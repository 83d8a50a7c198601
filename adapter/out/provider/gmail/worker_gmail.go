// Package gmail implements the Gmail REST API client.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/apperr"
)

// metadataHeaders - format=metadata로 가져올 헤더 집합
var metadataHeaders = []string{"Message-ID", "Subject", "From", "To", "In-Reply-To", "References"}

// Client implements out.GmailClient. Auth travels by value on every call, so
// a token refresh mid-sync never tears a session in half.
type Client struct{}

func NewClient() *Client {
	return &Client{}
}

// service builds a per-call Gmail service from the access token. The token
// source is static: refresh is the token manager's job, not this adapter's.
func (c *Client) service(ctx context.Context, auth domain.AuthConfig) (*gmailapi.Service, error) {
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: auth.AccessToken})
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(source))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return svc, nil
}

func (c *Client) GetProfile(ctx context.Context, auth domain.AuthConfig) (*out.GmailProfile, error) {
	svc, err := c.service(ctx, auth)
	if err != nil {
		return nil, err
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, mapError(err, "get profile")
	}
	return &out.GmailProfile{
		EmailAddress: profile.EmailAddress,
		HistoryID:    profile.HistoryId,
	}, nil
}

func (c *Client) ListMessageIDs(ctx context.Context, auth domain.AuthConfig, labelID string, includeSpamTrash bool) ([]string, error) {
	svc, err := c.service(ctx, auth)
	if err != nil {
		return nil, err
	}

	var ids []string
	pageToken := ""
	for {
		req := svc.Users.Messages.List("me").
			LabelIds(labelID).
			IncludeSpamTrash(includeSpamTrash).
			MaxResults(500)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		resp, err := req.Context(ctx).Do()
		if err != nil {
			return nil, mapError(err, "list messages")
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

// ListHistory walks /history without a label filter; filtering there would
// hide the label removals that tell us a message left the mailbox.
func (c *Client) ListHistory(ctx context.Context, auth domain.AuthConfig, startHistoryID uint64) (*out.GmailHistory, error) {
	svc, err := c.service(ctx, auth)
	if err != nil {
		return nil, err
	}

	changed := make(map[string]struct{})
	deleted := make(map[string]struct{})
	var latest uint64

	pageToken := ""
	for {
		req := svc.Users.History.List("me").StartHistoryId(startHistoryID).MaxResults(500)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		resp, err := req.Context(ctx).Do()
		if err != nil {
			if apiErr, ok := err.(*googleapi.Error); ok && apiErr.Code == 404 {
				return nil, out.ErrGmailHistoryTooOld
			}
			return nil, mapError(err, "list history")
		}
		if resp.HistoryId > latest {
			latest = resp.HistoryId
		}
		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				changed[added.Message.Id] = struct{}{}
			}
			for _, removed := range h.MessagesDeleted {
				deleted[removed.Message.Id] = struct{}{}
				delete(changed, removed.Message.Id)
			}
			for _, la := range h.LabelsAdded {
				changed[la.Message.Id] = struct{}{}
			}
			for _, lr := range h.LabelsRemoved {
				changed[lr.Message.Id] = struct{}{}
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	history := &out.GmailHistory{LatestID: latest}
	for id := range changed {
		if _, gone := deleted[id]; !gone {
			history.ChangedIDs = append(history.ChangedIDs, id)
		}
	}
	for id := range deleted {
		history.DeletedIDs = append(history.DeletedIDs, id)
	}
	return history, nil
}

func (c *Client) GetMessageMetadata(ctx context.Context, auth domain.AuthConfig, gmailID string) (*out.GmailMessageMeta, error) {
	svc, err := c.service(ctx, auth)
	if err != nil {
		return nil, err
	}
	msg, err := svc.Users.Messages.Get("me", gmailID).
		Format("metadata").
		MetadataHeaders(metadataHeaders...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, mapError(err, "get message metadata")
	}

	meta := &out.GmailMessageMeta{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		LabelIDs:     msg.LabelIds,
		HistoryID:    msg.HistoryId,
		InternalDate: time.UnixMilli(msg.InternalDate).UTC(),
		Snippet:      msg.Snippet,
		Headers:      make(map[string]string),
	}
	if msg.Payload != nil {
		for _, header := range msg.Payload.Headers {
			meta.Headers[header.Name] = header.Value
		}
	}
	return meta, nil
}

func (c *Client) GetMessageRaw(ctx context.Context, auth domain.AuthConfig, gmailID string) ([]byte, string, error) {
	svc, err := c.service(ctx, auth)
	if err != nil {
		return nil, "", err
	}
	msg, err := svc.Users.Messages.Get("me", gmailID).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, "", mapError(err, "get message raw")
	}
	raw, err := decodeRawBody(msg.Raw)
	if err != nil {
		return nil, "", fmt.Errorf("decode raw message %s: %w", gmailID, err)
	}
	return raw, msg.ThreadId, nil
}

// decodeRawBody tolerates both padded and unpadded base64url, which the API
// serves depending on the endpoint.
func decodeRawBody(data string) ([]byte, error) {
	if raw, err := base64.URLEncoding.DecodeString(data); err == nil {
		return raw, nil
	}
	return base64.RawURLEncoding.DecodeString(data)
}

// Modify returns the server's resulting labelIds; the caller reconciles local
// flags from them instead of trusting its own optimistic update.
func (c *Client) Modify(ctx context.Context, auth domain.AuthConfig, gmailID string, addLabelIDs, removeLabelIDs []string) ([]string, error) {
	svc, err := c.service(ctx, auth)
	if err != nil {
		return nil, err
	}
	msg, err := svc.Users.Messages.Modify("me", gmailID, &gmailapi.ModifyMessageRequest{
		AddLabelIds:    addLabelIDs,
		RemoveLabelIds: removeLabelIDs,
	}).Context(ctx).Do()
	if err != nil {
		return nil, mapError(err, "modify message")
	}
	return msg.LabelIds, nil
}

func (c *Client) Trash(ctx context.Context, auth domain.AuthConfig, gmailID string) error {
	svc, err := c.service(ctx, auth)
	if err != nil {
		return err
	}
	if _, err := svc.Users.Messages.Trash("me", gmailID).Context(ctx).Do(); err != nil {
		return mapError(err, "trash message")
	}
	return nil
}

func (c *Client) Send(ctx context.Context, auth domain.AuthConfig, raw []byte, threadID string) (string, string, error) {
	svc, err := c.service(ctx, auth)
	if err != nil {
		return "", "", err
	}
	msg := &gmailapi.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}
	if threadID != "" {
		msg.ThreadId = threadID
	}
	sent, err := svc.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return "", "", mapError(err, "send message")
	}
	return sent.Id, sent.ThreadId, nil
}

func (c *Client) Watch(ctx context.Context, auth domain.AuthConfig, topicName string, labelIDs []string) (*out.GmailWatch, error) {
	svc, err := c.service(ctx, auth)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Users.Watch("me", &gmailapi.WatchRequest{
		TopicName: topicName,
		LabelIds:  labelIDs,
	}).Context(ctx).Do()
	if err != nil {
		return nil, mapError(err, "create watch")
	}
	return &out.GmailWatch{
		HistoryID:  resp.HistoryId,
		Expiration: time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

func (c *Client) StopWatch(ctx context.Context, auth domain.AuthConfig) error {
	svc, err := c.service(ctx, auth)
	if err != nil {
		return err
	}
	if err := svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		return mapError(err, "stop watch")
	}
	return nil
}

// mapError keeps HTTP semantics visible to callers: 404 means the resource is
// gone (skip, not retry), 401/403 means the token needs attention.
func mapError(err error, operation string) error {
	apiErr, ok := err.(*googleapi.Error)
	if !ok {
		return apperr.UpstreamError("gmail "+operation, err)
	}
	switch apiErr.Code {
	case 404:
		return apperr.NotFound("gmail message")
	case 401, 403:
		return apperr.New(apperr.CodeUnauthorized, fmt.Sprintf("gmail %s: %s", operation, apiErr.Message), apiErr.Code)
	default:
		return apperr.UpstreamError("gmail "+operation, err)
	}
}

var _ out.GmailClient = (*Client)(nil)
