package auth

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/apperr"
	"mailworker/pkg/logger"
)

const (
	stateTTL     = 10 * time.Minute
	maxCodeLen   = 8192
	maxStateLen  = 200
)

// headerSafePattern - printable ASCII, 공백/개행 불가
var headerSafePattern = regexp.MustCompile(`^[!-~]+$`)

// ConnectService drives the authorize → callback flow. The in-memory state
// cache is a fast path only; the DB DELETE..RETURNING is authoritative and
// the callback fails closed on storage errors.
type ConnectService struct {
	states     out.OAuthStateRepository
	connectors out.ConnectorRepository
	queue      out.JobQueue
	tokens     *TokenManager

	frontendBaseURL string

	mu         sync.Mutex
	stateCache map[uuid.UUID]time.Time

	log *logger.Logger
}

func NewConnectService(states out.OAuthStateRepository, connectors out.ConnectorRepository, queue out.JobQueue, tokens *TokenManager, frontendBaseURL string) *ConnectService {
	return &ConnectService{
		states:          states,
		connectors:      connectors,
		queue:           queue,
		tokens:          tokens,
		frontendBaseURL: frontendBaseURL,
		stateCache:      make(map[uuid.UUID]time.Time),
		log:             logger.WithField("component", "oauth_connect"),
	}
}

// connectorPayload - 신규 커넥터 생성 파라미터 (authorize 시점에 고정)
type connectorPayload struct {
	EmailAddress string `json:"email_address,omitempty"`
	GmailImap    bool   `json:"gmail_imap,omitempty"`
}

// StartConnect issues a state row and returns the Google authorize URL.
func (s *ConnectService) StartConnect(ctx context.Context, userID uuid.UUID, connectorType domain.OAuthConnectorType, connectorID *int64, payload json.RawMessage) (string, error) {
	state := &domain.OAuthState{
		State:            uuid.New(),
		UserID:           userID,
		ConnectorType:    connectorType,
		ConnectorID:      connectorID,
		ConnectorPayload: payload,
		ExpiresAt:        time.Now().Add(stateTTL),
		CreatedAt:        time.Now(),
	}
	if err := s.states.Create(ctx, state); err != nil {
		return "", apperr.DatabaseError("create oauth state", err)
	}

	s.mu.Lock()
	s.stateCache[state.State] = state.ExpiresAt
	s.mu.Unlock()

	authURL := s.tokens.OAuthConfig().AuthCodeURL(
		state.State.String(),
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
	return authURL, nil
}

// HandleCallback consumes the state single-shot, exchanges the code and
// persists tokens. Returns the frontend redirect URL; errors are folded into
// a status=error redirect by the handler.
func (s *ConnectService) HandleCallback(ctx context.Context, code, stateParam string) (string, error) {
	if err := validateCallbackParams(code, stateParam); err != nil {
		return s.redirect("error", err.Error()), err
	}
	stateID, err := uuid.Parse(stateParam)
	if err != nil {
		return s.redirect("error", "invalid state"), apperr.BadRequest("oauth state is not a valid UUID")
	}

	s.mu.Lock()
	delete(s.stateCache, stateID)
	s.mu.Unlock()

	// DB가 권위 - 캐시 히트 여부와 무관하게 single-shot 소비
	state, err := s.states.ClaimState(ctx, stateID)
	if err != nil {
		return s.redirect("error", "state verification failed"), err
	}
	if state.Expired(time.Now()) {
		return s.redirect("error", "state expired"), apperr.BadRequest("oauth state expired")
	}

	token, err := s.tokens.OAuthConfig().Exchange(ctx, code)
	if err != nil {
		s.log.WithError(err).Warn("[ConnectService.HandleCallback] code exchange failed: user=%s", state.UserID)
		return s.redirect("error", "token exchange failed"), apperr.OAuthFailed("google", err)
	}

	connectorID, err := s.applyTokens(ctx, state, token)
	if err != nil {
		return s.redirect("error", "failed to store connector"), err
	}

	if state.ConnectorType == domain.OAuthConnectorIncoming {
		if _, err := s.queue.EnqueueSyncWithOptions(ctx, state.UserID, connectorID, domain.SystemLabelInbox, domain.SyncJobOptions{Priority: domain.JobPriorityHigh}); err != nil {
			s.log.WithError(err).Warn("[ConnectService.HandleCallback] initial sync enqueue failed: connector=%d", connectorID)
		}
	}
	return s.redirect("ok", ""), nil
}

// applyTokens - 기존 커넥터 토큰 갱신 또는 신규 커넥터 생성
func (s *ConnectService) applyTokens(ctx context.Context, state *domain.OAuthState, token *oauth2.Token) (int64, error) {
	expiry := token.Expiry
	if state.ConnectorID != nil {
		access := token.AccessToken
		var refresh *string
		if token.RefreshToken != "" {
			r := token.RefreshToken
			refresh = &r
		}
		if err := s.connectors.UpdateAuthTokens(ctx, state.ConnectorType, *state.ConnectorID, &access, refresh, &expiry); err != nil {
			return 0, apperr.DatabaseError("update connector tokens", err)
		}
		return *state.ConnectorID, nil
	}

	var payload connectorPayload
	if len(state.ConnectorPayload) > 0 {
		if err := json.Unmarshal(state.ConnectorPayload, &payload); err != nil {
			return 0, apperr.BadRequest("malformed connector payload").WithError(err)
		}
	}

	authCfg := domain.AuthConfig{
		Type:           domain.AuthTypeOAuth2,
		AccessToken:    token.AccessToken,
		RefreshToken:   token.RefreshToken,
		TokenExpiresAt: &expiry,
	}

	if state.ConnectorType == domain.OAuthConnectorOutgoing {
		conn := &domain.OutgoingConnector{
			UserID:      state.UserID,
			Provider:    domain.ProviderGmail,
			TLSMode:     domain.TLSModeSSL,
			FromAddress: payload.EmailAddress,
			Auth:        authCfg,
		}
		if err := s.connectors.CreateOutgoing(ctx, conn); err != nil {
			return 0, apperr.DatabaseError("create outgoing connector", err)
		}
		return conn.ID, nil
	}

	conn := &domain.IncomingConnector{
		UserID:       state.UserID,
		Provider:     domain.ProviderGmail,
		TLS:          domain.TLSModeSSL,
		EmailAddress: payload.EmailAddress,
		Auth:         authCfg,
		Sync: domain.SyncSettings{
			WatchMailboxes: []string{domain.SystemLabelInbox},
			UseIdle:        true,
			GmailImap:      payload.GmailImap,
		},
		Status: domain.ConnectorStatusActive,
	}
	if payload.GmailImap {
		conn.Provider = domain.ProviderIMAP
		conn.Host = "imap.gmail.com"
		conn.Port = 993
	}
	if err := s.connectors.CreateIncoming(ctx, conn); err != nil {
		return 0, apperr.DatabaseError("create incoming connector", err)
	}
	return conn.ID, nil
}

func (s *ConnectService) redirect(status, detail string) string {
	u, err := url.Parse(s.frontendBaseURL)
	if err != nil {
		u = &url.URL{Scheme: "http", Host: "localhost:3000"}
	}
	u.Path = "/settings/connectors"
	q := u.Query()
	q.Set("status", status)
	if detail != "" {
		q.Set("error", detail)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func validateCallbackParams(code, state string) error {
	if code == "" || state == "" {
		return apperr.BadRequest("missing code or state")
	}
	if len(code) > maxCodeLen {
		return apperr.BadRequest(fmt.Sprintf("code exceeds %d characters", maxCodeLen))
	}
	if len(state) > maxStateLen {
		return apperr.BadRequest(fmt.Sprintf("state exceeds %d characters", maxStateLen))
	}
	if !headerSafePattern.MatchString(code) || !headerSafePattern.MatchString(state) {
		return apperr.BadRequest("callback parameters contain unsafe characters")
	}
	return nil
}
