// Package auth owns Google OAuth credentials: proactive refresh before
// provider connections and revocation handling on invalid_grant.
package auth

import (
	"context"
	"regexp"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/apperr"
	"mailworker/pkg/logger"
)

// DefaultExpiryWindow - 만료 전 선제 갱신 윈도우
const DefaultExpiryWindow = 5 * time.Minute

var gmailScopes = []string{
	"https://www.googleapis.com/auth/gmail.modify",
	"https://mail.google.com/",
	"https://www.googleapis.com/auth/userinfo.email",
}

// revokedTokenPattern - refresh가 영구히 거부된 경우. 토큰을 비우고
// 재연결을 요구한다.
var revokedTokenPattern = regexp.MustCompile(`(?i)invalid_grant|unauthorized|disabled|permission denied|rejected|token has been expired or revoked`)

// TokenSourceFactory is swappable in tests; production uses the oauth2
// config's TokenSource against Google's token endpoint.
type TokenSourceFactory func(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) oauth2.TokenSource

type TokenManager struct {
	connectors  out.ConnectorRepository
	oauthConfig *oauth2.Config
	tokenSource TokenSourceFactory
	log         *logger.Logger
}

func NewTokenManager(connectors out.ConnectorRepository, clientID, clientSecret, redirectURL string) *TokenManager {
	return &TokenManager{
		connectors: connectors,
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       gmailScopes,
			Endpoint:     google.Endpoint,
		},
		tokenSource: func(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) oauth2.TokenSource {
			return cfg.TokenSource(ctx, token)
		},
		log: logger.WithField("component", "token_manager"),
	}
}

// WithTokenSource - 테스트용 토큰 소스 교체
func (m *TokenManager) WithTokenSource(f TokenSourceFactory) *TokenManager {
	m.tokenSource = f
	return m
}

// OAuthConfig exposes the shared Google config for the connect flow.
func (m *TokenManager) OAuthConfig() *oauth2.Config {
	return m.oauthConfig
}

// IsTokenExpiringSoon reports whether the access token expires inside the
// window; sync drivers refresh proactively before opening IMAP connections.
func IsTokenExpiringSoon(auth domain.AuthConfig, window time.Duration) bool {
	if !auth.IsOAuth2() || auth.TokenExpiresAt == nil {
		return false
	}
	if window <= 0 {
		window = DefaultExpiryWindow
	}
	return time.Now().Add(window).After(*auth.TokenExpiresAt)
}

// EnsureValidGoogleAccessToken validates and refreshes the connector's access
// token, returning the auth config to use for this operation. The caller
// receives a value copy; persistence happens only when fields changed.
func (m *TokenManager) EnsureValidGoogleAccessToken(ctx context.Context, kind domain.OAuthConnectorType, connectorID int64, auth domain.AuthConfig, force bool) (domain.AuthConfig, error) {
	if !auth.IsOAuth2() {
		return auth, nil
	}
	now := time.Now()
	if auth.HasUsableAccessToken(now) && !force {
		return auth, nil
	}

	if auth.RefreshToken == "" {
		if auth.AccessToken != "" && !force {
			// 만료 시각을 모르는 access token - 일단 써 본다
			return auth, nil
		}
		return auth, apperr.ReconnectRequired("no refresh token stored for this connector")
	}

	token := &oauth2.Token{
		AccessToken:  auth.AccessToken,
		RefreshToken: auth.RefreshToken,
	}
	if auth.TokenExpiresAt != nil {
		token.Expiry = *auth.TokenExpiresAt
	}
	if force {
		// 만료로 표시해 TokenSource가 무조건 갱신하게 한다
		token.Expiry = now.Add(-time.Minute)
		token.AccessToken = ""
	}

	fresh, err := m.tokenSource(ctx, m.oauthConfig, token).Token()
	if err != nil {
		if revokedTokenPattern.MatchString(err.Error()) {
			m.log.WithError(err).Warn("[TokenManager.EnsureValidGoogleAccessToken] refresh token revoked: kind=%s connector=%d", kind, connectorID)
			if persistErr := m.connectors.UpdateAuthTokens(ctx, kind, connectorID, nil, nil, nil); persistErr != nil {
				m.log.WithError(persistErr).Error("[TokenManager.EnsureValidGoogleAccessToken] failed to clear revoked token: connector=%d", connectorID)
			}
			return auth, apperr.ReconnectRequired("").WithError(err)
		}
		return auth, apperr.OAuthFailed("google", err)
	}

	next := auth
	next.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		next.RefreshToken = fresh.RefreshToken // rotation
	}
	if !fresh.Expiry.IsZero() {
		expiry := fresh.Expiry
		next.TokenExpiresAt = &expiry
	}

	if m.tokenChanged(auth, next) {
		access := next.AccessToken
		var refresh *string
		if next.RefreshToken != auth.RefreshToken {
			r := next.RefreshToken
			refresh = &r
		}
		if err := m.connectors.UpdateAuthTokens(ctx, kind, connectorID, &access, refresh, next.TokenExpiresAt); err != nil {
			m.log.WithError(err).Error("[TokenManager.EnsureValidGoogleAccessToken] failed to persist refreshed token: connector=%d", connectorID)
		}
	}
	return next, nil
}

func (m *TokenManager) tokenChanged(prev, next domain.AuthConfig) bool {
	if prev.AccessToken != next.AccessToken {
		return true
	}
	switch {
	case prev.TokenExpiresAt == nil && next.TokenExpiresAt == nil:
		return false
	case prev.TokenExpiresAt == nil || next.TokenExpiresAt == nil:
		return true
	default:
		return !prev.TokenExpiresAt.Equal(*next.TokenExpiresAt)
	}
}
