package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"mailworker/core/domain"
	"mailworker/pkg/apperr"
)

// fakeConnectorRepo records UpdateAuthTokens calls; the rest is unused here.
type fakeConnectorRepo struct {
	updateCalls []tokenUpdate
	updateErr   error
}

type tokenUpdate struct {
	kind        domain.OAuthConnectorType
	connectorID int64
	accessToken *string
	refresh     *string
	expiresAt   *time.Time
}

func (f *fakeConnectorRepo) GetIncoming(ctx context.Context, id int64) (*domain.IncomingConnector, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeConnectorRepo) GetIncomingOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.IncomingConnector, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeConnectorRepo) ListActiveIncoming(ctx context.Context) ([]*domain.IncomingConnector, error) {
	return nil, nil
}
func (f *fakeConnectorRepo) ListIncomingGmailByAddress(ctx context.Context, emailAddress string) ([]*domain.IncomingConnector, error) {
	return nil, nil
}
func (f *fakeConnectorRepo) CreateIncoming(ctx context.Context, c *domain.IncomingConnector) error {
	return nil
}
func (f *fakeConnectorRepo) UpdateIncomingSyncSettings(ctx context.Context, id int64, s domain.SyncSettings) error {
	return nil
}
func (f *fakeConnectorRepo) DeleteIncoming(ctx context.Context, id int64) error { return nil }
func (f *fakeConnectorRepo) GetOutgoing(ctx context.Context, id int64) (*domain.OutgoingConnector, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeConnectorRepo) CreateOutgoing(ctx context.Context, c *domain.OutgoingConnector) error {
	return nil
}
func (f *fakeConnectorRepo) GetIdentityOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.Identity, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeConnectorRepo) UpdateAuthTokens(ctx context.Context, kind domain.OAuthConnectorType, connectorID int64, accessToken *string, refreshToken *string, expiresAt *time.Time) error {
	f.updateCalls = append(f.updateCalls, tokenUpdate{
		kind: kind, connectorID: connectorID,
		accessToken: accessToken, refresh: refreshToken, expiresAt: expiresAt,
	})
	return f.updateErr
}

type staticTokenSource struct {
	token *oauth2.Token
	err   error
}

func (s staticTokenSource) Token() (*oauth2.Token, error) { return s.token, s.err }

func newTestManager(repo *fakeConnectorRepo, token *oauth2.Token, err error) *TokenManager {
	m := NewTokenManager(repo, "client-id", "client-secret", "https://example.com/oauth/callback")
	return m.WithTokenSource(func(ctx context.Context, cfg *oauth2.Config, t *oauth2.Token) oauth2.TokenSource {
		return staticTokenSource{token: token, err: err}
	})
}

func TestIsTokenExpiringSoon(t *testing.T) {
	soon := time.Now().Add(time.Minute)
	later := time.Now().Add(time.Hour)

	tests := []struct {
		name string
		auth domain.AuthConfig
		want bool
	}{
		{name: "password auth never expires", auth: domain.AuthConfig{Type: domain.AuthTypePassword}, want: false},
		{name: "no expiry recorded", auth: domain.AuthConfig{Type: domain.AuthTypeOAuth2}, want: false},
		{name: "inside window", auth: domain.AuthConfig{Type: domain.AuthTypeOAuth2, TokenExpiresAt: &soon}, want: true},
		{name: "outside window", auth: domain.AuthConfig{Type: domain.AuthTypeOAuth2, TokenExpiresAt: &later}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTokenExpiringSoon(tt.auth, 5*time.Minute))
		})
	}
}

func TestEnsureValidGoogleAccessToken_PasswordAuthPassesThrough(t *testing.T) {
	repo := &fakeConnectorRepo{}
	m := newTestManager(repo, nil, errors.New("must not be called"))

	auth := domain.AuthConfig{Type: domain.AuthTypePassword, Username: "u", Password: "p"}
	got, err := m.EnsureValidGoogleAccessToken(context.Background(), domain.OAuthConnectorIncoming, 1, auth, false)
	require.NoError(t, err)
	assert.Equal(t, auth, got)
	assert.Empty(t, repo.updateCalls)
}

func TestEnsureValidGoogleAccessToken_UsableTokenSkipsRefresh(t *testing.T) {
	repo := &fakeConnectorRepo{}
	m := newTestManager(repo, nil, errors.New("must not be called"))

	expiry := time.Now().Add(time.Hour)
	auth := domain.AuthConfig{
		Type:           domain.AuthTypeOAuth2,
		AccessToken:    "live-token",
		RefreshToken:   "refresh",
		TokenExpiresAt: &expiry,
	}
	got, err := m.EnsureValidGoogleAccessToken(context.Background(), domain.OAuthConnectorIncoming, 1, auth, false)
	require.NoError(t, err)
	assert.Equal(t, "live-token", got.AccessToken)
	assert.Empty(t, repo.updateCalls)
}

func TestEnsureValidGoogleAccessToken_RefreshesAndPersists(t *testing.T) {
	repo := &fakeConnectorRepo{}
	newExpiry := time.Now().Add(time.Hour).Truncate(time.Second)
	m := newTestManager(repo, &oauth2.Token{
		AccessToken: "fresh-token",
		Expiry:      newExpiry,
	}, nil)

	expired := time.Now().Add(-time.Minute)
	auth := domain.AuthConfig{
		Type:           domain.AuthTypeOAuth2,
		AccessToken:    "stale-token",
		RefreshToken:   "refresh",
		TokenExpiresAt: &expired,
	}
	got, err := m.EnsureValidGoogleAccessToken(context.Background(), domain.OAuthConnectorIncoming, 5, auth, false)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken, "refresh token kept when provider does not rotate")
	require.NotNil(t, got.TokenExpiresAt)
	assert.True(t, got.TokenExpiresAt.Equal(newExpiry))

	require.Len(t, repo.updateCalls, 1)
	call := repo.updateCalls[0]
	assert.Equal(t, domain.OAuthConnectorIncoming, call.kind)
	assert.Equal(t, int64(5), call.connectorID)
	require.NotNil(t, call.accessToken)
	assert.Equal(t, "fresh-token", *call.accessToken)
	assert.Nil(t, call.refresh, "unchanged refresh token is not rewritten")
}

func TestEnsureValidGoogleAccessToken_RotatedRefreshTokenPersisted(t *testing.T) {
	repo := &fakeConnectorRepo{}
	m := newTestManager(repo, &oauth2.Token{
		AccessToken:  "fresh-token",
		RefreshToken: "rotated-refresh",
		Expiry:       time.Now().Add(time.Hour),
	}, nil)

	auth := domain.AuthConfig{
		Type:         domain.AuthTypeOAuth2,
		RefreshToken: "old-refresh",
	}
	got, err := m.EnsureValidGoogleAccessToken(context.Background(), domain.OAuthConnectorOutgoing, 9, auth, false)
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh", got.RefreshToken)

	require.Len(t, repo.updateCalls, 1)
	require.NotNil(t, repo.updateCalls[0].refresh)
	assert.Equal(t, "rotated-refresh", *repo.updateCalls[0].refresh)
}

func TestEnsureValidGoogleAccessToken_NoRefreshToken(t *testing.T) {
	repo := &fakeConnectorRepo{}
	m := newTestManager(repo, nil, errors.New("must not be called"))

	// access token without expiry is tried as-is
	auth := domain.AuthConfig{Type: domain.AuthTypeOAuth2, AccessToken: "opaque"}
	got, err := m.EnsureValidGoogleAccessToken(context.Background(), domain.OAuthConnectorIncoming, 1, auth, false)
	require.NoError(t, err)
	assert.Equal(t, "opaque", got.AccessToken)

	// nothing usable at all requires a reconnect
	_, err = m.EnsureValidGoogleAccessToken(context.Background(), domain.OAuthConnectorIncoming, 1, domain.AuthConfig{Type: domain.AuthTypeOAuth2}, false)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeReconnectRequired))
}

func TestEnsureValidGoogleAccessToken_RevokedClearsTokens(t *testing.T) {
	repo := &fakeConnectorRepo{}
	m := newTestManager(repo, nil, errors.New(`oauth2: "invalid_grant" token revoked`))

	expired := time.Now().Add(-time.Minute)
	auth := domain.AuthConfig{
		Type:           domain.AuthTypeOAuth2,
		AccessToken:    "stale",
		RefreshToken:   "revoked-refresh",
		TokenExpiresAt: &expired,
	}
	_, err := m.EnsureValidGoogleAccessToken(context.Background(), domain.OAuthConnectorIncoming, 3, auth, false)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeReconnectRequired))

	// stored tokens are cleared on revocation
	require.Len(t, repo.updateCalls, 1)
	assert.Nil(t, repo.updateCalls[0].accessToken)
	assert.Nil(t, repo.updateCalls[0].refresh)
}

func TestEnsureValidGoogleAccessToken_TransientRefreshFailure(t *testing.T) {
	repo := &fakeConnectorRepo{}
	m := newTestManager(repo, nil, errors.New("Post https://oauth2.googleapis.com/token: i/o timeout"))

	expired := time.Now().Add(-time.Minute)
	auth := domain.AuthConfig{
		Type:           domain.AuthTypeOAuth2,
		AccessToken:    "stale",
		RefreshToken:   "refresh",
		TokenExpiresAt: &expired,
	}
	_, err := m.EnsureValidGoogleAccessToken(context.Background(), domain.OAuthConnectorIncoming, 3, auth, false)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeOAuthFailed))
	assert.Empty(t, repo.updateCalls, "transient failures must not clear stored tokens")
}

func TestEnsureValidGoogleAccessToken_ForceRefreshesUsableToken(t *testing.T) {
	repo := &fakeConnectorRepo{}
	m := newTestManager(repo, &oauth2.Token{
		AccessToken: "forced-fresh",
		Expiry:      time.Now().Add(time.Hour),
	}, nil)

	expiry := time.Now().Add(time.Hour)
	auth := domain.AuthConfig{
		Type:           domain.AuthTypeOAuth2,
		AccessToken:    "still-live",
		RefreshToken:   "refresh",
		TokenExpiresAt: &expiry,
	}
	got, err := m.EnsureValidGoogleAccessToken(context.Background(), domain.OAuthConnectorIncoming, 2, auth, true)
	require.NoError(t, err)
	assert.Equal(t, "forced-fresh", got.AccessToken)
}
