package sync

import (
	"context"
	"time"

	"mailworker/core/domain"
)

// watch 만료 전에 갱신을 시작하는 윈도우. Gmail watch는 최대 7일 유효.
const watchRenewalWindow = 24 * time.Hour

// EnsureGmailWatch (re)registers the Pub/Sub watch for a push-enabled Gmail
// connector when none is active or the registration nears expiry. Called from
// the maintenance cron.
func (s *GmailSyncService) EnsureGmailWatch(ctx context.Context, conn *domain.IncomingConnector) error {
	if conn.Provider != domain.ProviderGmail || !conn.Sync.GmailPush.Enabled {
		return nil
	}
	push := conn.Sync.GmailPush
	if push.TopicName == "" {
		return nil
	}
	if push.Status == domain.GmailPushStatusWatching &&
		push.Expiration != nil && time.Until(*push.Expiration) > watchRenewalWindow {
		return nil
	}

	authCfg, err := s.tokens.EnsureValidGoogleAccessToken(ctx, domain.OAuthConnectorIncoming, conn.ID, conn.Auth, false)
	if err != nil {
		return err
	}

	watch, err := s.gmail.Watch(ctx, authCfg, push.TopicName, []string{domain.SystemLabelInbox})
	if err != nil {
		push.Status = domain.GmailPushStatusError
		settings := conn.Sync
		settings.GmailPush = push
		if persistErr := s.connectors.UpdateIncomingSyncSettings(ctx, conn.ID, settings); persistErr != nil {
			s.log.WithError(persistErr).Error("[GmailSyncService.EnsureGmailWatch] status persist failed: connector=%d", conn.ID)
		}
		return err
	}

	push.Status = domain.GmailPushStatusWatching
	push.HistoryID = watch.HistoryID
	expiration := watch.Expiration
	push.Expiration = &expiration

	settings := conn.Sync
	settings.GmailPush = push
	if err := s.connectors.UpdateIncomingSyncSettings(ctx, conn.ID, settings); err != nil {
		return err
	}
	conn.Sync = settings
	s.log.Info("[GmailSyncService.EnsureGmailWatch] watch registered: connector=%d expires=%s", conn.ID, expiration.Format(time.RFC3339))
	return nil
}

// StopGmailWatch tears the registration down, tolerating an already-stopped
// watch. Used on connector delete and when push is disabled.
func (s *GmailSyncService) StopGmailWatch(ctx context.Context, conn *domain.IncomingConnector) error {
	if conn.Provider != domain.ProviderGmail {
		return nil
	}
	authCfg, err := s.tokens.EnsureValidGoogleAccessToken(ctx, domain.OAuthConnectorIncoming, conn.ID, conn.Auth, false)
	if err != nil {
		return err
	}
	if err := s.gmail.StopWatch(ctx, authCfg); err != nil {
		s.log.WithError(err).Warn("[GmailSyncService.StopGmailWatch] stop failed: connector=%d", conn.ID)
		return err
	}
	return nil
}
