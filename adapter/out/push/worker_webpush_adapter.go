// Package push implements browser push fan-out.
package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mailworker/config"
	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/logger"
	"mailworker/pkg/netguard"
)

// ErrSubscriptionGone - endpoint가 404/410을 반환함. 구독 삭제 신호.
var ErrSubscriptionGone = errors.New("push subscription gone")

const (
	pushTTLSeconds  = 60
	vapidTokenValid = 12 * time.Hour
)

// =============================================================================
// WebPushSender - VAPID 인증 tickle push
// =============================================================================

// WebPushSender delivers payload-free pushes: the notification only wakes
// the service worker, which then pulls fresh events over the events API.
// Skipping the payload sidesteps message encryption entirely.
type WebPushSender struct {
	guard      *netguard.Guard
	subject    string
	publicKey  string
	privateKey *ecdsa.PrivateKey
	client     *http.Client
	log        *logger.Logger
}

func NewWebPushSender(cfg *config.Config, guard *netguard.Guard) (*WebPushSender, error) {
	sender := &WebPushSender{
		guard:     guard,
		subject:   cfg.VAPIDSubject,
		publicKey: cfg.VAPIDPublicKey,
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       logger.WithField("component", "web_push"),
	}
	if cfg.VAPIDPrivateKey != "" {
		key, err := decodeVAPIDPrivateKey(cfg.VAPIDPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid VAPID private key: %w", err)
		}
		sender.privateKey = key
	}
	return sender, nil
}

// Enabled reports whether VAPID keys are configured.
func (s *WebPushSender) Enabled() bool {
	return s.privateKey != nil && s.publicKey != ""
}

func (s *WebPushSender) Send(ctx context.Context, sub *domain.PushSubscription, event *domain.SyncEvent) error {
	if !s.Enabled() {
		return nil
	}
	if err := s.guard.AssertSafePushEndpoint(ctx, sub.Endpoint); err != nil {
		return err
	}

	token, err := s.vapidToken(sub.Endpoint)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("vapid t=%s, k=%s", token, s.publicKey))
	req.Header.Set("TTL", fmt.Sprintf("%d", pushTTLSeconds))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrSubscriptionGone
	case resp.StatusCode >= 400:
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// vapidToken signs the ES256 claim set the push service verifies. The
// audience is the endpoint origin, not the full URL.
func (s *WebPushSender) vapidToken(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	claims := jwt.MapClaims{
		"aud": u.Scheme + "://" + u.Host,
		"exp": time.Now().Add(vapidTokenValid).Unix(),
		"sub": s.subject,
	}
	return jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(s.privateKey)
}

// decodeVAPIDPrivateKey turns the base64url raw scalar into a P-256 key.
func decodeVAPIDPrivateKey(encoded string) (*ecdsa.PrivateKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("expected 32-byte P-256 scalar, got %d bytes", len(raw))
	}
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	x, y := curve.ScalarBaseMult(raw)
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}, nil
}

var _ out.BrowserPushSender = (*WebPushSender)(nil)
