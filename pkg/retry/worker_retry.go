// Package retry centralizes backoff math and transient-error classification
// for send and watcher reconnect loops.
package retry

import (
	"errors"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"
)

// Backoff computes min(base*2^attempt, max) plus up to 20% jitter.
// attempt is zero-based.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}

var transientMarkers = []string{
	"etimedout",
	"econnreset",
	"econnrefused",
	"enotfound",
	"epipe",
	"eai_again",
	"temporar", // "temporary", "temporarily"
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
	"no such host",
	"network is unreachable",
	"tls handshake timeout",
}

// SMTP 4xx codes that indicate a transient condition worth retrying.
var transientSMTPCodes = []string{"421", "450", "451", "452", "454"}

var permanentMarkers = []string{
	"mailbox unavailable",
}

// IsTransient classifies transport failures that are worth retrying in place.
// Permanent SMTP 5xx rejections are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	for _, code := range transientSMTPCodes {
		if strings.HasPrefix(msg, code+" ") || strings.Contains(msg, " "+code+" ") {
			return true
		}
	}
	if strings.HasPrefix(msg, "5") && len(msg) > 3 && msg[3] == ' ' {
		return false
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var authMarkers = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized",
	"authentication failed",
	"invalid credentials",
	"535 ",
	"token has been expired or revoked",
}

// IsAuthLike reports whether the failure smells like a credential problem;
// OAuth connectors force a token refresh before the next attempt.
func IsAuthLike(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range authMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
