package retry

import (
	"errors"
	"syscall"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	for attempt := 0; attempt < 10; attempt++ {
		d := Backoff(attempt, base, max)
		floor := base
		for i := 0; i < attempt; i++ {
			floor *= 2
			if floor >= max {
				floor = max
				break
			}
		}
		if d < floor {
			t.Errorf("attempt %d: backoff %v below floor %v", attempt, d, floor)
		}
		// jitter is at most 20%
		if d > floor+floor/5+time.Millisecond {
			t.Errorf("attempt %d: backoff %v exceeds floor+jitter %v", attempt, d, floor+floor/5)
		}
	}
}

func TestBackoff_DefensiveInputs(t *testing.T) {
	if d := Backoff(-1, time.Second, 10*time.Second); d < time.Second {
		t.Errorf("negative attempt should use base, got %v", d)
	}
	if d := Backoff(3, 0, 10*time.Second); d <= 0 {
		t.Errorf("zero base should fall back to one second, got %v", d)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline exceeded" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "net timeout", err: timeoutErr{}, want: true},
		{name: "econnreset", err: syscall.ECONNRESET, want: true},
		{name: "econnrefused wrapped", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "broken pipe", err: errors.New("write: broken pipe"), want: true},
		{name: "io timeout", err: errors.New("read tcp 1.2.3.4:993: i/o timeout"), want: true},
		{name: "dns failure", err: errors.New("lookup imap.example.com: no such host"), want: true},
		{name: "smtp 421", err: errors.New("421 4.7.0 Try again later"), want: true},
		{name: "smtp 451", err: errors.New("451 4.3.0 Temporary local problem"), want: true},
		{name: "smtp 550 permanent", err: errors.New("550 5.1.1 user unknown"), want: false},
		{name: "smtp 554 permanent", err: errors.New("554 5.7.1 relay access denied"), want: false},
		{name: "mailbox unavailable", err: errors.New("450 mailbox unavailable"), want: false},
		{name: "plain failure", err: errors.New("invalid message format"), want: false},
		{name: "temporarily marker", err: errors.New("service temporarily unavailable"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsAuthLike(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "oauth invalid_grant", err: errors.New(`oauth2: "invalid_grant" token expired`), want: true},
		{name: "smtp 535", err: errors.New("535 5.7.8 Username and Password not accepted"), want: true},
		{name: "imap auth failed", err: errors.New("AUTHENTICATE failed: authentication failed"), want: true},
		{name: "revoked token", err: errors.New("token has been expired or revoked"), want: true},
		{name: "network", err: errors.New("connection reset by peer"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuthLike(tt.err); got != tt.want {
				t.Errorf("IsAuthLike(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
