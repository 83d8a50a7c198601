package config

import (
	"testing"
	"time"
)

func TestClampConcurrency(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{-3, 1},
		{0, 1},
		{1, 1},
		{8, 8},
		{32, 32},
		{100, 32},
	}
	for _, tt := range tests {
		if got := clampConcurrency(tt.in); got != tt.want {
			t.Errorf("clampConcurrency(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestHeartbeatInterval(t *testing.T) {
	tests := []struct {
		name  string
		stale time.Duration
		want  time.Duration
	}{
		{"default 45s stale", 45 * time.Second, 15 * time.Second},
		{"short stale clamps up", 6 * time.Second, 5 * time.Second},
		{"long stale clamps down", 5 * time.Minute, 15 * time.Second},
		{"mid range uses a third", 30 * time.Second, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{HeartbeatStale: tt.stale}
			if got := c.HeartbeatInterval(); got != tt.want {
				t.Errorf("HeartbeatInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("MW_TEST_STR", "hello")
	t.Setenv("MW_TEST_INT", "42")
	t.Setenv("MW_TEST_INT_BAD", "abc")
	t.Setenv("MW_TEST_BOOL", "true")
	t.Setenv("MW_TEST_DUR", "90")
	t.Setenv("MW_TEST_DUR_ZERO", "0")
	t.Setenv("MW_TEST_SLICE", "a,b,c")

	if got := getEnv("MW_TEST_STR", "x"); got != "hello" {
		t.Errorf("getEnv set = %q", got)
	}
	if got := getEnv("MW_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("getEnv missing = %q", got)
	}
	if got := getEnvInt("MW_TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt = %d", got)
	}
	if got := getEnvInt("MW_TEST_INT_BAD", 7); got != 7 {
		t.Errorf("getEnvInt unparsable = %d, want default", got)
	}
	if got := getEnvBool("MW_TEST_BOOL", false); !got {
		t.Error("getEnvBool = false, want true")
	}
	if got := getEnvDuration("MW_TEST_DUR", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration = %v", got)
	}
	if got := getEnvDuration("MW_TEST_DUR_ZERO", 30*time.Second); got != 30*time.Second {
		t.Errorf("getEnvDuration zero = %v, want default", got)
	}
	got := getEnvSlice("MW_TEST_SLICE", nil)
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("getEnvSlice = %v", got)
	}
}
