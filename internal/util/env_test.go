package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("SOSPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("SOSPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseFloatEnv(t *testing.T) {
	t.Setenv("SOSPIPE_TEST_FLOAT", "3.5")
	if got := ParseFloatEnv("SOSPIPE_TEST_FLOAT", 10); got != 3.5 {
		t.Errorf("expected 3.5, got %v", got)
	}
	t.Setenv("SOSPIPE_TEST_FLOAT", "ten")
	if got := ParseFloatEnv("SOSPIPE_TEST_FLOAT", 10); got != 10 {
		t.Errorf("expected default on invalid input, got %v", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("SOSPIPE_TEST_DURATION", "15s")
	if got := ParseDurationEnv("SOSPIPE_TEST_DURATION", time.Second); got != 15*time.Second {
		t.Errorf("expected 15s, got %v", got)
	}
	t.Setenv("SOSPIPE_TEST_DURATION", "-1s")
	if got := ParseDurationEnv("SOSPIPE_TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("expected default for negative duration, got %v", got)
	}
	t.Setenv("SOSPIPE_TEST_DURATION", "")
	if got := ParseDurationEnv("SOSPIPE_TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("expected default for empty value, got %v", got)
	}
}
