package logging

import "testing"

func TestLevelString(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
		{LogLevel(42), "unknown(42)"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}

func TestSetLevel(t *testing.T) {
	orig := GetLevel()
	defer SetLevel(orig)

	SetLevel(LevelError)
	if GetLevel() != LevelError {
		t.Errorf("Expected level error after SetLevel, got %s", GetLevel())
	}

	if IsDebugEnabled() {
		t.Error("Expected debug to be disabled at error level")
	}

	SetLevel(LevelDebug)
	if !IsDebugEnabled() {
		t.Error("Expected debug to be enabled at debug level")
	}
}
