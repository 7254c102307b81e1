package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLevelFiltering(t *testing.T) {
	var out bytes.Buffer
	l := New(WARN, "", 100)
	l.SetConsoleWriter(&out)

	l.Error("boom")
	l.Warn("careful")
	l.Info("ignored")
	l.Debug("ignored too")

	got := out.String()
	if !strings.Contains(got, "boom") || !strings.Contains(got, "careful") {
		t.Errorf("expected ERROR and WARN entries, got: %q", got)
	}
	if strings.Contains(got, "ignored") {
		t.Errorf("INFO/DEBUG should be filtered at WARN level, got: %q", got)
	}
	if len(l.GetBuffer()) != 2 {
		t.Errorf("buffer should hold 2 entries, got %d", len(l.GetBuffer()))
	}
}

func TestKeyValueContext(t *testing.T) {
	var out bytes.Buffer
	l := New(INFO, "", 10)
	l.SetConsoleWriter(&out)

	l.Info("heartbeat received", "printer_id", 42, "status", "printing")

	got := out.String()
	if !strings.Contains(got, "printer_id=42") || !strings.Contains(got, "status=printing") {
		t.Errorf("context pairs missing from output: %q", got)
	}
}

func TestBufferIsBounded(t *testing.T) {
	l := New(INFO, "", 3)
	l.SetConsoleOutput(false)

	for i := 0; i < 10; i++ {
		l.Info("entry")
	}
	if len(l.GetBuffer()) != 3 {
		t.Errorf("buffer should cap at 3 entries, got %d", len(l.GetBuffer()))
	}
}

func TestWarnRateLimited(t *testing.T) {
	var out bytes.Buffer
	l := New(INFO, "", 10)
	l.SetConsoleWriter(&out)

	l.WarnRateLimited("hb", time.Minute, "slow heartbeat")
	l.WarnRateLimited("hb", time.Minute, "slow heartbeat")

	if n := strings.Count(out.String(), "slow heartbeat"); n != 1 {
		t.Errorf("expected 1 rate-limited warning, got %d", n)
	}
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"error", ERROR},
		{"WARN", WARN},
		{"info", INFO},
		{"DEBUG", DEBUG},
		{"trace", TRACE},
		{"bogus", INFO},
	}
	for _, tt := range tests {
		if got := LevelFromString(tt.in); got != tt.want {
			t.Errorf("LevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
