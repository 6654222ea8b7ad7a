package util

import (
	"bytes"
	"regexp"
	"strings"
	"testing"
)

// emitAll writes one message per level and returns the prefixes seen.
func emitAll(verbosity int) []string {
	var buf bytes.Buffer
	l := NewLogger(verbosity)
	l.SetOutput(&buf)
	l.SetTimestamps(false)

	l.Error("e")
	l.Warn("w")
	l.Info("i")
	l.Verbose("v")
	l.Debug("d")

	var seen []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line != "" {
			seen = append(seen, line[:5])
		}
	}
	return seen
}

func TestLogger_Verbosity(t *testing.T) {
	tests := []struct {
		verbosity int
		want      string
	}{
		{0, "[ERR]"},
		{1, "[ERR] [WRN] [INF]"},
		{2, "[ERR] [WRN] [INF] [VRB]"},
		{3, "[ERR] [WRN] [INF] [VRB] [DBG]"},
	}
	for _, tt := range tests {
		if got := strings.Join(emitAll(tt.verbosity), " "); got != tt.want {
			t.Errorf("verbosity %d: levels %q, want %q", tt.verbosity, got, tt.want)
		}
	}
}

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1)
	l.SetOutput(&buf)

	l.SetTimestamps(false)
	l.Info("relaying %s -> %s", ":19132", "10.0.0.5:19133")
	if got := buf.String(); got != "[INF] relaying :19132 -> 10.0.0.5:19133\n" {
		t.Errorf("plain line = %q", got)
	}

	buf.Reset()
	l.SetTimestamps(true)
	l.Warn("breaker open")
	stamped := regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3} \[WRN\] breaker open\n$`)
	if !stamped.MatchString(buf.String()) {
		t.Errorf("timestamped line = %q", buf.String())
	}
}

func TestNewLogger_DebugTimestamps(t *testing.T) {
	if l := NewLogger(3); !l.timestamps {
		t.Error("debug verbosity should enable timestamps")
	}
	if l := NewLogger(2); l.Level() != LogVerbose {
		t.Errorf("Level() = %d, want %d", l.Level(), LogVerbose)
	}
}

func TestBufPool(t *testing.T) {
	buf := GetBuf()
	if buf == nil || len(*buf) != DefaultBufSize {
		t.Fatalf("GetBuf = %v", buf)
	}
	PutBuf(buf)
	PutBuf(nil)
}
