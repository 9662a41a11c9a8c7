package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"chatty", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestChildAddsField(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf).Child("bucket", "documents")
	l.Info().Msg("uploaded")

	out := buf.String()
	if !strings.Contains(out, "uploaded") || !strings.Contains(out, "bucket=") || !strings.Contains(out, "documents") {
		t.Errorf("log output = %q, want message and bucket field", out)
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	l := NewNopLogger()
	l.Info().Msg("nothing")
	l.Debugf("nothing %d", 1)
	if l.Output() == nil {
		t.Error("Output() = nil, want io.Discard")
	}
}
