/*
 * ppmprog - Logging wrapper tests.
 */

package logging_test

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/ppmprog/ppmprog/internal/logging"
)

func TestHandlerWritesOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	h := logging.NewHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false)
	logger := slog.New(h)

	logger.Info("unlock session failed", "project_id", 0x1234)

	out := buf.String()
	if !strings.Contains(out, "unlock session failed") {
		t.Errorf("output = %q, want it to contain the message", out)
	}
	if !strings.Contains(out, "project_id=4660") {
		t.Errorf("output = %q, want it to contain the attribute", out)
	}
	if strings.Count(out, "\n") != 1 {
		t.Errorf("output = %q, want exactly one line", out)
	}
}

func TestHandlerMirrorsWarningsRegardlessOfVerbose(t *testing.T) {
	var buf bytes.Buffer
	h := logging.NewHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false)
	logger := slog.New(h)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	stderr := os.Stderr
	os.Stderr = w
	logger.Info("entering ppm mode")
	logger.Warn("session ack content mismatch")
	os.Stderr = stderr
	w.Close()
	mirrored, _ := io.ReadAll(r)

	if !strings.Contains(buf.String(), "session ack content mismatch") {
		t.Errorf("sink missing warning line: %q", buf.String())
	}
	if !strings.Contains(string(mirrored), "session ack content mismatch") {
		t.Errorf("stderr missing warning line: %q", mirrored)
	}
	if strings.Contains(string(mirrored), "entering ppm mode") {
		t.Errorf("stderr carries an info line with verbose off: %q", mirrored)
	}
}

func TestWithAttrsSurfaceOnEveryRecord(t *testing.T) {
	var buf bytes.Buffer
	h := logging.NewHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false)
	logger := slog.New(h).With("chip", "amalthea")

	logger.Info("entered ppm mode")

	if !strings.Contains(buf.String(), "chip=amalthea") {
		t.Errorf("output = %q, want it to carry the bound attribute from With()", buf.String())
	}
}

func TestSessionLoggerTagsAttributes(t *testing.T) {
	var buf bytes.Buffer
	h := logging.NewHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false)
	base := slog.New(h)

	sessionLog := logging.SessionLogger(base, 0x44, "unlock")
	sessionLog.Error("no session ack received")

	out := buf.String()
	if !strings.Contains(out, "session_id=68") {
		t.Errorf("output = %q, want session_id=68 (0x44)", out)
	}
	if !strings.Contains(out, "session=unlock") {
		t.Errorf("output = %q, want session=unlock", out)
	}
}

func TestSessionLoggerDefaultsWhenBaseIsNil(t *testing.T) {
	// SessionLogger must not panic when handed a nil base logger; it
	// falls back to slog.Default() the way Engine.logger() does.
	sessionLog := logging.SessionLogger(nil, 0x03, "prog_keys")
	if sessionLog == nil {
		t.Fatal("SessionLogger(nil, ...) returned nil")
	}
}
