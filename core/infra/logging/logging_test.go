package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	origOut := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOut)
		log.SetFlags(origFlags)
		logFormatOnce = sync.Once{}
	})
	return &buf
}

func TestInfoTextFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	t.Setenv(envLogFormat, "")
	buf := captureLog(t)

	Info("scheduler", "job queued", "job_id", "j1")
	got := strings.TrimSpace(buf.String())
	if got != "[SCHEDULER] job queued job_id=j1" {
		t.Fatalf("unexpected log output: %q", got)
	}
}

func TestErrorTextHasLevel(t *testing.T) {
	logFormatOnce = sync.Once{}
	t.Setenv(envLogFormat, "")
	buf := captureLog(t)

	Error("gateway", "write failed", "error", errors.New("broken\npipe"))
	got := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(got, "[GATEWAY] ERROR write failed") || !strings.Contains(got, "error=broken pipe") {
		t.Fatalf("unexpected log output: %q", got)
	}
}

func TestErrorJSONFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	t.Setenv(envLogFormat, "json")
	buf := captureLog(t)

	Error("gateway", "boom", "code", 500, "error", errors.New("bad"))
	line := strings.TrimSpace(buf.String())
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("expected json output, got: %s", line)
	}
	if payload["level"] != "ERROR" || payload["component"] != "gateway" || payload["msg"] != "boom" {
		t.Fatalf("unexpected json payload: %#v", payload)
	}
	if payload["code"] != float64(500) || payload["error"] != "bad" {
		t.Fatalf("unexpected json fields: %#v", payload)
	}
}

func TestJSONReservedKeysAreRenamed(t *testing.T) {
	out := formatJSON("INFO", "events", "hello", "msg", "shadow")
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["msg"] != "hello" || payload["field_msg"] != "shadow" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestDebugGatedByLevel(t *testing.T) {
	logFormatOnce = sync.Once{}
	t.Setenv(envLogFormat, "")
	t.Setenv(envLogLevel, "")
	buf := captureLog(t)

	Debug("ingest", "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be suppressed, got %q", buf.String())
	}

	logFormatOnce = sync.Once{}
	t.Setenv(envLogLevel, "debug")
	Debug("ingest", "shown")
	if !strings.Contains(buf.String(), "[INGEST] DEBUG shown") {
		t.Fatalf("expected debug line, got %q", buf.String())
	}
}

func TestFormatFields(t *testing.T) {
	out := formatFields("a", 1, "b")
	if !strings.Contains(out, "a=1") || !strings.Contains(out, "b=(missing)") {
		t.Fatalf("unexpected fields: %s", out)
	}
	if out := formatFields(); out != "" {
		t.Fatalf("expected empty output")
	}
}
