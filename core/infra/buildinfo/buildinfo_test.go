package buildinfo

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestInfoAndLog(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	t.Cleanup(func() {
		Version, Commit, Date = origVersion, origCommit, origDate
	})
	Version = "1.2.3"
	Commit = "abc123"
	Date = "2026-01-02"

	if info := Info(); info != "version=1.2.3 commit=abc123 date=2026-01-02" {
		t.Fatalf("unexpected info: %s", info)
	}
	if m := Map(); m["commit"] != "abc123" {
		t.Fatalf("unexpected map: %v", m)
	}

	var buf bytes.Buffer
	origOutput := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOutput)
		log.SetFlags(origFlags)
	})

	Log("ragops-gateway")
	out := buf.String()
	if !strings.Contains(out, "version=1.2.3") || !strings.Contains(out, "commit=abc123") {
		t.Fatalf("unexpected log output: %s", out)
	}
}
