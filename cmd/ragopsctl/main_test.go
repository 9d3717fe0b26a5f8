package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnvOr(t *testing.T) {
	t.Setenv("TEST_ENV", "")
	if got := envOr("TEST_ENV", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback value")
	}
	t.Setenv("TEST_ENV", " value ")
	if got := envOr("TEST_ENV", "fallback"); got != "value" {
		t.Fatalf("expected trimmed env value")
	}
}

func TestNewFlagSetDefaults(t *testing.T) {
	t.Setenv("RAGOPS_GATEWAY", "http://example.com")
	t.Setenv("RAGOPS_API_KEY", "token")
	fs := newFlagSet("test")
	if *fs.gateway != "http://example.com" {
		t.Fatalf("expected gateway from env, got %s", *fs.gateway)
	}
	if *fs.apiKey != "token" {
		t.Fatalf("expected api key from env, got %s", *fs.apiKey)
	}
}

func TestNewClientTrimsGateway(t *testing.T) {
	c := newClient("http://localhost:8081/", "key")
	if c.BaseURL != "http://localhost:8081" {
		t.Fatalf("expected trimmed base url, got %s", c.BaseURL)
	}
	if c.APIKey != "key" {
		t.Fatalf("expected api key on client")
	}
}

func TestBuildRequestMergesFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "req.json")
	if err := os.WriteFile(path, []byte(`{"tenant":"from-file","inputs":[{"type":"text","content":"a"}]}`), 0o600); err != nil {
		t.Fatalf("write temp json: %v", err)
	}
	req := buildRequest(path, "t2", "inline", "https://example.com/a, https://example.com/doc")
	if req.Tenant != "t2" {
		t.Fatalf("flag tenant should win, got %s", req.Tenant)
	}
	if len(req.Inputs) != 4 {
		t.Fatalf("expected 4 inputs, got %+v", req.Inputs)
	}
	if req.Inputs[3].Ref != "https://example.com/doc" || req.Inputs[1].Content != "inline" {
		t.Fatalf("unexpected inputs %+v", req.Inputs)
	}
}

func TestPrintJSON(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	old := os.Stdout
	os.Stdout = w
	printJSON(map[string]string{"k": "v"})
	_ = w.Close()
	os.Stdout = old

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(data), "\"k\"") {
		t.Fatalf("expected json output, got %s", string(data))
	}
}
