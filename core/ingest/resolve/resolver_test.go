package resolve

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cordum/ragops/core/infra/apierr"
	"github.com/cordum/ragops/core/ingest"
)

func newIPv4Server(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: unable to listen on ipv4 loopback (%v)", err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener = ln
	srv.Start()
	return srv
}

func TestResolveInlineText(t *testing.T) {
	r := New(Options{})
	src, err := r.Resolve(context.Background(), ingest.Input{Type: "text", Content: "Hello", Metadata: map[string]string{"lang": "en"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if src.Content != "Hello" || src.Ref != "inline:text" || src.ContentType != "text/plain" {
		t.Fatalf("unexpected source %+v", src)
	}
	if src.Metadata["lang"] != "en" {
		t.Fatalf("metadata not carried: %+v", src.Metadata)
	}
}

func TestResolveInlineRequiresContent(t *testing.T) {
	_, err := New(Options{}).Resolve(context.Background(), ingest.Input{Type: "markdown", Ref: "doc.md"})
	if !apierr.IsKind(err, apierr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResolveUnknownType(t *testing.T) {
	_, err := New(Options{}).Resolve(context.Background(), ingest.Input{Type: "s3", Ref: "s3://bucket/key"})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected unsupported type, got %v", err)
	}
}

func TestResolveFetchesURL(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "ragops-resolver" {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<p>remote body</p>"))
	}))
	defer srv.Close()

	src, err := New(Options{}).Resolve(context.Background(), ingest.Input{Type: "url", Ref: srv.URL + "/doc"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if src.Content != "<p>remote body</p>" || src.ContentType != "text/html" {
		t.Fatalf("unexpected source %+v", src)
	}
	if src.Ref != srv.URL+"/doc" || src.Metadata["url"] != srv.URL+"/doc" {
		t.Fatalf("unexpected ref/metadata %+v", src)
	}
}

func TestResolveFetchErrors(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/big":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		case "/binary":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte{0x89, 0x50})
		}
	}))
	defer srv.Close()
	r := New(Options{MaxBytes: 32})
	ctx := context.Background()

	if _, err := r.Resolve(ctx, ingest.Input{Type: "url", Ref: srv.URL + "/missing"}); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status error, got %v", err)
	}
	if _, err := r.Resolve(ctx, ingest.Input{Type: "url", Ref: srv.URL + "/big"}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected too large, got %v", err)
	}
	if _, err := r.Resolve(ctx, ingest.Input{Type: "url", Ref: srv.URL + "/binary"}); !apierr.IsKind(err, apierr.KindValidation) {
		t.Fatalf("expected content type rejection, got %v", err)
	}
}

func TestResolveRejectsBadRefs(t *testing.T) {
	r := New(Options{})
	for _, ref := range []string{"not a url", "/relative/path", "file:///etc/passwd"} {
		if _, err := r.Resolve(context.Background(), ingest.Input{Type: "url", Ref: ref}); !apierr.IsKind(err, apierr.KindValidation) {
			t.Fatalf("%q: expected validation error, got %v", ref, err)
		}
	}
}
