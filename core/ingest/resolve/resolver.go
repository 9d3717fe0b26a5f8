// Package resolve turns ingest inputs into content: inline text is used as
// is and url inputs are fetched over HTTP.
package resolve

import (
	"context"
	"fmt"
	"io"
	"maps"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cordum/ragops/core/infra/apierr"
	"github.com/cordum/ragops/core/infra/logging"
	"github.com/cordum/ragops/core/ingest"
)

const (
	TypeText     = "text"
	TypeMarkdown = "markdown"
	TypeURL      = "url"

	defaultMaxBytes = 10 << 20
	defaultTimeout  = 30 * time.Second
)

var (
	ErrUnsupportedType = apierr.New(apierr.KindValidation, "UNSUPPORTED_INPUT_TYPE", "unsupported input type")
	ErrTooLarge        = apierr.New(apierr.KindValidation, "SOURCE_TOO_LARGE", "source exceeds size limit")
)

// Options tunes the HTTP fetcher.
type Options struct {
	Client   *http.Client
	MaxBytes int64
	// AllowedSchemes defaults to http and https.
	AllowedSchemes []string
	UserAgent      string
}

type Resolver struct {
	client    *http.Client
	maxBytes  int64
	schemes   map[string]bool
	userAgent string
}

func New(opts Options) *Resolver {
	r := &Resolver{
		client:    opts.Client,
		maxBytes:  opts.MaxBytes,
		schemes:   map[string]bool{},
		userAgent: opts.UserAgent,
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: defaultTimeout}
	}
	if r.maxBytes <= 0 {
		r.maxBytes = defaultMaxBytes
	}
	schemes := opts.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	for _, s := range schemes {
		r.schemes[strings.ToLower(s)] = true
	}
	if r.userAgent == "" {
		r.userAgent = "ragops-resolver"
	}
	return r
}

// Resolve implements ingest.SourceResolver.
func (r *Resolver) Resolve(ctx context.Context, in ingest.Input) (ingest.ResolvedSource, error) {
	switch strings.ToLower(strings.TrimSpace(in.Type)) {
	case TypeText, TypeMarkdown:
		return r.inline(in)
	case TypeURL:
		return r.fetch(ctx, in)
	default:
		return ingest.ResolvedSource{}, ErrUnsupportedType.WithDetails(map[string]any{"type": in.Type})
	}
}

func (r *Resolver) inline(in ingest.Input) (ingest.ResolvedSource, error) {
	if in.Content == "" {
		return ingest.ResolvedSource{}, apierr.Validation("inline input requires content", map[string]any{"type": in.Type})
	}
	if int64(len(in.Content)) > r.maxBytes {
		return ingest.ResolvedSource{}, ErrTooLarge.WithDetails(map[string]any{"limit": r.maxBytes})
	}
	ref := strings.TrimSpace(in.Ref)
	if ref == "" {
		ref = "inline:" + strings.ToLower(in.Type)
	}
	contentType := "text/plain"
	if strings.EqualFold(in.Type, TypeMarkdown) {
		contentType = "text/markdown"
	}
	return ingest.ResolvedSource{
		Ref:         ref,
		ContentType: contentType,
		Content:     in.Content,
		Metadata:    maps.Clone(in.Metadata),
	}, nil
}

func (r *Resolver) fetch(ctx context.Context, in ingest.Input) (ingest.ResolvedSource, error) {
	raw := strings.TrimSpace(in.Ref)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ingest.ResolvedSource{}, apierr.Validation("url input requires an absolute ref", map[string]any{"ref": raw})
	}
	if !r.schemes[strings.ToLower(u.Scheme)] {
		return ingest.ResolvedSource{}, apierr.Validation("url scheme not allowed", map[string]any{"ref": raw, "scheme": u.Scheme})
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ingest.ResolvedSource{}, err
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "text/*, application/json;q=0.9, */*;q=0.5")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return ingest.ResolvedSource{}, fmt.Errorf("fetch %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return ingest.ResolvedSource{}, fmt.Errorf("fetch %s: status %d", u.Redacted(), resp.StatusCode)
	}
	if resp.ContentLength > r.maxBytes {
		return ingest.ResolvedSource{}, ErrTooLarge.WithDetails(map[string]any{"ref": raw, "limit": r.maxBytes})
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return ingest.ResolvedSource{}, fmt.Errorf("read %s: %w", u.Redacted(), err)
	}
	if int64(len(body)) > r.maxBytes {
		return ingest.ResolvedSource{}, ErrTooLarge.WithDetails(map[string]any{"ref": raw, "limit": r.maxBytes})
	}
	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
		if !textual(mt) {
			return ingest.ResolvedSource{}, apierr.Validation("unsupported content type", map[string]any{"ref": raw, "contentType": mt})
		}
	}
	meta := maps.Clone(in.Metadata)
	if meta == nil {
		meta = map[string]string{}
	}
	meta["url"] = u.Redacted()
	logging.Debug("resolver", "fetched source", "url", u.Redacted(), "bytes", len(body), "duration_ms", time.Since(start).Milliseconds())
	return ingest.ResolvedSource{
		Ref:         u.String(),
		ContentType: contentType,
		Content:     string(body),
		Metadata:    meta,
	}, nil
}

func textual(mediaType string) bool {
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/json", "application/xml", "application/x-yaml", "application/yaml":
		return true
	}
	return false
}
