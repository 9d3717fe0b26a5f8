package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/ragops/core/infra/apierr"
	"github.com/cordum/ragops/core/infra/logging"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerRequestID     = "X-Request-Id"
	headerAPIVersion    = "X-Api-Version"
	headerProcessTime   = "X-Process-Time"
	maxCorrelationIDLen = 128
)

type (
	correlationKey struct{}
	bodyKey        struct{}
)

// requestBody is the parsed JSON object of a mutating request.
type requestBody struct {
	raw   []byte
	value map[string]any
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error         errorBody `json:"error"`
	CorrelationID string    `json:"correlationId"`
}

// statusRecorder captures the response status and stamps the processing
// time header just before the first byte goes out.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	start       time.Time
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.Header().Set(headerProcessTime, strconv.FormatFloat(time.Since(r.start).Seconds(), 'f', 4, 64))
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(p)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	r.wroteHeader = true
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented records request metrics for every outcome, panics included.
func (s *Server) instrumented(rt route, next http.Handler) http.Handler {
	label := routeLabel(rt)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK, start: time.Now()}
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logging.Error("gateway", "handler panic", "route", label, "panic", p)
				rec.status = http.StatusInternalServerError
				if !rec.wroteHeader {
					s.writeError(rec, r, apierr.Internal(fmt.Errorf("panic: %v", p)))
				}
			}
			s.metrics.ObserveRequest(r.Method, label, strconv.Itoa(rec.status), time.Since(rec.start).Seconds())
		}()
		next.ServeHTTP(rec, r)
	})
}

// correlate echoes a usable caller correlation id or mints one.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerCorrelationID))
		if !validCorrelationID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(headerCorrelationID, id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

func correlationID(r *http.Request) string {
	if id, ok := r.Context().Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// deadline bounds the handler. On expiry the caller gets a 504 and the
// request context is cancelled; anything the handler writes later is dropped.
func (s *Server) deadline(next http.Handler) http.Handler {
	d := s.cfg.RequestTimeout()
	if d <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		r = r.WithContext(ctx)

		tw := &timeoutWriter{header: make(http.Header)}
		done := make(chan struct{})
		panicked := make(chan any, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
				}
			}()
			next.ServeHTTP(tw, r)
			close(done)
		}()

		select {
		case p := <-panicked:
			panic(p)
		case <-done:
			tw.mu.Lock()
			defer tw.mu.Unlock()
			dst := w.Header()
			for k, vv := range tw.header {
				dst[k] = vv
			}
			if tw.code == 0 {
				tw.code = http.StatusOK
			}
			w.WriteHeader(tw.code)
			_, _ = w.Write(tw.buf.Bytes())
		case <-ctx.Done():
			tw.mu.Lock()
			tw.timedOut = true
			dst := w.Header()
			for k, vv := range tw.header {
				dst[k] = slices.Clone(vv)
			}
			tw.mu.Unlock()
			// The error envelope replaces whatever body the handler had started.
			dst.Del("Content-Length")
			logging.Warn("gateway", "request deadline exceeded",
				"correlation_id", correlationID(r), "method", r.Method, "path", r.URL.Path, "timeout", d.String())
			s.writeError(w, r, apierr.Timeout("request exceeded "+d.String()).WithDetails(map[string]any{
				"timeoutMs": d.Milliseconds(),
			}))
		}
	})
}

type timeoutWriter struct {
	mu       sync.Mutex
	header   http.Header
	buf      bytes.Buffer
	code     int
	timedOut bool
}

// Header hands out a detached map once the deadline fired, so a late handler
// cannot touch headers that were already sent.
func (tw *timeoutWriter) Header() http.Header {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return make(http.Header)
	}
	return tw.header
}

func (tw *timeoutWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if tw.code == 0 {
		tw.code = http.StatusOK
	}
	return tw.buf.Write(p)
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.code != 0 {
		return
	}
	tw.code = code
}

type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]struct{})}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			p.allowAll = true
		default:
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

// allows treats a missing Origin as a non-browser client. With no list
// configured only loopback and same-host origins pass.
func (p originPolicy) allows(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || p.allowAll {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[strings.TrimRight(origin, "/")]
		return ok
	}
	host := strings.ToLower(u.Hostname())
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	reqHost := strings.ToLower(requestHostname(r.Host))
	return reqHost != "" && host == reqHost
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !s.origins.allows(r) {
				s.writeError(w, r, apierr.New(apierr.KindForbidden, "ORIGIN_NOT_ALLOWED", "origin not allowed").WithDetails(map[string]any{
					"origin": origin,
				}))
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Expose-Headers",
				"X-Correlation-Id, X-Request-Id, X-Api-Version, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization, X-Api-Version, X-Correlation-Id, Last-Event-ID")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseBody enforces the size limit and requires a JSON object on mutating
// requests. An empty body reads as {}.
func (s *Server) parseBody(next http.Handler) http.Handler {
	limit := s.cfg.MaxBodyBytes
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
			next.ServeHTTP(w, r)
			return
		}
		var raw []byte
		if r.Body != nil {
			var err error
			raw, err = io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					s.writeError(w, r, invalidBody(fmt.Sprintf("body exceeds %d bytes", limit), map[string]any{"limit": limit}))
					return
				}
				s.writeError(w, r, invalidBody("body could not be read", nil))
				return
			}
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			raw = []byte("{}")
		}
		var value any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&value); err != nil {
			s.writeError(w, r, invalidBody("body is not valid JSON", map[string]any{"reason": err.Error()}))
			return
		}
		if dec.More() {
			s.writeError(w, r, invalidBody("body must hold a single JSON value", nil))
			return
		}
		obj, ok := value.(map[string]any)
		if !ok {
			s.writeError(w, r, invalidBody("body must be a JSON object", nil))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))
		ctx := context.WithValue(r.Context(), bodyKey{}, &requestBody{raw: raw, value: obj})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func invalidBody(msg string, details map[string]any) error {
	return apierr.New(apierr.KindValidation, "INVALID_BODY", msg).WithDetails(details)
}

func bodyFrom(r *http.Request) *requestBody {
	b, _ := r.Context().Value(bodyKey{}).(*requestBody)
	return b
}

// negotiateVersion resolves the API version from the path and an optional
// header. Both present must agree.
func (s *Server) negotiateVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pathVersion := strings.ToLower(strings.TrimSpace(r.PathValue("version")))
		headerVersion := strings.ToLower(strings.TrimSpace(r.Header.Get(headerAPIVersion)))
		version := s.cfg.DefaultVersion
		switch {
		case pathVersion != "" && headerVersion != "" && pathVersion != headerVersion:
			s.writeError(w, r, apierr.New(apierr.KindValidation, "UNSUPPORTED_VERSION", "path and header versions differ").WithDetails(map[string]any{
				"path":   pathVersion,
				"header": headerVersion,
			}))
			return
		case pathVersion != "":
			version = pathVersion
		case headerVersion != "":
			version = headerVersion
		}
		if !slices.Contains(s.cfg.Versions, version) {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "UNSUPPORTED_VERSION", "unsupported api version "+version).WithDetails(map[string]any{
				"version":   version,
				"supported": s.cfg.Versions,
			}))
			return
		}
		w.Header().Set(headerAPIVersion, version)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(rt route, next http.Handler) http.Handler {
	if rt.role == RolePublic {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, err := s.auth.AuthenticateHTTP(r)
		if err != nil {
			s.writeError(w, r, apierr.Unauthorized(err.Error()))
			return
		}
		if err := requireRole(auth, rt.role); err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authContextKey{}, auth)))
	})
}

func (s *Server) rateLimit(rt route, next http.Handler) http.Handler {
	if rt.role == RolePublic || s.limiter == nil {
		return next
	}
	label := routeLabel(rt)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := s.limiter.take(rateKey(r))
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(q.limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(q.remaining))
		h.Set("X-RateLimit-Reset", strconv.Itoa(q.resetSeconds))
		if !q.allowed {
			s.metrics.IncRateLimited(label)
			s.writeError(w, r, apierr.RateLimited(q.retryAfterSeconds))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateKey buckets authenticated callers by principal and anonymous ones by address.
func rateKey(r *http.Request) string {
	if auth := authFromRequest(r); auth != nil && !auth.Anonymous && auth.PrincipalID != "" {
		return "principal:" + auth.PrincipalID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// validateBody reports every schema violation at once.
func (s *Server) validateBody(rt route, next http.Handler) http.Handler {
	if rt.schema == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := bodyFrom(r)
		var value any = map[string]any{}
		if body != nil {
			value = body.value
		}
		violations, err := s.schemas.Violations(rt.schema, value)
		if err != nil {
			s.writeError(w, r, apierr.Internal(err))
			return
		}
		if len(violations) > 0 {
			s.writeError(w, r, apierr.Validation("request body failed validation", map[string]any{
				"violations": violations,
			}))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeError renders err as the error envelope. Internal causes are logged
// with the correlation id and never sent to the caller.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apierr.From(err)
	cid := correlationID(r)
	status := apierr.HTTPStatus(e.Kind)
	body := errorBody{Code: e.Code, Message: e.Message, Details: e.Details}
	if e.Kind == apierr.KindInternal {
		logging.Error("gateway", "request failed",
			"correlation_id", cid, "method", r.Method, "path", r.URL.Path, "error", err)
		body = errorBody{Code: e.Code, Message: "internal error"}
	} else {
		logging.Debug("gateway", "request rejected",
			"correlation_id", cid, "method", r.Method, "path", r.URL.Path, "status", status, "code", e.Code)
	}
	if e.Kind == apierr.KindRateLimited {
		if secs, ok := e.Details["retryAfter"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	writeJSON(w, status, errorEnvelope{Error: body, CorrelationID: cid})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		logging.Debug("gateway", "write response failed", "error", err)
	}
}
