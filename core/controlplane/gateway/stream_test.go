package gateway

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordum/ragops/core/events"
	"github.com/cordum/ragops/core/ingest"
)

type sseFrame struct {
	id    string
	event string
	data  string
}

// openSSE starts a stream and returns a channel of parsed frames.
func openSSE(t *testing.T, env *testEnv, path string, headers map[string]string) <-chan sseFrame {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := env.http.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("stream: expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		t.Fatalf("unexpected content type %q", ct)
	}
	frames := make(chan sseFrame, 64)
	go func() {
		defer resp.Body.Close()
		defer close(frames)
		sc := bufio.NewScanner(resp.Body)
		var cur sseFrame
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if cur.event != "" {
					frames <- cur
				}
				cur = sseFrame{}
			case strings.HasPrefix(line, "id: "):
				cur.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return frames
}

func awaitFrame(t *testing.T, frames <-chan sseFrame, match func(sseFrame) bool) sseFrame {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("stream closed before matching frame")
			}
			if match(f) {
				return f
			}
		case <-timeout:
			t.Fatalf("no matching frame")
		}
	}
}

func TestEventStreamDeliversStageCompleted(t *testing.T) {
	env := newEnv(t, envOptions{})
	frames := openSSE(t, env, "/rag/events?type=stage.completed", nil)

	id, _ := env.ingest(t, nil)
	f := awaitFrame(t, frames, func(f sseFrame) bool { return f.event == string(events.TypeStageCompleted) })

	var ev events.Event
	if err := json.Unmarshal([]byte(f.data), &ev); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if ev.IngestionID != id {
		t.Fatalf("expected ingestion %s, got %s", id, ev.IngestionID)
	}
	if ev.Payload["stage"] != string(ingest.PhaseResolve) {
		t.Fatalf("first completed stage should be resolve, got %v", ev.Payload)
	}
	if f.id == "" || f.id == "0" {
		t.Fatalf("frame id must carry the sequence, got %q", f.id)
	}
}

func TestEventStreamReplaysFromLastEventID(t *testing.T) {
	env := newEnv(t, envOptions{})
	id, _ := env.ingest(t, nil)
	env.waitState(t, id, ingest.StateCompleted)

	frames := openSSE(t, env, "/rag/events?ingestionId="+id, map[string]string{"Last-Event-ID": "0"})
	f := awaitFrame(t, frames, func(f sseFrame) bool {
		return f.event == string(events.TypeIngestionStateChanged) && strings.Contains(f.data, string(ingest.StateCompleted))
	})
	var ev events.Event
	if err := json.Unmarshal([]byte(f.data), &ev); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if ev.IngestionID != id {
		t.Fatalf("filter leaked event for %s", ev.IngestionID)
	}
}

func TestEventStreamRejectsBadResumePoint(t *testing.T) {
	env := newEnv(t, envOptions{})
	resp := env.do(t, http.MethodGet, "/rag/events", "", map[string]string{"Last-Event-ID": "abc"})
	if resp.status != http.StatusBadRequest || resp.errorCode(t) != "VALIDATION_FAILED" {
		t.Fatalf("expected 400, got %d %s", resp.status, resp.body)
	}
}

func TestEventSocketAuthenticatesWithSubprotocol(t *testing.T) {
	env := newEnv(t, envOptions{apiKeys: "viewer:view-key,operator:op-key"})
	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/rag/events/ws?type=ingestion.state_changed"

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatalf("expected dial without key to fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
		Subprotocols:     []string{wsAPIKeyProtocol, base64.RawURLEncoding.EncodeToString([]byte("view-key"))},
	}
	conn, resp, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v (%v)", err, resp)
	}
	defer conn.Close()
	if conn.Subprotocol() != wsAPIKeyProtocol {
		t.Fatalf("expected negotiated subprotocol, got %q", conn.Subprotocol())
	}

	id, _ := env.ingest(t, map[string]string{"X-API-Key": "op-key"})
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.Type == events.TypeIngestionStateChanged && ev.IngestionID == id {
			return
		}
	}
}

func TestEventSocketRejectsForeignOrigin(t *testing.T) {
	env := newEnv(t, envOptions{})
	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/rag/events/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatalf("expected dial from foreign origin to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
}

func TestEventStreamReportsGapWhenResumePointWasEvicted(t *testing.T) {
	env := newEnv(t, envOptions{ringSize: 4})
	for i := 0; i < 10; i++ {
		env.hub.Publish(events.Event{Type: events.TypeStageCompleted, IngestionID: "ing-1"})
	}

	frames := openSSE(t, env, "/rag/events", map[string]string{"Last-Event-ID": "2"})
	gap := awaitFrame(t, frames, func(f sseFrame) bool { return true })
	if gap.event != string(events.TypeGap) || gap.id != "6" {
		t.Fatalf("expected gap frame before the replay, got %+v", gap)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(gap.data), &ev); err != nil {
		t.Fatalf("decode gap: %v", err)
	}
	if missed, _ := ev.Payload["missed"].(float64); missed != 4 {
		t.Fatalf("expected 4 missed events, got %v", ev.Payload)
	}
	if f := awaitFrame(t, frames, func(sseFrame) bool { return true }); f.id != "7" {
		t.Fatalf("expected replay to continue at 7, got %+v", f)
	}
}
