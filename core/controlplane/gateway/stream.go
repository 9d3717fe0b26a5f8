package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordum/ragops/core/events"
	"github.com/cordum/ragops/core/infra/apierr"
	"github.com/cordum/ragops/core/infra/logging"
)

const (
	sseRetryMillis = 3000
	wsWriteWait    = 10 * time.Second
)

// streamRequest reads the filter and resume point shared by SSE and websocket streams.
func streamRequest(r *http.Request) (events.SubscribeOptions, error) {
	q := r.URL.Query()
	opts := events.SubscribeOptions{
		Filter: events.Filter{
			JobID:       strings.TrimSpace(q.Get("jobId")),
			IngestionID: strings.TrimSpace(q.Get("ingestionId")),
		},
	}
	for _, raw := range q["type"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				opts.Filter.Types = append(opts.Filter.Types, events.Type(t))
			}
		}
	}
	resume := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if resume == "" {
		resume = strings.TrimSpace(q.Get("lastEventId"))
	}
	if resume != "" {
		seq, err := strconv.ParseUint(resume, 10, 64)
		if err != nil {
			return opts, apierr.Validation("last event id must be a sequence number", map[string]any{"lastEventId": resume})
		}
		opts.Replay = true
		opts.AfterSeq = seq
	}
	return opts, nil
}

func (s *Server) heartbeatEvery() time.Duration {
	if d := s.cfg.Events.Heartbeat(); d > 0 {
		return d
	}
	return 15 * time.Second
}

// handleEventStream serves lifecycle events as server-sent events. Each frame
// carries the hub sequence as its id so clients resume with Last-Event-ID.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) error {
	opts, err := streamRequest(r)
	if err != nil {
		return err
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return apierr.Internal(fmt.Errorf("response writer cannot stream"))
	}
	sub := s.events.Subscribe(opts)
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetryMillis); err != nil {
		return nil
	}
	flusher.Flush()

	logging.Info("gateway", "event stream opened",
		"correlation_id", correlationID(r), "ingestion_id", opts.Filter.IngestionID, "job_id", opts.Filter.JobID, "after_seq", opts.AfterSeq)
	defer logging.Info("gateway", "event stream closed", "correlation_id", correlationID(r))

	ticker := time.NewTicker(s.heartbeatEvery())
	defer ticker.Stop()
	for {
		for {
			ev, ok := sub.TryNext()
			if !ok {
				break
			}
			if err := writeSSE(w, ev); err != nil {
				return nil
			}
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return nil
		case <-sub.Done():
			return nil
		case <-sub.Ready():
		case now := <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat %s\n\n", now.UTC().Format(time.RFC3339)); err != nil {
				return nil
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Error("gateway", "encode event failed", "event_type", ev.Type, "error", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		Subprotocols:    []string{wsAPIKeyProtocol},
		CheckOrigin:     s.origins.allows,
	}
}

// handleEventSocket serves the same stream over a websocket. Heartbeats are
// sent as stream.heartbeat messages so browser clients can see them.
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) error {
	opts, err := streamRequest(r)
	if err != nil {
		return err
	}
	up := s.upgrader()
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("gateway", "ws upgrade failed", "correlation_id", correlationID(r), "error", err)
		return nil
	}
	defer ws.Close()

	sub := s.events.Subscribe(opts)
	defer sub.Close()
	logging.Info("gateway", "ws connected", "remote", r.RemoteAddr, "correlation_id", correlationID(r))

	// The reader only notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev events.Event) error {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return ws.WriteJSON(ev)
	}

	ticker := time.NewTicker(s.heartbeatEvery())
	defer ticker.Stop()
	for {
		for {
			ev, ok := sub.TryNext()
			if !ok {
				break
			}
			if err := send(ev); err != nil {
				return nil
			}
		}
		select {
		case <-gone:
			return nil
		case <-r.Context().Done():
			return nil
		case <-sub.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(wsWriteWait))
			return nil
		case <-sub.Ready():
		case now := <-ticker.C:
			if err := send(events.Event{Type: events.TypeHeartbeat, Time: now.UTC()}); err != nil {
				return nil
			}
		}
	}
}
