package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/cordum/ragops/core/events"
	"github.com/cordum/ragops/core/infra/logging"
	"github.com/nats-io/nats.go"
)

var (
	errNilConn      = errors.New("nats connection not initialized")
	errEmptySubject = errors.New("empty subject")
)

// conn is the subset of *nats.Conn the bridge uses.
type conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
	IsConnected() bool
}

// Hub is the local event hub the bridge mirrors.
type Hub interface {
	Publish(ev events.Event) events.Event
	Observe(fn func(events.Event))
	Origin() string
}

// Connect dials NATS with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logging.Info("bus", "nats connection closed")
		}),
	)
}

// Bridge spans a local hub across instances. Local events are published on
// the subject; events from other instances are re-published into the local
// hub, which assigns them local sequence numbers. Because the bridge observes
// under the hub lock and NATS preserves per-publisher order, per-id order
// carries across instances.
type Bridge struct {
	nc      conn
	subject string
	hub     Hub

	mu      sync.Mutex
	sub     *nats.Subscription
	started bool
	stats   BridgeStats
}

type BridgeStats struct {
	Sent      uint64 `json:"sent"`
	Received  uint64 `json:"received"`
	Failed    uint64 `json:"failed"`
	Connected bool   `json:"connected"`
}

func NewBridge(nc conn, subject string, hub Hub) (*Bridge, error) {
	if nc == nil {
		return nil, errNilConn
	}
	if subject == "" {
		return nil, errEmptySubject
	}
	return &Bridge{nc: nc, subject: subject, hub: hub}, nil
}

// Start subscribes to the subject and begins forwarding local events.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	sub, err := b.nc.Subscribe(b.subject, b.handleMsg)
	if err != nil {
		return err
	}
	b.sub = sub
	b.started = true
	b.hub.Observe(b.forward)
	logging.Info("bus", "event bridge started", "subject", b.subject, "origin", b.hub.Origin())
	return nil
}

func (b *Bridge) forward(ev events.Event) {
	if ev.Origin != b.hub.Origin() {
		return
	}
	data, err := encodeEvent(ev)
	if err == nil {
		err = b.nc.Publish(b.subject, data)
	}
	b.mu.Lock()
	if err != nil {
		b.stats.Failed++
	} else {
		b.stats.Sent++
	}
	b.mu.Unlock()
	if err != nil {
		logging.Error("bus", "forward event failed", "type", ev.Type, "error", err)
	}
}

func (b *Bridge) handleMsg(msg *nats.Msg) {
	ev, err := decodeEvent(msg.Data)
	if err != nil {
		b.mu.Lock()
		b.stats.Failed++
		b.mu.Unlock()
		logging.Error("bus", "drop undecodable event", "subject", msg.Subject, "error", err)
		return
	}
	if ev.Origin == "" || ev.Origin == b.hub.Origin() {
		return
	}
	ev.Seq = 0
	b.hub.Publish(ev)
	b.mu.Lock()
	b.stats.Received++
	b.mu.Unlock()
}

func (b *Bridge) Stats() BridgeStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.stats
	out.Connected = b.nc.IsConnected()
	return out
}

// Close drains the connection so in-flight events are flushed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	return b.nc.Drain()
}
