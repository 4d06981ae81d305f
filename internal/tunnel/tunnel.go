// Package tunnel maintains the outbound WebSocket to a remote relay so
// dashboards outside the local network can watch and steer the runtime.
package tunnel

import (
	"context"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenlabs/warden/internal/backoff"
	"github.com/wardenlabs/warden/internal/bus"
	"github.com/wardenlabs/warden/internal/killswitch"
	"github.com/wardenlabs/warden/internal/observability"
	"github.com/wardenlabs/warden/pkg/models"
)

const (
	writeWait = 10 * time.Second

	// pingInterval paces heartbeats; the relay answers with pongs.
	pingInterval = 15 * time.Second
	pongWait     = 2*pingInterval + 5*time.Second

	defaultQueueSize = 256
)

// TaskSubmitter accepts a task frame received from the relay.
type TaskSubmitter interface {
	SubmitTask(task string)
}

// Options configures the tunnel client.
type Options struct {
	// URL is the relay's /tunnel endpoint; Token authenticates it.
	URL   string
	Token string

	// QueueSize bounds the outbound event queue. When the relay link is
	// slow or down the queue fills and further events drop silently.
	QueueSize int
}

// Tunnel forwards bus events to the relay and dispatches relay frames back
// into the runtime.
type Tunnel struct {
	opts    Options
	events  *bus.Bus
	tasks   TaskSubmitter
	kill    *killswitch.Switch
	metrics *observability.Metrics
	log     *slog.Logger

	queue     chan []byte
	connected atomic.Bool
}

// New builds the tunnel client; call Run to connect.
func New(opts Options, events *bus.Bus, tasks TaskSubmitter, kill *killswitch.Switch, metrics *observability.Metrics, log *slog.Logger) *Tunnel {
	if opts.QueueSize < 1 {
		opts.QueueSize = defaultQueueSize
	}
	return &Tunnel{
		opts:    opts,
		events:  events,
		tasks:   tasks,
		kill:    kill,
		metrics: metrics,
		log:     log,
		queue:   make(chan []byte, opts.QueueSize),
	}
}

// Connected reports whether the relay link is currently up.
func (t *Tunnel) Connected() bool {
	return t.connected.Load()
}

// Run pumps bus events into the queue and keeps the relay connection alive
// until the context ends. Reconnects back off 1s to 30s; a session that
// establishes resets the backoff.
func (t *Tunnel) Run(ctx context.Context) {
	go t.pump(ctx)

	policy := backoff.Reconnect()
	attempt := 1
	for ctx.Err() == nil {
		conn, err := t.dial(ctx)
		if err != nil {
			t.log.Warn("relay dial failed", "attempt", attempt, "error", err)
			if backoff.Sleep(ctx, policy, attempt) != nil {
				return
			}
			attempt++
			continue
		}

		attempt = 1
		t.connected.Store(true)
		t.log.Info("relay connected", "url", t.opts.URL)
		t.session(ctx, conn)
		t.connected.Store(false)
		t.log.Warn("relay disconnected")

		if backoff.Sleep(ctx, policy, attempt) != nil {
			return
		}
	}
}

func (t *Tunnel) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(t.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", t.opts.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// pump moves bus events into the bounded queue. Enqueue never blocks: a
// full queue drops the event rather than stalling the bus.
func (t *Tunnel) pump(ctx context.Context) {
	events, cancel := t.events.SubscribeStream()
	defer cancel()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			t.enqueue(event)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tunnel) enqueue(event *models.Event) {
	raw, err := event.Encode()
	if err != nil {
		return
	}
	select {
	case t.queue <- raw:
	default:
		if t.metrics != nil {
			t.metrics.EventsDropped.WithLabelValues("tunnel_queue").Inc()
		}
	}
}

// session runs the read and write loops for one connection, returning when
// either fails or the context ends.
func (t *Tunnel) session(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.readLoop(conn)
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case raw := <-t.queue:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				t.log.Warn("relay write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tunnel) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		t.dispatch(raw)
	}
}

// dispatch handles one frame from the relay: remote task submissions,
// kill requests, and kill resets; anything else is relay chatter and
// ignored.
func (t *Tunnel) dispatch(raw []byte) {
	event, err := models.DecodeEvent(raw)
	if err != nil {
		t.log.Warn("undecodable relay frame", "error", err)
		return
	}

	switch event.Type {
	case models.EventTaskReceived:
		task, _ := event.Data["task"].(string)
		if task == "" {
			t.log.Warn("relay task frame without task")
			return
		}
		t.tasks.SubmitTask(task)

	case models.EventKillSwitch:
		t.kill.Trip("relay")
		t.events.Emit(models.EventKillSwitch, map[string]any{"source": "tunnel"})

	case models.EventKillReset:
		t.kill.Reset()
		t.events.Emit(models.EventKillReset, map[string]any{"source": "tunnel"})
	}
}
