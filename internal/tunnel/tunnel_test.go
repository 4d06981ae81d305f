package tunnel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenlabs/warden/internal/bus"
	"github.com/wardenlabs/warden/internal/killswitch"
	"github.com/wardenlabs/warden/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTasks struct {
	mu    sync.Mutex
	tasks []string
}

func (f *fakeTasks) SubmitTask(task string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
}

func (f *fakeTasks) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.tasks...)
}

// fakeRelay accepts one tunnel connection and records received frames.
type fakeRelay struct {
	srv    *httptest.Server
	mu     sync.Mutex
	tokens []string
	frames [][]byte
	conns  chan *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	relay := &fakeRelay{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	relay.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.mu.Lock()
		relay.tokens = append(relay.tokens, r.URL.Query().Get("token"))
		relay.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		relay.conns <- conn
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			relay.mu.Lock()
			relay.frames = append(relay.frames, raw)
			relay.mu.Unlock()
		}
	}))
	t.Cleanup(relay.srv.Close)
	return relay
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte{}, r.frames...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTunnelForwardsBusEvents(t *testing.T) {
	relay := newFakeRelay(t)
	events := bus.New(50, nil)
	tasks := &fakeTasks{}

	tun := New(Options{URL: relay.url(), Token: "secret"}, events, tasks, killswitch.New(), nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tun.Run(ctx)

	waitFor(t, "tunnel connect", tun.Connected)
	relay.mu.Lock()
	token := relay.tokens[0]
	relay.mu.Unlock()
	if token != "secret" {
		t.Errorf("token = %q", token)
	}

	events.Emit(models.EventThinking, map[string]any{"text": "hello"})
	waitFor(t, "forwarded frame", func() bool { return len(relay.received()) >= 1 })

	event, err := models.DecodeEvent(relay.received()[0])
	if err != nil {
		t.Fatal(err)
	}
	if event.Type != models.EventThinking || event.Data["text"] != "hello" {
		t.Errorf("forwarded event = %+v", event)
	}
}

func TestTunnelDispatchesInboundFrames(t *testing.T) {
	relay := newFakeRelay(t)
	events := bus.New(50, nil)
	tasks := &fakeTasks{}
	kill := killswitch.New()

	tun := New(Options{URL: relay.url(), Token: "secret"}, events, tasks, kill, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tun.Run(ctx)

	conn := <-relay.conns
	frame, _ := json.Marshal(map[string]any{
		"type": models.EventTaskReceived,
		"data": map[string]any{"task": "check the backups"},
	})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "task dispatch", func() bool { return len(tasks.submitted()) == 1 })
	if tasks.submitted()[0] != "check the backups" {
		t.Errorf("task = %q", tasks.submitted()[0])
	}

	killFrame, _ := json.Marshal(map[string]any{"type": models.EventKillSwitch})
	if err := conn.WriteMessage(websocket.TextMessage, killFrame); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "kill trip", kill.Tripped)
	if kill.Reason() != "relay" {
		t.Errorf("kill reason = %q", kill.Reason())
	}

	// A reset frame re-arms the runtime without a restart.
	resetFrame, _ := json.Marshal(map[string]any{"type": models.EventKillReset})
	if err := conn.WriteMessage(websocket.TextMessage, resetFrame); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "kill reset", func() bool { return !kill.Tripped() })
}

func TestTunnelReconnectsAfterDrop(t *testing.T) {
	relay := newFakeRelay(t)
	events := bus.New(50, nil)

	tun := New(Options{URL: relay.url(), Token: "secret"}, events, &fakeTasks{}, killswitch.New(), nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tun.Run(ctx)

	first := <-relay.conns
	waitFor(t, "tunnel connect", tun.Connected)
	first.Close()

	// A second accept proves the backoff loop re-dialed.
	select {
	case <-relay.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not reconnect")
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	events := bus.New(50, nil)
	tun := New(Options{URL: "ws://127.0.0.1:1", Token: "x", QueueSize: 2}, events, &fakeTasks{}, killswitch.New(), nil, testLogger())

	for i := 0; i < 5; i++ {
		tun.enqueue(&models.Event{Type: models.EventThinking, TS: time.Now()})
	}
	if len(tun.queue) != 2 {
		t.Errorf("queue length = %d, want 2", len(tun.queue))
	}

	// Draining frees capacity; new events enqueue again.
	<-tun.queue
	tun.enqueue(&models.Event{Type: models.EventEndTurn, TS: time.Now()})
	if len(tun.queue) != 2 {
		t.Errorf("queue length after drain = %d, want 2", len(tun.queue))
	}
}
