package dashboard

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenlabs/warden/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxCommandBytes bounds one inbound control frame.
	maxCommandBytes = 64 * 1024

	// sendBuffer is the per-client outbound queue.
	sendBuffer = 256
)

// command is one inbound control frame from the UI.
type command struct {
	Type    string `json:"type"`
	Field   string `json:"field,omitempty"`
	Content string `json:"content,omitempty"`
	Task    string `json:"task,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
}

// reply is a direct response to the issuing client, distinct from bus
// events which fan out to every client.
type reply struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type client struct {
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}
}

// serveWS upgrades the connection, replays the event history, then bridges
// live events and inbound commands until either side closes.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Log.Warn("websocket upgrade failed", "error", err)
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.WSClients.WithLabelValues("dashboard").Inc()
		defer s.deps.Metrics.WSClients.WithLabelValues("dashboard").Dec()
	}

	c := &client{
		srv:  s,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		quit: make(chan struct{}),
	}
	go c.writeLoop()
	go c.forwardEvents()

	c.readLoop()
}

// forwardEvents replays the history snapshot, then streams live events.
func (c *client) forwardEvents() {
	for _, event := range c.srv.deps.Events.History() {
		if !c.enqueueEvent(event) {
			return
		}
	}

	events, cancel := c.srv.deps.Events.SubscribeStream()
	defer cancel()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				// Evicted for backpressure.
				return
			}
			if !c.enqueueEvent(event) {
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (c *client) enqueueEvent(event *models.Event) bool {
	raw, err := event.Encode()
	if err != nil {
		c.srv.deps.Log.Warn("unencodable event", "type", event.Type, "error", err)
		return true
	}
	select {
	case c.send <- raw:
		return true
	case <-c.quit:
		return false
	}
}

func (c *client) sendReply(r reply) {
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	case <-c.quit:
	}
}

func (c *client) readLoop() {
	defer func() {
		close(c.quit)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxCommandBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.deps.Log.Warn("dashboard client read failed", "error", err)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.sendReply(reply{Type: "error", Error: "malformed command"})
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (c *client) handleCommand(cmd command) {
	deps := c.srv.deps
	switch cmd.Type {
	case "get_stats":
		stats, err := deps.Stats.Stats()
		if err != nil {
			c.sendReply(reply{Type: "error", Error: err.Error()})
			return
		}
		c.sendReply(reply{Type: "stats", Data: stats})

	case "get_memory":
		profile, err := deps.Profile.Profile()
		if err != nil {
			c.sendReply(reply{Type: "error", Error: err.Error()})
			return
		}
		c.sendReply(reply{Type: "memory", Data: profile})

	case "save_memory":
		if err := deps.Profile.SaveProfile(cmd.Field, cmd.Content); err != nil {
			c.sendReply(reply{Type: "error", Error: err.Error()})
			return
		}
		c.sendReply(reply{Type: "memory_saved", Data: cmd.Field})

	case "send_task":
		if strings.TrimSpace(cmd.Task) == "" {
			c.sendReply(reply{Type: "error", Error: "send_task requires a task"})
			return
		}
		deps.Tasks.SubmitTask(cmd.Task)
		c.sendReply(reply{Type: "task_accepted"})

	case "kill":
		deps.Kill.Trip("dashboard")
		deps.Events.Emit(models.EventKillSwitch, map[string]any{"source": "dashboard"})
		c.sendReply(reply{Type: "killed"})

	case "reset":
		deps.Kill.Reset()
		deps.Events.Emit(models.EventKillReset, map[string]any{"source": "dashboard"})
		c.sendReply(reply{Type: "reset"})

	case "update_config":
		if deps.SetConfig == nil {
			c.sendReply(reply{Type: "error", Error: "config updates not available"})
			return
		}
		if err := deps.SetConfig(cmd.Key, cmd.Value); err != nil {
			c.sendReply(reply{Type: "error", Error: err.Error()})
			return
		}
		c.sendReply(reply{Type: "config_updated", Data: cmd.Key})

	default:
		c.sendReply(reply{Type: "error", Error: "unknown command " + cmd.Type})
	}
}
