// Package relay is the remote rendezvous between one warden runtime and
// any number of dashboards: the runtime dials in over /tunnel, dashboards
// connect to /ws, and the relay fans events one way and commands the
// other.
package relay

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenlabs/warden/internal/auth"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/observability"
	"github.com/wardenlabs/warden/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameBytes = 512 * 1024

	// closeBadAuth is sent when a token or JWT is rejected.
	closeBadAuth = 4001

	dashboardSendBuffer = 256
)

// Server holds the relay state: the single tunnel socket, the dashboard
// set, and the bounded event history.
type Server struct {
	cfg     config.Relay
	tokens  *auth.TokenService
	metrics *observability.Metrics
	log     *slog.Logger
	started time.Time

	upgrader websocket.Upgrader

	mu         sync.Mutex
	tunnel     *websocket.Conn
	tunnelWr   sync.Mutex
	dashboards map[*dashboard]struct{}
	history    [][]byte
}

type dashboard struct {
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}
	once sync.Once
}

func (d *dashboard) close() {
	d.once.Do(func() {
		close(d.quit)
		d.conn.Close()
	})
}

// New builds the relay server. Metrics may be nil.
func New(cfg config.Relay, metrics *observability.Metrics, log *slog.Logger) *Server {
	if cfg.History < 1 {
		cfg.History = 200
	}
	return &Server{
		cfg:        cfg,
		tokens:     auth.NewTokenService(cfg.JWTSecret, auth.DefaultTokenTTL),
		metrics:    metrics,
		log:        log,
		started:    time.Now(),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		dashboards: make(map[*dashboard]struct{}),
	}
}

// Handler returns the relay's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", s.serveTunnel)
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/api/auth", s.handleAuth)
	mux.HandleFunc("/api/health", s.handleHealth)
	return mux
}

// serveTunnel accepts the runtime's connection. A newer connection
// replaces an older one; the shared token authenticates.
func (s *Server) serveTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	token := r.URL.Query().Get("token")
	if s.cfg.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
		s.reject(conn, "bad tunnel token")
		return
	}

	s.mu.Lock()
	if s.tunnel != nil {
		s.tunnel.Close()
	}
	s.tunnel = conn
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.WSClients.WithLabelValues("relay_tunnel").Inc()
		defer s.metrics.WSClients.WithLabelValues("relay_tunnel").Dec()
	}
	s.log.Info("tunnel connected", "remote", r.RemoteAddr)
	s.broadcast(statusFrame(true))

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.tunnelWr.Lock()
		defer s.tunnelWr.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.appendHistory(raw)
		s.broadcast(raw)
	}

	s.mu.Lock()
	wasCurrent := s.tunnel == conn
	if wasCurrent {
		s.tunnel = nil
	}
	s.mu.Unlock()
	conn.Close()

	// A replaced connection must not report the replacement as down.
	if wasCurrent {
		s.log.Info("tunnel disconnected")
		s.broadcast(statusFrame(false))
	}
}

// serveWS accepts a dashboard, replays the history plus a tunnel status
// snapshot, then bridges frames until the client leaves.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if _, err := s.tokens.Verify(r.URL.Query().Get("token")); err != nil {
		s.reject(conn, "bad dashboard token")
		return
	}

	if s.metrics != nil {
		s.metrics.WSClients.WithLabelValues("relay_dashboard").Inc()
		defer s.metrics.WSClients.WithLabelValues("relay_dashboard").Dec()
	}

	d := &dashboard{
		conn: conn,
		send: make(chan []byte, dashboardSendBuffer),
		quit: make(chan struct{}),
	}

	s.mu.Lock()
	s.dashboards[d] = struct{}{}
	replay := append([][]byte{}, s.history...)
	connected := s.tunnel != nil
	s.mu.Unlock()

	go s.dashboardWriteLoop(d)
	for _, raw := range replay {
		d.enqueue(raw)
	}
	d.enqueue(statusFrame(connected))

	s.dashboardReadLoop(d)

	s.mu.Lock()
	delete(s.dashboards, d)
	s.mu.Unlock()
	d.close()
}

func (s *Server) dashboardReadLoop(d *dashboard) {
	d.conn.SetReadLimit(maxFrameBytes)
	d.conn.SetReadDeadline(time.Now().Add(pongWait))
	d.conn.SetPongHandler(func(string) error {
		d.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := d.conn.ReadMessage()
		if err != nil {
			return
		}
		if !s.forwardToTunnel(raw) {
			frame, _ := json.Marshal(&models.Event{
				Type: models.EventError,
				TS:   time.Now(),
				Data: map[string]any{"error": "agent not connected"},
			})
			d.enqueue(frame)
		}
	}
}

func (s *Server) dashboardWriteLoop(d *dashboard) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		d.close()
	}()

	for {
		select {
		case raw := <-d.send:
			d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := d.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := d.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-d.quit:
			return
		}
	}
}

func (d *dashboard) enqueue(raw []byte) bool {
	select {
	case d.send <- raw:
		return true
	case <-d.quit:
		return false
	default:
		return false
	}
}

// forwardToTunnel relays a dashboard frame to the runtime, reporting
// whether a tunnel was present to take it.
func (s *Server) forwardToTunnel(raw []byte) bool {
	s.mu.Lock()
	conn := s.tunnel
	s.mu.Unlock()
	if conn == nil {
		return false
	}

	s.tunnelWr.Lock()
	defer s.tunnelWr.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		s.log.Warn("tunnel forward failed", "error", err)
		return false
	}
	return true
}

// broadcast fans a frame to every dashboard; clients with a full queue are
// pruned rather than waited on.
func (s *Server) broadcast(raw []byte) {
	s.mu.Lock()
	var dead []*dashboard
	for d := range s.dashboards {
		if !d.enqueue(raw) {
			dead = append(dead, d)
			delete(s.dashboards, d)
		}
	}
	s.mu.Unlock()

	for _, d := range dead {
		d.close()
		s.log.Warn("pruned stalled dashboard")
	}
}

func (s *Server) appendHistory(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, raw)
	if len(s.history) > s.cfg.History {
		s.history = s.history[len(s.history)-s.cfg.History:]
	}
}

// reject closes a freshly upgraded socket with the auth failure code.
func (s *Server) reject(conn *websocket.Conn, reason string) {
	s.log.Warn("websocket rejected", "reason", reason)
	msg := websocket.FormatCloseMessage(closeBadAuth, "unauthorized")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

func statusFrame(connected bool) []byte {
	raw, _ := json.Marshal(&models.Event{
		Type: models.EventTunnelStatus,
		TS:   time.Now(),
		Data: map[string]any{"connected": connected},
	})
	return raw
}

// handleAuth exchanges the passphrase for a dashboard JWT.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Passphrase == "" {
		http.Error(w, "auth disabled", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Passphrase string `json:"passphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if subtle.ConstantTimeCompare([]byte(body.Passphrase), []byte(s.cfg.Passphrase)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	token, err := s.tokens.Mint("dashboard")
	if err != nil {
		http.Error(w, "token service unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// handleHealth reports relay liveness and connection counts.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	connected := s.tunnel != nil
	clients := len(s.dashboards)
	buffered := len(s.history)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":            "ok",
		"tunnel_connected":  connected,
		"dashboard_clients": clients,
		"events_buffered":   buffered,
		"uptime":            fmt.Sprintf("%.0fs", time.Since(s.started).Seconds()),
	})
}
