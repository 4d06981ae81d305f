// Package dashboard serves the local control surface: a static UI over
// HTTP on the configured port and a WebSocket event feed on port+1.
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardenlabs/warden/internal/bus"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/killswitch"
	"github.com/wardenlabs/warden/internal/memory"
	"github.com/wardenlabs/warden/internal/observability"
)

// TaskSubmitter accepts a top-level task for asynchronous processing.
type TaskSubmitter interface {
	SubmitTask(task string)
}

// StatsSource reports per-agent outcome tallies.
type StatsSource interface {
	Stats() (map[string]memory.Stats, error)
}

// ProfileStore is the editable user-profile document.
type ProfileStore interface {
	Profile() (map[string]string, error)
	SaveProfile(field, content string) error
}

// Deps wires the dashboard's collaborators. SetConfig applies a runtime
// config override; Metrics may be nil.
type Deps struct {
	Config    config.Dashboard
	Events    *bus.Bus
	Tasks     TaskSubmitter
	Stats     StatsSource
	Profile   ProfileStore
	Kill      *killswitch.Switch
	SetConfig func(key, value string) error
	Metrics   *observability.Metrics
	Log       *slog.Logger
}

// Server owns the two listeners.
type Server struct {
	deps     Deps
	upgrader websocket.Upgrader

	httpSrv *http.Server
	wsSrv   *http.Server
}

// New builds the server; call Start to bind.
func New(deps Deps) *Server {
	return &Server{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local control surface; the relay handles remote access.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start binds both listeners and serves in the background. Bind failures
// are returned synchronously.
func (s *Server) Start() error {
	httpAddr := fmt.Sprintf(":%d", s.deps.Config.Port)
	wsAddr := fmt.Sprintf(":%d", s.deps.Config.Port+1)

	httpLn, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("bind dashboard http: %w", err)
	}
	wsLn, err := net.Listen("tcp", wsAddr)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("bind dashboard ws: %w", err)
	}

	s.httpSrv = &http.Server{Handler: s.httpHandler()}
	s.wsSrv = &http.Server{Handler: s.wsHandler()}

	go s.serve("http", s.httpSrv, httpLn)
	go s.serve("ws", s.wsSrv, wsLn)

	s.deps.Log.Info("dashboard listening", "http", httpAddr, "ws", wsAddr)
	return nil
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		s.deps.Log.Error("dashboard server failed", "listener", name, "error", err)
	}
}

// Shutdown stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	var first error
	for _, srv := range []*http.Server{s.httpSrv, s.wsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// httpHandler serves the static UI and the metrics endpoint. Static
// responses carry Cache-Control: no-cache so UI updates land without a
// hard refresh.
func (s *Server) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	files := http.FileServer(http.Dir(s.deps.Config.StaticDir))
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		files.ServeHTTP(w, r)
	}))
	return mux
}

func (s *Server) wsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/", s.serveWS)
	return mux
}
