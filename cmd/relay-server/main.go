// Command relay-server runs the standalone rendezvous relay: a pure
// message-forwarding broker between nodes of the same mesh, per
// spec.md §9. It holds no routing, embedding, or capability state --
// only live WebSocket connections, grouped by mesh ID, lost on
// restart by design.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/llama-farm/atmosphere/internal/config"
	"github.com/llama-farm/atmosphere/internal/rendezvous"
	"github.com/llama-farm/atmosphere/internal/telemetry"
	"github.com/llama-farm/atmosphere/internal/watchdog"
)

// version is set via -ldflags at build time.
var version = "dev"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn adapts *websocket.Conn to rendezvous.Conn, serializing writes
// since gorilla's Conn forbids concurrent writers.
type wsConn struct {
	conn  *websocket.Conn
	mu    chan struct{} // 1-buffered mutex
}

func newWSConn(c *websocket.Conn) *wsConn {
	w := &wsConn{conn: c, mu: make(chan struct{}, 1)}
	w.mu <- struct{}{}
	return w
}

func (w *wsConn) WriteJSON(v any) error {
	<-w.mu
	defer func() { w.mu <- struct{}{} }()
	return w.conn.WriteJSON(v)
}

func (w *wsConn) Close() error { return w.conn.Close() }

func main() {
	configPath := flag.String("config", "relay-server.yaml", "path to relay server config")
	flag.Parse()

	if len(flag.Args()) > 0 && flag.Arg(0) == "version" {
		fmt.Printf("relay-server %s\n", version)
		fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.LoadRelayServerConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := config.ValidateRelayServerConfig(cfg); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if err := config.Archive(*configPath); err != nil {
		slog.Warn("failed to archive config", "error", err)
	}

	srv := rendezvous.NewServer(cfg.Security.AllowedMeshIDs)

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = telemetry.NewMetrics(version, runtime.Version())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleUpgrade(ctx, srv, w, r)
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}
	if cfg.Health.Enabled {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "ok: %d mesh room(s) active\n", srv.RoomCount())
		})
	}

	httpSrv := &http.Server{Addr: cfg.Network.ListenAddress, Handler: mux}
	go func() {
		slog.Info("relay-server: listening", "address", cfg.Network.ListenAddress)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("relay-server: listen failed", "error", err)
			os.Exit(1)
		}
	}()

	var healthSrv *http.Server
	if cfg.Health.Enabled && cfg.Health.ListenAddress != "" && cfg.Health.ListenAddress != cfg.Network.ListenAddress {
		healthMux := http.NewServeMux()
		healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "ok: %d mesh room(s) active\n", srv.RoomCount())
		})
		healthSrv = &http.Server{Addr: cfg.Health.ListenAddress, Handler: healthMux}
		go func() {
			if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("relay-server: health listener failed", "error", err)
			}
		}()
	}

	watchdog.Ready()
	go watchdog.Run(ctx, watchdog.Config{Interval: 30 * time.Second}, []watchdog.HealthCheck{
		{Name: "listening", Check: func() error { return nil }},
	})

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	watchdog.Stopping()
	slog.Info("relay-server: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if healthSrv != nil {
		_ = healthSrv.Shutdown(shutdownCtx)
	}
}

func handleUpgrade(ctx context.Context, srv *rendezvous.Server, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("relay-server: upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	wc := newWSConn(conn)
	defer wc.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(rendezvous.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(rendezvous.IdleTimeout))
	})

	readFrame := func() ([]byte, error) {
		_, data, err := conn.ReadMessage()
		if err == nil {
			_ = conn.SetReadDeadline(time.Now().Add(rendezvous.IdleTimeout))
		}
		return data, err
	}

	if err := srv.Serve(wc, readFrame); err != nil {
		slog.Debug("relay-server: connection closed", "error", err, "remote", r.RemoteAddr)
	}
}
