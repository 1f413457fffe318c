package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/pagebridge/bridge/internal/admin"
	"github.com/pagebridge/bridge/internal/automation"
	"github.com/pagebridge/bridge/internal/capture"
	"github.com/pagebridge/bridge/internal/config"
	"github.com/pagebridge/bridge/internal/controller"
	"github.com/pagebridge/bridge/internal/correlator"
	"github.com/pagebridge/bridge/internal/dispatcher"
	"github.com/pagebridge/bridge/internal/httpapi"
	"github.com/pagebridge/bridge/internal/idgen"
	"github.com/pagebridge/bridge/internal/obs"
	"github.com/pagebridge/bridge/internal/pageagent"
	"github.com/pagebridge/bridge/internal/registry"
	"github.com/pagebridge/bridge/internal/role"
	"github.com/pagebridge/bridge/internal/toolsurface"
	"github.com/pagebridge/bridge/internal/wireframe"
	"github.com/pagebridge/bridge/internal/wsconn"
)

// version is stamped at release time; kept as a plain var so `go build
// -ldflags` can override it without touching source.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "bridged",
		Short: "Browser automation bridge daemon",
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (defaults to ~/.config/pagebridge/config.toml)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the bridge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(configPath string) error {
	log := obs.For("main")

	settings, err := config.LoadOrCreate(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	log.WithField("path", settings.Path).Info("loaded config")

	instanceID := idgen.InstanceID()
	decision, err := role.Decide(settings.WSAddr)
	if err != nil {
		return fmt.Errorf("role selection failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	corrOpts := correlator.Options{
		MaxPending:    settings.MaxPending,
		StaleTimeout:  settings.StaleTimeout,
		SweepInterval: settings.SweepInterval,
		GlobalCap:     settings.GlobalCap,
	}

	var httpServer *http.Server
	switch decision.Kind {
	case role.Server:
		httpServer, err = runServerRole(ctx, decision, settings, instanceID, corrOpts)
	case role.PeerClient:
		httpServer, err = runPeerClientRole(ctx, settings, instanceID, corrOpts)
	}
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func runServerRole(ctx context.Context, decision role.Decision, settings config.Settings, instanceID string, corrOpts correlator.Options) (*http.Server, error) {
	log := obs.For("main")
	startedAt := time.Now()

	var srv *httpapi.Server
	d := dispatcher.New(publisherFunc(func(transportID, method string, params json.RawMessage) {
		srv.Publish(transportID, method, params)
	}), instanceID, corrOpts)

	ctrlIssuer := controller.NewLocalIssuer(d.Table, d.Corr)
	pageIssuer := pageagent.NewLocalIssuer(d.Table, d.Corr)
	tools := toolsurface.New(d.Sessions, d.Automation, d.Capture, ctrlIssuer, pageIssuer)

	onExpire := func(transportID string) {
		d.Sessions.Drop(transportID)
	}
	srv = httpapi.NewServer(tools, onExpire, httpapi.Options{
		MCPToken:  settings.MCPToken,
		RoleKind:  role.Server,
		Instance:  instanceID,
		IdleGrace: settings.IdleGrace,
	})

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Debug("websocket upgrade failed")
			return
		}
		connID := idgen.SessionID()
		conn := wsconn.New(connID, raw)
		handler := d.NewHandler(connID, conn)
		go conn.Run(handler)
	})
	wsServer := &http.Server{Handler: wsMux}
	go func() {
		if err := wsServer.Serve(decision.Listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("websocket listener stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = wsServer.Shutdown(shutdownCtx)
	}()

	adminHandlers := &admin.Handlers{
		StartedAt:  startedAt,
		RoleKind:   role.Server,
		InstanceID: instanceID,
		Table:      d.Table,
		Sessions:   d.Sessions,
		Corr:       d.Corr,
		ConfigPath: settings.Path,
	}
	mux := http.NewServeMux()
	adminHandlers.Mount(mux, settings.AdminToken)
	mux.Handle("/", srv.Router())

	httpServer := &http.Server{Addr: settings.HTTPAddr, Handler: mux}
	go func() {
		log.WithField("addr", settings.HTTPAddr).Info("http front-end listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http listener failed")
		}
	}()

	return httpServer, nil
}

// connHolder forwards Send to whichever upstream wsconn.Conn is currently
// live, swapped out transparently across peer-client reconnects.
type connHolder struct {
	mu      sync.RWMutex
	current *wsconn.Conn
}

func (h *connHolder) set(c *wsconn.Conn) {
	h.mu.Lock()
	h.current = c
	h.mu.Unlock()
}

func (h *connHolder) Send(raw []byte) bool {
	h.mu.RLock()
	c := h.current
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	return c.Send(raw)
}

func runPeerClientRole(ctx context.Context, settings config.Settings, instanceID string, corrOpts correlator.Options) (*http.Server, error) {
	log := obs.For("main")
	startedAt := time.Now()

	corr := correlator.New(corrOpts, func(string, wireframe.Frame) {})
	sessions := registry.New()
	autoReg := automation.New()
	captureStore := capture.NewStore()

	var srv *httpapi.Server
	peerHandler := newPeerClientHandler(corr, sessions, autoReg, captureStore, func(transportID, method string, params json.RawMessage) {
		srv.Publish(transportID, method, params)
	})

	holder := &connHolder{}
	ctrlIssuer := controller.NewRemoteIssuer(holder, corr, instanceID)
	pageIssuer := pageagent.NewRemoteIssuer(holder, corr, instanceID)
	tools := toolsurface.New(sessions, autoReg, captureStore, ctrlIssuer, pageIssuer)

	onExpire := func(transportID string) { sessions.Drop(transportID) }
	upstreamURL := wsURLFromAddr(settings.WSAddr)
	srv = httpapi.NewServer(tools, onExpire, httpapi.Options{
		MCPToken:  settings.MCPToken,
		RoleKind:  role.PeerClient,
		Instance:  instanceID,
		Upstream:  upstreamURL,
		IdleGrace: settings.IdleGrace,
	})

	pc := role.NewPeerClient(upstreamURL)
	go func() {
		_ = pc.Run(ctx, func(ctx context.Context, raw *websocket.Conn) error {
			connID := idgen.SessionID()
			conn := wsconn.New(connID, raw)
			holder.set(conn)

			ready := wireframe.Frame{
				Type:          wireframe.TypeMCPClientReady,
				SessionID:     wireframe.BackgroundSentinel,
				MCPInstanceID: instanceID,
			}
			if rawFrame, err := wireframe.Marshal(ready); err == nil {
				conn.Send(rawFrame)
			}

			conn.Run(peerHandler)
			holder.set(nil)
			return nil
		})
	}()

	adminHandlers := &admin.Handlers{
		StartedAt:  startedAt,
		RoleKind:   role.PeerClient,
		InstanceID: instanceID,
		Sessions:   sessions,
		Corr:       corr,
		ConfigPath: settings.Path,
	}
	mux := http.NewServeMux()
	adminHandlers.Mount(mux, settings.AdminToken)
	mux.Handle("/", srv.Router())

	httpServer := &http.Server{Addr: settings.HTTPAddr, Handler: mux}
	go func() {
		log.WithField("addr", settings.HTTPAddr).Info("http front-end listening (peer-client role)")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http listener failed")
		}
	}()

	return httpServer, nil
}

// wsURLFromAddr turns a listen address ("host:port" or ":port") into the
// ws:// URL a peer-client dials to reach the bridge server on this machine.
func wsURLFromAddr(addr string) string {
	host, port, found := strings.Cut(addr, ":")
	if host == "" {
		host = "localhost"
	}
	if !found {
		return "ws://" + host
	}
	return "ws://" + host + ":" + port
}

type publisherFunc func(transportID, method string, params json.RawMessage)

func (f publisherFunc) Publish(transportID, method string, params json.RawMessage) { f(transportID, method, params) }
