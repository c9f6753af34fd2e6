// Package app implements C14: explicit hand-wiring of every component
// into a running node, plus the startup and graceful-shutdown sequences
// of spec §4.14. Grounded on the teacher's internal/agent/agent.go
// (Service interface + WaitGroup fan-out over ctx.Done()) and
// cmd/agent/main.go's no-DI-container wiring style, generalized from a
// single flat service list to FireFrp's explicit dependency graph.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/lieyanc/FireFrp/internal/botdispatcher"
	"github.com/lieyanc/FireFrp/internal/bottransport"
	"github.com/lieyanc/FireFrp/internal/clientapi"
	"github.com/lieyanc/FireFrp/internal/config"
	"github.com/lieyanc/FireFrp/internal/credential"
	"github.com/lieyanc/FireFrp/internal/expiry"
	"github.com/lieyanc/FireFrp/internal/frps"
	"github.com/lieyanc/FireFrp/internal/motdprobe"
	"github.com/lieyanc/FireFrp/internal/platform/executil"
	"github.com/lieyanc/FireFrp/internal/pluginapi"
	"github.com/lieyanc/FireFrp/internal/portalloc"
	"github.com/lieyanc/FireFrp/internal/rejectset"
	"github.com/lieyanc/FireFrp/internal/store"
	"github.com/lieyanc/FireFrp/internal/update"
)

// rejectSetHorizon is how far back RebuildRejectSet looks on startup
// (spec §4.14 step 5).
const rejectSetHorizon = 24 * time.Hour

// shutdownTimeout is the hard ceiling on graceful shutdown (spec §4.14).
const shutdownTimeout = 15 * time.Second

// App owns every long-lived component and the HTTP listener.
type App struct {
	cfg        *config.Config
	configPath string

	svc        *credential.Service
	reject     *rejectset.Set
	motd       *motdprobe.Service
	transport  *bottransport.Transport
	dispatcher *botdispatcher.Dispatcher
	supervisor *frps.Supervisor
	expirySvc  *expiry.Scheduler
	clientAPI  *clientapi.API
	updater    *update.Service

	httpSrv *http.Server
}

// New wires every component per spec §5's explicit dependency graph:
// PluginHandler and BotDispatcher depend on CredentialService; nothing
// but CredentialService mutates the Store directly.
func New(cfg *config.Config, configPath string, binaryPath string) (*App, error) {
	dataDir := cfg.DataDir
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("app: creating data directory: %w", err)
	}

	st, err := store.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("app: opening store: %w", err)
	}

	ports, err := portalloc.New(cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		return nil, fmt.Errorf("app: building port allocator: %w", err)
	}

	reject := rejectset.New()
	svc := credential.New(st, ports, reject, cfg.KeyPrefix)

	a := &App{cfg: cfg, configPath: configPath, svc: svc, reject: reject}

	a.transport = bottransport.New(bottransport.Config{
		WsURL:           cfg.Bot.WsURL,
		Token:           cfg.Bot.Token,
		SelfID:          cfg.Bot.SelfID,
		BroadcastGroups: cfg.Bot.BroadcastGroups,
	}, nil)

	a.motd = motdprobe.New(func(tunnelID string, result motdprobe.Result, success bool) {
		a.notifyMotdResult(tunnelID, result, success)
	})

	a.supervisor = frps.New(cfg, dataDir, executil.Real{})
	a.updater = update.New(cfg.Updates.FeedURL, dataDir, binaryPath)

	a.dispatcher = botdispatcher.New(a.transport, svc, cfg, configPath, a.supervisor, a.updater)
	a.transport.SetHandler(a.dispatcher)

	plugin := pluginapi.New(svc, reject, a.transport, a.motd, cfg.Server.PublicAddr)
	a.clientAPI = clientapi.New(svc, cfg)
	a.expirySvc = expiry.New(svc, expiry.DefaultPeriod)

	mux := http.NewServeMux()
	a.clientAPI.RegisterRoutes(mux)
	mux.Handle("/frps-plugin/handler", plugin)

	a.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: clientapi.Recover(mux),
	}

	return a, nil
}

func (a *App) notifyMotdResult(tunnelID string, result motdprobe.Result, success bool) {
	rec, ok := a.svc.GetByTunnelID(tunnelID)
	if !ok || rec.GroupID == "" {
		return
	}
	if success {
		a.transport.SendGroupMessage(rec.GroupID, "", fmt.Sprintf(
			"tunnel %s is up: %q players=%d/%d version=%s",
			tunnelID, result.Motd, result.Online, result.Max, result.Version,
		))
		return
	}
	a.transport.SendGroupMessage(rec.GroupID, "", fmt.Sprintf("tunnel %s did not respond to any MOTD probe", tunnelID))
}

// Run executes the full startup sequence of spec §4.14 and blocks until
// ctx is canceled, at which point it runs graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("app: binding listener: %w", err)
	}
	go func() {
		if err := a.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("app: http server stopped unexpectedly", "err", err)
		}
	}()
	slog.Info("app: http listener up", "addr", a.httpSrv.Addr)

	if err := a.supervisor.Start(ctx); err != nil {
		slog.Error("app: frps failed to start, plugin endpoint stays up for retry", "err", err)
	}

	a.svc.RebuildRejectSet(time.Now(), rejectSetHorizon)

	a.expirySvc.Start(ctx)
	a.clientAPI.StartLimiterSweeper(ctx.Done())
	a.transport.Connect(ctx)

	a.updater.ProcessMarker(func(newVersion string) {
		a.transport.BroadcastGroupMessage(fmt.Sprintf("updated to %s", newVersion), nil)
	})
	a.transport.BroadcastGroupMessage(fmt.Sprintf("%s online", a.cfg.Server.Name), nil)

	<-ctx.Done()
	return a.shutdown()
}

func (a *App) shutdown() error {
	slog.Info("app: shutdown started")
	done := make(chan struct{})

	go func() {
		a.transport.BroadcastGroupMessage(fmt.Sprintf("%s offline", a.cfg.Server.Name), nil)
		a.transport.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("app: http shutdown error", "err", err)
		}

		a.expirySvc.Stop()
		a.motd.CancelAll()
		if err := a.supervisor.Stop(); err != nil {
			slog.Warn("app: frps stop error", "err", err)
		}
		close(done)
	}()

	select {
	case <-done:
		slog.Info("app: shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		slog.Warn("app: shutdown timed out, forcing exit")
		return fmt.Errorf("app: graceful shutdown exceeded %s", shutdownTimeout)
	}
}

// ConfigPath returns the JSON config file's on-disk path for dataDir,
// matching spec §6.6's path table.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.json")
}
