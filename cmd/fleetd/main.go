// Command fleetd runs the fleet dispatch process: it loads the fleet
// manifest, constructs one Backend Client per entry, starts the manager's
// health-check loop, opens the Interval Event Log, and serves the admin
// HTTP API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/fleet-dispatch/internal/adapter/openaicompat"
	"github.com/fairyhunter13/fleet-dispatch/internal/adminapi"
	"github.com/fairyhunter13/fleet-dispatch/internal/client"
	"github.com/fairyhunter13/fleet-dispatch/internal/config"
	"github.com/fairyhunter13/fleet-dispatch/internal/domain"
	"github.com/fairyhunter13/fleet-dispatch/internal/eventlog"
	"github.com/fairyhunter13/fleet-dispatch/internal/httpexec"
	"github.com/fairyhunter13/fleet-dispatch/internal/logging"
	"github.com/fairyhunter13/fleet-dispatch/internal/manager"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.Setup(logging.Options{Dev: cfg.IsDev(), Service: "fleetd", Env: cfg.Env})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := logging.SetupTracing(ctx, logging.TracingOptions{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "fleetd",
		Dev:         cfg.IsDev(),
	})
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	manifest, err := config.LoadFleetManifest(cfg.ConfigPath)
	if err != nil {
		return err
	}

	evlog, err := eventlog.Open(ctx, eventlog.Config{
		DBPath:               cfg.EventLogDBPath,
		HeartbeatInterval:    cfg.EventLogHeartbeatInterval(),
		HeartbeatGracePeriod: cfg.EventLogHeartbeatGrace(),
		Logger:               logger,
	})
	if err != nil {
		return err
	}
	defer evlog.Stop(context.Background())

	mgr := manager.New(manager.Config{
		BaseCheckInterval: cfg.BaseCheckInterval(),
		FirstCheckDelay:   cfg.FirstCheckDelay(),
		Logger:            logger,
	})

	for _, rec := range manifest.Backends {
		core := httpexec.New(
			httpexec.Timeouts{ConnectTimeout: cfg.HTTPConnectTimeout(), ReadTimeout: cfg.HTTPReadTimeout()},
			httpexec.Timeouts{ConnectTimeout: cfg.HTTPConnectTimeout(), ReadTimeout: cfg.HealthCheckReadTimeout()},
			httpexec.Retry{MaxAttempts: cfg.RetryMaxAttempts, BaseInterval: cfg.RetryBaseInterval(), MaxElapsedTime: cfg.RetryMaxElapsed()},
		)
		adapter := openaicompat.New(core, rec.APIBaseURL, rec.APIToken, rec.DefaultModel)

		c := client.New(client.Config{
			Name:     rec.Name,
			Group:    rec.GroupID,
			Priority: rec.Priority,
			Adapter:  adapter,
			Usage:    adapter.Usage(),
			Sink:     evlog,
		})
		if rec.DefaultAvailable {
			c.SetStatus(domain.StatusAvailable)
		}
		mgr.RegisterClient(c)
		logger.Info("registered backend client", "name", rec.Name, "priority", rec.Priority, "group", rec.GroupID)
	}

	mgr.StartMonitoring(ctx)
	defer mgr.StopMonitoring()

	var auth adminapi.AdminCredentials
	if cfg.AdminEnabled() {
		secret := []byte(cfg.AdminSessionSecret)
		if len(secret) == 0 {
			secret = []byte(cfg.AdminUsername + cfg.AdminPasswordHash)
		}
		auth = adminapi.AdminCredentials{
			Username:     cfg.AdminUsername,
			PasswordHash: cfg.AdminPasswordHash,
			Params:       adminapi.DefaultArgon2Params(),
			Sessions:     adminapi.NewSessionManager(secret, 24*time.Hour),
		}
	}

	router := adminapi.BuildRouter(&adminapi.Server{
		Manager: mgr,
		Log:     evlog,
		Auth:    auth,
		Logger:  logger,
	})

	srv := &http.Server{
		Addr:    cfg.AdminListenAddr,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", "addr", cfg.AdminListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
