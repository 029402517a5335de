package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/brightpath/fieldsync/internal/logging"
	"github.com/brightpath/fieldsync/internal/statusapi"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "agent",
	Short:   "Run the sync agent and its local status API",
	Long: `Run the sync agent in the foreground.

The agent drains the queue whenever the device comes online, on a fixed
interval while online, and when a new change is queued. Status, open notices
and a WebSocket event stream are served on status.addr:

  GET  /api/status           scheduler and queue state
  GET  /api/pending          changes waiting to sync
  POST /api/sync             run a pass now
  GET  /api/notices          open conflict and rejection notices
  POST /api/notices/:id/dismiss
  POST /api/notices/:id/retry
  POST /api/records/:entity  queue a new record
  PUT  /api/network          {"online": bool}
  GET  /ws                   sync events`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "status API listen address (overrides status.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Status.Addr = addr
	}

	a, err := openAgent(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := statusapi.NewHub()
	defer hub.Stop()
	a.reconciler.SetEventHandler(hub)

	gin.SetMode(gin.ReleaseMode)
	api := statusapi.New(statusapi.Options{
		Scheduler: a.scheduler,
		Notices:   a.notices,
		Queue:     a.queue,
		Network:   a.network,
		History:   a.reconciler,
		Hub:       hub,
		Records:   a.store,
		Actor:     a.actor,
	})
	httpServer := &http.Server{
		Addr:              cfg.Status.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if p := a.prober(); p != nil {
		a.network.Start(p, cfg.Netmon.ProbeInterval)
		defer a.network.Stop()
	}
	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()

	logging.Info("Sync agent started", map[string]interface{}{
		"api":         cfg.API.BaseURL,
		"status_addr": cfg.Status.Addr,
		"role":        string(a.actor.Role),
		"version":     Version,
	})
	fmt.Printf("fieldsync %s syncing to %s\n", Version, cfg.API.BaseURL)
	fmt.Printf("Status API: http://%s/api/status\n", cfg.Status.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logging.Info("Sync agent stopped", nil)
	return err
}
