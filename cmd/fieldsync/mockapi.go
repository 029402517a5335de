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

	"github.com/brightpath/fieldsync/internal/devserver"
	"github.com/brightpath/fieldsync/internal/logging"
)

var mockAPICmd = &cobra.Command{
	Use:     "mock-api",
	GroupID: "dev",
	Short:   "Serve an in-memory BrightPath API for local testing",
	Long: `Serve an in-memory implementation of the BrightPath API. It honors
Idempotency-Key, versions records and answers stale writes with 409, so the
agent can be exercised end to end without a real backend.

  fieldsync mock-api --addr :8080 --fail-next 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		token, _ := cmd.Flags().GetString("token")
		actor, _ := cmd.Flags().GetString("actor")
		failNext, _ := cmd.Flags().GetInt("fail-next")
		delay, _ := cmd.Flags().GetDuration("delay")
		debug, _ := cmd.Flags().GetBool("debug")

		level := logging.LevelInfo
		if debug {
			level = logging.LevelDebug
		}
		logging.Setup(logging.Options{Level: level})
		gin.SetMode(gin.ReleaseMode)

		dev := devserver.New(devserver.Options{Token: token, Actor: actor})
		if failNext > 0 {
			dev.FailNext(failNext, http.StatusServiceUnavailable)
		}
		if delay > 0 {
			dev.SetDelay(delay)
		}

		srv := &http.Server{Addr: addr, Handler: dev.Handler(), ReadHeaderTimeout: 10 * time.Second}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()
		fmt.Printf("Mock API listening on %s\n", addr)

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		fmt.Printf("Mock API stopped after applying %d writes\n", dev.Applied())
		return nil
	},
}

func init() {
	mockAPICmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	mockAPICmd.Flags().String("token", "", "require this bearer token")
	mockAPICmd.Flags().String("actor", "", "fill missing created_by/recorded_by/assessed_by on creates")
	mockAPICmd.Flags().Int("fail-next", 0, "answer the next N writes with 503")
	mockAPICmd.Flags().Duration("delay", 0, "delay every write by this long")
	mockAPICmd.Flags().Bool("debug", false, "log every request")
	rootCmd.AddCommand(mockAPICmd)
}
