package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	syncpkg "github.com/brightpath/fieldsync/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "agent",
	Short:   "Run one sync pass and exit",
	Long: `Run one reconciliation pass against the remote API and print its result.

When netmon.probe_url is set the device is probed first and the pass is
skipped if the API is unreachable. Do not run this while "fieldsync serve"
is running against the same data directory.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().Duration("timeout", 5*time.Minute, "abort the pass after this long")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openAgent(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if p := a.prober(); p != nil {
		probeCtx, probeCancel := context.WithTimeout(ctx, cfg.API.Timeout)
		a.network.SetOnline(p.Probe(probeCtx))
		probeCancel()
	}

	result, err := a.reconciler.Reconcile(ctx)
	if result != nil {
		if ok, emitErr := emit(stdout(), result); ok {
			if emitErr != nil {
				return emitErr
			}
		} else {
			printResult(result)
		}
	}
	return err
}

func printResult(r *syncpkg.Result) {
	if r.Skipped {
		fmt.Printf("%s %s\n", warnStyle.Render("Sync skipped:"), r.Reason)
		fmt.Printf("%d changes waiting to sync\n", r.Pending)
		return
	}
	status := okStyle.Render("Sync complete")
	if r.Error != "" {
		status = errorStyle.Render("Sync failed: " + r.Error)
	}
	fmt.Printf("%s in %s\n", status, r.Duration.Round(time.Millisecond))
	fmt.Printf("  attempted   %d\n", r.Attempted)
	fmt.Printf("  applied     %s\n", okStyle.Render(fmt.Sprint(r.Applied)))
	fmt.Printf("  failed      %s\n", countStyle(r.Failed, warnStyle))
	fmt.Printf("  resubmitted %d\n", r.Resubmitted)
	fmt.Printf("  surfaced    %s\n", countStyle(r.Surfaced, errorStyle))
	fmt.Printf("%s %s\n", headerStyle.Render("Changes waiting to sync:"), countStyle(r.Pending, warnStyle))
	if r.Surfaced > 0 {
		fmt.Println(mutedStyle.Render(`Run "fieldsync notices" to review changes that need attention.`))
	}
}
