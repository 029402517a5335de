package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/brightpath/fieldsync/internal/models"
	"github.com/brightpath/fieldsync/internal/sync/queue"
)

var pendingCmd = &cobra.Command{
	Use:     "pending",
	GroupID: "queue",
	Short:   "Show changes waiting to sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := openAgent(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.queue.Stats()
		if err != nil {
			return err
		}
		verbose, _ := cmd.Flags().GetBool("list")
		var all []*models.PendingMutation
		if verbose {
			if all, err = a.queue.All(); err != nil {
				return err
			}
		}

		if ok, err := emit(stdout(), pendingView{Stats: stats, Mutations: all}); ok {
			return err
		}
		printStats(stats)
		for _, m := range all {
			printMutation(m)
		}
		return nil
	},
}

type pendingView struct {
	Stats     queue.Stats               `json:"stats"`
	Mutations []*models.PendingMutation `json:"mutations,omitempty"`
}

func init() {
	pendingCmd.Flags().BoolP("list", "l", false, "list every queued mutation")
	rootCmd.AddCommand(pendingCmd)
}

func printStats(s queue.Stats) {
	fmt.Printf("%s %s\n", headerStyle.Render("Changes waiting to sync:"), countStyle(s.Total, warnStyle))
	fmt.Printf("  pending   %d\n", s.Pending)
	fmt.Printf("  in flight %d\n", s.InFlight)
	fmt.Printf("  retrying  %s\n", countStyle(s.Failed, warnStyle))
	fmt.Printf("  on hold   %s\n", countStyle(s.Held, errorStyle))
}

func printMutation(m *models.PendingMutation) {
	state := string(m.Status)
	switch {
	case m.Held:
		state = errorStyle.Render("held")
	case m.Status == models.MutationStatusFailed:
		state = warnStyle.Render(fmt.Sprintf("failed x%d", m.AttemptCount))
	}
	fmt.Printf("%6d  %-7s %-28s %-10s %s\n",
		m.Seq, m.Operation, m.EntityKey(), state,
		mutedStyle.Render(m.CreatedAtTime().Local().Format(time.DateTime)))
	if m.LastError != "" {
		fmt.Printf("        %s\n", mutedStyle.Render(m.LastError))
	}
}
