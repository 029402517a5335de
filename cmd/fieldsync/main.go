// Command fieldsync runs the BrightPath offline sync agent.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brightpath/fieldsync/internal/config"
	"github.com/brightpath/fieldsync/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	configFile   string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first write queue for BrightPath field devices",
	Long: `fieldsync keeps writes made on a field device in a durable local queue
and delivers them to the BrightPath API when connectivity allows.

Run "fieldsync serve" on the device to start the sync agent and its local
status API. The other commands inspect and act on the same queue.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./fieldsync.yaml or ~/.fieldsync/fieldsync.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "text", "output format: text, json or yaml")

	rootCmd.AddGroup(
		&cobra.Group{ID: "agent", Title: "Agent:"},
		&cobra.Group{ID: "queue", Title: "Queue:"},
		&cobra.Group{ID: "dev", Title: "Development:"},
	)
}

// loadConfig reads configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logging.Setup(logging.Options{
		Level: logging.ParseLevel(cfg.Log.Level),
		File:  cfg.Log.File,
	})
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
