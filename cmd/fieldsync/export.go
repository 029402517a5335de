package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "queue",
	Short:   "Write the queued mutations as JSON",
	Long: `Write every queued mutation, oldest first, as a JSON array. Use this to
hand a device's unsynced changes to support staff before wiping it.`,
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

		path, _ := cmd.Flags().GetString("output")
		var w io.Writer = os.Stdout
		if path != "" && path != "-" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		if err := a.queue.ExportJSON(w); err != nil {
			return err
		}
		if path != "" && path != "-" {
			fmt.Fprintf(os.Stderr, "%s %s\n", okStyle.Render("Exported to"), path)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "-", "output file")
	rootCmd.AddCommand(exportCmd)
}
