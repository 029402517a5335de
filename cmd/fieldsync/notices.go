package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/brightpath/fieldsync/internal/access"
	"github.com/brightpath/fieldsync/internal/models"
)

var noticesCmd = &cobra.Command{
	Use:     "notices",
	GroupID: "queue",
	Short:   "List changes that need your attention",
	Long: `List conflict and rejection notices.

A notice holds its change in the queue until it is dismissed (the change is
discarded) or retried (the change is delivered again).`,
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

		all, _ := cmd.Flags().GetBool("all")
		list, err := a.notices.List(!all)
		if err != nil {
			return err
		}
		if list == nil {
			list = []*models.Notice{}
		}
		if ok, err := emit(stdout(), list); ok {
			return err
		}
		if len(list) == 0 {
			fmt.Println(okStyle.Render("No notices."))
			return nil
		}
		for _, n := range list {
			printNotice(n)
		}
		return nil
	},
}

var dismissCmd = &cobra.Command{
	Use:     "dismiss <notice-id>",
	GroupID: "queue",
	Short:   "Discard the change behind a notice",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return actOnNotice(args[0], "dismissed", func(a *agent, id string) (*models.Notice, error) {
			return a.notices.Dismiss(id)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:     "retry <notice-id>",
	GroupID: "queue",
	Short:   "Deliver the change behind a notice again",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return actOnNotice(args[0], "released for delivery", func(a *agent, id string) (*models.Notice, error) {
			return a.notices.Retry(id)
		})
	},
}

func init() {
	noticesCmd.Flags().BoolP("all", "a", false, "include closed notices")
	rootCmd.AddCommand(noticesCmd, dismissCmd, retryCmd)
}

func actOnNotice(id, verb string, fn func(*agent, string) (*models.Notice, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openAgent(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := access.Check(a.actor.Role, access.ActionResolveNotices); err != nil {
		return err
	}
	n, err := fn(a, id)
	if err != nil {
		return err
	}
	if ok, err := emit(stdout(), n); ok {
		return err
	}
	fmt.Printf("%s %s %s\n", okStyle.Render("Notice"), n.ID, verb)
	return nil
}

func printNotice(n *models.Notice) {
	kind := warnStyle.Render(string(n.Kind))
	if n.Kind == models.NoticeRejected {
		kind = errorStyle.Render(string(n.Kind))
	}
	created := n.CreatedAtTime().Local().Format(time.DateTime)
	fmt.Printf("%s  %s  %s/%s  %s\n", headerStyle.Render(n.ID), kind, n.EntityType, n.RecordID, mutedStyle.Render(created))
	if n.Reason != "" {
		fmt.Printf("  %s\n", n.Reason)
	}
	if len(n.LocalPayload) > 0 {
		fmt.Printf("  yours:  %s\n", summarize(n.LocalPayload))
	}
	if len(n.ServerRecord) > 0 {
		fmt.Printf("  server: %s\n", summarize(n.ServerRecord))
	}
	if n.Acknowledged() {
		fmt.Printf("  %s\n", mutedStyle.Render("closed"))
	}
}

// summarize renders a record as sorted key=value pairs.
func summarize(fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}
