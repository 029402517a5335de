package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	apperrors "github.com/brightpath/fieldsync/internal/errors"
	"github.com/brightpath/fieldsync/internal/models"
	"github.com/brightpath/fieldsync/internal/repository"
)

// dateFields names the calendar date field of each dated entity.
var dateFields = map[string]string{
	models.EntityAttendance:  "date",
	models.EntityAssessments: "assessment_date",
	models.EntityEnrollments: "enrollment_date",
}

var enqueueCmd = &cobra.Command{
	Use:     "enqueue <entity>",
	GroupID: "queue",
	Short:   "Queue a create or update for delivery",
	Long: `Queue a write made on this device. The record is read as JSON from --data
or --file and validated before it is queued.

Entities: children, attendance, assessments, enrollments.

--date accepts natural language ("today", "last monday", "2 days ago") and
fills the entity's date field. Updates are supported for children and need
--base (the record as last synced) and --base-version.

Examples:
  fieldsync enqueue attendance --data '{"child_id":"c1","present":true}' --date today
  fieldsync enqueue children --file child.json
  fieldsync enqueue children --update --file child.json --base synced.json --base-version 3`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

var deleteCmd = &cobra.Command{
	Use:     "delete <entity> <id>",
	GroupID: "queue",
	Short:   "Queue a delete for delivery",
	Args:    cobra.ExactArgs(2),
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

		baseVersion, _ := cmd.Flags().GetInt("base-version")
		id, err := a.store.DeleteRecord(a.actor, args[0], args[1], baseVersion)
		if err != nil {
			return err
		}
		return reportQueued(a, id)
	},
}

func init() {
	enqueueCmd.Flags().String("data", "", "record as inline JSON")
	enqueueCmd.Flags().String("file", "", "read the record from a JSON file")
	enqueueCmd.Flags().String("date", "", "date for the record, in natural language or YYYY-MM-DD")
	enqueueCmd.Flags().Bool("update", false, "queue an update instead of a create (children only)")
	enqueueCmd.Flags().String("base", "", "JSON file with the record as last synced (with --update)")
	enqueueCmd.Flags().Int("base-version", 0, "server version the change was made against")
	deleteCmd.Flags().Int("base-version", 0, "server version the delete was made against")
	rootCmd.AddCommand(enqueueCmd, deleteCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	entity := args[0]
	data, _ := cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("file")
	dateExpr, _ := cmd.Flags().GetString("date")
	update, _ := cmd.Flags().GetBool("update")
	baseFile, _ := cmd.Flags().GetString("base")
	baseVersion, _ := cmd.Flags().GetInt("base-version")

	record, err := readRecord(data, file)
	if err != nil {
		return err
	}
	if dateExpr != "" {
		field, ok := dateFields[entity]
		if !ok {
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s has no date field", entity))
		}
		day, err := parseDate(dateExpr, time.Now())
		if err != nil {
			return err
		}
		record[field] = day
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openAgent(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var id string
	if update {
		if entity != models.EntityChildren {
			return apperrors.New(apperrors.ErrInvalid, "--update is only supported for children")
		}
		base, err := readRecord("", baseFile)
		if err != nil {
			return fmt.Errorf("--base: %w", err)
		}
		id, err = repository.UpdateChildFromPayload(a.store, a.actor, record, base, baseVersion)
		if err != nil {
			return err
		}
	} else {
		id, err = repository.Create(a.store, a.actor, entity, record)
		if err != nil {
			return err
		}
	}
	return reportQueued(a, id)
}

func readRecord(data, file string) (map[string]interface{}, error) {
	raw := []byte(data)
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "record required: use --data or --file")
	}
	var record map[string]interface{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "record is not a JSON object", err)
	}
	return record, nil
}

// parseDate resolves a YYYY-MM-DD date or a natural-language expression
// relative to now into a calendar date.
func parseDate(expr string, now time.Time) (string, error) {
	if t, err := time.Parse(time.DateOnly, expr); err == nil {
		return t.Format(time.DateOnly), nil
	}
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "today":
		return now.Format(time.DateOnly), nil
	case "yesterday":
		return now.AddDate(0, 0, -1).Format(time.DateOnly), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(expr, now)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("cannot parse date %q", expr), err)
	}
	if r == nil {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("cannot parse date %q", expr))
	}
	return r.Time.Format(time.DateOnly), nil
}

func reportQueued(a *agent, id string) error {
	pending, err := a.store.PendingChanges()
	if err != nil {
		return err
	}
	if ok, err := emit(stdout(), map[string]interface{}{"mutation_id": id, "pending": pending}); ok {
		return err
	}
	fmt.Printf("%s %s\n", okStyle.Render("Queued"), id)
	fmt.Printf("%d changes waiting to sync\n", pending)
	return nil
}
