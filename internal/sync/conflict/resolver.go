// Package conflict resolves mutations the server rejected because the target
// record changed since the client last saw it.
package conflict

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/brightpath/fieldsync/internal/logging"
	"github.com/brightpath/fieldsync/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	// StrategyMerge merges non-overlapping field changes and resubmits;
	// overlapping changes are surfaced to the user.
	StrategyMerge ResolutionStrategy = "merge"
	// StrategyLastWriteWins resubmits the local change when it is newer than
	// the server record and surfaces it otherwise.
	StrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	// StrategyManual surfaces every conflict.
	StrategyManual ResolutionStrategy = "manual"
)

// ParseStrategy converts a config value into a ResolutionStrategy.
func ParseStrategy(s string) (ResolutionStrategy, error) {
	switch ResolutionStrategy(s) {
	case StrategyMerge, StrategyLastWriteWins, StrategyManual:
		return ResolutionStrategy(s), nil
	case "":
		return StrategyMerge, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Outcome is what the reconciler should do with the conflicting mutation.
type Outcome string

const (
	// OutcomeResubmit replaces the mutation payload and delivers it again.
	OutcomeResubmit Outcome = "resubmit"
	// OutcomeSurface holds the mutation and notifies the user.
	OutcomeSurface Outcome = "surface"
)

// Server record fields that describe the record rather than its content.
var metaFields = map[string]bool{
	"id":           true,
	"version":      true,
	"created_at":   true,
	"updated_at":   true,
	"base_version": true,
}

// Conflict is a mutation rejected with 409 plus the server's current record.
type Conflict struct {
	Mutation     *models.PendingMutation
	ServerRecord map[string]interface{}
	// ChangedFields is the server's own list of fields changed since
	// the mutation's base version, when it sent one.
	ChangedFields []string
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Outcome  Outcome
	Strategy ResolutionStrategy
	// Resolution names the branch taken, for logs and notices.
	Resolution string

	// Set when Outcome is OutcomeResubmit.
	Payload     map[string]interface{}
	Base        map[string]interface{}
	BaseVersion int

	ServerChanged []string
	Overlapping   []string
	Reason        string
}

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	strategy ResolutionStrategy
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	if strategy == "" {
		strategy = StrategyMerge
	}
	return &Resolver{strategy: strategy}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Resolve decides whether c can be resubmitted or must be surfaced.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Mutation == nil {
		return nil, ErrInvalidConflict
	}

	logging.Info("Resolving conflict", map[string]interface{}{
		"mutation_id":    c.Mutation.ID,
		"entity":         c.Mutation.EntityKey(),
		"operation":      string(c.Mutation.Operation),
		"server_version": VersionOf(c.ServerRecord),
		"strategy":       string(r.strategy),
	})

	var (
		result *ResolveResult
		err    error
	)
	switch r.strategy {
	case StrategyManual:
		result = r.resolveManual(c)
	case StrategyLastWriteWins:
		result, err = r.resolveLastWriteWins(c)
	default:
		result = r.resolveMerge(c)
	}
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"mutation_id": c.Mutation.ID,
		"outcome":     string(result.Outcome),
		"resolution":  result.Resolution,
	}
	if len(result.Overlapping) > 0 {
		fields["overlapping"] = result.Overlapping
	}
	if result.Outcome == OutcomeSurface {
		logging.Warn("Conflict needs user attention", fields)
	} else {
		logging.Info("Conflict resolved", fields)
	}
	return result, nil
}

func (r *Resolver) resolveMerge(c *Conflict) *ResolveResult {
	m := c.Mutation
	if c.ServerRecord == nil {
		return surface(StrategyMerge, "no_server_record", nil, nil,
			"server reported a conflict without its current record")
	}

	if m.Operation == models.OperationDelete {
		return resubmit(StrategyMerge, "delete_rebased", m.Payload, c.ServerRecord)
	}

	changed := ServerChangedFields(c)
	overlap := overlapping(m.Payload, c.ServerRecord, changed)
	if len(overlap) > 0 {
		return surface(StrategyMerge, "overlap", changed, overlap,
			fmt.Sprintf("both you and the server changed: %v", overlap))
	}

	res := resubmit(StrategyMerge, "merged", MergePayload(m.Payload, c.ServerRecord), c.ServerRecord)
	res.ServerChanged = changed
	return res
}

func (r *Resolver) resolveLastWriteWins(c *Conflict) (*ResolveResult, error) {
	m := c.Mutation
	if c.ServerRecord == nil {
		return surface(StrategyLastWriteWins, "no_server_record", nil, nil,
			"server reported a conflict without its current record"), nil
	}

	serverAt, ok := UpdatedAtOf(c.ServerRecord)
	if !ok {
		// Without a server timestamp the local write is treated as newest.
		serverAt = time.Time{}
	}
	localAt := m.CreatedAtTime()

	if localAt.Before(serverAt) {
		return surface(StrategyLastWriteWins, "remote_wins", ServerChangedFields(c), nil,
			fmt.Sprintf("server record was updated at %s, after this change", serverAt.UTC().Format(time.RFC3339))), nil
	}

	payload := m.Payload
	if m.Operation != models.OperationDelete {
		payload = MergePayload(m.Payload, c.ServerRecord)
	}
	return resubmit(StrategyLastWriteWins, "local_wins", payload, c.ServerRecord), nil
}

func (r *Resolver) resolveManual(c *Conflict) *ResolveResult {
	return surface(StrategyManual, "manual_review_required", ServerChangedFields(c),
		overlapping(c.Mutation.Payload, c.ServerRecord, ServerChangedFields(c)),
		"the server record changed; review both versions")
}

func resubmit(s ResolutionStrategy, resolution string, payload, server map[string]interface{}) *ResolveResult {
	return &ResolveResult{
		Outcome:     OutcomeResubmit,
		Strategy:    s,
		Resolution:  resolution,
		Payload:     payload,
		Base:        contentFields(server),
		BaseVersion: VersionOf(server),
	}
}

func surface(s ResolutionStrategy, resolution string, changed, overlap []string, reason string) *ResolveResult {
	return &ResolveResult{
		Outcome:       OutcomeSurface,
		Strategy:      s,
		Resolution:    resolution,
		ServerChanged: changed,
		Overlapping:   overlap,
		Reason:        reason,
	}
}

// ServerChangedFields returns the content fields the server changed. It uses,
// in order: the server's changed_fields list; the difference between the
// server record and the mutation's base snapshot; the fields where the server
// record and the local payload disagree.
func ServerChangedFields(c *Conflict) []string {
	if len(c.ChangedFields) > 0 {
		out := make([]string, 0, len(c.ChangedFields))
		for _, f := range c.ChangedFields {
			if !metaFields[f] {
				out = append(out, f)
			}
		}
		sort.Strings(out)
		return out
	}

	var out []string
	if base := c.Mutation.Base; base != nil {
		keys := make(map[string]bool)
		for k := range base {
			keys[k] = true
		}
		for k := range c.ServerRecord {
			keys[k] = true
		}
		for k := range keys {
			if metaFields[k] {
				continue
			}
			if !reflect.DeepEqual(base[k], c.ServerRecord[k]) {
				out = append(out, k)
			}
		}
	} else {
		for k, local := range c.Mutation.Payload {
			if metaFields[k] {
				continue
			}
			if server, ok := c.ServerRecord[k]; ok && !reflect.DeepEqual(local, server) {
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

// overlapping returns fields the local payload sets that the server also
// changed, ignoring fields where both sides arrived at the same value.
func overlapping(payload, server map[string]interface{}, changed []string) []string {
	var out []string
	for _, f := range changed {
		local, ok := payload[f]
		if !ok {
			continue
		}
		if reflect.DeepEqual(local, server[f]) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// MergePayload overlays the local payload on the server's content fields.
// The result carries every field from both sides.
func MergePayload(local, server map[string]interface{}) map[string]interface{} {
	merged := contentFields(server)
	for k, v := range local {
		if k == "version" || k == "updated_at" || k == "base_version" {
			continue
		}
		merged[k] = v
	}
	return merged
}

func contentFields(record map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(record))
	for k, v := range record {
		if k == "version" || k == "updated_at" || k == "created_at" || k == "base_version" {
			continue
		}
		out[k] = v
	}
	return out
}

// VersionOf reads the integer "version" field of a server record.
func VersionOf(record map[string]interface{}) int {
	switch v := record["version"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// UpdatedAtOf reads "updated_at" as unix milliseconds or an RFC 3339 string.
func UpdatedAtOf(record map[string]interface{}) (time.Time, bool) {
	switch v := record["updated_at"].(type) {
	case float64:
		return time.UnixMilli(int64(v)), true
	case int64:
		return time.UnixMilli(v), true
	case int:
		return time.UnixMilli(int64(v)), true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// Errors
var (
	ErrInvalidConflict = &ResolutionError{Message: "invalid conflict: mutation must be non-nil"}
)

// ResolutionError represents a conflict resolution error.
type ResolutionError struct {
	Message string
}

func (e *ResolutionError) Error() string {
	return e.Message
}
