package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/gin-gonic/gin"

	"github.com/brightpath/fieldsync/internal/models"
	"github.com/brightpath/fieldsync/internal/uuid"
	"github.com/brightpath/fieldsync/internal/validation"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayHeader      = "Idempotent-Replayed"
)

// auditFields names the field recording who created a record of each entity.
var auditFields = map[string]string{
	models.EntityChildren:    "created_by",
	models.EntityAttendance:  "recorded_by",
	models.EntityAssessments: "assessed_by",
}

// Fields the server owns; clients cannot set them.
var reserved = map[string]bool{
	"version":      true,
	"created_at":   true,
	"updated_at":   true,
	"base_version": true,
}

type conflictBody struct {
	Error         string                 `json:"error"`
	Message       string                 `json:"message"`
	Record        map[string]interface{} `json:"record"`
	ChangedFields []string               `json:"changed_fields,omitempty"`
}

type mutationRequest struct {
	entityType  string
	recordID    string
	key         string
	fields      map[string]interface{}
	baseVersion int
}

func (s *Server) list(c *gin.Context) {
	entityType := c.Param("entity")
	s.mu.Lock()
	coll, ok := s.records[entityType]
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_entity"})
		return
	}
	items := make([]map[string]interface{}, 0, len(coll))
	for _, rec := range coll {
		items = append(items, copyRecord(rec))
	}
	s.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return idOf(items[i]) < idOf(items[j]) })
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) get(c *gin.Context) {
	rec, ok := s.Record(c.Param("entity"), c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) create(c *gin.Context) {
	s.handleMutation(c, func(req *mutationRequest) (int, interface{}) {
		id := req.recordID
		if id == "" {
			id = uuid.New()
			req.recordID = id
		}

		if existing, ok := s.records[req.entityType][id]; ok {
			// A rebased create carries the version it was merged against.
			if req.baseVersion > 0 && req.baseVersion == versionOf(existing) {
				return s.applyUpdate(req, existing)
			}
			return http.StatusConflict, conflictBody{
				Error:   "version_conflict",
				Message: fmt.Sprintf("%s %s already exists", req.entityType, id),
				Record:  copyRecord(existing),
			}
		}

		candidate := copyRecord(req.fields)
		candidate["id"] = id
		if field, ok := auditFields[req.entityType]; ok && s.opts.Actor != "" {
			if v, _ := candidate[field].(string); v == "" {
				candidate[field] = s.opts.Actor
			}
		}
		if err := validateRecord(req.entityType, candidate); err != nil {
			return validationFailure(err)
		}
		rec := s.insert(req.entityType, id, candidate)
		s.applied++
		return http.StatusCreated, copyRecord(rec)
	})
}

func (s *Server) update(c *gin.Context) {
	s.handleMutation(c, func(req *mutationRequest) (int, interface{}) {
		existing, ok := s.records[req.entityType][req.recordID]
		if !ok {
			return http.StatusNotFound, gin.H{"error": "not_found", "message": fmt.Sprintf("%s %s does not exist", req.entityType, req.recordID)}
		}
		if req.baseVersion > 0 && req.baseVersion != versionOf(existing) {
			return s.conflict(req, existing)
		}
		return s.applyUpdate(req, existing)
	})
}

func (s *Server) delete(c *gin.Context) {
	s.handleMutation(c, func(req *mutationRequest) (int, interface{}) {
		existing, ok := s.records[req.entityType][req.recordID]
		if !ok {
			return http.StatusNotFound, gin.H{"error": "not_found", "message": fmt.Sprintf("%s %s does not exist", req.entityType, req.recordID)}
		}
		if req.baseVersion > 0 && req.baseVersion != versionOf(existing) {
			return s.conflict(req, existing)
		}
		delete(s.records[req.entityType], req.recordID)
		delete(s.history, req.entityType+"/"+req.recordID)
		s.applied++
		return http.StatusOK, gin.H{"id": req.recordID, "deleted": true}
	})
}

// applyUpdate validates the merged record before committing it.
func (s *Server) applyUpdate(req *mutationRequest, existing map[string]interface{}) (int, interface{}) {
	candidate := copyRecord(existing)
	for k, v := range req.fields {
		if !reserved[k] && k != "id" {
			candidate[k] = v
		}
	}
	if err := validateRecord(req.entityType, candidate); err != nil {
		return validationFailure(err)
	}
	rec := s.apply(req.entityType, existing, req.fields)
	s.applied++
	return http.StatusOK, copyRecord(rec)
}

func (s *Server) conflict(req *mutationRequest, existing map[string]interface{}) (int, interface{}) {
	return http.StatusConflict, conflictBody{
		Error:         "version_conflict",
		Message:       fmt.Sprintf("record is at version %d, request was based on %d", versionOf(existing), req.baseVersion),
		Record:        copyRecord(existing),
		ChangedFields: s.changedSince(req.entityType, req.recordID, req.baseVersion),
	}
}

// handleMutation runs the shared steps of every write: request decoding,
// failure injection, idempotency replay and the arrival log. fn runs with
// s.mu held.
func (s *Server) handleMutation(c *gin.Context, fn func(req *mutationRequest) (int, interface{})) {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.Request.Context().Done():
			return
		}
	}

	req := &mutationRequest{
		entityType: c.Param("entity"),
		recordID:   c.Param("id"),
		key:        c.GetHeader(idempotencyHeader),
		fields:     map[string]interface{}{},
	}
	var decodeErr error
	if c.Request.ContentLength != 0 {
		decodeErr = json.NewDecoder(c.Request.Body).Decode(&req.fields)
		req.fields = snakeKeys(req.fields)
	}
	req.baseVersion = intField(req.fields, "base_version")
	if req.recordID == "" {
		if id, ok := req.fields["id"].(string); ok {
			req.recordID = id
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	arrival := Arrival{
		Key:        req.key,
		Method:     c.Request.Method,
		EntityType: req.entityType,
		RecordID:   req.recordID,
		At:         s.opts.Now(),
	}
	respond := func(status int, body interface{}) {
		arrival.Status = status
		s.arrivals = append(s.arrivals, arrival)
		if arrival.Replayed {
			c.Header(replayHeader, "true")
		}
		c.JSON(status, body)
	}

	if s.inject.remaining > 0 {
		s.inject.remaining--
		arrival.Injected = true
		respond(s.inject.status, gin.H{"error": "injected_failure"})
		return
	}

	if _, ok := s.records[req.entityType]; !ok {
		respond(http.StatusNotFound, gin.H{"error": "unknown_entity", "message": fmt.Sprintf("unknown entity type %q", req.entityType)})
		return
	}
	if req.key == "" {
		respond(http.StatusBadRequest, gin.H{"error": "idempotency_key_required"})
		return
	}

	fingerprint := c.Request.Method + " " + c.Request.URL.Path
	if stored, ok := s.responses[req.key]; ok {
		if stored.fingerprint != fingerprint {
			respond(http.StatusUnprocessableEntity, gin.H{"error": "idempotency_key_reused"})
			return
		}
		arrival.Replayed = true
		respond(stored.status, stored.body)
		return
	}

	if decodeErr != nil {
		respond(http.StatusBadRequest, gin.H{"error": "invalid_json", "message": decodeErr.Error()})
		return
	}

	status, body := fn(req)
	arrival.RecordID = req.recordID
	if status < http.StatusInternalServerError {
		s.responses[req.key] = storedResponse{fingerprint: fingerprint, status: status, body: body}
	}
	respond(status, body)
}

func validationFailure(err error) (int, interface{}) {
	body := gin.H{"error": "validation_failed", "message": err.Error()}
	var fe validation.FieldErrors
	if errors.As(err, &fe) {
		body["fields"] = map[string]string(fe)
	}
	return http.StatusUnprocessableEntity, body
}

// validateRecord checks a full record against its entity's rules.
func validateRecord(entityType string, record map[string]interface{}) error {
	var target interface{}
	switch entityType {
	case models.EntityChildren:
		target = &models.Child{}
	case models.EntityAttendance:
		target = &models.AttendanceRecord{}
	case models.EntityAssessments:
		target = &models.Assessment{}
	case models.EntityEnrollments:
		target = &models.Enrollment{}
	case models.EntitySchools:
		target = &models.School{}
	default:
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return validation.FieldErrors{"_": fmt.Sprintf("malformed record: %v", err)}
	}
	return validation.Struct(target)
}

// snakeKeys stores camelCase field names (childId) under their snake_case
// form (child_id). An explicit snake_case key wins over its camelCase twin.
func snakeKeys(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if sk := snakeCase(k); sk != k {
			if _, ok := fields[sk]; ok {
				continue
			}
			out[sk] = v
			continue
		}
		out[k] = v
	}
	return out
}

func snakeCase(k string) string {
	var b strings.Builder
	for i, r := range k {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func copyRecord(rec map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func contentKeys(rec map[string]interface{}) []string {
	var out []string
	for k := range rec {
		if !reserved[k] && k != "id" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func idOf(rec map[string]interface{}) string {
	s, _ := rec["id"].(string)
	return s
}

func versionOf(rec map[string]interface{}) int {
	return intField(rec, "version")
}

func intField(rec map[string]interface{}, key string) int {
	switch v := rec[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// equalJSON compares values as they would round-trip through JSON, so an
// int stored by Edit equals the float64 a client sends.
func equalJSON(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
