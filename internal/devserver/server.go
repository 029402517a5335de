// Package devserver is an in-memory stand-in for the BrightPath remote API.
// It dedupes writes by Idempotency-Key, versions every record and answers
// stale writes with 409 and the current record. Tests use its arrival log and
// failure injection to observe what the sync agent actually sent.
package devserver

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/brightpath/fieldsync/internal/models"
)

// Options configures a Server.
type Options struct {
	// Token, when set, is required as a Bearer token on every /api request.
	Token string
	// Now overrides the clock used for updated_at.
	Now func() time.Time
	// Actor stands in for the authenticated caller. When set, a create
	// missing its audit field (created_by, recorded_by, assessed_by) gets it.
	Actor string
}

// Arrival is one mutation request as it reached the server.
type Arrival struct {
	Key        string    `json:"key"`
	Method     string    `json:"method"`
	EntityType string    `json:"entity_type"`
	RecordID   string    `json:"record_id"`
	Status     int       `json:"status"`
	Replayed   bool      `json:"replayed"`
	Injected   bool      `json:"injected"`
	At         time.Time `json:"at"`
}

type storedResponse struct {
	fingerprint string
	status      int
	body        interface{}
}

type revision struct {
	version int
	fields  []string
}

type injection struct {
	remaining int
	status    int
}

// Server holds the records and the idempotency cache.
type Server struct {
	opts Options

	mu        sync.Mutex
	records   map[string]map[string]map[string]interface{}
	history   map[string][]revision
	responses map[string]storedResponse
	arrivals  []Arrival
	applied   int
	inject    injection
	delay     time.Duration

	engine *gin.Engine
}

// New creates a Server with one empty collection per entity type.
func New(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		opts:      opts,
		records:   make(map[string]map[string]map[string]interface{}),
		history:   make(map[string][]revision),
		responses: make(map[string]storedResponse),
	}
	for _, e := range models.EntityTypes {
		s.records[e] = make(map[string]map[string]interface{})
	}
	s.engine = s.newRouter()
	return s
}

func (s *Server) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Idempotency-Key"},
		ExposeHeaders: []string{replayHeader},
	}))

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	r.GET("/healthz", health)
	r.HEAD("/healthz", health)

	api := r.Group("/api")
	api.Use(auth(s.opts.Token))
	{
		api.GET("/:entity", s.list)
		api.GET("/:entity/:id", s.get)
		api.POST("/:entity", s.create)
		api.PATCH("/:entity/:id", s.update)
		api.DELETE("/:entity/:id", s.delete)
	}
	return r
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// FailNext makes the next n mutation requests fail with status without
// touching any record or the idempotency cache.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	s.inject = injection{remaining: n, status: status}
	s.mu.Unlock()
}

// SetDelay makes every mutation request wait d before it is handled.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Arrivals returns a copy of the arrival log in arrival order.
func (s *Server) Arrivals() []Arrival {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Arrival, len(s.arrivals))
	copy(out, s.arrivals)
	return out
}

// Applied returns how many writes took effect. Replays and injected
// failures do not count.
func (s *Server) Applied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// Record returns a copy of the stored record.
func (s *Server) Record(entityType, id string) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[entityType][id]
	if !ok {
		return nil, false
	}
	return copyRecord(rec), true
}

// Edit changes a record directly, as another device would, bumping its
// version. A missing record is created at version 1.
func (s *Server) Edit(entityType, id string, fields map[string]interface{}) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.records[entityType]
	if !ok {
		coll = make(map[string]map[string]interface{})
		s.records[entityType] = coll
	}
	rec, ok := coll[id]
	if !ok {
		rec = s.insert(entityType, id, fields)
		return copyRecord(rec)
	}
	rec = s.apply(entityType, rec, fields)
	return copyRecord(rec)
}

// insert stores a new record at version 1. Callers hold s.mu.
func (s *Server) insert(entityType, id string, fields map[string]interface{}) map[string]interface{} {
	now := s.opts.Now().UnixMilli()
	rec := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		if !reserved[k] {
			rec[k] = v
		}
	}
	rec["id"] = id
	rec["version"] = 1
	rec["created_at"] = now
	rec["updated_at"] = now
	s.records[entityType][id] = rec
	s.history[entityType+"/"+id] = []revision{{version: 1, fields: contentKeys(rec)}}
	return rec
}

// apply merges fields into rec as a new version. Callers hold s.mu.
func (s *Server) apply(entityType string, rec, fields map[string]interface{}) map[string]interface{} {
	var changed []string
	for k, v := range fields {
		if reserved[k] || k == "id" {
			continue
		}
		if old, ok := rec[k]; !ok || !equalJSON(old, v) {
			changed = append(changed, k)
		}
		rec[k] = v
	}
	sort.Strings(changed)
	version := versionOf(rec) + 1
	rec["version"] = version
	rec["updated_at"] = s.opts.Now().UnixMilli()
	key := entityType + "/" + idOf(rec)
	s.history[key] = append(s.history[key], revision{version: version, fields: changed})
	return rec
}

// changedSince lists the fields changed by versions after base.
func (s *Server) changedSince(entityType, id string, base int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rev := range s.history[entityType+"/"+id] {
		if rev.version <= base {
			continue
		}
		for _, f := range rev.fields {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}
