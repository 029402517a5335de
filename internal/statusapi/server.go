// Package statusapi serves the local sync status view: queue counts, open
// notices and their actions, manual sync and a WebSocket event stream.
package statusapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/brightpath/fieldsync/internal/access"
	apperrors "github.com/brightpath/fieldsync/internal/errors"
	"github.com/brightpath/fieldsync/internal/logging"
	"github.com/brightpath/fieldsync/internal/models"
	"github.com/brightpath/fieldsync/internal/repository"
	syncpkg "github.com/brightpath/fieldsync/internal/sync"
	"github.com/brightpath/fieldsync/internal/sync/queue"
	"github.com/brightpath/fieldsync/internal/sync/scheduler"
)

// Scheduler runs sync passes on demand.
type Scheduler interface {
	SyncNow(ctx context.Context) (*syncpkg.Result, error)
	TriggerSync() bool
	GetStatus() scheduler.SchedulerStatus
}

// Notices is the notice store.
type Notices interface {
	List(openOnly bool) ([]*models.Notice, error)
	Get(id string) (*models.Notice, error)
	Dismiss(id string) (*models.Notice, error)
	Retry(id string) (*models.Notice, error)
	OpenCount() (int, error)
}

// Queue exposes read access to the pending mutations.
type Queue interface {
	Stats() (queue.Stats, error)
	All() ([]*models.PendingMutation, error)
}

// Network is the connectivity monitor.
type Network interface {
	IsOnline() bool
	SetOnline(online bool)
	Foreground()
}

// ErrorHistory returns recent delivery failures.
type ErrorHistory interface {
	GetErrorHistory() []syncpkg.SyncErrorEntry
}

// Options wires the server's collaborators. Records, Hub and History are
// optional; without Records the write routes are not mounted.
type Options struct {
	Scheduler Scheduler
	Notices   Notices
	Queue     Queue
	Network   Network
	History   ErrorHistory
	Hub       *Hub
	Records   repository.DataAccess
	// Actor is the user signed in on this device. Its role is checked
	// before writes and notice actions.
	Actor repository.Actor
	// SyncTimeout bounds POST /api/sync.
	SyncTimeout time.Duration
}

// Server is the status HTTP API.
type Server struct {
	opts   Options
	engine *gin.Engine
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 2 * time.Minute
	}
	s := &Server{opts: opts}
	s.engine = s.newRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return localOrigin(&http.Request{Header: http.Header{"Origin": []string{origin}}})
		},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.opts.Hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			s.opts.Hub.ServeWS(c.Writer, c.Request)
		})
	}

	api := r.Group("/api")
	{
		api.GET("/status", s.status)
		api.GET("/pending", s.pending)
		api.GET("/mutations", s.mutations)
		api.POST("/sync", s.syncNow)

		api.GET("/notices", s.listNotices)
		api.GET("/notices/:id", s.getNotice)
		api.POST("/notices/:id/dismiss", s.requireRole(access.ActionResolveNotices), s.dismissNotice)
		api.POST("/notices/:id/retry", s.requireRole(access.ActionResolveNotices), s.retryNotice)

		api.GET("/errors", s.errors)
		api.PUT("/network", s.setNetwork)
		api.POST("/network/foreground", s.foreground)
	}
	if s.opts.Records != nil {
		records := api.Group("/records")
		records.POST("/:entity", s.createRecord)
		records.PATCH("/:entity/:id", s.updateRecord)
		records.DELETE("/:entity/:id", s.deleteRecord)
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("status request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

func (s *Server) requireRole(action access.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := access.Check(s.opts.Actor.Role, action); err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

// writeError maps an error code onto an HTTP status.
func writeError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrPermission:
		status = http.StatusForbidden
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrSyncInProgress:
		status = http.StatusConflict
	case apperrors.ErrOffline:
		status = http.StatusServiceUnavailable
	case apperrors.ErrStorageFull:
		status = http.StatusInsufficientStorage
	}
	if status == http.StatusInternalServerError {
		logging.Error("Status API request failed", err, map[string]interface{}{"path": c.Request.URL.Path})
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func (s *Server) status(c *gin.Context) {
	body := gin.H{"scheduler": s.opts.Scheduler.GetStatus()}
	if n, err := s.opts.Notices.OpenCount(); err == nil {
		body["open_notices"] = n
	}
	if s.opts.Hub != nil {
		body["clients"] = s.opts.Hub.ClientCount()
	}
	c.JSON(http.StatusOK, body)
}

// pending is the user-facing "N changes waiting to sync" figure.
func (s *Server) pending(c *gin.Context) {
	st, err := s.opts.Queue.Stats()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending": st.Total,
		"stats":   st,
		"online":  s.opts.Network.IsOnline(),
	})
}

func (s *Server) mutations(c *gin.Context) {
	all, err := s.opts.Queue.All()
	if err != nil {
		writeError(c, err)
		return
	}
	if all == nil {
		all = []*models.PendingMutation{}
	}
	c.JSON(http.StatusOK, gin.H{"mutations": all, "count": len(all)})
}

func (s *Server) syncNow(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.SyncTimeout)
	defer cancel()

	result, err := s.opts.Scheduler.SyncNow(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	if result != nil && result.Skipped && result.Reason == syncpkg.SkipOffline {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   apperrors.ErrOffline,
			"message": "device is offline; changes stay queued",
			"result":  result,
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) listNotices(c *gin.Context) {
	all, _ := strconv.ParseBool(c.DefaultQuery("all", "false"))
	list, err := s.opts.Notices.List(!all)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*models.Notice{}
	}
	c.JSON(http.StatusOK, gin.H{"notices": list, "count": len(list)})
}

func (s *Server) getNotice(c *gin.Context) {
	n, err := s.opts.Notices.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) dismissNotice(c *gin.Context) {
	n, err := s.opts.Notices.Dismiss(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	s.broadcastPending()
	c.JSON(http.StatusOK, n)
}

func (s *Server) retryNotice(c *gin.Context) {
	n, err := s.opts.Notices.Retry(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	s.opts.Scheduler.TriggerSync()
	c.JSON(http.StatusOK, n)
}

// broadcastPending pushes the new queue total after a local change.
func (s *Server) broadcastPending() {
	if s.opts.Hub == nil {
		return
	}
	st, err := s.opts.Queue.Stats()
	if err != nil {
		return
	}
	s.opts.Hub.OnSyncEvent(syncpkg.SyncEvent{
		Type:      syncpkg.SyncEventPendingChanged,
		Pending:   st.Total,
		Timestamp: time.Now(),
	})
}

func (s *Server) errors(c *gin.Context) {
	var history []syncpkg.SyncErrorEntry
	if s.opts.History != nil {
		history = s.opts.History.GetErrorHistory()
	}
	if history == nil {
		history = []syncpkg.SyncErrorEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"errors": history, "count": len(history)})
}

type networkRequest struct {
	Online *bool `json:"online" binding:"required"`
}

// setNetwork forces the connectivity state, for devices without a probe.
func (s *Server) setNetwork(c *gin.Context) {
	var req networkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "body must be {\"online\": bool}", err))
		return
	}
	s.opts.Network.SetOnline(*req.Online)
	c.JSON(http.StatusOK, gin.H{"online": s.opts.Network.IsOnline()})
}

func (s *Server) foreground(c *gin.Context) {
	s.opts.Network.Foreground()
	c.JSON(http.StatusOK, gin.H{"online": s.opts.Network.IsOnline()})
}

type updateRequest struct {
	Record      map[string]interface{} `json:"record" binding:"required"`
	Base        map[string]interface{} `json:"base"`
	BaseVersion int                    `json:"base_version"`
}

// createRecord queues a new record. The response is 202: the write is
// durable locally but not yet on the server.
func (s *Server) createRecord(c *gin.Context) {
	var record map[string]interface{}
	if err := c.ShouldBindJSON(&record); err != nil {
		writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "body must be a JSON object", err))
		return
	}
	id, err := repository.Create(s.opts.Records, s.opts.Actor, c.Param("entity"), record)
	s.queued(c, id, err)
}

func (s *Server) updateRecord(c *gin.Context) {
	if c.Param("entity") != models.EntityChildren {
		writeError(c, apperrors.New(apperrors.ErrInvalid, "updates are only supported for children"))
		return
	}
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "body must be {\"record\": {...}}", err))
		return
	}
	req.Record["id"] = c.Param("id")
	id, err := repository.UpdateChildFromPayload(s.opts.Records, s.opts.Actor, req.Record, req.Base, req.BaseVersion)
	s.queued(c, id, err)
}

func (s *Server) deleteRecord(c *gin.Context) {
	baseVersion, err := strconv.Atoi(c.DefaultQuery("base_version", "0"))
	if err != nil {
		writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "base_version must be an integer", err))
		return
	}
	id, err := s.opts.Records.DeleteRecord(s.opts.Actor, c.Param("entity"), c.Param("id"), baseVersion)
	s.queued(c, id, err)
}

func (s *Server) queued(c *gin.Context, mutationID string, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	pending, err := s.opts.Records.PendingChanges()
	if err != nil {
		writeError(c, err)
		return
	}
	s.broadcastPending()
	c.JSON(http.StatusAccepted, gin.H{"mutation_id": mutationID, "pending": pending})
}
