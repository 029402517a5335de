package statusapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightpath/fieldsync/internal/access"
	"github.com/brightpath/fieldsync/internal/db"
	apperrors "github.com/brightpath/fieldsync/internal/errors"
	"github.com/brightpath/fieldsync/internal/models"
	"github.com/brightpath/fieldsync/internal/netmon"
	"github.com/brightpath/fieldsync/internal/repository"
	syncpkg "github.com/brightpath/fieldsync/internal/sync"
	"github.com/brightpath/fieldsync/internal/sync/notices"
	"github.com/brightpath/fieldsync/internal/sync/queue"
	"github.com/brightpath/fieldsync/internal/sync/scheduler"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeScheduler struct {
	syncCalls    int
	triggerCalls int
	result       *syncpkg.Result
	err          error
}

func (f *fakeScheduler) SyncNow(ctx context.Context) (*syncpkg.Result, error) {
	f.syncCalls++
	return f.result, f.err
}

func (f *fakeScheduler) TriggerSync() bool {
	f.triggerCalls++
	return true
}

func (f *fakeScheduler) GetStatus() scheduler.SchedulerStatus {
	return scheduler.SchedulerStatus{IsRunning: true, IsOnline: true, PendingItems: 2}
}

type nudger struct{ n int }

func (n *nudger) TriggerSync() bool {
	n.n++
	return true
}

type fakeHistory []syncpkg.SyncErrorEntry

func (f fakeHistory) GetErrorHistory() []syncpkg.SyncErrorEntry { return f }

type fixture struct {
	sched   *fakeScheduler
	queue   *queue.Queue
	notices *notices.Store
	net     *netmon.Monitor
	hub     *Hub
	nudger  *nudger
	srv     *Server
}

func newFixture(t *testing.T, role access.Role) *fixture {
	t.Helper()
	d, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	q, err := queue.New(d.DB, queue.Options{})
	require.NoError(t, err)

	f := &fixture{
		sched:   &fakeScheduler{result: &syncpkg.Result{Attempted: 1, Applied: 1}},
		queue:   q,
		notices: notices.New(d.DB, q),
		net:     netmon.New(true),
		hub:     NewHub(),
		nudger:  &nudger{},
	}
	t.Cleanup(f.hub.Stop)

	f.srv = New(Options{
		Scheduler: f.sched,
		Notices:   f.notices,
		Queue:     f.queue,
		Network:   f.net,
		History: fakeHistory{{
			MutationID: "m9",
			Operation:  "update",
			Error:      "transient network error",
			Timestamp:  time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC),
		}},
		Hub:     f.hub,
		Records: repository.NewStore(q, f.nudger),
		Actor:   repository.Actor{UserID: "u-1", Role: role},
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// heldNotice enqueues an update, holds it and opens a conflict notice for it.
func (f *fixture) heldNotice(t *testing.T) *models.Notice {
	t.Helper()
	id, err := f.queue.Enqueue(&models.PendingMutation{
		EntityType: models.EntityChildren,
		RecordID:   "c1",
		Operation:  models.OperationUpdate,
		Payload:    map[string]interface{}{"last_name": "Boateng"},
	})
	require.NoError(t, err)
	require.NoError(t, f.queue.Hold(id, "conflict"))

	n := &models.Notice{
		MutationID: id,
		Kind:       models.NoticeConflict,
		EntityType: models.EntityChildren,
		RecordID:   "c1",
		Reason:     "both you and the server changed: [last_name]",
	}
	require.NoError(t, f.notices.Create(n))
	return n
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, access.RoleFieldWorker)
	w := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, access.RoleFieldWorker)
	f.heldNotice(t)

	w := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["open_notices"])
	sched := body["scheduler"].(map[string]interface{})
	assert.Equal(t, true, sched["is_running"])
}

func TestPending(t *testing.T) {
	f := newFixture(t, access.RoleFieldWorker)
	f.heldNotice(t)
	_, err := f.queue.Enqueue(&models.PendingMutation{
		EntityType: models.EntityAttendance,
		RecordID:   "a1",
		Operation:  models.OperationCreate,
		Payload:    map[string]interface{}{"id": "a1"},
	})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["pending"])
	assert.Equal(t, true, body["online"])
	stats := body["stats"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["held"])
}

func TestMutations(t *testing.T) {
	f := newFixture(t, access.RoleFieldWorker)

	w := f.do(t, http.MethodGet, "/api/mutations", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["count"])

	f.heldNotice(t)
	w = f.do(t, http.MethodGet, "/api/mutations", "")
	body := decode(t, w)
	assert.Equal(t, float64(1), body["count"])
	assert.Len(t, body["mutations"], 1)
}

func TestSyncNow(t *testing.T) {
	f := newFixture(t, access.RoleFieldWorker)

	w := f.do(t, http.MethodPost, "/api/sync", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.sched.syncCalls)
	assert.Equal(t, float64(1), decode(t, w)["applied"])

	f.sched.err = apperrors.New(apperrors.ErrOffline, "device is offline")
	w = f.do(t, http.MethodPost, "/api/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, string(apperrors.ErrOffline), decode(t, w)["error"])
}

func TestSyncNow_offlineSkipIsUnavailable(t *testing.T) {
	f := newFixture(t, access.RoleFieldWorker)
	f.sched.result = &syncpkg.Result{Skipped: true, Reason: syncpkg.SkipOffline}

	w := f.do(t, http.MethodPost, "/api/sync", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode(t, w)
	assert.Equal(t, string(apperrors.ErrOffline), body["error"])
	result, ok := body["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, syncpkg.SkipOffline, result["reason"])

	// A pass already running is not an outage.
	f.sched.result = &syncpkg.Result{Skipped: true, Reason: syncpkg.SkipInProgress}
	w = f.do(t, http.MethodPost, "/api/sync", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNotices_ListAndGet(t *testing.T) {
	f := newFixture(t, access.RoleFieldWorker)
	n := f.heldNotice(t)

	w := f.do(t, http.MethodGet, "/api/notices", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = f.do(t, http.MethodGet, "/api/notices/"+n.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, n.MutationID, decode(t, w)["mutation_id"])

	w = f.do(t, http.MethodGet, "/api/notices/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(apperrors.ErrNotFound), decode(t, w)["error"])
}

func TestNotices_Dismiss(t *testing.T) {
	f := newFixture(t, access.RoleFieldWorker)
	n := f.heldNotice(t)

	w := f.do(t, http.MethodPost, "/api/notices/"+n.ID+"/dismiss", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	count, err := f.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, count, "dismiss discards the mutation")

	// Closed notices only show with all=true.
	assert.Equal(t, float64(0), decode(t, f.do(t, http.MethodGet, "/api/notices", ""))["count"])
	assert.Equal(t, float64(1), decode(t, f.do(t, http.MethodGet, "/api/notices?all=true", ""))["count"])
}

func TestNotices_Retry(t *testing.T) {
	f := newFixture(t, access.RoleSchoolAdmin)
	n := f.heldNotice(t)

	w := f.do(t, http.MethodPost, "/api/notices/"+n.ID+"/retry", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, f.sched.triggerCalls)

	st, err := f.queue.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Zero(t, st.Held)

	w = f.do(t, http.MethodPost, "/api/notices/"+n.ID+"/retry", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "closed notice cannot be retried")
}

func TestNotices_Forbidden(t *testing.T) {
	f := newFixture(t, access.Role("guest"))
	n := f.heldNotice(t)

	w := f.do(t, http.MethodPost, "/api/notices/"+n.ID+"/dismiss", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	count, err := f.queue.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestErrors(t *testing.T) {
	f := newFixture(t, access.RoleFieldWorker)
	w := f.do(t, http.MethodGet, "/api/errors", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["count"])
}

func TestNetwork(t *testing.T) {
	f := newFixture(t, access.RoleFieldWorker)

	w := f.do(t, http.MethodPut, "/api/network", `{"online": false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.net.IsOnline())

	w = f.do(t, http.MethodPut, "/api/network", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/network/foreground", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["online"])
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1", true},
		{"http://[::1]:8080", true},
		{"https://evil.example", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, localOrigin(r), tt.origin)
	}
}

func TestWebSocket_ReceivesSyncEvents(t *testing.T) {
	f := newFixture(t, access.RoleFieldWorker)
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Subscribe to one event type; others are filtered.
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{string(syncpkg.SyncEventPendingChanged)},
	}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	f.hub.OnSyncEvent(syncpkg.SyncEvent{Type: syncpkg.SyncEventStarted})
	f.hub.OnSyncEvent(syncpkg.SyncEvent{Type: syncpkg.SyncEventPendingChanged, Pending: 4})

	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, string(syncpkg.SyncEventPendingChanged), env.Type)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, float64(4), data["pending"])
}

func TestWebSocket_Ping(t *testing.T) {
	f := newFixture(t, access.RoleFieldWorker)
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.True(t, bytes.Contains(msg, []byte(`"pong"`)))
}

func TestHub_StopDisconnects(t *testing.T) {
	hub := NewHub()
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Stop()
	hub.Stop()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Broadcast after stop must not block.
	hub.Broadcast("sync.completed", nil)
}

func TestRecords_Create(t *testing.T) {
	f := newFixture(t, access.RoleFieldWorker)

	w := f.do(t, http.MethodPost, "/api/records/attendance",
		`{"child_id":"c1","date":"2024-01-10","present":true}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, float64(1), body["pending"])
	assert.Equal(t, 1, f.nudger.n)

	m, err := f.queue.Get(body["mutation_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "u-1", m.Payload["recorded_by"])

	w = f.do(t, http.MethodPost, "/api/records/attendance", `{"child_id":"c1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(apperrors.ErrValidation), decode(t, w)["error"])

	w = f.do(t, http.MethodPost, "/api/records/enrollments",
		`{"child_id":"c1","school_id":"s1","enrollment_date":"2024-01-10"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRecords_UpdateAndDelete(t *testing.T) {
	f := newFixture(t, access.RoleCoordinator)

	w := f.do(t, http.MethodPatch, "/api/records/children/c1", `{
		"record": {"first_name":"Ama","last_name":"Mensah","gender":"female","created_by":"u-1",
			"location":{"region":"Ashanti","district":"Kumasi","community":"Bantama"}},
		"base": {"id":"c1","first_name":"Ama","last_name":"Owusu","gender":"female","created_by":"u-1",
			"location":{"region":"Ashanti","district":"Kumasi","community":"Bantama"}},
		"base_version": 3
	}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	m, err := f.queue.Get(decode(t, w)["mutation_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, models.OperationUpdate, m.Operation)
	assert.Equal(t, 3, m.BaseVersion)
	assert.Equal(t, "Mensah", m.Payload["last_name"])

	w = f.do(t, http.MethodPatch, "/api/records/attendance/a1", `{"record":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodDelete, "/api/records/children/c1?base_version=4", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, float64(2), decode(t, w)["pending"])

	w = f.do(t, http.MethodDelete, "/api/records/children/c1?base_version=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
