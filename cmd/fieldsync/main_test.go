package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightpath/fieldsync/internal/config"
	apperrors "github.com/brightpath/fieldsync/internal/errors"
	"github.com/brightpath/fieldsync/internal/models"
	"github.com/brightpath/fieldsync/internal/repository"
)

func testAgent(t *testing.T) *agent {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.User.ID = "fw-1"
	a, err := openAgent(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestVersion(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
	assert.Equal(t, Version, rootCmd.Version)
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "sync", "pending", "enqueue", "delete", "notices", "dismiss", "retry", "export", "mock-api"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
		assert.NotEmpty(t, cmd.GroupID, "%s should be grouped", name)
	}
}

func TestParseDate(t *testing.T) {
	now := time.Date(2024, 1, 10, 9, 30, 0, 0, time.UTC) // a Wednesday
	tests := []struct {
		expr    string
		want    string
		wantErr bool
	}{
		{"2024-03-05", "2024-03-05", false},
		{"today", "2024-01-10", false},
		{"Yesterday", "2024-01-09", false},
		{"2 days ago", "2024-01-08", false},
		{"not a date at all", "", true},
	}
	for _, tt := range tests {
		got, err := parseDate(tt.expr, now)
		if tt.wantErr {
			assert.Error(t, err, tt.expr)
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), tt.expr)
			continue
		}
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
}

func TestReadRecord(t *testing.T) {
	rec, err := readRecord(`{"child_id":"c1","present":true}`, "")
	require.NoError(t, err)
	assert.Equal(t, "c1", rec["child_id"])

	_, err = readRecord("", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = readRecord(`[1,2]`, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestOpenAgent(t *testing.T) {
	a := testAgent(t)
	assert.Equal(t, "fw-1", a.actor.UserID)
	assert.Nil(t, a.prober(), "no probe_url means no prober")

	a.cfg.Netmon.ProbeURL = "http://127.0.0.1:1/healthz"
	assert.NotNil(t, a.prober())

	id, err := repository.Create(a.store, a.actor, models.EntityAttendance, map[string]interface{}{
		"child_id": "c1",
		"date":     "2024-01-10",
		"present":  true,
	})
	require.NoError(t, err)
	m, err := a.queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "fw-1", m.Payload["recorded_by"])
}

func TestOpenAgent_badRole(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.User.Role = "principal"
	_, err := openAgent(cfg)
	assert.Error(t, err)
}

func TestEmit(t *testing.T) {
	defer func(f string) { outputFormat = f }(outputFormat)
	v := map[string]interface{}{"pending": 3}

	outputFormat = "text"
	var buf bytes.Buffer
	ok, err := emit(&buf, v)
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.Zero(t, buf.Len())

	outputFormat = "json"
	ok, err = emit(&buf, v)
	assert.True(t, ok)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"pending": 3`)

	buf.Reset()
	outputFormat = "yaml"
	ok, err = emit(&buf, pendingView{})
	assert.True(t, ok)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(buf.String(), "stats:"), buf.String())
	assert.Contains(t, buf.String(), "in_flight: 0")

	outputFormat = "xml"
	_, err = emit(&buf, v)
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	got := summarize(map[string]interface{}{"b": 2, "a": "x"})
	assert.Equal(t, "a=x b=2", got)
}
