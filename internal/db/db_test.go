package db

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperture-data/burst.watch/internal/burst/l4trigger"
	"github.com/aperture-data/burst.watch/internal/burst/l5capture"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := OpenDB(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.MigrateUp())
	return database
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	database := openTestDB(t)
	require.NoError(t, database.MigrateUp())

	version, dirty, err := database.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestMigrateDownDropsTables(t *testing.T) {
	database := openTestDB(t)
	require.NoError(t, database.MigrateDown())

	var count int
	err := database.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name IN ('triggers', 'captures', 'injections')
	`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRecordAndListTriggers(t *testing.T) {
	database := openTestDB(t)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, database.RecordTrigger(l4trigger.TriggerEvent{
			Seq:      uint64(100 + i),
			FrameSeq: uint64(25 + i),
			Time:     base.Add(time.Duration(i) * time.Second),
			Score:    10.0 + float64(i),
			Policy:   l4trigger.PolicySum,
		}))
	}

	triggers, err := database.ListTriggers(2)
	require.NoError(t, err)
	require.Len(t, triggers, 2)
	// Newest first.
	assert.Equal(t, uint64(102), triggers[0].Seq)
	assert.Equal(t, uint64(101), triggers[1].Seq)
	assert.Equal(t, 12.0, triggers[0].Score)
	assert.InDelta(t, 61113.375, triggers[0].MJD, 0.001)
}

func TestRecordJobUpserts(t *testing.T) {
	database := openTestDB(t)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	job := &l5capture.Job{
		ID: "job-1",
		Trigger: l4trigger.TriggerEvent{
			Seq: 400, FrameSeq: 100, Time: now, Score: 14.2, Policy: l4trigger.PolicySum,
		},
		Lo: 80, Hi: 120,
		State:   l5capture.JobPending,
		Created: now,
		Updated: now,
	}
	require.NoError(t, database.RecordJob(job))

	job.State = l5capture.JobDone
	job.Sink = "filterbank"
	job.Location = "/captures/burst.fil"
	job.Attempts = 1
	job.Updated = now.Add(time.Second)
	require.NoError(t, database.RecordJob(job))

	captures, err := database.ListCaptures(10, "")
	require.NoError(t, err)
	require.Len(t, captures, 1, "transitions upsert, never duplicate")
	got := captures[0]
	assert.Equal(t, "done", got.State)
	assert.Equal(t, "filterbank", got.Sink)
	assert.Equal(t, "/captures/burst.fil", got.Location)
	assert.Equal(t, uint64(80), got.LoFrame)
	assert.Equal(t, uint64(120), got.HiFrame)
	assert.Equal(t, 1, got.Attempts)
}

func TestListCapturesFiltersByState(t *testing.T) {
	database := openTestDB(t)
	now := time.Now().UTC()
	for i, state := range []l5capture.JobState{l5capture.JobDone, l5capture.JobFailed, l5capture.JobDone} {
		require.NoError(t, database.RecordJob(&l5capture.Job{
			ID:      string(rune('a' + i)),
			Trigger: l4trigger.TriggerEvent{Time: now, Policy: l4trigger.PolicySum},
			State:   state,
			Created: now.Add(time.Duration(i) * time.Second),
			Updated: now,
		}))
	}

	failed, err := database.ListCaptures(10, "failed")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].ID)

	counts, err := database.CaptureCounts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"done": 2, "failed": 1}, counts)
}

func TestGetCapture(t *testing.T) {
	database := openTestDB(t)
	now := time.Now().UTC()
	require.NoError(t, database.RecordJob(&l5capture.Job{
		ID:      "deadbeef",
		Trigger: l4trigger.TriggerEvent{Time: now, Policy: l4trigger.PolicyMax},
		State:   l5capture.JobWriting,
		Created: now,
		Updated: now,
	}))

	got, err := database.GetCapture("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "writing", got.State)

	_, err = database.GetCapture("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordAndListInjections(t *testing.T) {
	database := openTestDB(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	require.NoError(t, database.RecordInjection(now, "pulse1.dat", 4096))
	require.NoError(t, database.RecordInjection(now.Add(time.Minute), "pulse2.dat", 8192))

	injections, err := database.ListInjections(10)
	require.NoError(t, err)
	require.Len(t, injections, 2)
	assert.Equal(t, "pulse2.dat", injections[0].PulseFile)
	assert.Equal(t, uint64(8192), injections[0].StartSeq)
	assert.Equal(t, "pulse1.dat", injections[1].PulseFile)
}

func TestAttachAdminRoutes(t *testing.T) {
	database := openTestDB(t)
	mux := http.NewServeMux()
	database.AttachAdminRoutes(mux)

	// tsweb.AllowDebugAccess checks for loopback IPs, so the request
	// has to appear to come from localhost.
	req := httptest.NewRequest("GET", "/debug/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	// The debugger index lists the mounted handlers.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tailsql")
}
