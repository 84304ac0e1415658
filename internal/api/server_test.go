package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aperture-data/burst.watch/internal/burst/l4trigger"
	"github.com/aperture-data/burst.watch/internal/burst/l5capture"
	"github.com/aperture-data/burst.watch/internal/config"
	"github.com/aperture-data/burst.watch/internal/db"
)

// fakeCapturer satisfies Capturer without a live ring.
type fakeCapturer struct {
	job  l5capture.Job
	err  error
	last string
}

func (f *fakeCapturer) ManualCapture(suffix string) (l5capture.Job, error) {
	f.last = suffix
	return f.job, f.err
}

func (f *fakeCapturer) RecentJobs() []l5capture.Job {
	if f.job.ID == "" {
		return nil
	}
	return []l5capture.Job{f.job}
}

func setupTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	database, err := db.OpenDB(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}

	threshold := 8.0
	tuning := &config.TuningConfig{TriggerThreshold: &threshold}
	return NewServer(database, &fakeCapturer{}, tuning), database
}

func seedEvents(t *testing.T, database *db.DB) {
	t.Helper()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := database.RecordTrigger(l4trigger.TriggerEvent{
			Seq:      uint64(100 + i),
			FrameSeq: uint64(25 + i),
			Time:     now.Add(time.Duration(i) * time.Second),
			Score:    10.0 + float64(i),
			Policy:   l4trigger.PolicySum,
		})
		if err != nil {
			t.Fatalf("RecordTrigger: %v", err)
		}
	}
	for i, state := range []l5capture.JobState{l5capture.JobDone, l5capture.JobFailed} {
		err := database.RecordJob(&l5capture.Job{
			ID:      fmt.Sprintf("job-%d", i),
			Trigger: l4trigger.TriggerEvent{Time: now, Policy: l4trigger.PolicySum},
			Lo:      10, Hi: 20,
			State:   state,
			Created: now,
			Updated: now,
		})
		if err != nil {
			t.Fatalf("RecordJob: %v", err)
		}
	}
}

func TestListTriggers(t *testing.T) {
	server, database := setupTestServer(t)
	seedEvents(t, database)
	mux := server.ServeMux()

	t.Run("returns_newest_first", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/triggers?limit=2", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var triggers []db.TriggerRow
		if err := json.Unmarshal(w.Body.Bytes(), &triggers); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(triggers) != 2 {
			t.Fatalf("Expected 2 triggers, got %d", len(triggers))
		}
		if triggers[0].Seq != 102 {
			t.Errorf("Expected newest trigger seq 102 first, got %d", triggers[0].Seq)
		}
	})

	t.Run("invalid_limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/triggers?limit=zero", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})

	t.Run("POST_method_not_allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/triggers", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected status 405, got %d", w.Code)
		}
	})
}

func TestListCaptures(t *testing.T) {
	server, database := setupTestServer(t)
	seedEvents(t, database)
	mux := server.ServeMux()

	t.Run("all", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/captures", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		var captures []db.CaptureRow
		if err := json.Unmarshal(w.Body.Bytes(), &captures); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(captures) != 2 {
			t.Errorf("Expected 2 captures, got %d", len(captures))
		}
	})

	t.Run("state_filter", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/captures?state=failed", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		var captures []db.CaptureRow
		if err := json.Unmarshal(w.Body.Bytes(), &captures); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(captures) != 1 || captures[0].State != "failed" {
			t.Errorf("Expected one failed capture, got %+v", captures)
		}
	})

	t.Run("invalid_state", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/captures?state=bogus", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})
}

func TestShowCapture(t *testing.T) {
	server, database := setupTestServer(t)
	seedEvents(t, database)
	mux := server.ServeMux()

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/captures/job-0", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var capture db.CaptureRow
		if err := json.Unmarshal(w.Body.Bytes(), &capture); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if capture.ID != "job-0" || capture.State != "done" {
			t.Errorf("Unexpected capture: %+v", capture)
		}
	})

	t.Run("not_found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/captures/missing", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", w.Code)
		}
	})

	t.Run("nested_path_rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/captures/a/b", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})
}

func TestManualCapture(t *testing.T) {
	server, _ := setupTestServer(t)
	now := time.Now().UTC()
	capturer := &fakeCapturer{job: l5capture.Job{
		ID:      "manual-1",
		Trigger: l4trigger.TriggerEvent{Time: now, Policy: "manual"},
		Lo:      5, Hi: 15,
		State:   l5capture.JobPending,
		Suffix:  "test-dump",
		Created: now,
		Updated: now,
	}}
	server.captures = capturer
	mux := server.ServeMux()

	t.Run("POST_accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/capture", strings.NewReader("suffix=test-dump"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusAccepted {
			t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
		}
		if capturer.last != "test-dump" {
			t.Errorf("Expected suffix to reach the manager, got %q", capturer.last)
		}
		var job l5capture.Job
		if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if job.ID != "manual-1" {
			t.Errorf("Expected job manual-1, got %q", job.ID)
		}
	})

	t.Run("GET_method_not_allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/capture", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected status 405, got %d", w.Code)
		}
	})

	t.Run("empty_ring_is_500", func(t *testing.T) {
		server.captures = &fakeCapturer{err: fmt.Errorf("ring is empty")}
		defer func() { server.captures = capturer }()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/capture", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("Expected status 500, got %d", w.Code)
		}
	})
}

func TestListInjections(t *testing.T) {
	server, database := setupTestServer(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	if err := database.RecordInjection(now, "pulse.dat", 2048); err != nil {
		t.Fatalf("RecordInjection: %v", err)
	}
	mux := server.ServeMux()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/injections", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var injections []db.InjectionRow
	if err := json.Unmarshal(w.Body.Bytes(), &injections); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(injections) != 1 || injections[0].PulseFile != "pulse.dat" {
		t.Errorf("Unexpected injections: %+v", injections)
	}
}

func TestShowConfig(t *testing.T) {
	server, _ := setupTestServer(t)
	mux := server.ServeMux()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var tuning config.TuningConfig
	if err := json.Unmarshal(w.Body.Bytes(), &tuning); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tuning.TriggerThreshold == nil || *tuning.TriggerThreshold != 8.0 {
		t.Errorf("Expected trigger_threshold 8.0 in config, got %+v", tuning.TriggerThreshold)
	}
}

func TestShowVersion(t *testing.T) {
	server, _ := setupTestServer(t)
	mux := server.ServeMux()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/version", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var got map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["version"] == "" {
		t.Error("Expected a version string")
	}
}

func TestLoggingMiddlewarePreservesStatus(t *testing.T) {
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTeapot {
		t.Errorf("Expected status 418 to pass through, got %d", w.Code)
	}
}
