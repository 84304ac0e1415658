package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperture-data/burst.watch/internal/burst"
	"github.com/aperture-data/burst.watch/internal/burst/l3ring"
	"github.com/aperture-data/burst.watch/internal/burst/l4trigger"
	"github.com/aperture-data/burst.watch/internal/units"
)

func testDetector(t *testing.T, frames int) *l4trigger.Detector {
	t.Helper()
	det, err := l4trigger.NewDetector(l4trigger.DetectorConfig{
		Alpha:                0.05,
		SettledAlphaFraction: 0.25,
		WarmupFrames:         2,
		Threshold:            8.0,
		CooldownSamples:      64,
		Policy:               l4trigger.PolicySum,
		Stats:                &burst.PipelineStats{},
	})
	require.NoError(t, err)

	epoch := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	for k := 0; k < frames; k++ {
		frame := burst.NewFrame(uint64(k*4), 4, epoch.Add(time.Duration(k)*time.Millisecond))
		for i := range frame.Power {
			frame.Power[i] = 10.0
		}
		det.Observe(uint64(k), frame)
	}
	return det
}

func testServer(t *testing.T) *WebServer {
	t.Helper()
	ring, err := l3ring.NewRing(16)
	require.NoError(t, err)
	for k := 0; k < 5; k++ {
		ring.Publish(burst.NewFrame(uint64(k*4), 4, time.Now()))
	}
	return NewWebServer(WebServerConfig{
		Address:    "127.0.0.1:0",
		Stats:      burst.NewPipelineStats(),
		Detector:   testDetector(t, 8),
		Ring:       ring,
		Feed:       NewTriggerFeed(),
		UDPPort:    60000,
		CaptureDir: "/tmp/captures",
	})
}

func TestHandleHealth(t *testing.T) {
	ws := testServer(t)
	rec := httptest.NewRecorder()
	ws.setupRoutes().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleStatusPage(t *testing.T) {
	ws := testServer(t)
	rec := httptest.NewRecorder()
	ws.setupRoutes().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "burst.watch")
	assert.Contains(t, rec.Body.String(), "packets received")
}

func TestHandleStatusUnknownPath(t *testing.T) {
	ws := testServer(t)
	rec := httptest.NewRecorder()
	ws.setupRoutes().ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStats(t *testing.T) {
	ws := testServer(t)
	ws.stats.PacketsReceived.Add(42)
	rec := httptest.NewRecorder()
	ws.setupRoutes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var env statsEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, int64(42), env.PacketsReceived)
	assert.Equal(t, uint64(4), env.RingHi)
	assert.Equal(t, 5, env.RingFrames)
}

func TestHandleDetector(t *testing.T) {
	ws := testServer(t)
	rec := httptest.NewRecorder()
	ws.setupRoutes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/detector?recent=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status detectorStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "armed", status.State)
	assert.Equal(t, 8, status.FramesSeen)
	assert.Equal(t, 8.0, status.Threshold)
	assert.NotEmpty(t, status.Recent)
	assert.GreaterOrEqual(t, status.ScoreP99, status.ScoreP50)
}

func TestHandleDetectorDisabled(t *testing.T) {
	ws := NewWebServer(WebServerConfig{
		Address: "127.0.0.1:0",
		Stats:   burst.NewPipelineStats(),
	})
	rec := httptest.NewRecorder()
	ws.setupRoutes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/detector", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleBandpassChart(t *testing.T) {
	ws := testServer(t)
	rec := httptest.NewRecorder()
	ws.setupRoutes().ServeHTTP(rec, httptest.NewRequest("GET", "/charts/bandpass?stride=8", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Running Bandpass")
}

func TestHandleSignificanceChart(t *testing.T) {
	ws := testServer(t)
	rec := httptest.NewRecorder()
	ws.setupRoutes().ServeHTTP(rec, httptest.NewRequest("GET", "/charts/significance", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Significance")
}

func TestHandleBandpassPlotPNG(t *testing.T) {
	ws := testServer(t)
	rec := httptest.NewRecorder()
	ws.setupRoutes().ServeHTTP(rec, httptest.NewRequest("GET", "/plots/bandpass.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	// PNG signature.
	require.Greater(t, rec.Body.Len(), 8)
	assert.Equal(t, "\x89PNG", rec.Body.String()[:4])
}

func TestTriggerFeedFanout(t *testing.T) {
	feed := NewTriggerFeed()
	a := feed.Subscribe()
	b := feed.Subscribe()
	assert.Equal(t, 2, feed.Subscribers())

	ev := l4trigger.TriggerEvent{Seq: 99, Score: 12.0}
	feed.Publish(ev)
	assert.Equal(t, ev, <-a)
	assert.Equal(t, ev, <-b)

	feed.Unsubscribe(b)
	feed.Publish(ev)
	assert.Equal(t, ev, <-a)
	select {
	case got := <-b:
		t.Fatalf("unsubscribed channel received %+v", got)
	default:
	}
}

func TestTriggerFeedDoesNotBlockOnSlowSubscriber(t *testing.T) {
	feed := NewTriggerFeed()
	feed.Subscribe() // never drained
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberDepth*4; i++ {
			feed.Publish(l4trigger.TriggerEvent{Seq: uint64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHandleEventsStreamsTriggers(t *testing.T) {
	ws := testServer(t)
	srv := httptest.NewServer(ws.setupRoutes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Subscription races the publish; wait for it to land.
	for i := 0; i < 100 && ws.feed.Subscribers() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotZero(t, ws.feed.Subscribers())
	ws.feed.Publish(l4trigger.TriggerEvent{Seq: 7, Score: 11.5, Policy: l4trigger.PolicySum})

	buf := make([]byte, 4096)
	var got strings.Builder
	for ctx.Err() == nil && !strings.Contains(got.String(), "event: trigger") {
		n, err := resp.Body.Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
	}
	assert.Contains(t, got.String(), "event: trigger")
	assert.Contains(t, got.String(), `"seq":7`)
}

func TestChannelFreqEndpointsAgree(t *testing.T) {
	// The chart axes and the header values come from the same band plan.
	assert.InDelta(t, 1529.93896484375, units.ChannelFreqMHz(0), 1e-9)
	assert.Less(t, units.ChannelFreqMHz(units.NumChannels-1), units.ChannelFreqMHz(0))
}
