package monitor

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aperture-data/burst.watch/internal/burst"
	"github.com/aperture-data/burst.watch/internal/burst/l3ring"
	"github.com/aperture-data/burst.watch/internal/burst/l4trigger"
	"github.com/aperture-data/burst.watch/internal/burst/l5capture"
	"github.com/aperture-data/burst.watch/internal/monitoring"
)

//go:embed status.html
var StatusHTML embed.FS

// WebServer handles the HTTP interface for monitoring the detection
// pipeline: health checks, counters, detector state, and live charts.
type WebServer struct {
	address    string
	stats      *burst.PipelineStats
	detector   *l4trigger.Detector
	ring       *l3ring.Ring
	captures   *l5capture.Manager
	feed       *TriggerFeed
	udpPort    int
	captureDir string
	server     *http.Server
	started    time.Time
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address    string
	Stats      *burst.PipelineStats
	Detector   *l4trigger.Detector
	Ring       *l3ring.Ring
	Captures   *l5capture.Manager
	Feed       *TriggerFeed
	UDPPort    int
	CaptureDir string
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:    config.Address,
		stats:      config.Stats,
		detector:   config.Detector,
		ring:       config.Ring,
		captures:   config.Captures,
		feed:       config.Feed,
		udpPort:    config.UDPPort,
		captureDir: config.CaptureDir,
		started:    time.Now(),
	}

	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}

	return ws
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Start begins the HTTP server in a goroutine and handles graceful shutdown.
func (ws *WebServer) Start(ctx context.Context) error {
	go func() {
		monitoring.Logf("starting monitor HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Logf("monitor HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	monitoring.Logf("shutting down monitor HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("monitor HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("monitor HTTP server force close error: %v", err)
		}
	}
	return nil
}

// setupRoutes configures the HTTP routes and handlers.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/healthz", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)
	mux.HandleFunc("/api/stats", ws.handleStats)
	mux.HandleFunc("/api/detector", ws.handleDetector)
	mux.HandleFunc("/api/captures", ws.handleCaptures)
	mux.HandleFunc("/charts/bandpass", ws.handleBandpassChart)
	mux.HandleFunc("/charts/significance", ws.handleSignificanceChart)
	mux.HandleFunc("/plots/bandpass.png", ws.handleBandpassPlot)
	mux.HandleFunc("/events", ws.handleEvents)

	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(ws.started).Seconds()),
	})
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	tmpl, err := template.ParseFS(StatusHTML, "status.html")
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("template error: %v", err))
		return
	}
	data := map[string]any{
		"Address":    ws.address,
		"UDPPort":    ws.udpPort,
		"CaptureDir": ws.captureDir,
		"Stats":      ws.stats.Snapshot(),
		"State":      ws.detectorState(),
		"Uptime":     time.Since(ws.started).Round(time.Second).String(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		monitoring.Logf("status template render failed: %v", err)
	}
}

// statsEnvelope is the /api/stats response body.
type statsEnvelope struct {
	burst.StatsSnapshot
	RingLo     uint64 `json:"ring_lo,omitempty"`
	RingHi     uint64 `json:"ring_hi,omitempty"`
	RingFrames int    `json:"ring_frames"`
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	env := statsEnvelope{StatsSnapshot: ws.stats.Snapshot()}
	if ws.ring != nil {
		if hi, ok := ws.ring.Latest(); ok {
			env.RingHi = hi
			slots := uint64(ws.ring.Capacity())
			if hi+1 > slots {
				env.RingLo = hi + 1 - slots
			}
			env.RingFrames = int(hi - env.RingLo + 1)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(env)
}

func (ws *WebServer) detectorState() string {
	if ws.detector == nil {
		return "disabled"
	}
	return ws.detector.State()
}

// detectorStatus is the /api/detector response body.
type detectorStatus struct {
	State       string                 `json:"state"`
	FramesSeen  int                    `json:"frames_seen"`
	Threshold   float64                `json:"threshold"`
	ScoreP50    float64                `json:"score_p50"`
	ScoreP90    float64                `json:"score_p90"`
	ScoreP99    float64                `json:"score_p99"`
	Recent      []l4trigger.ScorePoint `json:"recent,omitempty"`
	Subscribers int                    `json:"subscribers"`
}

func (ws *WebServer) handleDetector(w http.ResponseWriter, r *http.Request) {
	if ws.detector == nil {
		ws.writeJSONError(w, http.StatusNotFound, "detector disabled")
		return
	}
	status := detectorStatus{
		State:      ws.detector.State(),
		FramesSeen: ws.detector.FramesSeen(),
		Threshold:  ws.detector.Threshold(),
	}
	if ws.feed != nil {
		status.Subscribers = ws.feed.Subscribers()
	}

	points := ws.detector.RecentScores()
	if len(points) > 0 {
		scores := make([]float64, len(points))
		for i, p := range points {
			scores[i] = p.Score
		}
		sort.Float64s(scores)
		status.ScoreP50 = stat.Quantile(0.50, stat.Empirical, scores, nil)
		status.ScoreP90 = stat.Quantile(0.90, stat.Empirical, scores, nil)
		status.ScoreP99 = stat.Quantile(0.99, stat.Empirical, scores, nil)
	}
	if r.URL.Query().Get("recent") == "1" {
		status.Recent = points
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (ws *WebServer) handleCaptures(w http.ResponseWriter, r *http.Request) {
	if ws.captures == nil {
		ws.writeJSONError(w, http.StatusNotFound, "capture manager disabled")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ws.captures.RecentJobs())
}

// handleEvents streams fired triggers as server-sent events. Each event is
// one JSON trigger record; a comment heartbeat keeps idle connections open.
func (ws *WebServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if ws.feed == nil {
		ws.writeJSONError(w, http.StatusNotFound, "event feed disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		ws.writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := ws.feed.Subscribe()
	defer ws.feed.Unsubscribe(sub)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev := <-sub:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: trigger\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
