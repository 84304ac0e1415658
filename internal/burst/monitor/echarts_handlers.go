package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/aperture-data/burst.watch/internal/units"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleBandpassChart renders the running bandpass estimate (HTML) using
// go-echarts. This is a debugging-only endpoint (no auth) to eyeball the
// band shape and RFI without offline tooling.
// Query params:
//   - stride (optional; default 4) to reduce payload size
func (ws *WebServer) handleBandpassChart(w http.ResponseWriter, r *http.Request) {
	if ws.detector == nil {
		ws.writeJSONError(w, http.StatusNotFound, "detector disabled")
		return
	}

	stride := 4
	if s := r.URL.Query().Get("stride"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 1 && v <= 64 {
			stride = v
		}
	}

	snap := ws.detector.Bandpass()
	freqs := make([]string, 0, units.NumChannels/stride+1)
	mean := make([]opts.LineData, 0, units.NumChannels/stride+1)
	dev := make([]opts.LineData, 0, units.NumChannels/stride+1)
	for ch := 0; ch < units.NumChannels; ch += stride {
		freqs = append(freqs, fmt.Sprintf("%.1f", units.ChannelFreqMHz(ch)))
		mean = append(mean, opts.LineData{Value: snap.Baseline[ch]})
		dev = append(dev, opts.LineData{Value: snap.Dispersion[ch]})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Bandpass", Theme: "dark", Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Running Bandpass", Subtitle: fmt.Sprintf("state=%s frames=%d stride=%d", ws.detector.State(), ws.detector.FramesSeen(), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Frequency (MHz)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Power (arb)"}),
	)
	line.SetXAxis(freqs).
		AddSeries("mean", mean).
		AddSeries("dispersion", dev)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleSignificanceChart renders the recent per-frame peak significance
// with the trigger threshold overlaid.
func (ws *WebServer) handleSignificanceChart(w http.ResponseWriter, r *http.Request) {
	if ws.detector == nil {
		ws.writeJSONError(w, http.StatusNotFound, "detector disabled")
		return
	}

	points := ws.detector.RecentScores()
	if len(points) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no scores recorded yet")
		return
	}

	x := make([]string, len(points))
	scores := make([]opts.LineData, len(points))
	threshold := make([]opts.LineData, len(points))
	for i, p := range points {
		x[i] = strconv.FormatUint(p.Seq, 10)
		scores[i] = opts.LineData{Value: p.Score}
		threshold[i] = opts.LineData{Value: ws.detector.Threshold()}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Significance", Theme: "dark", Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Peak Significance per Frame", Subtitle: time.Now().UTC().Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Frame"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Score"}),
	)
	line.SetXAxis(x).
		AddSeries("score", scores).
		AddSeries("threshold", threshold)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
