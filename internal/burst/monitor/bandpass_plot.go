package monitor

import (
	"fmt"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/aperture-data/burst.watch/internal/units"
)

// handleBandpassPlot renders the running bandpass as a static PNG for
// embedding in logs and reports, where the interactive chart is useless.
func (ws *WebServer) handleBandpassPlot(w http.ResponseWriter, r *http.Request) {
	if ws.detector == nil {
		ws.writeJSONError(w, http.StatusNotFound, "detector disabled")
		return
	}

	snap := ws.detector.Bandpass()
	pts := make(plotter.XYs, 0, units.NumChannels)
	for ch := 0; ch < units.NumChannels; ch++ {
		if snap.Baseline[ch] == 0 {
			continue
		}
		pts = append(pts, plotter.XY{X: units.ChannelFreqMHz(ch), Y: snap.Baseline[ch]})
	}
	if len(pts) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "bandpass not estimated yet")
		return
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Running Bandpass (%d frames)", ws.detector.FramesSeen())
	p.X.Label.Text = "Frequency (MHz)"
	p.Y.Label.Text = "Power (arb)"

	line, err := plotter.NewLine(pts)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("plot error: %v", err))
		return
	}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Add(plotter.NewGrid())

	wt, err := p.WriterTo(12*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		// Client gone; nothing useful to do.
		return
	}
}
