// capture-inspect prints the header and summary statistics of a capture
// file (.fil filterbank or .vc voltage snapshot), and can render the
// mean bandpass to a PNG for a quick look without a full analysis stack.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/aperture-data/burst.watch/internal/units"
)

var (
	pngOut = flag.String("png", "", "Write the mean bandpass to this PNG file")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: capture-inspect [-png out.png] <capture.fil|capture.vc>\n")
		os.Exit(2)
	}
	path := flag.Arg(0)

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read capture: %v", err)
	}

	var bandpass []float64
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fil":
		bandpass, err = inspectFilterbank(os.Stdout, data)
	case ".vc":
		bandpass, err = inspectVoltage(os.Stdout, data)
	default:
		log.Fatalf("Unknown capture extension %q (want .fil or .vc)", filepath.Ext(path))
	}
	if err != nil {
		log.Fatalf("Failed to inspect %s: %v", path, err)
	}

	if *pngOut != "" {
		if err := writeBandpassPNG(*pngOut, bandpass); err != nil {
			log.Fatalf("Failed to write PNG: %v", err)
		}
		fmt.Printf("bandpass plot written to %s\n", *pngOut)
	}
}

// writeBandpassPNG renders mean power per channel against frequency.
func writeBandpassPNG(path string, bandpass []float64) error {
	p := plot.New()
	p.Title.Text = "Mean bandpass"
	p.X.Label.Text = "Frequency (MHz)"
	p.Y.Label.Text = "Power"

	pts := make(plotter.XYs, 0, len(bandpass))
	for ch, v := range bandpass {
		pts = append(pts, plotter.XY{X: units.ChannelFreqMHz(ch), Y: v})
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	p.Add(plotter.NewGrid(), line)

	return p.Save(12*vg.Inch, 5*vg.Inch, path)
}
