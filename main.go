// burstwatch is the transient-detection daemon: it ingests voltage
// packets over UDP, reassembles spectral frames into a lock-free ring,
// scores them against a running baseline, and archives the implicated
// window when the score crosses threshold.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.bug.st/serial"
	_ "modernc.org/sqlite"

	"github.com/aperture-data/burst.watch/internal/api"
	"github.com/aperture-data/burst.watch/internal/burst"
	"github.com/aperture-data/burst.watch/internal/burst/inject"
	"github.com/aperture-data/burst.watch/internal/burst/l4trigger"
	"github.com/aperture-data/burst.watch/internal/burst/l5capture"
	"github.com/aperture-data/burst.watch/internal/burst/monitor"
	"github.com/aperture-data/burst.watch/internal/burst/pipeline"
	"github.com/aperture-data/burst.watch/internal/config"
	"github.com/aperture-data/burst.watch/internal/db"
	"github.com/aperture-data/burst.watch/internal/gnss"
	"github.com/aperture-data/burst.watch/internal/version"
)

var (
	listen         = flag.String("listen", ":8080", "API HTTP listen address")
	monitorListen  = flag.String("monitor-listen", ":8081", "Monitor HTTP listen address")
	udpPort        = flag.Int("udp-port", 12345, "UDP port to listen for voltage packets")
	udpAddress     = flag.String("udp-addr", "", "UDP bind address (default: listen on all interfaces)")
	controlPort    = flag.Int("control-port", 12346, "UDP port for one-line control commands (0 disables)")
	rcvBuf         = flag.Int("rcvbuf", 0, "UDP receive buffer size in bytes (0: tuning default)")
	dbFile         = flag.String("db", "events.db", "Path to the SQLite event database")
	captureDir     = flag.String("capture-dir", "captures", "Directory for capture output files")
	tuningFile     = flag.String("tuning", "", "Path to a JSON tuning file (default: built-in values)")
	sourceName     = flag.String("source", "", "source_name header value for filterbank captures")
	voltageDumps   = flag.Bool("voltage", false, "Also write raw voltage captures alongside filterbank files")
	notifyURL      = flag.String("notify-url", "", "URL to POST terminal capture jobs to")
	pulseDir       = flag.String("pulse-dir", "", "Directory of .dat pulse files to inject (empty disables)")
	pulseCadence   = flag.Duration("pulse-cadence", 0, "Wall-clock interval between pulse injections (0: injection_cadence tuning value)")
	gnssPort       = flag.String("gnss-port", "", "Serial port of the GNSS reference receiver (empty disables)")
	gnssBaud       = flag.Int("gnss-baud", 9600, "GNSS serial baud rate")
)

func main() {
	flag.Parse()

	// `burstwatch migrate <action>` manages the event DB schema and
	// exits without starting the daemon.
	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		db.RunMigrateCommand(args[1:], *dbFile)
		return
	}

	if *listen == "" {
		log.Fatal("API listen address is required")
	}

	log.Printf("burstwatch %s starting", version.String())

	tuning := &config.TuningConfig{}
	if *tuningFile != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*tuningFile)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
	}

	database, err := db.OpenDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	if err := database.MigrateUp(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	if err := os.MkdirAll(*captureDir, 0o755); err != nil {
		log.Fatalf("Failed to create capture directory: %v", err)
	}

	sinks := []l5capture.Sink{
		&l5capture.FilterbankSink{Dir: *captureDir, Source: *sourceName},
	}
	if *voltageDumps {
		sinks = append(sinks, &l5capture.VoltageSink{Dir: *captureDir})
	}

	var injector *inject.Injector
	if *pulseDir != "" {
		pulses, err := inject.LoadPulseDir(*pulseDir)
		if err != nil {
			log.Fatalf("Failed to load pulse directory: %v", err)
		}
		cadence := resolveInjectionCadence(*pulseCadence, tuning)
		injector, err = inject.NewInjector(inject.InjectorConfig{
			Pulses:   pulses,
			Cadence:  cadence,
			Recorder: database,
		})
		if err != nil {
			log.Fatalf("Failed to build injector: %v", err)
		}
		log.Printf("Pulse injection enabled: %d pulses every %v", len(pulses), cadence)
	}

	var udpListenAddr string
	if *udpAddress == "" {
		udpListenAddr = fmt.Sprintf(":%d", *udpPort)
	} else {
		udpListenAddr = fmt.Sprintf("%s:%d", *udpAddress, *udpPort)
	}

	stats := burst.NewPipelineStats()
	feed := monitor.NewTriggerFeed()

	pipe, err := pipeline.New(pipeline.Config{
		ListenAddr: udpListenAddr,
		RcvBuf:     *rcvBuf,
		Tuning:     tuning,
		Stats:      stats,
		Sinks:      sinks,
		Recorder:   database,
		NotifyURL:  *notifyURL,
		Injector:   injector,
		OnTrigger:  func(ev l4trigger.TriggerEvent) { feed.Publish(ev) },
		Epoch:      time.Now().UTC(),
	})
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	var receiver *gnss.Monitor[serial.Port]
	if *gnssPort != "" {
		receiver, err = gnss.OpenRealMonitor(*gnssPort, gnss.PortOptions{BaudRate: *gnssBaud})
		if err != nil {
			log.Fatalf("Failed to open GNSS port: %v", err)
		}
		defer receiver.Close()
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pipeline routine: listener -> assembler -> ring -> detector -> capture
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipe.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("pipeline error: %v", err)
			stop()
		}
		log.Print("pipeline routine terminated")
	}()

	// Monitor server routine: status page, charts, SSE trigger tail
	webServer := monitor.NewWebServer(monitor.WebServerConfig{
		Address:    *monitorListen,
		Stats:      stats,
		Detector:   pipe.Detector,
		Ring:       pipe.Ring,
		Captures:   pipe.Captures,
		Feed:       feed,
		UDPPort:    *udpPort,
		CaptureDir: *captureDir,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webServer.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("monitor server error: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// Control port routine: one-line "dump <suffix>" commands over UDP
	if *controlPort > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := fmt.Sprintf("%s:%d", *udpAddress, *controlPort)
			if err := runControlPort(ctx, addr, pipe.Captures); err != nil && err != context.Canceled {
				log.Printf("control port error: %v", err)
			}
			log.Print("control port routine terminated")
		}()
	}

	// GNSS monitor routine: NMEA health of the station reference clock
	if receiver != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := receiver.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("GNSS monitor error: %v", err)
			}
			log.Print("GNSS routine terminated")
		}()
	}

	// API HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(database, pipe.Captures, tuning).ServeMux()

		// mount the admin debugging routes (accessible only over
		// localhost/via Tailscale)
		database.AttachAdminRoutes(mux)
		if receiver != nil {
			receiver.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("Starting API server on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("API server force close error: %v", err)
			}
		}

		log.Printf("API server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// resolveInjectionCadence picks the pulse injection interval. A non-zero flag
// wins, then the tuning value, then a 5 minute default.
func resolveInjectionCadence(flagValue time.Duration, tuning *config.TuningConfig) time.Duration {
	if flagValue != 0 {
		return flagValue
	}
	if cadence := tuning.GetInjectionCadence(); cadence != 0 {
		return cadence
	}
	return 5 * time.Minute
}
