// Command autonomy runs the robot's localisation and control loops against
// the sensor board on a serial port, or against a simulated robot in dev
// mode, and serves the JSON API, debug pages and gRPC health.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kullken/Pet-Mk-IV/internal/api"
	"github.com/kullken/Pet-Mk-IV/internal/config"
	"github.com/kullken/Pet-Mk-IV/internal/db"
	"github.com/kullken/Pet-Mk-IV/internal/estimator"
	"github.com/kullken/Pet-Mk-IV/internal/health"
	"github.com/kullken/Pet-Mk-IV/internal/kinematics"
	"github.com/kullken/Pet-Mk-IV/internal/measurement"
	"github.com/kullken/Pet-Mk-IV/internal/monitor"
	"github.com/kullken/Pet-Mk-IV/internal/mpc"
	"github.com/kullken/Pet-Mk-IV/internal/node"
	"github.com/kullken/Pet-Mk-IV/internal/sensorlink"
	"github.com/kullken/Pet-Mk-IV/internal/serialmux"
	"github.com/kullken/Pet-Mk-IV/internal/version"
)

var (
	configPath    = flag.String("config", "", "Tuning config JSON (defaults apply to omitted keys)")
	devMode       = flag.Bool("dev", false, "Drive a simulated robot instead of the serial port")
	disableSerial = flag.Bool("disable-serial", false, "Run without any sensor link")
	port          = flag.String("port", "/dev/ttyACM0", "Serial port of the sensor board (ignored in dev mode)")
	baud          = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen    = flag.String("grpc-listen", ":50051", "gRPC health listen address (empty disables)")
	dbPath        = flag.String("db", "telemetry.db", "Telemetry database path (empty disables recording)")
	plotDir       = flag.String("plot-dir", "", "Write path and twist plots for the run under this directory on shutdown")
	trailLength   = flag.Int("trail", monitor.DefaultTrailLength, "Estimates kept for the debug path chart")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().String())
		return
	}
	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "migrate":
			if *dbPath == "" {
				log.Fatal("migrate needs -db")
			}
			if err := db.RunMigrateCommand(flag.Args()[1:], *dbPath, os.Stdout); err != nil {
				log.Fatalf("migrate: %v", err)
			}
			return
		default:
			usage()
			os.Exit(2)
		}
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := loadTuning(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("autonomy %s", version.Get().String())

	serial, err := openSerial(*devMode, *disableSerial, *port, *baud)
	if err != nil {
		log.Fatalf("failed to open sensor link: %v", err)
	}
	defer serial.Close()
	if err := serial.Initialise(); err != nil {
		log.Fatalf("failed to initialise sensor board: %v", err)
	}

	var (
		store    *db.DB
		recorder *db.Recorder
		runID    string
	)
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("failed to open telemetry database: %v", err)
		}
		defer store.Close()
		run, err := store.StartRun(context.Background(), runMode(*devMode, *disableSerial), cfg)
		if err != nil {
			log.Fatalf("failed to start run: %v", err)
		}
		runID = run.ID
		recorder = db.NewRecorder(store, runID)
		log.Printf("recording run %s to %s", runID, *dbPath)
	}

	tracker := monitor.NewTracker(*trailLength)
	stateSubs := []node.StatePublisher{tracker}
	planSubs := []node.SetpointPublisher{tracker}
	if recorder != nil {
		stateSubs = append(stateSubs, recorder)
		planSubs = append(planSubs, recorder)
	}

	var plotter *monitor.PathPlotter
	if *plotDir != "" {
		plotter = monitor.NewPathPlotter(0)
		dir := filepath.Join(*plotDir, plotRunName(runID, time.Now()))
		if err := plotter.Start(dir); err != nil {
			log.Fatalf("failed to start plotter: %v", err)
		}
		stateSubs = append(stateSubs, plotter)
		planSubs = append(planSubs, plotter)
	}

	var healthServer *health.Server
	if *grpcListen != "" {
		healthServer = health.NewServer(*grpcListen)
		stateSubs = append(stateSubs, healthServer)
		planSubs = append(planSubs, healthServer)
	}

	queue, err := measurement.NewQueue(cfg.GetMinLatency(), cfg.GetMaxLatency())
	if err != nil {
		log.Fatalf("invalid measurement queue: %v", err)
	}
	est, err := estimator.New(estimator.ConfigFromTuning(cfg))
	if err != nil {
		log.Fatalf("invalid estimator config: %v", err)
	}
	model, err := kinematics.ModelFromTuning(cfg)
	if err != nil {
		log.Fatalf("invalid kinematic model: %v", err)
	}
	controller, err := mpc.New(model, mpc.OptionsFromTuning(cfg))
	if err != nil {
		log.Fatalf("invalid controller config: %v", err)
	}

	loc := node.NewLocalisation(queue, est, cfg.GetMapFrame(), cfg.GetBaseFrame(), stateSubs...)
	link := sensorlink.New(serial, loc)
	ctl := node.NewControl(controller, loc, append([]node.SetpointPublisher{link}, planSubs...)...)
	runner := &node.Runner{
		Localisation:    loc,
		Control:         ctl,
		EstimatorPeriod: cfg.GetEstimatorPeriod(),
		ControlPeriod:   cfg.GetControlPeriod(),
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := serial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sensor link error: %v", err)
		}
		log.Print("sensor link routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("runner error: %v", err)
		}
		log.Print("runner routine terminated")
	}()

	if recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recorder.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("recorder error: %v", err)
			}
			log.Print("recorder routine terminated")
		}()
	}

	if healthServer != nil {
		if err := healthServer.Start(); err != nil {
			log.Fatalf("failed to start gRPC health: %v", err)
		}
		defer healthServer.Stop()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &api.Server{
			Localisation:   loc,
			Control:        ctl,
			Link:           link,
			DB:             store,
			Recorder:       recorder,
			RunID:          runID,
			MaxCruiseSpeed: model.MaxLinearSpeed(),
		}
		mux := server.ServeMux()
		serial.AttachAdminRoutes(mux)
		tracker.AttachRoutes(mux)
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach database admin routes: %v", err)
			}
		}

		httpServer := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP listening on %s", *listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := httpServer.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	// The runner has stopped, so no later plan can overwrite the halt.
	if err := link.Stop(); err != nil {
		log.Printf("failed to stop motors: %v", err)
	}
	if plotter != nil {
		plotter.Stop()
		if n, err := plotter.GeneratePlots(); err != nil {
			log.Printf("failed to write plots: %v", err)
		} else {
			log.Printf("wrote %d plots", n)
		}
	}
	if store != nil {
		if err := store.EndRun(context.Background(), runID, time.Now()); err != nil {
			log.Printf("failed to end run: %v", err)
		}
	}
	log.Printf("Graceful shutdown complete")
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags]\n       %s [-db path] migrate <command>\n\nFlags:\n", os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintln(out)
	db.PrintMigrateHelp(out)
}

// loadTuning reads path, or returns the built-in defaults when path is
// empty.
func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.DefaultTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

// openSerial picks the sensor link: a simulated robot, none at all, or
// the real port.
func openSerial(dev, disabled bool, path string, baud int) (serialmux.Mux, error) {
	switch {
	case disabled:
		return serialmux.NewDisabledSerialMux(), nil
	case dev:
		return serialmux.NewMockSerialMux(serialmux.DefaultSimulatedRobot()), nil
	default:
		mux, err := serialmux.Open(path, serialmux.PortOptions{BaudRate: baud})
		if err != nil {
			return nil, err
		}
		return mux, nil
	}
}

func runMode(dev, disabled bool) string {
	switch {
	case disabled:
		return "disabled"
	case dev:
		return "simulated"
	default:
		return "serial"
	}
}

// plotRunName names a run's plot directory after its run id, or after
// the start time when nothing is recorded.
func plotRunName(runID string, start time.Time) string {
	if runID != "" {
		return runID
	}
	return start.Format("20060102_150405")
}
