// sitl flies the flight core against the simulated vehicle and camera. A
// person is placed through the relay's control channel or replayed from a GPX
// track.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-follow/internal/config"
	flog "github.com/teslashibe/go-follow/internal/log"
	"github.com/teslashibe/go-follow/pkg/debug"
	"github.com/teslashibe/go-follow/pkg/detection"
	"github.com/teslashibe/go-follow/pkg/flight"
	"github.com/teslashibe/go-follow/pkg/flightlog"
	"github.com/teslashibe/go-follow/pkg/geo"
	"github.com/teslashibe/go-follow/pkg/vehicle"
	"github.com/teslashibe/go-follow/pkg/web"
)

type options struct {
	gpx         string
	personAhead float64
}

const shutdownGrace = 5 * time.Second

func main() {
	cfg, opts := parseFlags()

	flog.Init(cfg.LogLevel)
	debug.Log("config: %+v\n", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The simulation outlives ctx so the vehicle can land after a signal.
	simCtx, stopSim := context.WithCancel(context.Background())
	defer stopSim()

	sim := vehicle.NewSim(cfg.Sim)
	go sim.Run(simCtx)

	camera := detection.NewSimSource(cfg.SimCamera, sim)
	camera.Start()
	defer camera.Stop()
	go refresh(ctx, camera, cfg.SimCamera.FPS)

	if opts.personAhead > 0 {
		p := geo.OffsetLocation(cfg.Sim.Home, opts.personAhead, 0)
		camera.SetGlobalCoordinate(p.Lat, p.Lon)
	}
	if opts.gpx != "" {
		if err := camera.PlayGPX(ctx, opts.gpx); err != nil {
			log.Fatalf("GPX playback failed: %v", err)
		}
	}

	var coreOpts []flight.Option
	if cfg.DBPath != "" {
		db, err := flightlog.Open(cfg.DBPath)
		if err != nil {
			log.Fatalf("Flight log failed: %v", err)
		}
		defer db.Close()

		rec, err := db.StartFlight("sitl")
		if err != nil {
			log.Fatalf("Flight log failed: %v", err)
		}
		defer rec.Close()

		coreOpts = append(coreOpts, flight.WithObserver(rec), flight.WithSink(rec.WrapSink(sim)))
	}

	core, err := flight.New(cfg.Flight, sim, camera, coreOpts...)
	if err != nil {
		log.Fatalf("Flight core setup failed: %v", err)
	}

	if cfg.Web.Enabled {
		relay := web.NewServer(cfg.Web, core)
		relay.SetPersonPlacer(camera)
		relay.StartAsync()
		defer relay.Shutdown()
	}

	// The pilot switches to GUIDED on the ground.
	if err := sim.SetMode(vehicle.ModeGuided); err != nil {
		log.Fatalf("Set mode failed: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- core.Run(ctx) }()

	select {
	case err := <-runErr:
		if err != nil {
			log.Fatalf("Flight core error: %v", err)
		}
		return
	case <-ctx.Done():
	}

	// Landing is bounded by the land timeout. The grace covers disarm and
	// closing the link.
	if err := core.Shutdown(cfg.Flight.LandTimeout + shutdownGrace); err != nil {
		flog.Error("flight core did not stop", "error", err)
	}
}

// refresh reprojects the person as the simulated vehicle moves.
func refresh(ctx context.Context, camera *detection.SimSource, fps float64) {
	interval := time.Second / 15
	if fps > 0 {
		interval = time.Duration(float64(time.Second) / fps)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			camera.Refresh()
		}
	}
}

func parseFlags() (config.Config, options) {
	var opts options

	configPath := flag.String("config", "", "Config file (default ~/.follow/config.json)")
	port := flag.Int("port", 0, "Relay port (0 keeps the configured port)")
	dbPath := flag.String("db", "", "Flight log path (overrides config)")
	flag.StringVar(&opts.gpx, "gpx", "", "Replay the person's walk from a GPX track")
	flag.Float64Var(&opts.personAhead, "person-ahead", 0, "Place the person this many meters north of home at start")
	debugFlag := flag.Bool("debug", false, "Enable verbose debug logging")
	debugTracking := flag.Bool("debug-tracking", false, "Log every camera frame's detections")
	debugRules := flag.Bool("debug-rules", false, "Log every rule evaluation")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if err := cfg.LoadEnv(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if *port != 0 {
		cfg.Web.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *debugFlag {
		cfg.LogLevel = "debug"
	}
	debug.Enabled = *debugFlag
	debug.Tracking = *debugTracking
	debug.Rules = *debugRules

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	return cfg, opts
}
