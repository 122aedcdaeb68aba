// follow flies a person-following drone: a MAVLink autopilot link, the YOLO
// camera source, the flight core, the status relay and the flight log.
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
	"github.com/teslashibe/go-follow/pkg/detection/yolo"
	"github.com/teslashibe/go-follow/pkg/flight"
	"github.com/teslashibe/go-follow/pkg/flightlog"
	"github.com/teslashibe/go-follow/pkg/vehicle"
	"github.com/teslashibe/go-follow/pkg/web"
)

const shutdownGrace = 5 * time.Second

func main() {
	cfg := parseFlags()

	flog.Init(cfg.LogLevel)
	debug.Log("config: %+v\n", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	link, err := vehicle.DialMAVLink(ctx, cfg.Vehicle)
	if err != nil {
		log.Fatalf("Vehicle connection failed: %v", err)
	}

	camera, err := yolo.New(cfg.Camera)
	if err != nil {
		link.Close()
		log.Fatalf("Camera setup failed: %v", err)
	}
	defer camera.Close()

	if err := camera.Start(); err != nil {
		link.Close()
		log.Fatalf("Camera start failed: %v", err)
	}

	var opts []flight.Option
	if cfg.DBPath != "" {
		db, err := flightlog.Open(cfg.DBPath)
		if err != nil {
			link.Close()
			log.Fatalf("Flight log failed: %v", err)
		}
		defer db.Close()

		rec, err := db.StartFlight(cfg.Vehicle.URI)
		if err != nil {
			link.Close()
			log.Fatalf("Flight log failed: %v", err)
		}
		defer rec.Close()

		opts = append(opts, flight.WithObserver(rec), flight.WithSink(rec.WrapSink(link)))
	}

	core, err := flight.New(cfg.Flight, link, camera, opts...)
	if err != nil {
		link.Close()
		log.Fatalf("Flight core setup failed: %v", err)
	}

	if cfg.Web.Enabled {
		relay := web.NewServer(cfg.Web, core)
		relay.StartAsync()
		defer relay.Shutdown()
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

// parseFlags loads the config file, environment and command line, in that
// order of precedence.
func parseFlags() config.Config {
	configPath := flag.String("config", "", "Config file (default ~/.follow/config.json)")
	uri := flag.String("uri", "", "Vehicle link, e.g. serial:/dev/ttyAMA0:921600, udp:0.0.0.0:14550, tcp:127.0.0.1:5760")
	port := flag.Int("port", 0, "Relay port (0 keeps the configured port)")
	noWeb := flag.Bool("no-web", false, "Disable the status relay")
	dbPath := flag.String("db", "", "Flight log path (overrides config)")
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

	if *uri != "" {
		cfg.Vehicle.URI = *uri
	}
	if *port != 0 {
		cfg.Web.Port = *port
	}
	if *noWeb {
		cfg.Web.Enabled = false
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
	return cfg
}
