// Package config loads the go-follow configuration file and applies
// environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/teslashibe/go-follow/internal/log"
	"github.com/teslashibe/go-follow/pkg/detection"
	"github.com/teslashibe/go-follow/pkg/flight"
	"github.com/teslashibe/go-follow/pkg/vehicle"
	"github.com/teslashibe/go-follow/pkg/web"
)

// Config is the root configuration file.
type Config struct {
	LogLevel string `json:"log_level"` // debug, info, warn, error
	DBPath   string `json:"db_path"`   // Flight log; empty disables recording

	Flight    flight.Config         `json:"flight"`
	Vehicle   vehicle.MAVLinkConfig `json:"vehicle"`
	Sim       vehicle.SimConfig     `json:"sim"`
	Camera    detection.YOLOConfig  `json:"camera"`
	SimCamera detection.SimConfig   `json:"sim_camera"`
	Web       web.Config            `json:"web"`
}

// DefaultConfig returns the defaults every file is merged over.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		DBPath:    filepath.Join(Dir(), "flights.db"),
		Flight:    flight.DefaultConfig(),
		Vehicle:   vehicle.DefaultMAVLinkConfig(),
		Sim:       vehicle.DefaultSimConfig(),
		Camera:    detection.DefaultYOLOConfig(),
		SimCamera: detection.DefaultSimConfig(),
		Web:       web.DefaultConfig(),
	}
}

// Dir returns the configuration directory, ~/.follow.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".follow"
	}
	return filepath.Join(home, ".follow")
}

// DefaultPath returns the configuration file used when none is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads the file at path over the defaults. An empty path means
// DefaultPath, which may be missing.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	optional := path == ""
	if optional {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEnv applies environment overrides. Call it after Load and before flag
// overrides.
func (c *Config) LoadEnv() error {
	if uri := os.Getenv("VEHICLE_URI"); uri != "" {
		c.Vehicle.URI = uri
	}
	if level := os.Getenv("FOLLOW_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if db, ok := os.LookupEnv("FOLLOW_DB"); ok {
		c.DBPath = db
	}
	if port := os.Getenv("FOLLOW_WEB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return &ValidationError{Field: "Web.Port", Message: fmt.Sprintf("FOLLOW_WEB_PORT %q is not a port number", port)}
		}
		c.Web.Port = p
	}
	return nil
}

// Validate checks the configuration before anything connects.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return &ValidationError{Field: "LogLevel", Message: err.Error()}
	}
	if err := c.Flight.Validate(); err != nil {
		return &ValidationError{Field: "Flight", Message: err.Error()}
	}
	if _, err := vehicle.ParseURI(c.Vehicle.URI); err != nil {
		return &ValidationError{Field: "Vehicle.URI", Message: err.Error()}
	}
	if c.Vehicle.ConnectTimeout <= 0 {
		return &ValidationError{Field: "Vehicle.ConnectTimeout", Message: "connect timeout must be positive"}
	}
	if c.Web.Enabled && (c.Web.Port <= 0 || c.Web.Port > 65535) {
		return &ValidationError{Field: "Web.Port", Message: fmt.Sprintf("port %d out of range", c.Web.Port)}
	}
	if c.Camera.ConfidenceThresh <= 0 || c.Camera.ConfidenceThresh >= 1 {
		return &ValidationError{Field: "Camera.ConfidenceThresh", Message: "confidence threshold must be between 0 and 1"}
	}
	if c.SimCamera.FOV <= 0 || c.SimCamera.FOV >= 180 {
		return &ValidationError{Field: "SimCamera.FOV", Message: "field of view must be between 0 and 180 degrees"}
	}
	return nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
