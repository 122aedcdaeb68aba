// Package web relays flight status to UI clients and accepts control messages
// from them. Status is served as JSON over REST and streamed over a websocket;
// a second websocket accepts simulated person placements.
package web

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-follow/internal/log"
	"github.com/teslashibe/go-follow/pkg/flight"
	"github.com/teslashibe/go-follow/pkg/hub"
)

// Config holds relay settings.
type Config struct {
	Enabled        bool          `json:"enabled"`
	Port           int           `json:"port"`
	StatusInterval time.Duration `json:"status_interval"` // Period of /ws/status pushes
}

// DefaultConfig returns relay defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Port:           8080,
		StatusInterval: 200 * time.Millisecond,
	}
}

// StatusSource reports the flight status. *flight.Core implements it.
type StatusSource interface {
	Status() flight.Status
}

// PersonPlacer moves the simulated person. *detection.SimSource implements it.
type PersonPlacer interface {
	SetGlobalCoordinate(lat, lon float64)
}

// ControlMessage is sent by UI clients on /ws/control.
type ControlMessage struct {
	Type      string  `json:"type"` // "control"
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Server is the relay HTTP server.
type Server struct {
	config Config
	app    *fiber.App
	status StatusSource

	placerMu sync.RWMutex
	placer   PersonPlacer

	statusHub  *hub.Hub
	controlHub *hub.Hub

	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a relay reporting status from src.
func NewServer(cfg Config, src StatusSource) *Server {
	s := &Server{
		config:     cfg,
		status:     src,
		statusHub:  hub.New("status"),
		controlHub: hub.New("control"),
		stop:       make(chan struct{}),
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-follow relay",
		DisableStartupMessage: true,
	})

	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/control", s.handleControlPost)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/status", websocket.New(s.handleStatusWS))
	app.Get("/ws/control", websocket.New(s.handleControlWS))

	s.app = app
	return s
}

// SetPersonPlacer enables control messages. Without a placer they are
// rejected.
func (s *Server) SetPersonPlacer(p PersonPlacer) {
	s.placerMu.Lock()
	s.placer = p
	s.placerMu.Unlock()
}

// App exposes the fiber app for tests and extra routes.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start runs the hubs and the status broadcaster and blocks serving HTTP.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	log.Info("relay listening", "addr", addr)

	go s.statusHub.Run()
	go s.controlHub.Run()
	go s.broadcastStatus()

	return s.app.Listen(addr)
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			log.Error("relay server error", "error", err)
		}
	}()
}

// Shutdown stops the broadcaster, the hubs and the HTTP server.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.statusHub.Close()
	s.controlHub.Close()
	return s.app.Shutdown()
}

func (s *Server) broadcastStatus() {
	interval := s.config.StatusInterval
	if interval <= 0 {
		interval = DefaultConfig().StatusInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.statusHub.ClientCount() == 0 {
				continue
			}
			if err := s.statusHub.BroadcastJSON(s.status.Status()); err != nil {
				log.Warn("status encode failed", "error", err)
			}
		}
	}
}

// applyControl validates and executes a control message.
func (s *Server) applyControl(msg ControlMessage) error {
	if msg.Type != "control" {
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	if msg.Latitude < -90 || msg.Latitude > 90 || msg.Longitude < -180 || msg.Longitude > 180 {
		return fmt.Errorf("coordinate out of range: %f, %f", msg.Latitude, msg.Longitude)
	}

	s.placerMu.RLock()
	placer := s.placer
	s.placerMu.RUnlock()
	if placer == nil {
		return fmt.Errorf("person placement not available")
	}

	placer.SetGlobalCoordinate(msg.Latitude, msg.Longitude)
	log.Debug("person placed", "lat", msg.Latitude, "lon", msg.Longitude)
	return nil
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.status.Status())
}

func (s *Server) handleControlPost(c *fiber.Ctx) error {
	var msg ControlMessage
	if err := c.BodyParser(&msg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}
	if err := s.applyControl(msg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleStatusWS(c *websocket.Conn) {
	client := hub.NewClient(s.statusHub, c, nil)

	// Send the current status straight away.
	if data, err := json.Marshal(s.status.Status()); err == nil {
		c.WriteMessage(websocket.TextMessage, data)
	}

	client.Run()
}

func (s *Server) handleControlWS(c *websocket.Conn) {
	client := hub.NewClient(s.controlHub, c, func(data []byte) {
		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("invalid control message", "error", err)
			return
		}
		if err := s.applyControl(msg); err != nil {
			log.Warn("control message rejected", "error", err)
		}
	})
	client.Run()
}
