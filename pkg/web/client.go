package web

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-follow/pkg/flight"
)

// Subscriber reads the status stream of a relay.
type Subscriber struct {
	conn *websocket.Conn
}

// Subscribe connects to the status stream at addr (host:port).
func Subscribe(ctx context.Context, addr string) (*Subscriber, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+addr+"/ws/status", nil)
	if err != nil {
		return nil, fmt.Errorf("dial status stream: %w", err)
	}
	return &Subscriber{conn: conn}, nil
}

// Next blocks for the next status message.
func (s *Subscriber) Next() (flight.Status, error) {
	var status flight.Status
	if err := s.conn.ReadJSON(&status); err != nil {
		return flight.Status{}, err
	}
	return status, nil
}

func (s *Subscriber) Close() error {
	return s.conn.Close()
}

// Controller sends control messages to a relay.
type Controller struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// DialController connects to the control channel at addr (host:port).
func DialController(ctx context.Context, addr string) (*Controller, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+addr+"/ws/control", nil)
	if err != nil {
		return nil, fmt.Errorf("dial control channel: %w", err)
	}
	return &Controller{conn: conn}, nil
}

// PlacePerson moves the simulated person to lat/lon.
func (c *Controller) PlacePerson(lat, lon float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(ControlMessage{Type: "control", Latitude: lat, Longitude: lon})
}

func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
