package flight

import (
	"github.com/teslashibe/go-follow/pkg/detection"
	"github.com/teslashibe/go-follow/pkg/geo"
)

// Status is a read-only snapshot of the core for reporting.
type Status struct {
	State        ExecutionState        `json:"state"`
	Rule         string                `json:"rule"`
	Armed        bool                  `json:"armed"`
	Mode         string                `json:"mode"`
	Location     geo.Location          `json:"location"`
	Heading      float64               `json:"heading"`       // Degrees [0, 360)
	HeartbeatAge float64               `json:"heartbeat_age"` // Seconds
	Connected    bool                  `json:"connected"`
	Detections   []detection.Detection `json:"detections"`
	Camera       *detection.Metadata   `json:"camera,omitempty"` // nil when the source cannot describe itself
}

// Status returns the current snapshot. Safe to call from any goroutine.
func (c *Core) Status() Status {
	s := Status{
		State:        c.State(),
		Rule:         c.ActiveRule(),
		Armed:        c.vehicle.Armed(),
		Mode:         c.vehicle.Mode().String(),
		Location:     c.vehicle.Location(),
		Heading:      geo.NormalizeHeading(geo.Degrees(c.vehicle.Yaw())),
		HeartbeatAge: c.vehicle.HeartbeatAge().Seconds(),
		Connected:    c.isConnected(),
		Detections:   c.source.Detections(),
	}
	if ms, ok := c.source.(detection.MetadataSource); ok {
		md := ms.Metadata()
		s.Camera = &md
	}
	return s
}
