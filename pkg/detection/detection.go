// Package detection provides the person detections consumed by the flight core
// and the sources that produce them.
package detection

import (
	"errors"
	"sync/atomic"
)

// ErrNotRunning is returned when a source is used before Start or after Stop.
var ErrNotRunning = errors.New("detection source not running")

// Detection is one observed person, in meters relative to the vehicle camera.
// X is lateral (left negative, right positive), Y vertical and Z forward depth.
type Detection struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Confidence float64 `json:"confidence"` // 0-1
	FPS        float64 `json:"fps"`
}

// Metadata describes the capturing camera.
type Metadata struct {
	FrameWidth  int     `json:"frame_width"`
	FrameHeight int     `json:"frame_height"`
	FPS         float64 `json:"fps"`
}

// Source produces detections on its own goroutine. Detections never blocks and
// returns the latest published set, possibly empty.
type Source interface {
	Detections() []Detection
	Running() bool
	Start() error
	Stop() error
}

// MetadataSource is implemented by sources that can describe their camera.
type MetadataSource interface {
	Metadata() Metadata
}

// Closest returns the detection with the smallest depth, or nil when dets is
// empty. Ties keep the first detection.
func Closest(dets []Detection) *Detection {
	var closest *Detection
	for i := range dets {
		if closest == nil || dets[i].Z < closest.Z {
			closest = &dets[i]
		}
	}
	if closest == nil {
		return nil
	}
	d := *closest
	return &d
}

// Latest holds the most recent detection set. The producer overwrites it and
// readers take a snapshot without locking.
type Latest struct {
	dets atomic.Pointer[[]Detection]
}

// Publish replaces the current set. The slice must not be modified afterwards.
func (l *Latest) Publish(dets []Detection) {
	l.dets.Store(&dets)
}

// Detections returns the current set. Callers must not modify it.
func (l *Latest) Detections() []Detection {
	p := l.dets.Load()
	if p == nil {
		return nil
	}
	return *p
}
