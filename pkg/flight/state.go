package flight

import (
	"fmt"
	"sync/atomic"
)

// ExecutionState is the flight core's current phase.
type ExecutionState int32

const (
	Init ExecutionState = iota
	AwaitingArm
	Takeoff
	AwaitingReady
	Running
	PilotOnly
	ConnectionLoss
	Stop
)

var stateNames = [...]string{
	Init:           "Init",
	AwaitingArm:    "AwaitingArm",
	Takeoff:        "Takeoff",
	AwaitingReady:  "AwaitingReady",
	Running:        "Running",
	PilotOnly:      "PilotOnly",
	ConnectionLoss: "ConnectionLoss",
	Stop:           "Stop",
}

func (s ExecutionState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("ExecutionState(%d)", int32(s))
}

// MarshalText encodes the state by name for status reports.
func (s ExecutionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *ExecutionState) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = ExecutionState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown execution state %q", text)
}

// stateCell holds the current state. Every transition is a compare-and-swap
// so a callback and the control loop can never both win the same transition.
type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) Load() ExecutionState {
	return ExecutionState(c.v.Load())
}

func (c *stateCell) CompareAndSwap(from, to ExecutionState) bool {
	return c.v.CompareAndSwap(int32(from), int32(to))
}

func (c *stateCell) Swap(to ExecutionState) ExecutionState {
	return ExecutionState(c.v.Swap(int32(to)))
}
