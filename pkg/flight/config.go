package flight

import (
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-follow/pkg/rules"
	"github.com/teslashibe/go-follow/pkg/setpoint"
	"github.com/teslashibe/go-follow/pkg/vehicle"
)

// Config holds flight core configuration.
type Config struct {
	// Control loop
	LoopInterval time.Duration `json:"loop_interval"` // Tick period while Running
	PollInterval time.Duration `json:"poll_interval"` // Wait period in every other state

	// Arming and landing
	ArmDelay    time.Duration `json:"arm_delay"`    // Wait between armable and arming
	LandTimeout time.Duration `json:"land_timeout"` // Max wait for touchdown on stop

	// Safety limits
	HeartbeatTimeout  time.Duration  `json:"heartbeat_timeout"`
	MinAltitude       float64        `json:"min_altitude"`       // Above this the vehicle is considered flying (m)
	AltitudeFuzziness float64        `json:"altitude_fuzziness"` // Allowed shortfall from cruise altitude (m)
	AllowedModes      []vehicle.Mode `json:"allowed_modes"`      // Modes the core may fly in

	Rules    rules.Config    `json:"rules"`
	Setpoint setpoint.Config `json:"setpoint"`
}

// DefaultConfig returns the flight-tested defaults: 100Hz control, 2s
// heartbeat timeout, GUIDED only.
func DefaultConfig() Config {
	return Config{
		LoopInterval:      10 * time.Millisecond,
		PollInterval:      time.Second,
		ArmDelay:          5 * time.Second,
		LandTimeout:       60 * time.Second,
		HeartbeatTimeout:  2 * time.Second,
		MinAltitude:       0.5,
		AltitudeFuzziness: 0.1,
		AllowedModes:      []vehicle.Mode{vehicle.ModeGuided},
		Rules:             rules.DefaultConfig(),
		Setpoint:          setpoint.DefaultConfig(),
	}
}

// Validate checks the configuration is consistent.
func (c Config) Validate() error {
	if c.LoopInterval <= 0 || c.PollInterval <= 0 {
		return errors.New("loop and poll intervals must be positive")
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive, got %v", c.HeartbeatTimeout)
	}
	if c.Setpoint.CruiseAltitude <= 0 {
		return fmt.Errorf("cruise altitude must be positive, got %v", c.Setpoint.CruiseAltitude)
	}
	if c.MinAltitude >= c.Setpoint.CruiseAltitude-c.AltitudeFuzziness {
		return fmt.Errorf("min altitude %v must be below cruise altitude %v minus fuzziness %v",
			c.MinAltitude, c.Setpoint.CruiseAltitude, c.AltitudeFuzziness)
	}
	if len(c.AllowedModes) == 0 {
		return errors.New("at least one allowed mode is required")
	}
	if err := c.Rules.Validate(); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	return nil
}
