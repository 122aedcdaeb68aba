// Package flight runs the person-following state machine.
//
// The Core owns the rule chain and the setpoint encoder and drives them from a
// single control loop goroutine. Vehicle telemetry listeners run on the link's
// goroutine and only ever change the execution state, which lives in one
// atomic cell. The loop reads that cell once per iteration and acts on the
// snapshot.
package flight

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-follow/internal/log"
	"github.com/teslashibe/go-follow/pkg/detection"
	"github.com/teslashibe/go-follow/pkg/rules"
	"github.com/teslashibe/go-follow/pkg/setpoint"
	"github.com/teslashibe/go-follow/pkg/vehicle"
)

// ErrShutdownTimeout is returned by Shutdown when the control loop does not
// finish its terminal sequence in time.
var ErrShutdownTimeout = errors.New("flight: shutdown timed out")

// Observer is notified of state transitions and rule selection changes. It is
// called from both the control loop and telemetry goroutines and must not
// block.
type Observer interface {
	StateChanged(from, to ExecutionState)
	RuleSelected(rule string)
}

// Option configures a Core.
type Option func(*Core)

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(c *Core) {
		c.observers = append(c.observers, o)
	}
}

// WithSink routes encoded commands through sink instead of straight to the
// vehicle. Used to record commands.
func WithSink(sink setpoint.Sink) Option {
	return func(c *Core) {
		c.sink = sink
	}
}

// Core is the flight execution state machine.
type Core struct {
	config    Config
	vehicle   vehicle.Vehicle
	source    detection.Source
	sink      setpoint.Sink
	observers []Observer

	// Owned by the control loop.
	chain   *rules.Chain
	encoder *setpoint.Encoder

	state         stateCell
	activeRule    atomic.Value // string
	holdRequested atomic.Bool
	started       atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	// Diagnostics
	sendErrors    uint64
	lastErrorTime time.Time
}

// New creates a Core in the Init state and subscribes to vehicle telemetry.
// A nil vehicle or detection source is a setup error.
func New(cfg Config, v vehicle.Vehicle, src detection.Source, opts ...Option) (*Core, error) {
	if v == nil {
		return nil, errors.New("flight: vehicle is required")
	}
	if src == nil {
		return nil, errors.New("flight: detection source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Core{
		config:  cfg,
		vehicle: v,
		source:  src,
		sink:    v,
		chain:   rules.DefaultChain(cfg.Rules),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.activeRule.Store("")

	for _, opt := range opts {
		opt(c)
	}

	c.encoder = setpoint.NewEncoder(cfg.Setpoint, c.sink, v)

	v.OnChange(vehicle.AttrArmed, c.onArmed)
	v.OnChange(vehicle.AttrMode, c.onMode)
	v.OnChange(vehicle.AttrHeartbeat, c.onHeartbeat)

	return c, nil
}

// State returns the current execution state.
func (c *Core) State() ExecutionState {
	return c.state.Load()
}

// ActiveRule returns the name of the rule applied on the latest Running tick,
// or "" outside Running.
func (c *Core) ActiveRule() string {
	return c.activeRule.Load().(string)
}

// Run drives the state machine until Stop is called or ctx is done, then runs
// the terminal sequence: land if flying, disarm once on the ground, close the
// vehicle. Run may be called once.
func (c *Core) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("flight: core already running")
	}
	defer close(c.done)

	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.stopCh:
		}
	}()

	log.Info("flight core started", "rules", c.chain.Names(), "allowed_modes", c.config.AllowedModes)
	c.transition(Init, AwaitingArm)

	for {
		switch state := c.state.Load(); state {
		case Stop:
			c.terminate()
			return nil
		case AwaitingArm:
			c.awaitArm()
		case Takeoff:
			c.takeoff()
		case AwaitingReady:
			c.awaitReady()
		case Running:
			c.tick()
			c.sleep(c.config.LoopInterval)
		case PilotOnly:
			c.pilotOnly()
			c.sleep(c.config.PollInterval)
		default:
			c.sleep(c.config.PollInterval)
		}
	}
}

// Stop moves to Stop from any state. The control loop runs the terminal
// sequence on its next iteration. Safe to call from any goroutine, more than
// once.
func (c *Core) Stop() {
	if prev := c.state.Swap(Stop); prev != Stop {
		c.changed(prev, Stop)
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Shutdown stops the core and waits up to timeout for Run to return.
func (c *Core) Shutdown(timeout time.Duration) error {
	c.Stop()
	if !c.started.Load() {
		return nil
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

// sleep waits for d or until Stop. It returns false if stopped.
func (c *Core) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-c.stopCh:
		return false
	case <-t.C:
		return true
	}
}

// transition moves from -> to if the state is still from.
func (c *Core) transition(from, to ExecutionState) bool {
	if !c.state.CompareAndSwap(from, to) {
		return false
	}
	c.changed(from, to)
	return true
}

// moveTo moves to `to` from whatever the current state is, provided allow
// accepts it. Init and Stop are never left this way.
func (c *Core) moveTo(to ExecutionState, allow func(ExecutionState) bool) bool {
	for {
		cur := c.state.Load()
		if cur == Init || cur == Stop || cur == to || !allow(cur) {
			return false
		}
		if c.state.CompareAndSwap(cur, to) {
			c.changed(cur, to)
			return true
		}
	}
}

func (c *Core) changed(from, to ExecutionState) {
	if from == Running {
		c.activeRule.Store("")
	}
	if from == PilotOnly || to == PilotOnly {
		// A hold is only valid for the override that requested it.
		c.holdRequested.Store(false)
	}
	log.Info("state transition", "from", from.String(), "to", to.String())
	for _, o := range c.observers {
		o.StateChanged(from, to)
	}
}

func anyState(ExecutionState) bool { return true }

// Telemetry callbacks. These run on the vehicle link goroutine and only touch
// the state cell and the hold flag.

func (c *Core) onArmed() {
	armed := c.vehicle.Armed()
	log.Info("vehicle armed changed", "armed", armed)

	if !armed {
		c.moveTo(AwaitingArm, anyState)
	}
}

func (c *Core) onMode() {
	mode := c.vehicle.Mode()
	allowed := c.modeAllowed(mode)
	log.Info("vehicle mode changed", "mode", mode.String(), "allowed", allowed)

	if c.state.Load() == PilotOnly {
		// Regaining an allowed mode does not resume following. Hold position
		// until the pilot disarms.
		if allowed && c.vehicle.Armed() {
			c.holdRequested.Store(true)
		}
		return
	}

	if allowed {
		return
	}

	to := PilotOnly
	if !c.vehicle.Armed() {
		to = AwaitingArm
	}
	c.moveTo(to, func(s ExecutionState) bool {
		return s == Takeoff || s == AwaitingReady || s == Running
	})
}

func (c *Core) onHeartbeat() {
	if !c.isConnected() {
		if c.moveTo(ConnectionLoss, anyState) {
			log.Warn("vehicle heartbeat lost", "age", c.vehicle.HeartbeatAge())
		}
		return
	}

	c.transition(ConnectionLoss, AwaitingArm)
}

// Predicates

func (c *Core) modeAllowed(m vehicle.Mode) bool {
	return slices.Contains(c.config.AllowedModes, m)
}

// armable reports whether arming may start: disarmed, the autopilot passes its
// pre-arm checks, the mode is allowed and the camera is running.
func (c *Core) armable() bool {
	return !c.vehicle.Armed() &&
		c.vehicle.Armable() &&
		c.modeAllowed(c.vehicle.Mode()) &&
		c.source.Running()
}

// isReady reports whether the vehicle is armed and flying in an allowed mode
// with a live camera.
func (c *Core) isReady() bool {
	return c.vehicle.Armed() &&
		c.modeAllowed(c.vehicle.Mode()) &&
		c.vehicle.Location().Alt > c.config.MinAltitude &&
		c.source.Running()
}

func (c *Core) isConnected() bool {
	return c.vehicle.HeartbeatAge() < c.config.HeartbeatTimeout
}

func (c *Core) isAltitudeOk() bool {
	return c.vehicle.Location().Alt >= c.config.Setpoint.CruiseAltitude-c.config.AltitudeFuzziness
}

// State handlers

func (c *Core) awaitArm() {
	if !c.armable() {
		c.sleep(c.config.PollInterval)
		return
	}

	log.Info("vehicle armable, arming after delay", "delay", c.config.ArmDelay)
	if !c.sleep(c.config.ArmDelay) {
		return
	}

	if !c.armable() {
		log.Info("vehicle no longer armable")
		return
	}
	c.transition(AwaitingArm, Takeoff)
}

func (c *Core) takeoff() {
	if err := c.vehicle.SetArmed(true); err != nil {
		log.Error("arm failed", "error", err)
		c.transition(Takeoff, AwaitingArm)
		return
	}

	// Wait for the autopilot to report armed. Stays cancellable.
	for !c.vehicle.Armed() {
		if c.state.Load() != Takeoff || !c.sleep(c.config.LoopInterval) {
			return
		}
	}

	alt := c.config.Setpoint.CruiseAltitude
	if err := c.vehicle.Takeoff(alt); err != nil {
		log.Error("takeoff failed", "error", err)
		c.transition(Takeoff, AwaitingArm)
		return
	}

	log.Info("takeoff commanded", "altitude", alt)
	c.transition(Takeoff, AwaitingReady)
}

func (c *Core) awaitReady() {
	if !c.isReady() || !c.isConnected() || !c.isAltitudeOk() {
		c.sleep(c.config.PollInterval)
		return
	}

	c.chain.Reset()
	c.encoder.Reset()
	c.transition(AwaitingReady, Running)
}

// tick runs one Running iteration: pick a rule and send its target.
func (c *Core) tick() {
	if !c.isConnected() {
		c.transition(Running, ConnectionLoss)
		return
	}

	closest := detection.Closest(c.source.Detections())
	rule, target := c.chain.Tick(closest)
	c.setActiveRule(rule.Name())

	if err := c.encoder.Apply(target); err != nil {
		c.sendFailed(err)
	}
}

func (c *Core) pilotOnly() {
	if !c.holdRequested.Swap(false) {
		return
	}
	if !c.vehicle.Armed() || !c.modeAllowed(c.vehicle.Mode()) {
		return
	}

	log.Info("allowed mode regained while armed, holding until disarm")
	c.encoder.Reset()
	if err := c.encoder.Apply(setpoint.Target{}); err != nil {
		c.sendFailed(err)
	}
}

func (c *Core) setActiveRule(name string) {
	prev := c.activeRule.Swap(name).(string)
	if prev == name {
		return
	}
	log.Info("rule selected", "rule", name, "previous", prev)
	for _, o := range c.observers {
		o.RuleSelected(name)
	}
}

// sendFailed logs command errors at most once every 5s.
func (c *Core) sendFailed(err error) {
	c.sendErrors++
	if time.Since(c.lastErrorTime) > 5*time.Second {
		log.Warn("command send failed", "error", err, "failures", c.sendErrors)
		c.lastErrorTime = time.Now()
	}
}

// terminate lands if the vehicle is flying under our control, disarms once it
// is on the ground, and releases the link.
func (c *Core) terminate() {
	if c.isConnected() && c.isReady() {
		log.Warn("stopping in flight, landing")
		if err := c.vehicle.Land(); err != nil {
			log.Error("land failed", "error", err)
		} else {
			c.waitForGround()
		}
	}

	if c.vehicle.Armed() {
		if c.vehicle.Location().Alt > c.config.MinAltitude {
			log.Error("vehicle still airborne, leaving it armed")
		} else if err := c.vehicle.SetArmed(false); err != nil {
			log.Error("disarm failed", "error", err)
		}
	}

	if err := c.vehicle.Close(); err != nil {
		log.Error("vehicle close failed", "error", err)
	}
	log.Info("flight core stopped")
}

func (c *Core) waitForGround() {
	deadline := time.Now().Add(c.config.LandTimeout)
	for time.Now().Before(deadline) {
		if !c.vehicle.Armed() || c.vehicle.Location().Alt <= c.config.MinAltitude {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.Error("timed out waiting for landing", "timeout", c.config.LandTimeout)
}
