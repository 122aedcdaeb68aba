package flight

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-follow/pkg/detection"
	"github.com/teslashibe/go-follow/pkg/setpoint"
	"github.com/teslashibe/go-follow/pkg/vehicle"
)

// stubSource is a detection source the test publishes into.
type stubSource struct {
	latest  detection.Latest
	running atomic.Bool
}

func newStubSource() *stubSource {
	s := &stubSource{}
	s.running.Store(true)
	return s
}

func (s *stubSource) Detections() []detection.Detection { return s.latest.Detections() }
func (s *stubSource) Running() bool                     { return s.running.Load() }

func (s *stubSource) Start() error {
	s.running.Store(true)
	return nil
}

func (s *stubSource) Stop() error {
	s.running.Store(false)
	return nil
}

// describedSource also reports camera metadata.
type describedSource struct {
	*stubSource
}

func (describedSource) Metadata() detection.Metadata {
	return detection.Metadata{FrameWidth: 640, FrameHeight: 480, FPS: 30}
}

// recorder collects observer events.
type recorder struct {
	mu          sync.Mutex
	transitions []string
	rules       []string
}

func (r *recorder) StateChanged(from, to ExecutionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from.String()+">"+to.String())
}

func (r *recorder) RuleSelected(rule string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

func (r *recorder) Transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

func (r *recorder) Rules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rules...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LoopInterval = time.Millisecond
	cfg.PollInterval = 2 * time.Millisecond
	cfg.ArmDelay = 5 * time.Millisecond
	cfg.LandTimeout = time.Second
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	core    *Core
	vehicle *vehicle.Mock
	source  *stubSource
	events  *recorder
	done    chan error
}

func startCore(t *testing.T, v *vehicle.Mock) *harness {
	t.Helper()
	return startCoreWith(t, testConfig(), v)
}

func startCoreWith(t *testing.T, cfg Config, v *vehicle.Mock, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		vehicle: v,
		source:  newStubSource(),
		events:  &recorder{},
		done:    make(chan error, 1),
	}

	opts = append([]Option{WithObserver(h.events)}, opts...)
	core, err := New(cfg, v, h.source, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.core = core

	go func() { h.done <- core.Run(context.Background()) }()
	t.Cleanup(func() { core.Shutdown(2 * time.Second) })
	return h
}

// startRunning brings a core up to Running.
func startRunning(t *testing.T) *harness {
	t.Helper()
	h := startCore(t, vehicle.NewMock(vehicle.ModeGuided))
	waitFor(t, "Running", func() bool { return h.core.State() == Running })
	return h
}

func (h *harness) messagesSince(n int) []any {
	return h.vehicle.Messages()[n:]
}

func TestExecutionState_String(t *testing.T) {
	if Running.String() != "Running" || ConnectionLoss.String() != "ConnectionLoss" {
		t.Errorf("unexpected names %q %q", Running, ConnectionLoss)
	}
	if got := ExecutionState(42).String(); got != "ExecutionState(42)" {
		t.Errorf("String() = %q", got)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(testConfig(), nil, newStubSource()); err == nil {
		t.Error("New with nil vehicle should fail")
	}
	if _, err := New(testConfig(), vehicle.NewMock(vehicle.ModeGuided), nil); err == nil {
		t.Error("New with nil source should fail")
	}

	cfg := testConfig()
	cfg.AllowedModes = nil
	if _, err := New(cfg, vehicle.NewMock(vehicle.ModeGuided), newStubSource()); err == nil {
		t.Error("New with invalid config should fail")
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}

	cfg := DefaultConfig()
	cfg.MinAltitude = 3
	if err := cfg.Validate(); err == nil {
		t.Error("min altitude above cruise should fail")
	}

	cfg = DefaultConfig()
	cfg.HeartbeatTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero heartbeat timeout should fail")
	}
}

func TestStatus_Camera(t *testing.T) {
	v := vehicle.NewMock(vehicle.ModeGuided)

	plain, err := New(testConfig(), v, newStubSource())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := plain.Status().Camera; got != nil {
		t.Errorf("Camera = %+v, want nil for a source without metadata", got)
	}

	described, err := New(testConfig(), v, describedSource{newStubSource()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := described.Status().Camera
	if got == nil || got.FrameWidth != 640 || got.FPS != 30 {
		t.Errorf("Camera = %+v, want 640px at 30fps", got)
	}
}

func TestCore_InitIgnoresCallbacks(t *testing.T) {
	v := vehicle.NewMock(vehicle.ModeGuided)
	core, err := New(testConfig(), v, newStubSource())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v.SetTelemetryArmed(false)
	v.SetTelemetryMode(vehicle.ModeLoiter)
	v.SetHeartbeatAge(10 * time.Second)

	if core.State() != Init {
		t.Errorf("State() = %v, want Init", core.State())
	}
}

func TestCore_TakeoffOnlyWhenArmable(t *testing.T) {
	v := vehicle.NewMock(vehicle.ModeGuided)
	v.SetArmable(false)
	h := startCore(t, v)

	waitFor(t, "AwaitingArm", func() bool { return h.core.State() == AwaitingArm })
	time.Sleep(30 * time.Millisecond)

	if h.core.State() != AwaitingArm {
		t.Fatalf("State() = %v while not armable, want AwaitingArm", h.core.State())
	}
	for _, call := range v.Calls() {
		if call == "arm" {
			t.Fatal("armed while not armable")
		}
	}

	v.SetArmable(true)
	waitFor(t, "Running", func() bool { return h.core.State() == Running })

	want := []string{
		"Init>AwaitingArm",
		"AwaitingArm>Takeoff",
		"Takeoff>AwaitingReady",
		"AwaitingReady>Running",
	}
	got := h.events.Transitions()
	if len(got) < len(want) {
		t.Fatalf("transitions = %v, want prefix %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, got[i], want[i])
		}
	}

	calls := v.Calls()
	if len(calls) < 2 || calls[0] != "arm" || calls[1] != "takeoff 2.0" {
		t.Errorf("calls = %v, want arm then takeoff", calls)
	}
}

func TestCore_NotArmableWithoutCamera(t *testing.T) {
	v := vehicle.NewMock(vehicle.ModeGuided)
	src := newStubSource()
	src.running.Store(false)

	core, err := New(testConfig(), v, src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go core.Run(context.Background())
	defer core.Shutdown(time.Second)

	waitFor(t, "AwaitingArm", func() bool { return core.State() == AwaitingArm })
	time.Sleep(20 * time.Millisecond)
	if core.State() != AwaitingArm {
		t.Errorf("State() = %v without a running camera, want AwaitingArm", core.State())
	}
}

func TestCore_NotArmableOutsideAllowedMode(t *testing.T) {
	h := startCore(t, vehicle.NewMock(vehicle.ModeStabilize))

	waitFor(t, "AwaitingArm", func() bool { return h.core.State() == AwaitingArm })
	time.Sleep(20 * time.Millisecond)
	if h.core.State() != AwaitingArm {
		t.Errorf("State() = %v in STABILIZE, want AwaitingArm", h.core.State())
	}
}

func TestCore_DisarmWhileRunning(t *testing.T) {
	h := startRunning(t)

	h.vehicle.SetArmable(false)
	h.vehicle.SetTelemetryArmed(false)

	// The callback transitions synchronously.
	if h.core.State() != AwaitingArm {
		t.Errorf("State() = %v after disarm, want AwaitingArm", h.core.State())
	}
	if h.core.ActiveRule() != "" {
		t.Errorf("ActiveRule() = %q outside Running", h.core.ActiveRule())
	}
}

func TestCore_HeartbeatLossAndRecovery(t *testing.T) {
	h := startRunning(t)
	h.vehicle.SetArmable(false)

	h.vehicle.SetHeartbeatAge(3 * time.Second)
	if h.core.State() != ConnectionLoss {
		t.Fatalf("State() = %v after heartbeat timeout, want ConnectionLoss", h.core.State())
	}

	// No commands go out while the link is down.
	time.Sleep(10 * time.Millisecond)
	n := len(h.vehicle.Messages())
	time.Sleep(20 * time.Millisecond)
	if extra := h.messagesSince(n); len(extra) != 0 {
		t.Errorf("sent %d commands during ConnectionLoss", len(extra))
	}

	h.vehicle.SetHeartbeatAge(0)
	if h.core.State() != AwaitingArm {
		t.Errorf("State() = %v after heartbeat restored, want AwaitingArm", h.core.State())
	}
}

func TestCore_HeartbeatLossFromAwaitingArm(t *testing.T) {
	v := vehicle.NewMock(vehicle.ModeGuided)
	v.SetArmable(false)
	h := startCore(t, v)
	waitFor(t, "AwaitingArm", func() bool { return h.core.State() == AwaitingArm })

	v.SetHeartbeatAge(2 * time.Second)
	if h.core.State() != ConnectionLoss {
		t.Errorf("State() = %v, want ConnectionLoss at exactly the timeout", h.core.State())
	}
}

// lossOnEnter drops the heartbeat the moment the core enters state.
type lossOnEnter struct {
	state   ExecutionState
	vehicle *vehicle.Mock
}

func (l lossOnEnter) StateChanged(_, to ExecutionState) {
	if to == l.state {
		l.vehicle.SetHeartbeatAge(5 * time.Second)
	}
}

func (lossOnEnter) RuleSelected(string) {}

func TestCore_HeartbeatLossDuringTakeoffSequence(t *testing.T) {
	for _, state := range []ExecutionState{Takeoff, AwaitingReady} {
		t.Run(state.String(), func(t *testing.T) {
			v := vehicle.NewMock(vehicle.ModeGuided)
			h := startCoreWith(t, testConfig(), v, WithObserver(lossOnEnter{state: state, vehicle: v}))

			waitFor(t, "ConnectionLoss", func() bool { return h.core.State() == ConnectionLoss })

			if !slices.Contains(h.events.Transitions(), state.String()+">ConnectionLoss") {
				t.Errorf("transitions = %v, want %s>ConnectionLoss", h.events.Transitions(), state)
			}

			time.Sleep(20 * time.Millisecond)
			if h.core.State() != ConnectionLoss {
				t.Errorf("State() = %v, want ConnectionLoss while heartbeat is stale", h.core.State())
			}

			v.SetArmable(false)
			v.SetHeartbeatAge(0)
			if h.core.State() != AwaitingArm {
				t.Errorf("State() = %v after heartbeat restored, want AwaitingArm", h.core.State())
			}
		})
	}
}

func TestCore_HeartbeatLossDuringPilotOverride(t *testing.T) {
	h := startRunning(t)

	h.vehicle.SetTelemetryMode(vehicle.ModeLoiter)
	if h.core.State() != PilotOnly {
		t.Fatalf("State() = %v after mode change, want PilotOnly", h.core.State())
	}

	h.vehicle.SetHeartbeatAge(3 * time.Second)
	if h.core.State() != ConnectionLoss {
		t.Errorf("State() = %v after heartbeat timeout, want ConnectionLoss", h.core.State())
	}
}

func TestCore_RunningSelectsRules(t *testing.T) {
	h := startRunning(t)

	waitFor(t, "none rule", func() bool { return h.core.ActiveRule() == "none" })

	h.source.latest.Publish([]detection.Detection{{X: 0, Z: 6, Confidence: 0.9}})
	waitFor(t, "follow rule", func() bool { return h.core.ActiveRule() == "follow" })

	waitFor(t, "follow command", func() bool {
		for _, m := range h.vehicle.Messages() {
			if b, ok := m.(setpoint.BodyOffset); ok && b.North == 3.5 {
				return true
			}
		}
		return false
	})

	h.source.latest.Publish([]detection.Detection{{X: 0, Z: 6}, {X: 0.5, Z: 1}})
	waitFor(t, "backoff rule", func() bool { return h.core.ActiveRule() == "backoff" })

	h.source.latest.Publish(nil)
	waitFor(t, "search rule", func() bool { return h.core.ActiveRule() == "search" })

	want := []string{"none", "follow", "backoff", "search"}
	if got := h.events.Rules(); !slices.Equal(got, want) {
		t.Errorf("observed rules = %v, want %v", got, want)
	}

	status := h.core.Status()
	if status.State != Running || status.Rule != "search" || !status.Armed || status.Mode != "GUIDED" {
		t.Errorf("Status() = %+v", status)
	}
}

func TestCore_PilotOverride(t *testing.T) {
	h := startRunning(t)

	h.vehicle.SetTelemetryMode(vehicle.ModeLoiter)
	if h.core.State() != PilotOnly {
		t.Fatalf("State() = %v after mode change, want PilotOnly", h.core.State())
	}

	time.Sleep(10 * time.Millisecond)
	n := len(h.vehicle.Messages())
	time.Sleep(20 * time.Millisecond)
	if extra := h.messagesSince(n); len(extra) != 0 {
		t.Fatalf("sent %d commands while the pilot has control", len(extra))
	}

	// Back in GUIDED while armed: hold once, do not resume.
	h.vehicle.SetTelemetryMode(vehicle.ModeGuided)
	waitFor(t, "hold command", func() bool { return len(h.messagesSince(n)) == 1 })

	if _, ok := h.messagesSince(n)[0].(setpoint.GlobalPosition); !ok {
		t.Errorf("hold sent %T, want GlobalPosition", h.messagesSince(n)[0])
	}
	time.Sleep(20 * time.Millisecond)
	if h.core.State() != PilotOnly {
		t.Errorf("State() = %v, want PilotOnly until disarm", h.core.State())
	}
	if got := len(h.messagesSince(n)); got != 1 {
		t.Errorf("sent %d commands after regaining GUIDED, want exactly one hold", got)
	}

	h.vehicle.SetArmable(false)
	h.vehicle.SetTelemetryArmed(false)
	if h.core.State() != AwaitingArm {
		t.Errorf("State() = %v after disarm, want AwaitingArm", h.core.State())
	}
}

// Regaining GUIDED then disarming before the loop polls must not leave a
// hold pending for the next override.
func TestCore_HoldDoesNotCarryIntoNextFlight(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 200 * time.Millisecond

	v := vehicle.NewMock(vehicle.ModeGuided)
	h := startCoreWith(t, cfg, v)
	h.source.latest.Publish([]detection.Detection{{Z: 6, Confidence: 0.9}})
	waitFor(t, "Running", func() bool { return h.core.State() == Running })

	v.SetTelemetryMode(vehicle.ModeLoiter)
	v.SetTelemetryMode(vehicle.ModeGuided)
	v.SetTelemetryArmed(false)
	if h.core.State() != AwaitingArm {
		t.Fatalf("State() = %v after disarm, want AwaitingArm", h.core.State())
	}

	waitFor(t, "second flight", func() bool { return h.core.State() == Running })
	waitFor(t, "follow rule", func() bool { return h.core.ActiveRule() == "follow" })

	n := len(v.Messages())
	v.SetTelemetryMode(vehicle.ModeLoiter)
	if h.core.State() != PilotOnly {
		t.Fatalf("State() = %v after mode change, want PilotOnly", h.core.State())
	}
	time.Sleep(50 * time.Millisecond)

	for _, m := range h.messagesSince(n) {
		if _, ok := m.(setpoint.GlobalPosition); ok {
			t.Fatalf("hold sent while the pilot flies in LOITER: %+v", m)
		}
	}
}

func TestCore_StopInFlightLandsThenDisarms(t *testing.T) {
	h := startRunning(t)

	if err := h.core.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-h.done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := h.vehicle.Calls()
	n := len(calls)
	if n < 3 || calls[n-3] != "land" || calls[n-2] != "disarm" || calls[n-1] != "close" {
		t.Errorf("calls = %v, want ... land, disarm, close", calls)
	}
	if !h.vehicle.Closed() {
		t.Error("vehicle not closed")
	}
	if h.core.State() != Stop {
		t.Errorf("State() = %v, want Stop", h.core.State())
	}
}

func TestCore_StopOnGroundSkipsLanding(t *testing.T) {
	v := vehicle.NewMock(vehicle.ModeGuided)
	v.SetArmable(false)
	h := startCore(t, v)
	waitFor(t, "AwaitingArm", func() bool { return h.core.State() == AwaitingArm })

	if err := h.core.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	calls := v.Calls()
	if len(calls) != 1 || calls[0] != "close" {
		t.Errorf("calls = %v, want only close", calls)
	}
}

func TestCore_StopIsTerminal(t *testing.T) {
	h := startRunning(t)
	h.core.Stop()
	<-h.done

	h.vehicle.SetHeartbeatAge(10 * time.Second)
	h.vehicle.SetTelemetryArmed(false)
	if h.core.State() != Stop {
		t.Errorf("State() = %v, want Stop", h.core.State())
	}
}

func TestCore_ContextCancelStops(t *testing.T) {
	v := vehicle.NewMock(vehicle.ModeGuided)
	core, err := New(testConfig(), v, newStubSource())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- core.Run(ctx) }()

	waitFor(t, "Running", func() bool { return core.State() == Running })
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !v.Closed() {
		t.Error("vehicle not closed")
	}
}

func TestCore_RunTwice(t *testing.T) {
	h := startRunning(t)
	if err := h.core.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}

func TestCore_SendErrorsDoNotStopLoop(t *testing.T) {
	h := startRunning(t)
	h.vehicle.SetSendError(context.DeadlineExceeded)

	h.source.latest.Publish([]detection.Detection{{Z: 5}})
	waitFor(t, "follow rule", func() bool { return h.core.ActiveRule() == "follow" })

	if h.core.State() != Running {
		t.Errorf("State() = %v, want Running despite send errors", h.core.State())
	}
}
