package flightlog

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-follow/internal/log"
	"github.com/teslashibe/go-follow/pkg/flight"
	"github.com/teslashibe/go-follow/pkg/setpoint"
)

type eventKind int

const (
	transitionEvent eventKind = iota
	ruleEvent
	commandEvent
)

type event struct {
	kind eventKind
	at   time.Time
	a, b string
}

// Recorder writes one flight. It implements flight.Observer; events are
// queued and written on a background goroutine so the control loop never
// waits on disk.
type Recorder struct {
	db       *DB
	flightID string
	now      func() time.Time

	mu      sync.RWMutex
	closed  bool
	events  chan event
	done    chan struct{}
	dropped atomic.Uint64
	failed  atomic.Uint64
}

var _ flight.Observer = (*Recorder)(nil)

// StartFlight opens a new flight record for the named vehicle.
func (db *DB) StartFlight(vehicle string) (*Recorder, error) {
	r := &Recorder{
		db:       db,
		flightID: uuid.NewString(),
		now:      time.Now,
		events:   make(chan event, 1024),
		done:     make(chan struct{}),
	}

	_, err := db.Exec("INSERT INTO flights (flight_id, vehicle, started_unix_nanos) VALUES (?, ?, ?)",
		r.flightID, vehicle, r.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("start flight: %w", err)
	}

	go r.write()
	log.Info("flight log started", "flight_id", r.flightID, "vehicle", vehicle)
	return r, nil
}

// FlightID returns the id of the flight being recorded.
func (r *Recorder) FlightID() string {
	return r.flightID
}

func (r *Recorder) StateChanged(from, to flight.ExecutionState) {
	r.enqueue(event{kind: transitionEvent, a: from.String(), b: to.String()})
}

func (r *Recorder) RuleSelected(rule string) {
	r.enqueue(event{kind: ruleEvent, a: rule})
}

func (r *Recorder) command(kind string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", fmt.Sprint(msg)))
	}
	r.enqueue(event{kind: commandEvent, a: kind, b: string(payload)})
}

func (r *Recorder) enqueue(e event) {
	e.at = r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.events <- e:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Warn("flight log queue full, dropping events", "dropped", n)
		}
	}
}

func (r *Recorder) write() {
	defer close(r.done)

	for e := range r.events {
		var err error
		ts := e.at.UnixNano()
		switch e.kind {
		case transitionEvent:
			_, err = r.db.Exec("INSERT INTO transitions (flight_id, ts_unix_nanos, from_state, to_state) VALUES (?, ?, ?, ?)",
				r.flightID, ts, e.a, e.b)
		case ruleEvent:
			_, err = r.db.Exec("INSERT INTO rules (flight_id, ts_unix_nanos, rule) VALUES (?, ?, ?)",
				r.flightID, ts, e.a)
		case commandEvent:
			_, err = r.db.Exec("INSERT INTO commands (flight_id, ts_unix_nanos, kind, payload) VALUES (?, ?, ?, ?)",
				r.flightID, ts, e.a, e.b)
		}
		if err != nil {
			if n := r.failed.Add(1); n == 1 || n%100 == 0 {
				log.Warn("flight log write failed", "error", err, "failures", n)
			}
		}
	}
}

// Close flushes queued events and marks the flight ended.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	<-r.done

	_, err := r.db.Exec("UPDATE flights SET ended_unix_nanos = ? WHERE flight_id = ?", r.now().UnixNano(), r.flightID)
	if err != nil {
		return fmt.Errorf("end flight: %w", err)
	}
	log.Info("flight log closed", "flight_id", r.flightID, "dropped", r.dropped.Load())
	return nil
}

// WrapSink returns a sink that records each command it forwards to sink.
// Only commands the vehicle accepted are recorded.
func (r *Recorder) WrapSink(sink setpoint.Sink) setpoint.Sink {
	return &recordingSink{next: sink, rec: r}
}

type recordingSink struct {
	next setpoint.Sink
	rec  *Recorder
}

func (s *recordingSink) SendBodyOffset(msg setpoint.BodyOffset) error {
	if err := s.next.SendBodyOffset(msg); err != nil {
		return err
	}
	s.rec.command("body_offset", msg)
	return nil
}

func (s *recordingSink) SendGlobalPosition(msg setpoint.GlobalPosition) error {
	if err := s.next.SendGlobalPosition(msg); err != nil {
		return err
	}
	s.rec.command("global_position", msg)
	return nil
}

func (s *recordingSink) SendConditionYaw(msg setpoint.ConditionYaw) error {
	if err := s.next.SendConditionYaw(msg); err != nil {
		return err
	}
	s.rec.command("condition_yaw", msg)
	return nil
}

func (s *recordingSink) SendROI(msg setpoint.RegionOfInterest) error {
	if err := s.next.SendROI(msg); err != nil {
		return err
	}
	s.rec.command("roi", msg)
	return nil
}
