package detection

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-follow/pkg/geo"
)

func TestClosest(t *testing.T) {
	if Closest(nil) != nil {
		t.Error("Closest(nil) should be nil")
	}
	if Closest([]Detection{}) != nil {
		t.Error("Closest(empty) should be nil")
	}

	dets := []Detection{
		{X: 1, Z: 5},
		{X: -1, Z: 2},
		{X: 0.5, Z: 2},
		{X: 3, Z: 9},
	}

	got := Closest(dets)
	if got == nil {
		t.Fatal("Closest returned nil")
	}
	if got.Z != 2 || got.X != -1 {
		t.Errorf("Closest = %+v, want the first z=2 detection", *got)
	}

	// The result is a copy.
	got.Z = 100
	if dets[1].Z != 2 {
		t.Error("Closest must not alias the input slice")
	}
}

func TestLatest_Snapshot(t *testing.T) {
	var l Latest

	if l.Detections() != nil {
		t.Error("empty Latest should return nil")
	}

	l.Publish([]Detection{{Z: 1}})
	first := l.Detections()
	l.Publish([]Detection{{Z: 2}, {Z: 3}})

	if len(first) != 1 || first[0].Z != 1 {
		t.Errorf("earlier snapshot changed: %+v", first)
	}
	if got := l.Detections(); len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestLatest_Concurrent(t *testing.T) {
	var l Latest
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			l.Publish([]Detection{{Z: float64(i)}})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = Closest(l.Detections())
		}
	}()
	wg.Wait()
}

// fixedPose is a stationary vehicle.
type fixedPose struct {
	loc geo.Location
	yaw float64
}

func (p fixedPose) Location() geo.Location { return p.loc }
func (p fixedPose) Yaw() float64           { return p.yaw }

var home = geo.Location{Lat: -35.363261, Lon: 149.165230}

func TestSimSource_PersonAhead(t *testing.T) {
	src := NewSimSource(DefaultSimConfig(), fixedPose{loc: home})
	src.Start()

	// 5m north of a north-facing vehicle.
	p := geo.OffsetLocation(home, 5, 0)
	src.SetGlobalCoordinate(p.Lat, p.Lon)

	dets := src.Detections()
	if len(dets) != 1 {
		t.Fatalf("len = %d, want 1", len(dets))
	}
	if math.Abs(dets[0].Z-5) > 0.01 {
		t.Errorf("Z = %v, want ~5", dets[0].Z)
	}
	if math.Abs(dets[0].X) > 0.01 {
		t.Errorf("X = %v, want ~0", dets[0].X)
	}
	if dets[0].Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1", dets[0].Confidence)
	}
}

func TestSimSource_LeftAndRight(t *testing.T) {
	src := NewSimSource(DefaultSimConfig(), fixedPose{loc: home})
	src.Start()

	left := geo.OffsetLocation(home, 5, -1)
	src.SetGlobalCoordinate(left.Lat, left.Lon)
	if d := src.Detections(); len(d) != 1 || d[0].X >= 0 {
		t.Errorf("person to the west of a north-facing vehicle: %+v, want X < 0", d)
	}

	right := geo.OffsetLocation(home, 5, 1)
	src.SetGlobalCoordinate(right.Lat, right.Lon)
	if d := src.Detections(); len(d) != 1 || d[0].X <= 0 {
		t.Errorf("person to the east of a north-facing vehicle: %+v, want X > 0", d)
	}
}

func TestSimSource_FacingEast(t *testing.T) {
	src := NewSimSource(DefaultSimConfig(), fixedPose{loc: home, yaw: math.Pi / 2})
	src.Start()

	p := geo.OffsetLocation(home, 0, 4)
	src.SetGlobalCoordinate(p.Lat, p.Lon)

	d := src.Detections()
	if len(d) != 1 {
		t.Fatalf("len = %d, want 1", len(d))
	}
	if math.Abs(d[0].Z-4) > 0.01 || math.Abs(d[0].X) > 0.01 {
		t.Errorf("detection = %+v, want straight ahead at 4m", d[0])
	}
}

func TestSimSource_OutOfView(t *testing.T) {
	src := NewSimSource(DefaultSimConfig(), fixedPose{loc: home})
	src.Start()

	behind := geo.OffsetLocation(home, -5, 0)
	src.SetGlobalCoordinate(behind.Lat, behind.Lon)
	if d := src.Detections(); len(d) != 0 {
		t.Errorf("person behind the vehicle detected: %+v", d)
	}

	far := geo.OffsetLocation(home, 50, 0)
	src.SetGlobalCoordinate(far.Lat, far.Lon)
	if d := src.Detections(); len(d) != 0 {
		t.Errorf("person beyond z max detected: %+v", d)
	}
}

func TestSimSource_StopClears(t *testing.T) {
	src := NewSimSource(DefaultSimConfig(), fixedPose{loc: home})
	src.Start()
	if !src.Running() {
		t.Fatal("Running should be true after Start")
	}

	p := geo.OffsetLocation(home, 3, 0)
	src.SetGlobalCoordinate(p.Lat, p.Lon)
	src.Stop()

	if src.Running() {
		t.Error("Running should be false after Stop")
	}
	if len(src.Detections()) != 0 {
		t.Error("Stop should clear detections")
	}
}

func TestInterpolateTrack(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	points := []trackPoint{
		{lat: 0, lon: 0, at: t0},
		{lat: 10, lon: 20, at: t0.Add(10 * time.Second)},
		{lat: 10, lon: 40, at: t0.Add(20 * time.Second)},
	}

	tests := []struct {
		offset       time.Duration
		lat, lon     float64
		wantFinished bool
	}{
		{0, 0, 0, false},
		{5 * time.Second, 5, 10, false},
		{15 * time.Second, 10, 30, false},
		{20 * time.Second, 10, 40, true},
		{time.Minute, 10, 40, true},
	}

	for _, tc := range tests {
		lat, lon, finished := interpolateTrack(points, tc.offset)
		if math.Abs(lat-tc.lat) > 1e-9 || math.Abs(lon-tc.lon) > 1e-9 || finished != tc.wantFinished {
			t.Errorf("offset %v: got (%v, %v, %v), want (%v, %v, %v)",
				tc.offset, lat, lon, finished, tc.lat, tc.lon, tc.wantFinished)
		}
	}
}

func TestPlay_RequiresRunning(t *testing.T) {
	src := NewSimSource(DefaultSimConfig(), fixedPose{loc: home})
	err := src.play(context.Background(), []trackPoint{{lat: 1, lon: 1, at: time.Now()}})
	if err != ErrNotRunning {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestPlay_SinglePointFinishes(t *testing.T) {
	src := NewSimSource(DefaultSimConfig(), fixedPose{loc: home})
	src.Start()
	defer src.Stop()

	p := geo.OffsetLocation(home, 3, 0)
	if err := src.play(context.Background(), []trackPoint{{lat: p.Lat, lon: p.Lon, at: time.Now()}}); err != nil {
		t.Fatalf("play: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := src.Person(); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("playback never placed the person")
}

func TestDefaultYOLOConfig(t *testing.T) {
	cfg := DefaultYOLOConfig()
	if cfg.ConfidenceThresh != 0.65 {
		t.Errorf("ConfidenceThresh = %v, want 0.65", cfg.ConfidenceThresh)
	}
	if cfg.PersonHeight <= 0 {
		t.Errorf("PersonHeight = %v, want positive", cfg.PersonHeight)
	}
}

func TestSimSource_Metadata(t *testing.T) {
	var src MetadataSource = NewSimSource(DefaultSimConfig(), fixedPose{loc: home})
	if md := src.Metadata(); md.FPS != 15 {
		t.Errorf("FPS = %v, want 15", md.FPS)
	}
}
