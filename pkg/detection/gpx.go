package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/tkrajina/gpxgo/gpx"

	"github.com/teslashibe/go-follow/internal/log"
)

// trackPoint is a timestamped position from a recorded walk.
type trackPoint struct {
	lat, lon float64
	at       time.Time
}

type playback struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *playback) stop() {
	p.cancel()
	<-p.done
}

// PlayGPX replays the first track segment of a GPX file in real time, moving
// the simulated person along it. Positions between points are interpolated.
// Playback ends at the last point, when ctx is cancelled, or on Stop.
func (s *SimSource) PlayGPX(ctx context.Context, path string) error {
	file, err := gpx.ParseFile(path)
	if err != nil {
		return fmt.Errorf("parse gpx %s: %w", path, err)
	}
	if len(file.Tracks) == 0 || len(file.Tracks[0].Segments) == 0 || len(file.Tracks[0].Segments[0].Points) == 0 {
		return fmt.Errorf("gpx %s: no track points", path)
	}

	points := make([]trackPoint, 0, len(file.Tracks[0].Segments[0].Points))
	for _, p := range file.Tracks[0].Segments[0].Points {
		points = append(points, trackPoint{lat: p.Latitude, lon: p.Longitude, at: p.Timestamp})
	}

	return s.play(ctx, points)
}

func (s *SimSource) play(ctx context.Context, points []trackPoint) error {
	ctx, cancel := context.WithCancel(ctx)
	pb := &playback{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		cancel()
		return ErrNotRunning
	}
	prev := s.playback
	s.playback = pb
	s.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	interval := time.Second
	if s.config.FPS > 0 {
		interval = time.Duration(float64(time.Second) / s.config.FPS)
	}

	go func() {
		defer close(pb.done)
		defer cancel()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		start := time.Now()
		for {
			lat, lon, finished := interpolateTrack(points, time.Since(start))
			s.SetGlobalCoordinate(lat, lon)

			if finished {
				log.Info("gpx playback finished", "points", len(points))
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return nil
}

// interpolateTrack returns the position offset into the track, measured from
// the first point's timestamp. finished is true once offset reaches the last
// point.
func interpolateTrack(points []trackPoint, offset time.Duration) (lat, lon float64, finished bool) {
	last := points[len(points)-1]
	at := points[0].at.Add(offset)

	if len(points) == 1 || !at.Before(last.at) {
		return last.lat, last.lon, true
	}

	for i := 0; i < len(points)-1; i++ {
		cur, next := points[i], points[i+1]
		if at.Before(next.at) {
			span := next.at.Sub(cur.at)
			if span <= 0 {
				return next.lat, next.lon, false
			}
			frac := float64(at.Sub(cur.at)) / float64(span)
			if frac < 0 {
				frac = 0
			}
			return cur.lat + (next.lat-cur.lat)*frac, cur.lon + (next.lon-cur.lon)*frac, false
		}
	}

	return last.lat, last.lon, true
}
