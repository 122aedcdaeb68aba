// Package yolo provides a camera detection source backed by a YOLOv8 person
// detector running through OpenCV.
package yolo

import (
	"fmt"
	"image"
	"math"
	"os"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-follow/internal/log"
	"github.com/teslashibe/go-follow/pkg/debug"
	"github.com/teslashibe/go-follow/pkg/detection"
)

// personClassID is the COCO class index for "person".
const personClassID = 0

// Source captures frames and publishes person detections in vehicle-relative
// meters. Depth comes from the bounding box height and the assumed person
// height.
type Source struct {
	config detection.YOLOConfig
	net    gocv.Net
	latest detection.Latest

	mu       sync.Mutex
	capture  *gocv.VideoCapture
	running  bool
	stop     chan struct{}
	done     chan struct{}
	metadata detection.Metadata
}

// New loads the model. The camera is opened on Start.
func New(cfg detection.YOLOConfig) (*Source, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load YOLO model from %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &Source{config: cfg, net: net}, nil
}

// Start opens the camera and begins the capture loop.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	capture, err := gocv.OpenVideoCapture(s.config.Device)
	if err != nil {
		return fmt.Errorf("open camera %d: %w", s.config.Device, err)
	}

	s.capture = capture
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	go s.loop(capture, s.stop, s.done)
	return nil
}

// Stop ends the capture loop and releases the camera. The model stays loaded
// so the source can be started again.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.capture.Close()
	s.capture = nil
	s.latest.Publish(nil)
	return err
}

// Close stops the source and releases the model.
func (s *Source) Close() error {
	err := s.Stop()
	s.net.Close()
	return err
}

// Running reports whether the capture loop is active.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Detections returns the most recent person detections.
func (s *Source) Detections() []detection.Detection {
	return s.latest.Detections()
}

// Metadata returns the frame size and measured detection rate.
func (s *Source) Metadata() detection.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata
}

func (s *Source) loop(capture *gocv.VideoCapture, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	img := gocv.NewMat()
	defer img.Close()

	frames := 0
	fps := 0.0
	windowStart := time.Now()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if ok := capture.Read(&img); !ok || img.Empty() {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		frames++
		if elapsed := time.Since(windowStart); elapsed > time.Second {
			fps = float64(frames) / elapsed.Seconds()
			frames = 0
			windowStart = time.Now()
		}

		boxes := s.detectPersons(img)
		cam := newPinhole(img.Cols(), img.Rows(), s.config.HorizontalFOV)

		dets := make([]detection.Detection, 0, len(boxes))
		for _, b := range boxes {
			if d, ok := cam.project(b, s.config.PersonHeight, fps); ok {
				dets = append(dets, d)
			}
		}
		s.latest.Publish(dets)

		s.mu.Lock()
		s.metadata = detection.Metadata{FrameWidth: img.Cols(), FrameHeight: img.Rows(), FPS: fps}
		s.mu.Unlock()

		if len(dets) > 0 {
			debug.TrackLog("person detections: %d (closest z=%.2fm)\n", len(dets), detection.Closest(dets).Z)
		}
	}
}

// box is a person bounding box in frame pixels.
type box struct {
	rect       image.Rectangle
	confidence float64
}

// detectPersons runs the network and returns person boxes that survive
// confidence filtering and NMS.
func (s *Source) detectPersons(img gocv.Mat) []box {
	inputSize := image.Pt(s.config.InputWidth, s.config.InputHeight)
	blob := gocv.BlobFromImage(img, 1.0/255.0, inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	s.net.SetInput(blob, "")
	output := s.net.Forward("")
	defer output.Close()

	// YOLOv8 output is [1, 84, 8400]: 4 box values then 80 class scores.
	rows := output.Cols()
	cols := output.Rows()

	data, err := output.DataPtrFloat32()
	if err != nil {
		log.Warn("yolo output unreadable", "error", err)
		return nil
	}

	imgW := float32(img.Cols())
	imgH := float32(img.Rows())

	var rects []image.Rectangle
	var scores []float32

	for i := 0; i < rows; i++ {
		maxScore := float32(0)
		maxClass := 0
		for c := 4; c < cols; c++ {
			if score := data[c*rows+i]; score > maxScore {
				maxScore = score
				maxClass = c - 4
			}
		}

		if maxClass != personClassID || maxScore < s.config.ConfidenceThresh {
			continue
		}

		cx := data[0*rows+i]
		cy := data[1*rows+i]
		w := data[2*rows+i]
		h := data[3*rows+i]

		x1 := int((cx - w/2) * imgW / float32(s.config.InputWidth))
		y1 := int((cy - h/2) * imgH / float32(s.config.InputHeight))
		x2 := int((cx + w/2) * imgW / float32(s.config.InputWidth))
		y2 := int((cy + h/2) * imgH / float32(s.config.InputHeight))

		rects = append(rects, image.Rect(x1, y1, x2, y2))
		scores = append(scores, maxScore)
	}

	if len(rects) == 0 {
		return nil
	}

	indices := gocv.NMSBoxes(rects, scores, s.config.ConfidenceThresh, s.config.NMSThresh)

	out := make([]box, 0, len(indices))
	for _, idx := range indices {
		out = append(out, box{rect: rects[idx], confidence: float64(scores[idx])})
	}
	return out
}

// pinhole projects pixel boxes into camera-relative meters.
type pinhole struct {
	width, height int
	focal         float64 // pixels
}

func newPinhole(width, height int, hfovDegrees float64) pinhole {
	half := hfovDegrees / 2 * math.Pi / 180
	return pinhole{
		width:  width,
		height: height,
		focal:  float64(width) / 2 / math.Tan(half),
	}
}

// project estimates the person position from the box height. Y is positive
// above the optical axis. Boxes without height carry no depth and are
// rejected.
func (p pinhole) project(b box, personHeight, fps float64) (detection.Detection, bool) {
	h := float64(b.rect.Dy())
	if h <= 0 {
		return detection.Detection{}, false
	}

	z := p.focal * personHeight / h
	cx := float64(b.rect.Min.X+b.rect.Max.X) / 2
	cy := float64(b.rect.Min.Y+b.rect.Max.Y) / 2

	return detection.Detection{
		X:          (cx - float64(p.width)/2) * z / p.focal,
		Y:          (float64(p.height)/2 - cy) * z / p.focal,
		Z:          z,
		Confidence: b.confidence,
		FPS:        fps,
	}, true
}
