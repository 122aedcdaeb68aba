package detection

// YOLOConfig holds camera and detector configuration for the YOLO source in
// package yolo. It lives here so configuration can be loaded without linking
// OpenCV.
type YOLOConfig struct {
	Device           int     `json:"device"`            // Video capture device index
	ModelPath        string  `json:"model_path"`        // YOLOv8 ONNX model
	ConfidenceThresh float32 `json:"confidence_thresh"` // Person is considered detected above this
	NMSThresh        float32 `json:"nms_thresh"`
	InputWidth       int     `json:"input_width"`
	InputHeight      int     `json:"input_height"`
	HorizontalFOV    float64 `json:"horizontal_fov"` // Degrees
	PersonHeight     float64 `json:"person_height"`  // Assumed standing height in meters, used for depth
}

// DefaultYOLOConfig returns production defaults for YOLOv8n on the forward
// camera.
func DefaultYOLOConfig() YOLOConfig {
	return YOLOConfig{
		Device:           0,
		ModelPath:        "models/yolov8n.onnx",
		ConfidenceThresh: 0.65,
		NMSThresh:        0.45,
		InputWidth:       640,
		InputHeight:      640,
		HorizontalFOV:    69,
		PersonHeight:     1.7,
	}
}
