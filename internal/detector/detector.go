package detector

import (
	"context"

	"gocv.io/x/gocv"
)

// Detector defines the interface for face detection implementations.
type Detector interface {
	// Detect analyzes a video frame and returns every face found in it.
	// Returns an empty slice if no faces are detected.
	Detect(ctx context.Context, frame *gocv.Mat) ([]Detection, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Config holds configuration options for face detection.
type Config struct {
	// MaxFaces caps the number of detections returned per frame (default: 5).
	MaxFaces int

	// MinConfidence is the minimum detection confidence threshold (0.0-1.0).
	MinConfidence float64

	// NMSThreshold is the non-maximum suppression IoU threshold (0.0-1.0).
	NMSThreshold float64
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		MaxFaces:      5,
		MinConfidence: 0.6,
		NMSThreshold:  0.3,
	}
}
