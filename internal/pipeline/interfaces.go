package pipeline

import (
	"context"
	"image"
)

// Camera captures single frames from a video device
type Camera interface {
	// Capture blocks until one frame is available
	Capture(ctx context.Context) (*Frame, error)

	// Close releases the device
	Close() error
}

// DetectionEngine turns an image into detections
type DetectionEngine interface {
	// Detect runs the model on img and returns boxes in model input
	// coordinates after confidence filtering and NMS
	Detect(ctx context.Context, img image.Image) ([]Box, error)

	// InputSize is the square side of the model input, used as the frame
	// extent the boxes live in
	InputSize() int

	// Close releases inference resources
	Close() error
}

// RateHeuristic maps the boxes of one frame to a signalling rate
type RateHeuristic interface {
	// Name returns the heuristic identifier
	Name() string

	// Rate returns the rate for boxes inside a width x height frame,
	// already clamped to the configured range
	Rate(boxes []Box, width, height float32) float64
}

// CycleHandler receives controller cycle results
type CycleHandler interface {
	// OnCycle is called after each successful cycle
	OnCycle(result *CycleResult)
}
