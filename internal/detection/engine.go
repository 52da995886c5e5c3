// Package detection runs a YOLO-style ONNX detector over camera frames and
// returns filtered, de-duplicated boxes.
package detection

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog"

	"bongo/internal/pipeline"
)

// Inferencer executes the model on one input tensor and returns the first
// output with its shape.
type Inferencer interface {
	Run(ctx context.Context, input []float32, shape []int64) ([]float32, []int64, error)
	Close() error
}

// Config holds the engine thresholds.
type Config struct {
	InputSize    int     // Square model input side
	Confidence   float32 // Keep predictions scoring above this
	IoUThreshold float32 // NMS overlap limit
}

// DefaultConfig matches yolov8n exports.
func DefaultConfig() Config {
	return Config{InputSize: 640, Confidence: 0.25, IoUThreshold: 0.45}
}

// Engine implements pipeline.DetectionEngine.
type Engine struct {
	inf    Inferencer
	config Config
	logger zerolog.Logger
}

var _ pipeline.DetectionEngine = (*Engine)(nil)

// NewEngine wraps inf. Zero config fields take their defaults.
func NewEngine(inf Inferencer, config Config, logger zerolog.Logger) *Engine {
	def := DefaultConfig()
	if config.InputSize <= 0 {
		config.InputSize = def.InputSize
	}
	if config.Confidence <= 0 {
		config.Confidence = def.Confidence
	}
	if config.IoUThreshold <= 0 {
		config.IoUThreshold = def.IoUThreshold
	}
	return &Engine{
		inf:    inf,
		config: config,
		logger: logger.With().Str("component", "detection").Logger(),
	}
}

func (e *Engine) InputSize() int {
	return e.config.InputSize
}

// Detect preprocesses img, runs inference and decodes the boxes.
func (e *Engine) Detect(ctx context.Context, img image.Image) ([]pipeline.Box, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("empty image")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := e.config.InputSize
	start := time.Now()
	input := Preprocess(img, size)

	out, shape, err := e.inf.Run(ctx, input, []int64{1, 3, int64(size), int64(size)})
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrOutputShape)
	}

	boxes, err := Decode(out, shape, e.config.Confidence)
	if err != nil {
		return nil, err
	}
	candidates := len(boxes)
	boxes = NMS(boxes, e.config.IoUThreshold)

	e.logger.Debug().
		Int("candidates", candidates).
		Int("boxes", len(boxes)).
		Dur("took", time.Since(start)).
		Msg("frame analysed")
	return boxes, nil
}

func (e *Engine) Close() error {
	return e.inf.Close()
}
