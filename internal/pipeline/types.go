package pipeline

import (
	"image"
	"time"
)

// Frame is one captured camera image.
type Frame struct {
	Image     image.Image
	Seq       uint64    // Capture sequence number
	Timestamp time.Time // Capture timestamp
	Format    string    // Capture format that produced the frame
}

// Box is a detection in model input pixel coordinates (corner form).
type Box struct {
	XMin       float32 `json:"x_min"`
	YMin       float32 `json:"y_min"`
	XMax       float32 `json:"x_max"`
	YMax       float32 `json:"y_max"`
	Confidence float32 `json:"confidence"`
	ClassIndex int     `json:"class_index"`
}

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float32 {
	w, h := b.XMax-b.XMin, b.YMax-b.YMin
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Clip returns b restricted to [0,width]x[0,height].
func (b Box) Clip(width, height float32) Box {
	b.XMin = clamp32(b.XMin, 0, width)
	b.XMax = clamp32(b.XMax, 0, width)
	b.YMin = clamp32(b.YMin, 0, height)
	b.YMax = clamp32(b.YMax, 0, height)
	return b
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// HeuristicName identifies a rate heuristic.
type HeuristicName string

const (
	// HeuristicPresence - weighted count plus largest box area
	HeuristicPresence HeuristicName = "presence"
	// HeuristicCount - number of primary-class boxes only
	HeuristicCount HeuristicName = "count"
	// HeuristicArea - largest primary-class box area only
	HeuristicArea HeuristicName = "area"
)

// HeuristicConfig parameterises the rate mapping
// rate = clamp(Base + CountWeight*count + AreaWeight*area_fraction, MinRate, MaxRate).
type HeuristicConfig struct {
	Name         HeuristicName `yaml:"name"`
	Base         float64       `yaml:"base"`
	CountWeight  float64       `yaml:"count_weight"`
	AreaWeight   float64       `yaml:"area_weight"`
	PrimaryClass int           `yaml:"primary_class"` // COCO class 0 is person
	MinRate      float64       `yaml:"-"`
	MaxRate      float64       `yaml:"-"`
}

// DefaultHeuristicConfig returns the presence heuristic tuned for people in
// front of a laptop camera.
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		Name:         HeuristicPresence,
		Base:         1,
		CountWeight:  5,
		AreaWeight:   20,
		PrimaryClass: 0,
		MinRate:      0.5,
		MaxRate:      30,
	}
}

// Activity summarises the primary-class boxes of one frame.
type Activity struct {
	Count        int     `json:"count"`
	AreaFraction float64 `json:"area_fraction"`
}

// CycleResult describes one capture-detect-rate cycle of the controller.
type CycleResult struct {
	RunID       string    `json:"run_id"`
	FrameSeq    uint64    `json:"frame_seq"`
	Timestamp   time.Time `json:"timestamp"`
	Boxes       int       `json:"boxes"`    // Boxes of any class after NMS
	Activity    Activity  `json:"activity"` // Primary-class summary
	Rate        float64   `json:"rate"`     // Rate written to the shared state
	InferenceMs float32   `json:"inference_ms"`
}
