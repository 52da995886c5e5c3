package ws

import (
	"time"

	"bongo/internal/pipeline"
	"bongo/internal/state"
)

// RateMessage represents a rate or mode change broadcast
type RateMessage struct {
	Type      string     `json:"type"` // "rate"
	Rate      float64    `json:"rate"`
	Mode      state.Mode `json:"mode"`
	Source    string     `json:"source,omitempty"` // "client", "adaptive", "controller"
	Timestamp time.Time  `json:"timestamp"`
}

// CycleMessage represents one adaptive controller cycle broadcast
type CycleMessage struct {
	Type        string    `json:"type"` // "cycle"
	RunID       string    `json:"run_id"`
	FrameSeq    uint64    `json:"frame_seq"`
	Timestamp   time.Time `json:"timestamp"`
	Boxes       int       `json:"boxes"`
	People      int       `json:"people"`
	Closeness   float64   `json:"closeness"` // Largest person box as a fraction of the frame
	Rate        float64   `json:"rate"`
	InferenceMs float32   `json:"inference_ms"`
}

// NewRateMessage creates a rate message stamped now
func NewRateMessage(rate float64, mode state.Mode, source string) *RateMessage {
	return &RateMessage{
		Type:      "rate",
		Rate:      rate,
		Mode:      mode,
		Source:    source,
		Timestamp: time.Now(),
	}
}

// NewCycleMessage converts a controller result
func NewCycleMessage(r *pipeline.CycleResult) *CycleMessage {
	return &CycleMessage{
		Type:        "cycle",
		RunID:       r.RunID,
		FrameSeq:    r.FrameSeq,
		Timestamp:   r.Timestamp,
		Boxes:       r.Boxes,
		People:      r.Activity.Count,
		Closeness:   r.Activity.AreaFraction,
		Rate:        r.Rate,
		InferenceMs: r.InferenceMs,
	}
}
