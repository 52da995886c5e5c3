package heuristics

import (
	"math"

	"bongo/internal/pipeline"
)

// weighted implements base + w_count*count + w_area*area_fraction. The named
// heuristics differ only in which weights are zero.
type weighted struct {
	name   pipeline.HeuristicName
	config pipeline.HeuristicConfig
}

// NewPresence returns the default heuristic: both the number of people and
// how close the nearest one is raise the rate.
func NewPresence(config pipeline.HeuristicConfig) pipeline.RateHeuristic {
	return &weighted{name: pipeline.HeuristicPresence, config: config}
}

func (h *weighted) Name() string {
	return string(h.name)
}

func (h *weighted) Rate(boxes []pipeline.Box, width, height float32) float64 {
	a := Measure(boxes, h.config.PrimaryClass, width, height)
	rate := h.config.Base +
		h.config.CountWeight*float64(a.Count) +
		h.config.AreaWeight*a.AreaFraction
	return clamp(rate, h.config.MinRate, h.config.MaxRate)
}

// Measure counts the boxes of class and finds the largest one's share of the
// frame. Boxes are clipped to the frame first.
func Measure(boxes []pipeline.Box, class int, width, height float32) pipeline.Activity {
	var a pipeline.Activity
	frameArea := float64(width) * float64(height)
	if frameArea <= 0 {
		return a
	}

	var largest float32
	for _, b := range boxes {
		if b.ClassIndex != class {
			continue
		}
		a.Count++
		largest = max(largest, b.Clip(width, height).Area())
	}
	a.AreaFraction = float64(largest) / frameArea
	return a
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}
