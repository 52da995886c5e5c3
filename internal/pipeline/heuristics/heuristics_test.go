package heuristics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bongo/internal/pipeline"
)

func person(x0, y0, x1, y1 float32) pipeline.Box {
	return pipeline.Box{XMin: x0, YMin: y0, XMax: x1, YMax: y1, Confidence: 0.9, ClassIndex: 0}
}

func TestPresenceTwoPeopleCoveringFortyPercent(t *testing.T) {
	cfg := pipeline.DefaultHeuristicConfig()
	h, err := Create(cfg)
	require.NoError(t, err)
	assert.Equal(t, "presence", h.Name())

	// 100x100 frame: one 40x100 box (40%) and a smaller one.
	boxes := []pipeline.Box{person(0, 0, 40, 100), person(60, 0, 80, 50)}
	rate := h.Rate(boxes, 100, 100)

	assert.Greater(t, rate, cfg.Base)
	assert.GreaterOrEqual(t, rate, cfg.MinRate)
	assert.LessOrEqual(t, rate, cfg.MaxRate)
	// 1 + 5*2 + 20*0.4
	assert.InDelta(t, 19.0, rate, 1e-6)
}

func TestEmptyFrameGivesBase(t *testing.T) {
	h, err := Create(pipeline.DefaultHeuristicConfig())
	require.NoError(t, err)

	assert.Equal(t, 1.0, h.Rate(nil, 640, 640))
}

func TestRateIsClampedToMax(t *testing.T) {
	h, err := Create(pipeline.DefaultHeuristicConfig())
	require.NoError(t, err)

	boxes := make([]pipeline.Box, 10)
	for i := range boxes {
		boxes[i] = person(0, 0, 10, 10)
	}
	assert.Equal(t, 30.0, h.Rate(boxes, 100, 100))
}

func TestOtherClassesAreIgnored(t *testing.T) {
	h, err := Create(pipeline.DefaultHeuristicConfig())
	require.NoError(t, err)

	dog := pipeline.Box{XMin: 0, YMin: 0, XMax: 100, YMax: 100, ClassIndex: 16}
	assert.Equal(t, 1.0, h.Rate([]pipeline.Box{dog}, 100, 100))
}

func TestMeasureClipsToFrame(t *testing.T) {
	a := Measure([]pipeline.Box{person(-50, -50, 50, 50)}, 0, 100, 100)

	assert.Equal(t, 1, a.Count)
	assert.InDelta(t, 0.25, a.AreaFraction, 1e-9)
}

func TestNamedHeuristics(t *testing.T) {
	boxes := []pipeline.Box{person(0, 0, 50, 100)}

	tests := []struct {
		name pipeline.HeuristicName
		want float64
	}{
		{pipeline.HeuristicPresence, 1 + 5 + 20*0.5},
		{pipeline.HeuristicCount, 1 + 5},
		{pipeline.HeuristicArea, 1 + 20*0.5},
	}
	for _, tt := range tests {
		t.Run(string(tt.name), func(t *testing.T) {
			cfg := pipeline.DefaultHeuristicConfig()
			cfg.Name = tt.name
			h, err := Create(cfg)
			require.NoError(t, err)
			assert.Equal(t, string(tt.name), h.Name())
			assert.InDelta(t, tt.want, h.Rate(boxes, 100, 100), 1e-6)
		})
	}
}

func TestUnknownHeuristic(t *testing.T) {
	cfg := pipeline.DefaultHeuristicConfig()
	cfg.Name = "vibes"

	_, err := Create(cfg)
	assert.Error(t, err)
}
