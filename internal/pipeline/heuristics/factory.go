package heuristics

import (
	"fmt"

	"bongo/internal/pipeline"
)

// Create builds the heuristic named by config.Name. An empty name selects
// presence.
func Create(config pipeline.HeuristicConfig) (pipeline.RateHeuristic, error) {
	if config.MaxRate < config.MinRate {
		return nil, fmt.Errorf("invalid rate range [%v, %v]", config.MinRate, config.MaxRate)
	}

	switch config.Name {
	case "", pipeline.HeuristicPresence:
		return NewPresence(config), nil

	case pipeline.HeuristicCount:
		// Count only: box size does not matter
		config.AreaWeight = 0
		return &weighted{name: pipeline.HeuristicCount, config: config}, nil

	case pipeline.HeuristicArea:
		// Closeness only: a crowd far away looks like an empty room
		config.CountWeight = 0
		return &weighted{name: pipeline.HeuristicArea, config: config}, nil

	default:
		return nil, fmt.Errorf("unknown heuristic: %s", config.Name)
	}
}
