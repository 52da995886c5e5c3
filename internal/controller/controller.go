// Package controller runs the adaptive loop that turns camera frames into a
// signalling rate.
package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bongo/internal/pipeline"
	"bongo/internal/pipeline/heuristics"
	"bongo/internal/state"
)

// Config tunes the loop timing and the rate mapping.
type Config struct {
	Interval  time.Duration // Pause between cycles, default 1s
	IdlePoll  time.Duration // Mode check period while manual, default 100ms
	Heuristic pipeline.HeuristicConfig
}

// Deps opens the controller's resources. Both are called once per run.
type Deps struct {
	OpenCamera func(ctx context.Context) (pipeline.Camera, error)
	LoadEngine func(ctx context.Context) (pipeline.DetectionEngine, error)
}

// Controller owns the camera and the detection engine while it runs. At most
// one run is active at a time.
type Controller struct {
	state     *state.State
	deps      Deps
	config    Config
	heuristic pipeline.RateHeuristic
	logger    zerolog.Logger

	running  atomic.Bool
	wg       sync.WaitGroup
	mu       sync.RWMutex
	handlers []pipeline.CycleHandler

	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

// New validates the heuristic configuration and builds an idle controller.
func New(st *state.State, deps Deps, config Config, logger zerolog.Logger) (*Controller, error) {
	if deps.OpenCamera == nil || deps.LoadEngine == nil {
		return nil, fmt.Errorf("controller needs a camera and an engine")
	}
	h, err := heuristics.Create(config.Heuristic)
	if err != nil {
		return nil, err
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.IdlePoll <= 0 {
		config.IdlePoll = 100 * time.Millisecond
	}
	return &Controller{
		state:     st,
		deps:      deps,
		config:    config,
		heuristic: h,
		logger:    logger.With().Str("component", "controller").Logger(),
		sleep:     sleep,
	}, nil
}

// Subscribe registers h for every later cycle result.
func (c *Controller) Subscribe(h pipeline.CycleHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// Activate starts a run unless one is already active. It reports whether
// this call started it.
func (c *Controller) Activate(ctx context.Context) bool {
	if !c.running.CompareAndSwap(false, true) {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	return true
}

func (c *Controller) Running() bool {
	return c.running.Load()
}

// Wait blocks until the active run, if any, has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) run(ctx context.Context) {
	runID := uuid.NewString()
	logger := c.logger.With().Str("run_id", runID).Logger()

	err := c.loop(ctx, runID, logger)

	// Release before touching the mode so a later EnableAdaptive can always
	// start a new run.
	c.running.Store(false)
	if err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("rate controller stopped")
		c.state.SetMode(state.Manual, "controller")
	}
}

func (c *Controller) loop(ctx context.Context, runID string, logger zerolog.Logger) error {
	cam, err := c.deps.OpenCamera(ctx)
	if err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	defer cam.Close()

	engine, err := c.deps.LoadEngine(ctx)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	defer engine.Close()

	logger.Debug().Str("heuristic", c.heuristic.Name()).Msg("AI thread started")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.state.Mode() != state.Adaptive {
			if err := c.sleep(ctx, c.config.IdlePoll); err != nil {
				return err
			}
			continue
		}

		c.cycle(ctx, runID, cam, engine, logger)

		if err := c.sleep(ctx, c.config.Interval); err != nil {
			return err
		}
	}
}

// cycle captures, detects and publishes one rate. Failures are logged and
// the cycle is skipped.
func (c *Controller) cycle(ctx context.Context, runID string, cam pipeline.Camera, engine pipeline.DetectionEngine, logger zerolog.Logger) {
	frame, err := cam.Capture(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to capture frame")
		return
	}

	start := time.Now()
	boxes, err := engine.Detect(ctx, frame.Image)
	if err != nil {
		logger.Error().Err(err).Msg("failed to run model")
		return
	}
	took := time.Since(start)

	// A client may have switched to Manual while the model ran.
	side := float32(engine.InputSize())
	rate, ok := c.state.SetRateIf(state.Adaptive, c.heuristic.Rate(boxes, side, side), "adaptive")
	if !ok {
		return
	}
	activity := heuristics.Measure(boxes, c.config.Heuristic.PrimaryClass, side, side)

	logger.Debug().
		Float64("fps", rate).
		Int("people", activity.Count).
		Float64("closeness", activity.AreaFraction).
		Msg("AI updated FPS")

	result := &pipeline.CycleResult{
		RunID:       runID,
		FrameSeq:    frame.Seq,
		Timestamp:   frame.Timestamp,
		Boxes:       len(boxes),
		Activity:    activity,
		Rate:        rate,
		InferenceMs: float32(took.Microseconds()) / 1000,
	}
	c.mu.RLock()
	handlers := c.handlers
	c.mu.RUnlock()
	for _, h := range handlers {
		h.OnCycle(result)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
