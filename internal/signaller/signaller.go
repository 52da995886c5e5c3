// Package signaller sends the frame-advance signal to the consumer process
// at the current control rate.
package signaller

import (
	"context"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// RateSource provides the current rate in signals per second.
type RateSource interface {
	Rate() float64
}

// Loop signals every process named Name, 1/Rate() seconds apart.
type Loop struct {
	Name    string
	Rate    RateSource
	Find    Finder        // Defaults to ProcessFinder(SIGUSR2)
	Backoff time.Duration // Wait after an empty discovery, default 1s
	Logger  zerolog.Logger

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	targets []Process
}

// Run loops until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if l.Find == nil {
		l.Find = ProcessFinder(syscall.SIGUSR2)
	}
	if l.Backoff <= 0 {
		l.Backoff = time.Second
	}
	if l.Sleep == nil {
		l.Sleep = sleep
	}
	logger := l.Logger.With().Str("component", "signaller").Str("process", l.Name).Logger()

	for {
		if len(l.targets) == 0 {
			procs, err := l.Find(ctx, l.Name)
			if err != nil {
				logger.Error().Err(err).Msg("process discovery failed")
			}
			if len(procs) == 0 {
				logger.Trace().Msg("no target process, waiting")
				if err := l.Sleep(ctx, l.Backoff); err != nil {
					return nil
				}
				continue
			}
			l.targets = procs
			logger.Debug().Int("count", len(procs)).Msg("target processes found")
		}

		l.signalAll(ctx, logger)

		rate := l.Rate.Rate()
		logger.Trace().Float64("fps", rate).Msg("sleeping")
		if err := l.Sleep(ctx, Interval(rate)); err != nil {
			return nil
		}
	}
}

// signalAll signals the tracked targets and forgets the ones that failed.
func (l *Loop) signalAll(ctx context.Context, logger zerolog.Logger) {
	alive := l.targets[:0]
	for _, p := range l.targets {
		if err := p.Signal(ctx); err != nil {
			logger.Debug().Err(err).Int32("pid", p.Pid()).Msg("target gone")
			continue
		}
		alive = append(alive, p)
	}
	l.targets = alive
}

// Interval converts a rate to the wait between signals. Non-positive rates
// are treated as one signal per second.
func Interval(rate float64) time.Duration {
	if !(rate > 0) {
		return time.Second
	}
	return time.Duration(float64(time.Second) / rate)
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
