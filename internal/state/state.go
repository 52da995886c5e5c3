// Package state holds the daemon's shared control state: the signalling rate
// and whether it is set by hand or by the camera controller.
package state

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// Mode selects who owns the rate.
type Mode int32

const (
	// Manual means the rate only changes through explicit client requests.
	Manual Mode = iota
	// Adaptive means the rate controller derives the rate from the camera.
	Adaptive
)

func (m Mode) String() string {
	switch m {
	case Manual:
		return "manual"
	case Adaptive:
		return "adaptive"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "manual":
		return Manual, nil
	case "adaptive":
		return Adaptive, nil
	default:
		return Manual, fmt.Errorf("unknown mode %q", s)
	}
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Snapshot is a consistent-enough copy of the state for reporting.
type Snapshot struct {
	Rate float64 `json:"rate"`
	Mode Mode    `json:"mode"`
}

// Change describes one update that observers are told about.
type Change struct {
	Rate   float64
	Mode   Mode
	Source string
}

// Observer is notified after the rate or the mode actually changed.
type Observer interface {
	OnStateChange(c Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(c Change)

func (f ObserverFunc) OnStateChange(c Change) { f(c) }

// State is safe for concurrent use. Reads are lock-free; writes are
// serialized so that conditional updates see a stable mode.
type State struct {
	minRate, maxRate float64

	mu   sync.Mutex // Held by writers
	rate atomic.Uint64
	mode atomic.Int32

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates a state with the given bounds. The initial rate is clamped.
func New(minRate, maxRate, rate float64, mode Mode) *State {
	if maxRate < minRate {
		minRate, maxRate = maxRate, minRate
	}
	s := &State{minRate: minRate, maxRate: maxRate}
	s.rate.Store(math.Float64bits(s.Clamp(rate)))
	s.mode.Store(int32(mode))
	return s
}

// Clamp maps v into the rate range. NaN maps to the minimum.
func (s *State) Clamp(v float64) float64 {
	if math.IsNaN(v) || v < s.minRate {
		return s.minRate
	}
	if v > s.maxRate {
		return s.maxRate
	}
	return v
}

func (s *State) Rate() float64 {
	return math.Float64frombits(s.rate.Load())
}

// SetRate clamps and stores v and returns the stored value.
func (s *State) SetRate(v float64, source string) float64 {
	s.mu.Lock()
	v, changed := s.storeRate(v)
	c := s.change(source)
	s.mu.Unlock()

	if changed {
		s.notify(c)
	}
	return v
}

// SetRateIf stores v only while the mode is m. It reports the stored value
// and whether the store happened.
func (s *State) SetRateIf(m Mode, v float64, source string) (float64, bool) {
	s.mu.Lock()
	if s.Mode() != m {
		s.mu.Unlock()
		return s.Clamp(v), false
	}
	v, changed := s.storeRate(v)
	c := s.change(source)
	s.mu.Unlock()

	if changed {
		s.notify(c)
	}
	return v, true
}

// SetManualRate switches to Manual and stores v in one step, notifying
// observers once.
func (s *State) SetManualRate(v float64, source string) float64 {
	s.mu.Lock()
	modeChanged := s.storeMode(Manual)
	v, rateChanged := s.storeRate(v)
	c := s.change(source)
	s.mu.Unlock()

	if modeChanged || rateChanged {
		s.notify(c)
	}
	return v
}

func (s *State) Mode() Mode {
	return Mode(s.mode.Load())
}

// SetMode stores m and reports whether it differed from the previous mode.
func (s *State) SetMode(m Mode, source string) bool {
	s.mu.Lock()
	changed := s.storeMode(m)
	c := s.change(source)
	s.mu.Unlock()

	if changed {
		s.notify(c)
	}
	return changed
}

// storeRate and storeMode require s.mu.
func (s *State) storeRate(v float64) (float64, bool) {
	v = s.Clamp(v)
	old := math.Float64frombits(s.rate.Swap(math.Float64bits(v)))
	return v, old != v
}

func (s *State) storeMode(m Mode) bool {
	return Mode(s.mode.Swap(int32(m))) != m
}

func (s *State) change(source string) Change {
	return Change{Rate: s.Rate(), Mode: s.Mode(), Source: source}
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{Rate: s.Rate(), Mode: s.Mode()}
}

// Observe registers o for every later change.
func (s *State) Observe(o Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

func (s *State) notify(c Change) {
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()

	for _, o := range observers {
		o.OnStateChange(c)
	}
}
