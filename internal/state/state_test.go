package state

import (
	"encoding/json"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetRateClamps(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"in range", 12.5, 12.5},
		{"above max", 45, 30},
		{"below min", 0.1, 0.5},
		{"zero", 0, 0.5},
		{"negative", -3, 0.5},
		{"nan", math.NaN(), 0.5},
		{"infinity", math.Inf(1), 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(0.5, 30, 5, Manual)
			assert.Equal(t, tt.want, s.SetRate(tt.in, "test"))
			assert.Equal(t, tt.want, s.Rate())
		})
	}
}

func TestNewClampsInitialRate(t *testing.T) {
	s := New(0.5, 30, 100, Adaptive)
	assert.Equal(t, 30.0, s.Rate())
	assert.Equal(t, Adaptive, s.Mode())
}

func TestObserversSeeChangesOnly(t *testing.T) {
	s := New(0.5, 30, 5, Manual)

	var got []Change
	s.Observe(ObserverFunc(func(c Change) { got = append(got, c) }))

	s.SetRate(5, "same")
	assert.True(t, s.SetMode(Adaptive, "client"))
	assert.False(t, s.SetMode(Adaptive, "client"))
	s.SetRate(7, "adaptive")

	require.Len(t, got, 2)
	assert.Equal(t, Change{Rate: 5, Mode: Adaptive, Source: "client"}, got[0])
	assert.Equal(t, Change{Rate: 7, Mode: Adaptive, Source: "adaptive"}, got[1])
}

func TestConcurrentWritersStayInRange(t *testing.T) {
	s := New(0.5, 30, 5, Manual)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.SetRate(float64(i*j)-50, "w")
				r := s.Rate()
				if r < 0.5 || r > 30 {
					t.Errorf("rate %v out of range", r)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestSnapshotJSON(t *testing.T) {
	s := New(0.5, 30, 12.5, Adaptive)

	b, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)
	assert.JSONEq(t, `{"rate":12.5,"mode":"adaptive"}`, string(b))
}

func TestSetManualRateNotifiesOnce(t *testing.T) {
	s := New(0.5, 30, 5, Adaptive)

	var got []Change
	s.Observe(ObserverFunc(func(c Change) { got = append(got, c) }))

	assert.Equal(t, 30.0, s.SetManualRate(45, "client"))
	s.SetManualRate(30, "client")

	require.Len(t, got, 1)
	assert.Equal(t, Change{Rate: 30, Mode: Manual, Source: "client"}, got[0])
}

func TestSetRateIfChecksMode(t *testing.T) {
	s := New(0.5, 30, 5, Manual)

	v, ok := s.SetRateIf(Adaptive, 12, "adaptive")
	assert.False(t, ok)
	assert.Equal(t, 12.0, v)
	assert.Equal(t, 5.0, s.Rate())

	s.SetMode(Adaptive, "client")
	v, ok = s.SetRateIf(Adaptive, 45, "adaptive")
	assert.True(t, ok)
	assert.Equal(t, 30.0, v)
	assert.Equal(t, 30.0, s.Rate())
}

func TestManualRateSurvivesConditionalWriter(t *testing.T) {
	s := New(0.5, 30, 5, Manual)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				s.SetRateIf(Adaptive, 19, "adaptive")
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		s.SetMode(Adaptive, "client")
		s.SetManualRate(7, "client")
		if r := s.Rate(); r != 7 {
			t.Errorf("trial %d: manual rate overwritten with %v", i, r)
			break
		}
	}
	close(done)
	wg.Wait()
}
