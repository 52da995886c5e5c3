package controller

import (
	"context"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bongo/internal/onnx"
	"bongo/internal/pipeline"
	"bongo/internal/rewriter"
	"bongo/internal/state"
)

type fakeCamera struct {
	captures atomic.Int32
	closed   atomic.Bool
}

func (f *fakeCamera) Capture(context.Context) (*pipeline.Frame, error) {
	n := f.captures.Add(1)
	return &pipeline.Frame{Image: image.NewGray(image.Rect(0, 0, 4, 4)), Seq: uint64(n), Timestamp: time.Now()}, nil
}

func (f *fakeCamera) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeEngine struct {
	boxes []pipeline.Box
	err   error
}

func (f *fakeEngine) Detect(context.Context, image.Image) ([]pipeline.Box, error) {
	return f.boxes, f.err
}

func (f *fakeEngine) InputSize() int { return 100 }
func (f *fakeEngine) Close() error   { return nil }

type collector struct {
	mu      sync.Mutex
	results []*pipeline.CycleResult
}

func (c *collector) OnCycle(r *pipeline.CycleResult) {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func testConfig() Config {
	h := pipeline.DefaultHeuristicConfig()
	return Config{Interval: 5 * time.Millisecond, IdlePoll: 5 * time.Millisecond, Heuristic: h}
}

func TestConcurrentActivationStartsOneRun(t *testing.T) {
	st := state.New(0.5, 30, 5, state.Adaptive)
	var opens atomic.Int32
	cam := &fakeCamera{}
	c, err := New(st, Deps{
		OpenCamera: func(context.Context) (pipeline.Camera, error) {
			opens.Add(1)
			return cam, nil
		},
		LoadEngine: func(context.Context) (pipeline.DetectionEngine, error) {
			return &fakeEngine{}, nil
		},
	}, testConfig(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Activate(ctx) {
				started.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), started.Load())
	assert.True(t, c.Running())
	require.Eventually(t, func() bool { return cam.captures.Load() > 0 }, time.Second, time.Millisecond)

	cancel()
	c.Wait()
	assert.Equal(t, int32(1), opens.Load())
	assert.False(t, c.Running())
	assert.True(t, cam.closed.Load())
	// Shutdown is not a failure.
	assert.Equal(t, state.Adaptive, st.Mode())
}

func TestCyclePublishesRate(t *testing.T) {
	st := state.New(0.5, 30, 5, state.Adaptive)
	engine := &fakeEngine{boxes: []pipeline.Box{
		{XMin: 0, YMin: 0, XMax: 40, YMax: 100, Confidence: 0.9, ClassIndex: 0},
		{XMin: 60, YMin: 0, XMax: 80, YMax: 50, Confidence: 0.8, ClassIndex: 0},
	}}
	c, err := New(st, Deps{
		OpenCamera: func(context.Context) (pipeline.Camera, error) { return &fakeCamera{}, nil },
		LoadEngine: func(context.Context) (pipeline.DetectionEngine, error) { return engine, nil },
	}, testConfig(), zerolog.Nop())
	require.NoError(t, err)
	col := &collector{}
	c.Subscribe(col)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Wait()
	}()
	require.True(t, c.Activate(ctx))

	require.Eventually(t, func() bool { return col.len() > 0 }, time.Second, time.Millisecond)
	// 1 + 5*2 + 20*0.4
	assert.InDelta(t, 19.0, st.Rate(), 1e-6)

	col.mu.Lock()
	r := col.results[0]
	col.mu.Unlock()
	assert.Equal(t, 2, r.Activity.Count)
	assert.InDelta(t, 0.4, r.Activity.AreaFraction, 1e-6)
	assert.NotEmpty(t, r.RunID)
}

func TestManualModeIdles(t *testing.T) {
	st := state.New(0.5, 30, 5, state.Manual)
	cam := &fakeCamera{}
	c, err := New(st, Deps{
		OpenCamera: func(context.Context) (pipeline.Camera, error) { return cam, nil },
		LoadEngine: func(context.Context) (pipeline.DetectionEngine, error) {
			return &fakeEngine{boxes: []pipeline.Box{{XMax: 100, YMax: 100}}}, nil
		},
	}, testConfig(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, c.Activate(ctx))
	time.Sleep(30 * time.Millisecond)

	assert.Zero(t, cam.captures.Load())
	assert.Equal(t, 5.0, st.Rate())

	st.SetMode(state.Adaptive, "test")
	require.Eventually(t, func() bool { return cam.captures.Load() > 0 }, time.Second, time.Millisecond)

	cancel()
	c.Wait()
}

func TestCycleErrorsAreSkipped(t *testing.T) {
	st := state.New(0.5, 30, 5, state.Adaptive)
	cam := &fakeCamera{}
	c, err := New(st, Deps{
		OpenCamera: func(context.Context) (pipeline.Camera, error) { return cam, nil },
		LoadEngine: func(context.Context) (pipeline.DetectionEngine, error) {
			return &fakeEngine{err: errors.New("bad output")}, nil
		},
	}, testConfig(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, c.Activate(ctx))
	require.Eventually(t, func() bool { return cam.captures.Load() >= 3 }, time.Second, time.Millisecond)

	assert.True(t, c.Running())
	assert.Equal(t, 5.0, st.Rate())
	cancel()
	c.Wait()
}

func TestFatalErrorReleasesGuardAndFallsBackToManual(t *testing.T) {
	st := state.New(0.5, 30, 5, state.Adaptive)
	var opens atomic.Int32
	c, err := New(st, Deps{
		OpenCamera: func(context.Context) (pipeline.Camera, error) {
			opens.Add(1)
			return nil, errors.New("no camera")
		},
		LoadEngine: func(context.Context) (pipeline.DetectionEngine, error) {
			t.Error("engine must not load without a camera")
			return nil, nil
		},
	}, testConfig(), zerolog.Nop())
	require.NoError(t, err)

	require.True(t, c.Activate(context.Background()))
	c.Wait()

	assert.False(t, c.Running())
	assert.Equal(t, state.Manual, st.Mode())

	// A later request can try again.
	require.True(t, c.Activate(context.Background()))
	c.Wait()
	assert.Equal(t, int32(2), opens.Load())
}

func TestNewRejectsUnknownHeuristic(t *testing.T) {
	cfg := testConfig()
	cfg.Heuristic.Name = "nope"
	_, err := New(state.New(0.5, 30, 5, state.Manual), Deps{
		OpenCamera: func(context.Context) (pipeline.Camera, error) { return nil, nil },
		LoadEngine: func(context.Context) (pipeline.DetectionEngine, error) { return nil, nil },
	}, cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestManualRateIsNotOverwrittenByController(t *testing.T) {
	st := state.New(0.5, 30, 5, state.Adaptive)
	engine := &fakeEngine{boxes: []pipeline.Box{
		{XMin: 0, YMin: 0, XMax: 40, YMax: 100, Confidence: 0.9, ClassIndex: 0},
		{XMin: 60, YMin: 0, XMax: 80, YMax: 50, Confidence: 0.8, ClassIndex: 0},
	}}
	cfg := testConfig()
	cfg.Interval = time.Nanosecond
	cfg.IdlePoll = time.Nanosecond
	cam := &fakeCamera{}
	c, err := New(st, Deps{
		OpenCamera: func(context.Context) (pipeline.Camera, error) { return cam, nil },
		LoadEngine: func(context.Context) (pipeline.DetectionEngine, error) { return engine, nil },
	}, cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Wait()
	}()
	require.True(t, c.Activate(ctx))
	require.Eventually(t, func() bool { return st.Rate() == 19 }, time.Second, time.Millisecond)

	for i := 0; i < 2000; i++ {
		st.SetMode(state.Adaptive, "client")
		st.SetManualRate(7, "client")
		if r := st.Rate(); r != 7 {
			t.Fatalf("trial %d: manual rate overwritten with %v", i, r)
		}
	}
	assert.True(t, c.Running())
}

func yoloLikeModel() []byte {
	pool := &onnx.Node{
		Name:    "sppf_pool",
		OpType:  "MaxPool",
		Inputs:  []string{"images"},
		Outputs: []string{"pooled"},
		Attributes: []*onnx.Attribute{
			{Name: "kernel_shape", Type: onnx.AttrInts, Ints: []int64{5, 5}},
			{Name: "pads", Type: onnx.AttrInts, Ints: []int64{2, 2, 2, 2}},
			{Name: "strides", Type: onnx.AttrInts, Ints: []int64{1, 1}},
		},
	}
	up := &onnx.Node{Name: "up", OpType: "Resize", Inputs: []string{"pooled", "", "scales"}, Outputs: []string{"output0"}}
	m := &onnx.Model{
		IRVersion: 8,
		Opsets:    []onnx.OperatorSet{{Version: 17}},
		Graph: &onnx.Graph{
			Name:         "main",
			Nodes:        []*onnx.Node{pool, up},
			Initializers: []*onnx.Tensor{onnx.NewFloatTensor("scales", []int64{4}, []float32{1, 1, 1, 1})},
			Inputs: []*onnx.ValueInfo{
				onnx.NewTensorValueInfo("images", onnx.DataTypeFloat, []int64{1, 3, 640, 640}),
				onnx.NewTensorValueInfo("scales", onnx.DataTypeFloat, []int64{4}),
			},
			Outputs: []*onnx.ValueInfo{onnx.NewTensorValueInfo("output0", onnx.DataTypeFloat, []int64{1, 3, 640, 640})},
		},
	}
	return m.Marshal()
}

func TestPrepareRewritesModel(t *testing.T) {
	prepared, err := Prepare(yoloLikeModel(), rewriter.DefaultOptions(), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "images", prepared.Input)
	assert.Equal(t, "output0", prepared.Output)
	assert.Len(t, prepared.Report.Changes, 2)

	m, err := onnx.Unmarshal(prepared.Data)
	require.NoError(t, err)
	var ops []string
	for _, n := range m.Graph.Nodes {
		ops = append(ops, n.OpType)
	}
	assert.Equal(t, []string{"Pad", "MaxPool", "Identity"}, ops)
}

func TestPrepareRejectsBadModels(t *testing.T) {
	_, err := Prepare([]byte{0xff, 0xff}, rewriter.DefaultOptions(), zerolog.Nop())
	assert.ErrorIs(t, err, onnx.ErrMalformed)

	_, err = Prepare((&onnx.Model{IRVersion: 8}).Marshal(), rewriter.DefaultOptions(), zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoGraph)

	empty := (&onnx.Model{IRVersion: 8, Graph: &onnx.Graph{Name: "g"}}).Marshal()
	_, err = Prepare(empty, rewriter.DefaultOptions(), zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoGraph)
}

func TestModelSourcePrefersLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o644))

	got, err := ModelSource{Path: path, Repo: "x/y", HubURL: "http://127.0.0.1:1"}.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestModelSourceDownloadsOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/salim4n/yolov8n-detect-onnx/resolve/main/yolov8n-onnx-web/yolov8n.onnx" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("weights"))
	}))
	defer srv.Close()

	src := ModelSource{
		Path:     "yolov8n-onnx-web/yolov8n.onnx",
		Repo:     "salim4n/yolov8n-detect-onnx",
		CacheDir: t.TempDir(),
		HubURL:   srv.URL,
		Logger:   zerolog.Nop(),
	}

	path, err := src.Fetch(context.Background())
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	again, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, int32(1), hits.Load())
}

func TestModelSourceDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := ModelSource{Path: "missing.onnx", Repo: "a/b", CacheDir: t.TempDir(), HubURL: srv.URL}.Fetch(context.Background())
	assert.ErrorContains(t, err, "404")
}
