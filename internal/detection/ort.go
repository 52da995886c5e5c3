package detection

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
)

// ORTConfig selects the onnxruntime build and execution settings.
type ORTConfig struct {
	LibraryPath string // Path to the onnxruntime shared library; empty uses the default lookup
	Threads     int    // Intra-op threads, 0 lets onnxruntime decide
	CUDA        bool   // Try the CUDA execution provider, falling back to CPU
}

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment loads the shared library once per process.
func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if libraryPath != "" {
			// Must be called before InitializeEnvironment
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
		}
	})
	return envErr
}

// ORTSession is an Inferencer backed by onnxruntime. Outputs are allocated by
// onnxruntime on each run, so dynamic output shapes are fine.
type ORTSession struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// NewORTSession builds a session from serialized model bytes.
func NewORTSession(model []byte, inputName, outputName string, config ORTConfig, logger zerolog.Logger) (*ORTSession, error) {
	logger = logger.With().Str("component", "ort").Logger()

	if err := initEnvironment(config.LibraryPath); err != nil {
		return nil, err
	}

	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessionOptions.Destroy()

	if config.Threads > 0 {
		if err := sessionOptions.SetIntraOpNumThreads(config.Threads); err != nil {
			return nil, fmt.Errorf("failed to set threads: %w", err)
		}
	}

	if config.CUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err == nil {
			defer cudaOptions.Destroy()
			err = cudaOptions.Update(map[string]string{"device_id": "0"})
			if err == nil {
				err = sessionOptions.AppendExecutionProviderCUDA(cudaOptions)
			}
		}
		if err != nil {
			logger.Warn().Err(err).Msg("CUDA not available, running on CPU")
		} else {
			logger.Info().Msg("CUDA execution provider enabled")
		}
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(model,
		[]string{inputName}, []string{outputName}, sessionOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger.Info().Str("input", inputName).Str("output", outputName).Msg("ONNX Runtime session created")
	return &ORTSession{session: session}, nil
}

// Run executes one inference. onnxruntime runs are not cancellable, so ctx
// is only checked before starting.
func (s *ORTSession) Run(ctx context.Context, input []float32, shape []int64) ([]float32, []int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, nil, fmt.Errorf("session closed")
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, nil, fmt.Errorf("failed to run inference: %w", err)
	}
	defer outputs[0].Destroy()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, nil, fmt.Errorf("%w: output is not a float32 tensor", ErrOutputShape)
	}
	data := make([]float32, len(tensor.GetData()))
	copy(data, tensor.GetData())
	return data, []int64(tensor.GetShape()), nil
}

func (s *ORTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
