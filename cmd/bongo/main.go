package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"bongo/internal/camera"
	"bongo/internal/config"
	"bongo/internal/controller"
	"bongo/internal/database"
	"bongo/internal/detection"
	"bongo/internal/frames"
	"bongo/internal/ipc"
	"bongo/internal/pipeline"
	"bongo/internal/rewriter"
	"bongo/internal/signaller"
	"bongo/internal/state"
	"bongo/internal/ws"
)

// Rate events older than this are pruned at startup.
const historyRetention = 7 * 24 * time.Hour

func main() {
	var (
		configF  = flag.String("config", os.Getenv("BONGO_CONFIG"), "Path to the YAML configuration file")
		envF     = flag.String("env", ".env", "Path to a .env file loaded before the environment overrides")
		dirF     = flag.String("dir", "", "Image directory served to next-image (overrides config)")
		processF = flag.String("process", "", "Name of the process to signal (overrides config)")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	if err := config.LoadDotEnv(*envF); err != nil {
		logger.Fatal().Err(err).Msg("failed to load environment file")
	}
	cfg, err := config.Load(*configF)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *dirF != "" {
		cfg.Daemon.ImageDir = *dirF
	}
	if *processF != "" {
		cfg.Daemon.Process = *processF
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Warn().Str("level", cfg.Log.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level)

	// Persisted state
	db, err := database.Open(cfg.State.Path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.State.Path).Msg("failed to open state database")
	}
	defer db.Close()

	persisted, err := db.LoadState(database.PersistedState{FPS: cfg.Rate.Default})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load persisted state, using defaults")
		persisted = database.PersistedState{FPS: cfg.Rate.Default}
	}
	mode := state.Manual
	if persisted.AIMode {
		mode = state.Adaptive
	}
	st := state.New(cfg.Rate.Min, cfg.Rate.Max, persisted.FPS, mode)
	st.Observe(database.NewRecorder(db, logger))

	if n, err := db.DeleteOldRateEvents(time.Now().Add(-historyRetention)); err != nil {
		logger.Warn().Err(err).Msg("failed to prune rate history")
	} else if n > 0 {
		logger.Debug().Int64("deleted", n).Msg("pruned rate history")
	}

	cache := frames.NewCache(logger)

	ctrl, err := controller.New(st, controllerDeps(cfg, logger), controller.Config{
		Interval:  cfg.Controller.Interval,
		Heuristic: cfg.Heuristic(),
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid controller configuration")
	}

	socket := ipc.SocketPath(cfg.Daemon.Socket)
	ln, err := ipc.Listen(socket)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to bind control socket")
	}

	srv := &ipc.Server{
		State:      st,
		Frames:     cache,
		ImageDir:   cfg.Daemon.ImageDir,
		Controller: ctrl,
		Store:      db,
		Logger:     logger,
	}

	// Create channel used by both the signal handler and the goroutines to
	// notify the main goroutine when to stop.
	errc := make(chan error, 4)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx, ln); err != nil {
			errc <- fmt.Errorf("control server: %w", err)
		}
	}()

	if cfg.Frames.Watch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cache.Watch(ctx, cfg.Daemon.ImageDir); err != nil {
				logger.Warn().Err(err).Msg("frame watcher stopped")
			}
		}()
	}

	if cfg.Monitor.Addr != "" {
		hub := ws.NewRateHub(logger)
		st.Observe(hub)
		ctrl.Subscribe(hub)
		monitor := ws.NewServer(hub, st, db, ctrl.Running, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := monitor.Run(ctx, cfg.Monitor.Addr); err != nil {
				logger.Error().Err(err).Msg("monitor stopped")
			}
		}()
	}

	if st.Mode() == state.Adaptive {
		ctrl.Activate(ctx)
	}

	loop := &signaller.Loop{
		Name:    cfg.Daemon.Process,
		Rate:    st,
		Backoff: cfg.Daemon.Backoff,
		Logger:  logger,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()

	snap := st.Snapshot()
	logger.Info().
		Str("process", cfg.Daemon.Process).
		Str("image_dir", cfg.Daemon.ImageDir).
		Float64("fps", snap.Rate).
		Str("mode", snap.Mode.String()).
		Msg("daemon started")

	// Wait for signal.
	logger.Info().Msgf("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	ctrl.Wait()
	if err := db.SaveSnapshot(st.Snapshot()); err != nil {
		logger.Warn().Err(err).Msg("failed to persist state")
	}
	os.Remove(socket)
	logger.Info().Msg("exited")
}

// controllerDeps opens the camera and builds the detection engine from the
// configured model on each controller activation.
func controllerDeps(cfg *config.Config, logger zerolog.Logger) controller.Deps {
	return controller.Deps{
		OpenCamera: func(ctx context.Context) (pipeline.Camera, error) {
			cam, err := camera.Open(ctx, camera.Config{
				Device:  cfg.Camera.Device,
				Formats: cfg.Camera.Formats,
				Ffmpeg:  cfg.Camera.Ffmpeg,
			}, logger)
			if err != nil {
				return nil, err
			}
			return cam, nil
		},
		LoadEngine: func(ctx context.Context) (pipeline.DetectionEngine, error) {
			src := controller.ModelSource{
				Path:     cfg.Model.Path,
				Repo:     cfg.Model.Repo,
				CacheDir: cfg.Model.CacheDir,
				Logger:   logger,
			}
			path, err := src.Fetch(ctx)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read model: %w", err)
			}

			opts := rewriter.DefaultOptions()
			opts.PadMode = cfg.Model.PadMode
			model, err := controller.Prepare(data, opts, logger)
			if err != nil {
				return nil, err
			}

			sess, err := detection.NewORTSession(model.Data, model.Input, model.Output, detection.ORTConfig{
				LibraryPath: cfg.Model.ORTLibrary,
				Threads:     cfg.Model.Threads,
				CUDA:        cfg.Model.CUDA,
			}, logger)
			if err != nil {
				return nil, err
			}
			return detection.NewEngine(sess, detection.Config{
				InputSize:    cfg.Model.InputSize,
				Confidence:   cfg.Model.Confidence,
				IoUThreshold: cfg.Model.IoU,
			}, logger), nil
		},
	}
}
