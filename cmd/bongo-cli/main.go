package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"bongo/internal/config"
	"bongo/internal/database"
	"bongo/internal/ipc"
	"bongo/internal/state"
)

var errUsage = errors.New("usage: bongo-cli [-config file] next-image | mode ai | mode fps <value> | status")

func main() {
	var (
		configF = flag.String("config", os.Getenv("BONGO_CONFIG"), "Path to the YAML configuration file")
		envF    = flag.String("env", ".env", "Path to a .env file loaded before the environment overrides")
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
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		logger = logger.Level(level)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, cfg, flag.Args(), os.Stdout, logger); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		logger.Fatal().Err(err).Msg("command failed")
	}
}

// run executes one client command. State changes are persisted before the
// daemon is told about them, so they survive a daemon that is not running.
func run(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer, logger zerolog.Logger) error {
	if len(args) == 0 {
		return errUsage
	}
	socket := ipc.SocketPath(cfg.Daemon.Socket)

	switch args[0] {
	case "next-image":
		if len(args) != 1 {
			return errUsage
		}
		reply, err := ipc.Send(ctx, socket, ipc.Message{Kind: ipc.NextImage})
		if err != nil {
			return err
		}
		if len(reply) == 0 {
			logger.Error().Str("dir", cfg.Daemon.ImageDir).Msg("no image available")
			return nil
		}
		fmt.Fprintln(stdout, string(reply))
		return nil

	case "mode":
		if len(args) < 2 {
			return errUsage
		}
		switch args[1] {
		case "ai":
			if len(args) != 2 {
				return errUsage
			}
			return persistAndSend(ctx, cfg, socket, func(st *database.PersistedState) {
				st.AIMode = true
			}, ipc.Message{Kind: ipc.EnableAdaptive})

		case "fps":
			if len(args) != 3 {
				return errUsage
			}
			v, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid fps %q: %w", args[2], err)
			}
			v = state.New(cfg.Rate.Min, cfg.Rate.Max, cfg.Rate.Default, state.Manual).Clamp(v)
			return persistAndSend(ctx, cfg, socket, func(st *database.PersistedState) {
				st.FPS = v
				st.AIMode = false
			}, ipc.Message{Kind: ipc.SetRate, Rate: v})
		}
		return errUsage

	case "status":
		reply, err := ipc.QueryStatus(ctx, socket)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "fps: %g\nmode: %s\ncontroller running: %t\n", reply.Rate, reply.Mode, reply.ControllerRunning)
		return nil
	}
	return errUsage
}

func persistAndSend(ctx context.Context, cfg *config.Config, socket string, update func(*database.PersistedState), msg ipc.Message) error {
	db, err := database.Open(cfg.State.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := db.LoadState(database.PersistedState{FPS: cfg.Rate.Default})
	if err != nil {
		return err
	}
	update(&st)
	if err := db.SaveState(st); err != nil {
		return err
	}

	_, err = ipc.Send(ctx, socket, msg)
	return err
}
