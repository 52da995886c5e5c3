// Package ipc implements the daemon's control protocol: one JSON message per
// Unix socket connection, with a reply for the messages that need one.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bongo/internal/state"
)

const (
	maxMessageSize = 64 << 10
	connTimeout    = 5 * time.Second
)

// Controller starts the adaptive rate controller.
type Controller interface {
	// Activate starts the controller unless one is already running and
	// reports whether this call started it
	Activate(ctx context.Context) bool
	Running() bool
}

// FrameSource hands out frame paths for a directory.
type FrameSource interface {
	Next(dir string) (string, bool)
}

// Persister stores the control state across restarts.
type Persister interface {
	SaveSnapshot(s state.Snapshot) error
}

// Server applies control messages to the shared state.
type Server struct {
	State      *state.State
	Frames     FrameSource
	ImageDir   string
	Controller Controller // Optional
	Store      Persister  // Optional
	Logger     zerolog.Logger

	wg sync.WaitGroup
}

// Listen binds the socket at path, removing a stale socket file first.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to bind socket %s: %w", path, err)
	}
	return ln, nil
}

// Serve accepts connections until ctx is cancelled, handling each on its own
// goroutine. It closes ln and waits for in-flight connections on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := s.Logger.With().Str("component", "ipc").Logger()
	logger.Info().Str("socket", ln.Addr().String()).Msg("socket bound")

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}
		logger.Debug().Msg("connection accepted")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn, logger)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn, logger zerolog.Logger) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))

	data, err := io.ReadAll(io.LimitReader(conn, maxMessageSize))
	if err != nil {
		logger.Debug().Err(err).Msg("failed to read message")
		return
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Debug().Err(err).Msg("dropping malformed message")
		return
	}
	logger.Debug().Stringer("msg", msg.Kind).Msg("received message")

	reply := s.Apply(ctx, msg)
	if len(reply) == 0 {
		return
	}
	if _, err := conn.Write(reply); err != nil {
		logger.Debug().Err(err).Msg("failed to write reply")
	}
}

// Apply executes msg against the state and returns the reply bytes, if any.
func (s *Server) Apply(ctx context.Context, msg Message) []byte {
	logger := s.Logger.With().Str("component", "ipc").Logger()

	switch msg.Kind {
	case SetRate:
		rate := s.State.SetManualRate(msg.Rate, "client")
		logger.Debug().Float64("fps", rate).Msg("updating fps")
		s.persist(logger)

	case EnableAdaptive:
		logger.Debug().Msg("enabling AI mode")
		s.State.SetMode(state.Adaptive, "client")
		s.persist(logger)
		if s.Controller != nil && s.Controller.Activate(ctx) {
			logger.Info().Msg("rate controller started")
		}

	case NextImage:
		path, ok := s.Frames.Next(s.ImageDir)
		if !ok {
			return nil
		}
		logger.Trace().Str("path", path).Msg("sending frame path")
		return []byte(path)

	case Status:
		reply := StatusReply{Rate: s.State.Rate(), Mode: s.State.Mode()}
		if s.Controller != nil {
			reply.ControllerRunning = s.Controller.Running()
		}
		b, err := json.Marshal(reply)
		if err != nil {
			logger.Error().Err(err).Msg("failed to encode status")
			return nil
		}
		return b
	}
	return nil
}

func (s *Server) persist(logger zerolog.Logger) {
	if s.Store == nil {
		return
	}
	if err := s.Store.SaveSnapshot(s.State.Snapshot()); err != nil {
		logger.Warn().Err(err).Msg("failed to persist state")
	}
}
