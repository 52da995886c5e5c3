// Package camera captures single frames from a V4L2 device or network
// stream through ffmpeg.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bongo/internal/pipeline"
)

// ErrNoFormat is returned by Open when the device accepts none of the
// configured formats.
var ErrNoFormat = errors.New("no usable camera format")

// Format is one capture mode to request from the device. Empty fields let
// the driver choose.
type Format struct {
	Input string `yaml:"input"` // ffmpeg -input_format, e.g. mjpeg or yuyv422
	Size  string `yaml:"size"`  // WIDTHxHEIGHT
}

func (f Format) String() string {
	in, size := f.Input, f.Size
	if in == "" {
		in = "auto"
	}
	if size == "" {
		size = "auto"
	}
	return in + "@" + size
}

// DefaultFormats tries the driver default first, then MJPEG 720p, then raw
// YUYV VGA which every UVC camera supports.
func DefaultFormats() []Format {
	return []Format{
		{},
		{Input: "mjpeg", Size: "1280x720"},
		{Input: "yuyv422", Size: "640x480"},
	}
}

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w (stderr: %s)", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Config selects the device and how to talk to it.
type Config struct {
	Device  string   // /dev/videoN, a bare index, or an http/rtsp URL
	Formats []Format // Tried in order; empty means DefaultFormats
	Ffmpeg  string   // ffmpeg binary, default "ffmpeg"
	Runner  Runner   // Defaults to ExecRunner
}

// Camera implements pipeline.Camera. It is safe for concurrent use, though
// captures are serialized.
type Camera struct {
	device string
	ffmpeg string
	format Format
	run    Runner
	logger zerolog.Logger

	mu       sync.Mutex
	seq      uint64
	isActive bool
}

var _ pipeline.Camera = (*Camera)(nil)

// DevicePath maps a bare index such as "0" to /dev/video0. Anything else is
// returned unchanged.
func DevicePath(device string) string {
	if device == "" {
		return "/dev/video0"
	}
	for _, r := range device {
		if r < '0' || r > '9' {
			return device
		}
	}
	return "/dev/video" + device
}

// Open probes the configured formats in order with a test capture (this
// turns on the LED) and keeps the first one that works.
func Open(ctx context.Context, config Config, logger zerolog.Logger) (*Camera, error) {
	c := &Camera{
		device: DevicePath(config.Device),
		ffmpeg: config.Ffmpeg,
		run:    config.Runner,
		logger: logger.With().Str("component", "camera").Logger(),
	}
	if c.ffmpeg == "" {
		c.ffmpeg = "ffmpeg"
	}
	if c.run == nil {
		c.run = ExecRunner
	}
	formats := config.Formats
	if len(formats) == 0 {
		formats = DefaultFormats()
	}

	if !deviceAccessible(c.device) {
		return nil, fmt.Errorf("camera device %s is not accessible", c.device)
	}

	var errs []error
	for _, f := range formats {
		data, err := c.run(ctx, c.ffmpeg, c.args(f)...)
		if err == nil {
			_, _, err = image.DecodeConfig(bytes.NewReader(data))
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("format", f.String()).Msg("camera format rejected")
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		c.format = f
		c.isActive = true
		c.logger.Info().Str("device", c.device).Str("format", f.String()).Msg("camera opened")
		return c, nil
	}
	return nil, fmt.Errorf("%w on %s: %w", ErrNoFormat, c.device, errors.Join(errs...))
}

// Format returns the format chosen by Open.
func (c *Camera) Format() Format {
	return c.format
}

// Capture grabs and decodes one frame.
func (c *Camera) Capture(ctx context.Context) (*pipeline.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isActive {
		return nil, fmt.Errorf("camera %s is not active", c.device)
	}

	data, err := c.run(ctx, c.ffmpeg, c.args(c.format)...)
	if err != nil {
		return nil, fmt.Errorf("failed to capture frame: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	c.seq++
	return &pipeline.Frame{
		Image:     img,
		Seq:       c.seq,
		Timestamp: time.Now(),
		Format:    c.format.String(),
	}, nil
}

func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isActive = false
	return nil
}

// args builds an ffmpeg invocation writing one JPEG frame to stdout.
func (c *Camera) args(f Format) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}

	if isNetworkSource(c.device) {
		args = append(args, "-i", c.device)
	} else {
		args = append(args, "-f", "v4l2")
		if f.Input != "" {
			args = append(args, "-input_format", f.Input)
		}
		if f.Size != "" {
			args = append(args, "-video_size", f.Size)
		}
		args = append(args, "-i", c.device)
	}

	return append(args,
		"-vframes", "1", // Capture 1 frame
		"-f", "mjpeg", // Output format
		"-q:v", "2", // High quality JPEG
		"-", // Output to stdout
	)
}

// isNetworkSource checks if device is an HTTP/RTSP URL
func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

// deviceAccessible checks if device is accessible
func deviceAccessible(device string) bool {
	// Network sources are checked by actually connecting
	if isNetworkSource(device) {
		return true
	}

	// Try to open for read to check permissions
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	defer file.Close()

	return true
}
