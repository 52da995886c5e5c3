// Package config loads daemon settings from an optional YAML file, a .env
// file and BONGO_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"bongo/internal/camera"
	"bongo/internal/pipeline"
)

type Config struct {
	Daemon     DaemonConfig     `yaml:"daemon"`
	Rate       RateConfig       `yaml:"rate"`
	Controller ControllerConfig `yaml:"controller"`
	Camera     CameraConfig     `yaml:"camera"`
	Model      ModelConfig      `yaml:"model"`
	Frames     FramesConfig     `yaml:"frames"`
	State      StateConfig      `yaml:"state"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Log        LogConfig        `yaml:"log"`
}

type DaemonConfig struct {
	Process  string        `yaml:"process"`   // Name of the process receiving SIGUSR2
	ImageDir string        `yaml:"image_dir"` // Directory served by NextImage
	Socket   string        `yaml:"socket"`    // Empty resolves from the environment
	Backoff  time.Duration `yaml:"backoff"`   // Wait between discovery attempts
}

type RateConfig struct {
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
	Default float64 `yaml:"default"`
}

type ControllerConfig struct {
	Interval  time.Duration            `yaml:"interval"`
	Heuristic pipeline.HeuristicConfig `yaml:"heuristic"`
}

type CameraConfig struct {
	Device  string          `yaml:"device"`
	Ffmpeg  string          `yaml:"ffmpeg"`
	Formats []camera.Format `yaml:"formats"`
}

type ModelConfig struct {
	Path       string  `yaml:"path"` // Local file, or file name inside Repo
	Repo       string  `yaml:"repo"` // Hugging Face model repository
	CacheDir   string  `yaml:"cache_dir"`
	ORTLibrary string  `yaml:"ort_library"`
	Threads    int     `yaml:"threads"`
	CUDA       bool    `yaml:"cuda"`
	InputSize  int     `yaml:"input_size"`
	Confidence float32 `yaml:"confidence"`
	IoU        float32 `yaml:"iou"`
	PadMode    string  `yaml:"pad_mode"`
}

type FramesConfig struct {
	Watch bool `yaml:"watch"` // Re-list the image directory when it changes
}

type StateConfig struct {
	Path string `yaml:"path"` // sqlite database
}

type MonitorConfig struct {
	Addr string `yaml:"addr"` // Empty disables the monitor
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path (if non-empty), fills defaults and applies environment
// overrides.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Daemon.Process == "" {
		c.Daemon.Process = "hyprlock"
	}
	if c.Daemon.ImageDir == "" {
		c.Daemon.ImageDir = "images"
	}
	if c.Daemon.Backoff == 0 {
		c.Daemon.Backoff = time.Second
	}

	if c.Rate.Min == 0 {
		c.Rate.Min = 0.5
	}
	if c.Rate.Max == 0 {
		c.Rate.Max = 30
	}
	if c.Rate.Default == 0 {
		c.Rate.Default = 5
	}

	if c.Controller.Interval == 0 {
		c.Controller.Interval = time.Second
	}
	def := pipeline.DefaultHeuristicConfig()
	h := &c.Controller.Heuristic
	if h.Name == "" {
		h.Name = def.Name
	}
	if h.Base == 0 {
		h.Base = def.Base
	}
	if h.CountWeight == 0 {
		h.CountWeight = def.CountWeight
	}
	if h.AreaWeight == 0 {
		h.AreaWeight = def.AreaWeight
	}

	if c.Camera.Device == "" {
		c.Camera.Device = "/dev/video0"
	}
	if c.Camera.Ffmpeg == "" {
		c.Camera.Ffmpeg = "ffmpeg"
	}
	if len(c.Camera.Formats) == 0 {
		c.Camera.Formats = camera.DefaultFormats()
	}

	if c.Model.Path == "" {
		c.Model.Path = "yolov8n-onnx-web/yolov8n.onnx"
	}
	if c.Model.Repo == "" {
		c.Model.Repo = "salim4n/yolov8n-detect-onnx"
	}
	if c.Model.CacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			c.Model.CacheDir = filepath.Join(dir, "bongo", "models")
		} else {
			c.Model.CacheDir = filepath.Join(os.TempDir(), "bongo-models")
		}
	}
	if c.Model.InputSize == 0 {
		c.Model.InputSize = 640
	}
	if c.Model.Confidence == 0 {
		c.Model.Confidence = 0.25
	}
	if c.Model.IoU == 0 {
		c.Model.IoU = 0.45
	}
	if c.Model.PadMode == "" {
		c.Model.PadMode = "reflect"
	}

	if c.State.Path == "" {
		c.State.Path = "bongo.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// applyEnv overrides fields from BONGO_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"BONGO_PROCESS":      &c.Daemon.Process,
		"BONGO_IMAGE_DIR":    &c.Daemon.ImageDir,
		"BONGO_SOCKET":       &c.Daemon.Socket,
		"BONGO_STATE_PATH":   &c.State.Path,
		"BONGO_YOLO_MODEL":   &c.Model.Path,
		"BONGO_YOLO_REPO":    &c.Model.Repo,
		"BONGO_MODEL_CACHE":  &c.Model.CacheDir,
		"BONGO_ORT_LIB":      &c.Model.ORTLibrary,
		"BONGO_CAMERA":       &c.Camera.Device,
		"BONGO_MONITOR_ADDR": &c.Monitor.Addr,
		"BONGO_LOG_LEVEL":    &c.Log.Level,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("BONGO_HEURISTIC"); ok && v != "" {
		c.Controller.Heuristic.Name = pipeline.HeuristicName(v)
	}
	if v, ok := lookup("BONGO_CUDA"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid BONGO_CUDA %q: %w", v, err)
		}
		c.Model.CUDA = b
	}
	if v, ok := lookup("BONGO_WATCH_FRAMES"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid BONGO_WATCH_FRAMES %q: %w", v, err)
		}
		c.Frames.Watch = b
	}
	return nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Rate.Min <= 0 || c.Rate.Max < c.Rate.Min {
		return fmt.Errorf("invalid rate range [%v, %v]", c.Rate.Min, c.Rate.Max)
	}
	if c.Controller.Interval < 0 {
		return fmt.Errorf("invalid controller interval %v", c.Controller.Interval)
	}
	if c.Model.InputSize < 32 {
		return fmt.Errorf("invalid model input size %d", c.Model.InputSize)
	}
	return nil
}

// Heuristic returns the heuristic settings bound to the configured rate range.
func (c *Config) Heuristic() pipeline.HeuristicConfig {
	h := c.Controller.Heuristic
	h.MinRate, h.MaxRate = c.Rate.Min, c.Rate.Max
	return h
}
