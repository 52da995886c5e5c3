package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"bongo/internal/onnx"
	"bongo/internal/rewriter"
)

// DefaultHubURL is the Hugging Face hub used for model downloads.
const DefaultHubURL = "https://huggingface.co"

// ModelSource locates the detector model: a local file if Path exists,
// otherwise Path inside the hub repository Repo, cached under CacheDir.
type ModelSource struct {
	Path     string
	Repo     string
	CacheDir string
	HubURL   string       // Defaults to DefaultHubURL
	Client   *http.Client // Defaults to http.DefaultClient
	Logger   zerolog.Logger
}

// Fetch returns a local path to the model, downloading it if needed.
func (s ModelSource) Fetch(ctx context.Context) (string, error) {
	if info, err := os.Stat(s.Path); err == nil && info.Mode().IsRegular() {
		return s.Path, nil
	}
	if s.Repo == "" {
		return "", fmt.Errorf("model %s not found and no repository configured", s.Path)
	}

	cached := filepath.Join(s.CacheDir, strings.ReplaceAll(s.Repo, "/", "--"), filepath.FromSlash(s.Path))
	if _, err := os.Stat(cached); err == nil {
		return cached, nil
	}

	if err := s.download(ctx, cached); err != nil {
		return "", err
	}
	return cached, nil
}

func (s ModelSource) download(ctx context.Context, dst string) error {
	hub := s.HubURL
	if hub == "" {
		hub = DefaultHubURL
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	u, err := url.JoinPath(hub, s.Repo, "resolve", "main", s.Path)
	if err != nil {
		return fmt.Errorf("invalid model url: %w", err)
	}
	logger := s.Logger.With().Str("component", "model").Logger()
	logger.Info().Str("url", u).Msg("downloading model")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if token := os.Getenv("HF_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download model: %s returned %s", u, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create model cache: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create model cache: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to store model: %w", err)
	}

	logger.Info().Str("path", dst).Int64("bytes", n).Msg("model downloaded")
	return nil
}

// ErrNoGraph is returned for models without a graph or without declared
// inputs and outputs.
var ErrNoGraph = errors.New("invalid model graph")

// PreparedModel is a rewritten model ready for the inference backend.
type PreparedModel struct {
	Data   []byte
	Input  string
	Output string
	Report rewriter.Report
}

// Prepare decodes a serialized ONNX model, patches unsupported operators
// and re-encodes it.
func Prepare(data []byte, opts rewriter.Options, logger zerolog.Logger) (*PreparedModel, error) {
	m, err := onnx.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	if m.Graph == nil {
		return nil, ErrNoGraph
	}

	if opset := m.Opset(); opset > 0 {
		opts.Opset = opset
	}
	g, report := rewriter.Rewrite(m.Graph, opts)
	m.Graph = g

	inputs, outputs := g.InputNames(), g.OutputNames()
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("%w: %d inputs, %d outputs", ErrNoGraph, len(inputs), len(outputs))
	}

	logger = logger.With().Str("component", "model").Logger()
	for _, ch := range report.Changes {
		logger.Debug().Str("node", ch.Node).Str("kind", ch.Kind).Msg("graph rewritten")
	}
	for _, u := range report.Unchanged {
		logger.Warn().Str("reason", u).Msg("graph node left unchanged")
	}

	return &PreparedModel{
		Data:   m.Marshal(),
		Input:  inputs[0],
		Output: outputs[0],
		Report: report,
	}, nil
}
