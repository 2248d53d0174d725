package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/chatrelay/internal/session"
)

// ErrEmptyResponse is returned when a generator produced no usable text.
var ErrEmptyResponse = errors.New("generator returned empty text")

// Request is the normalized input handed to a generator for one turn.
type Request struct {
	SessionID      string          `json:"session_id"`
	TurnID         string          `json:"turn_id"`
	Language       string          `json:"language"`
	SubjectContext json.RawMessage `json:"subject_context,omitempty"`
	History        []session.Turn  `json:"history"`
}

// Response is the final result after all deltas were streamed.
type Response struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Sources    []string `json:"sources,omitempty"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Generator produces the assistant reply for a turn.
type Generator interface {
	Generate(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

const (
	ModeAuto   = "auto"
	ModeHTTP   = "http"
	ModeOpenAI = "openai"
	ModeMock   = "mock"
)

// Config controls generator construction.
type Config struct {
	Mode          string
	HTTPURL       string
	HTTPTimeout   time.Duration
	HTTPRetries   int
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	SystemPrompt  string
	Logger        *slog.Logger
}

func New(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeAuto
	}

	switch mode {
	case ModeAuto:
		return newAuto(cfg), nil
	case ModeHTTP:
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("generation HTTP url is required for http mode")
		}
		return newHTTPFromConfig(cfg), nil
	case ModeOpenAI:
		if strings.TrimSpace(cfg.OpenAIKey) == "" {
			return nil, errors.New("OpenAI API key is required for openai mode")
		}
		return newOpenAIFromConfig(cfg), nil
	case ModeMock:
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported generation mode %q", cfg.Mode)
	}
}

// newAuto prefers OpenAI, then the HTTP service, then the mock. When both
// real backends are configured the HTTP service backs up OpenAI.
func newAuto(cfg Config) Generator {
	var primary, secondary Generator
	if strings.TrimSpace(cfg.OpenAIKey) != "" {
		primary = newOpenAIFromConfig(cfg)
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		secondary = newHTTPFromConfig(cfg)
	}

	switch {
	case primary != nil && secondary != nil:
		return NewFallbackGenerator(primary, secondary)
	case primary != nil:
		return primary
	case secondary != nil:
		return secondary
	default:
		return NewMockGenerator()
	}
}

func newHTTPFromConfig(cfg Config) *HTTPGenerator {
	return NewHTTPGenerator(cfg.HTTPURL, HTTPOptions{
		Timeout:    cfg.HTTPTimeout,
		MaxRetries: cfg.HTTPRetries,
		Logger:     cfg.Logger,
	})
}

func newOpenAIFromConfig(cfg Config) *OpenAIGenerator {
	return NewOpenAIGenerator(OpenAIConfig{
		APIKey:       cfg.OpenAIKey,
		BaseURL:      cfg.OpenAIBaseURL,
		Model:        cfg.OpenAIModel,
		SystemPrompt: cfg.SystemPrompt,
	})
}

// Describe names the generator for logs.
func Describe(g Generator) string {
	switch v := g.(type) {
	case *FallbackGenerator:
		return Describe(v.Primary()) + "+" + Describe(v.Secondary())
	case *HTTPGenerator:
		return ModeHTTP
	case *OpenAIGenerator:
		return ModeOpenAI
	case *MockGenerator:
		return ModeMock
	default:
		return fmt.Sprintf("%T", g)
	}
}
