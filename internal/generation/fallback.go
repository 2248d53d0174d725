package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FallbackGenerator tries a primary generator first and falls back on error.
// Once the primary has streamed any text the fallback is not attempted,
// otherwise the client would see two interleaved replies.
type FallbackGenerator struct {
	primary  Generator
	fallback Generator
}

func NewFallbackGenerator(primary, fallback Generator) *FallbackGenerator {
	return &FallbackGenerator{primary: primary, fallback: fallback}
}

// Primary returns the preferred generator used before fallback.
func (g *FallbackGenerator) Primary() Generator {
	if g == nil {
		return nil
	}
	return g.primary
}

// Secondary returns the fallback generator.
func (g *FallbackGenerator) Secondary() Generator {
	if g == nil {
		return nil
	}
	return g.fallback
}

func (g *FallbackGenerator) Generate(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if g == nil || g.primary == nil {
		if g != nil && g.fallback != nil {
			return g.fallback.Generate(ctx, req, onDelta)
		}
		return Response{}, fmt.Errorf("fallback generator misconfigured")
	}

	streamed := false
	resp, err := g.primary.Generate(ctx, req, func(delta string) error {
		if strings.TrimSpace(delta) != "" {
			streamed = true
		}
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil && strings.TrimSpace(resp.Text) != "" {
		return resp, nil
	}
	if err == nil {
		err = ErrEmptyResponse
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Response{}, err
	}
	if g.fallback == nil || streamed {
		return Response{}, err
	}

	fallbackResp, fallbackErr := g.fallback.Generate(ctx, req, onDelta)
	if fallbackErr != nil {
		return Response{}, fmt.Errorf("primary generator error: %w; fallback generator error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}
