package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/chatrelay/internal/session"
)

// MockGenerator provides deterministic local replies when no backend is configured.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func buildMockReply(req Request) string {
	var last string
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role == session.RoleUser {
			last = strings.TrimSpace(req.History[i].Text)
			break
		}
	}
	if last == "" {
		last = "(nothing)"
	}
	if req.Language == "" {
		return fmt.Sprintf("I heard you: %s", last)
	}
	return fmt.Sprintf("[%s] I heard you: %s", req.Language, last)
}
