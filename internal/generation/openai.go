package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ent0n29/chatrelay/internal/session"
)

const (
	defaultOpenAIModel  = "gpt-4o-mini"
	defaultSystemPrompt = "You are a helpful assistant. Answer concisely."
)

type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
}

// OpenAIGenerator streams chat completions from an OpenAI-compatible API.
type OpenAIGenerator struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

func NewOpenAIGenerator(cfg OpenAIConfig) *OpenAIGenerator {
	clientCfg := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = base
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	prompt := strings.TrimSpace(cfg.SystemPrompt)
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return &OpenAIGenerator{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		systemPrompt: prompt,
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: g.buildMessages(req),
		Stream:   true,
	})
	if err != nil {
		return Response{}, fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	var out strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Response{}, fmt.Errorf("openai stream recv: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{Text: out.String()}, nil
}

func (g *OpenAIGenerator) buildMessages(req Request) []openai.ChatCompletionMessage {
	system := g.systemPrompt
	if req.Language != "" {
		system += "\nReply in the language with code " + req.Language + "."
	}
	if len(req.SubjectContext) > 0 {
		system += "\nContext for this conversation (JSON):\n" + string(req.SubjectContext)
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == session.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	return msgs
}
