package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/chatrelay/internal/reliability"
)

// HTTPOptions tunes an HTTPGenerator.
type HTTPOptions struct {
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
	RetryMax   time.Duration
	// Strict rejects streamed lines that are not valid JSON objects.
	Strict bool
	Logger *slog.Logger
}

// HTTPGenerator forwards turns to a generation service over HTTP. The
// service may answer with a JSON object, plain text, SSE, or NDJSON.
type HTTPGenerator struct {
	url    string
	client *http.Client
	opts   HTTPOptions
}

// statusError carries a non-2xx response status.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("generation http status %d: %s", e.code, e.body)
}

func NewHTTPGenerator(url string, opts HTTPOptions) *HTTPGenerator {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &HTTPGenerator{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	// Retries are only safe while nothing has reached the client.
	streamed := false
	tracked := func(delta string) error {
		streamed = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	}

	for attempt := 0; ; attempt++ {
		resp, err := g.do(ctx, payload, tracked)
		if err == nil {
			return resp, nil
		}
		if streamed || attempt >= g.opts.MaxRetries || !retryable(err) {
			return Response{}, err
		}
		delay := reliability.ExponentialBackoff(attempt, g.opts.RetryBase, g.opts.RetryMax)
		g.opts.Logger.Warn("generation request failed, retrying",
			"session_id", req.SessionID,
			"attempt", attempt+1,
			"retry_in", delay,
			"error", err,
		)
		if err := reliability.Sleep(ctx, delay); err != nil {
			return Response{}, err
		}
	}
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return reliability.IsRetryableHTTPStatus(se.code)
	}
	return reliability.IsRetryableError(err)
}

func (g *HTTPGenerator) do(ctx context.Context, payload []byte, onDelta DeltaHandler) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream, application/x-ndjson")

	res, err := g.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Response{}, &statusError{code: res.StatusCode, body: strings.TrimSpace(string(body))}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return g.consumeSSE(res.Body, onDelta)
	case strings.Contains(ct, "application/x-ndjson"):
		return g.consumeNDJSON(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	var obj responseBody
	if err := json.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(string(body))
		if text == "" {
			return Response{}, nil
		}
		if onDelta != nil {
			if err := onDelta(text); err != nil {
				return Response{}, err
			}
		}
		return Response{Text: text}, nil
	}

	text := obj.text()
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text, Confidence: obj.Confidence, Sources: obj.Sources}, nil
}

// responseBody accepts the field names common generation services use.
type responseBody struct {
	Text       string   `json:"text"`
	Delta      string   `json:"delta"`
	Output     string   `json:"output"`
	Message    string   `json:"message"`
	Confidence *float64 `json:"confidence"`
	Sources    []string `json:"sources"`
}

func (b responseBody) text() string {
	for _, s := range []string{b.Text, b.Delta, b.Output, b.Message} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (g *HTTPGenerator) consumeSSE(body io.Reader, onDelta DeltaHandler) (Response, error) {
	return g.consumeLines(body, onDelta, func(line string) (string, bool) {
		if strings.HasPrefix(line, ":") {
			return "", false
		}
		if !strings.HasPrefix(line, "data:") {
			return "", false
		}
		return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
	})
}

func (g *HTTPGenerator) consumeNDJSON(body io.Reader, onDelta DeltaHandler) (Response, error) {
	return g.consumeLines(body, onDelta, func(line string) (string, bool) {
		return line, true
	})
}

// consumeLines drives both streaming formats. payloadOf extracts the data part
// of a line and reports whether the line carries data at all.
func (g *HTTPGenerator) consumeLines(body io.Reader, onDelta DeltaHandler, payloadOf func(string) (string, bool)) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		out  strings.Builder
		last responseBody
	)
	for scanner.Scan() {
		raw := scanner.Text()
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		data, ok := payloadOf(line)
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		delta := raw
		var obj responseBody
		if err := json.Unmarshal([]byte(data), &obj); err == nil {
			delta = obj.text()
			if obj.Confidence != nil {
				last.Confidence = obj.Confidence
			}
			if len(obj.Sources) > 0 {
				last.Sources = obj.Sources
			}
		} else if g.opts.Strict {
			return Response{}, fmt.Errorf("invalid stream payload %q: %w", data, err)
		} else if data != line {
			delta = data
		}

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
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("stream read: %w", err)
	}

	return Response{Text: out.String(), Confidence: last.Confidence, Sources: last.Sources}, nil
}
