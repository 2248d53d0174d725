package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/chatrelay/internal/session"
)

func testRequest() Request {
	return Request{
		SessionID:      "s1",
		TurnID:         "t1",
		Language:       "es",
		SubjectContext: json.RawMessage(`{"name":"Rioja"}`),
		History:        []session.Turn{{ID: "t1", Role: session.RoleUser, Text: "hola"}},
	}
}

func TestHTTPGeneratorJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SessionID != "s1" || req.Language != "es" || len(req.History) != 1 {
			t.Errorf("unexpected request: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"Un tinto","confidence":0.8,"sources":["cellar"]}`))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, HTTPOptions{})
	var deltas []string
	resp, err := g.Generate(context.Background(), testRequest(), func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "Un tinto" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Un tinto")
	}
	if resp.Confidence == nil || *resp.Confidence != 0.8 {
		t.Fatalf("resp.Confidence = %v, want 0.8", resp.Confidence)
	}
	if len(resp.Sources) != 1 || resp.Sources[0] != "cellar" {
		t.Fatalf("resp.Sources = %v", resp.Sources)
	}
	if len(deltas) != 1 || deltas[0] != "Un tinto" {
		t.Fatalf("deltas = %q", deltas)
	}
}

func TestHTTPGeneratorPlainTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("  just text \n"))
	}))
	defer srv.Close()

	resp, err := NewHTTPGenerator(srv.URL, HTTPOptions{}).Generate(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "just text" {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
}

func TestHTTPGeneratorConsumeSSE(t *testing.T) {
	g := NewHTTPGenerator("http://example.test", HTTPOptions{})
	stream := strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		"data: {\"delta\":\"Hel\"}",
		"",
		"data: {\"delta\":\"lo\",\"confidence\":0.5}",
		"",
		"data: [DONE]",
		"",
	}, "\n"))

	var deltas []string
	resp, err := g.consumeSSE(stream, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("consumeSSE() error = %v", err)
	}
	if resp.Text != "Hello" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Hello")
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Fatalf("deltas = %q, want %q", strings.Join(deltas, ""), "Hello")
	}
	if resp.Confidence == nil || *resp.Confidence != 0.5 {
		t.Fatalf("resp.Confidence = %v, want 0.5", resp.Confidence)
	}
}

func TestHTTPGeneratorConsumeSSEStrictInvalidJSON(t *testing.T) {
	g := NewHTTPGenerator("http://example.test", HTTPOptions{Strict: true})
	_, err := g.consumeSSE(strings.NewReader("data: {not-json}\n\n"), nil)
	if err == nil {
		t.Fatalf("consumeSSE() expected error for invalid strict payload")
	}
}

func TestHTTPGeneratorConsumeNDJSON(t *testing.T) {
	g := NewHTTPGenerator("http://example.test", HTTPOptions{})
	stream := strings.NewReader(strings.Join([]string{
		"{\"delta\":\"Hi\"}",
		" there",
		"[DONE]",
	}, "\n"))

	resp, err := g.consumeNDJSON(stream, nil)
	if err != nil {
		t.Fatalf("consumeNDJSON() error = %v", err)
	}
	if resp.Text != "Hi there" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Hi there")
	}
}

func TestHTTPGeneratorRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, HTTPOptions{MaxRetries: 2, RetryBase: time.Millisecond, RetryMax: time.Millisecond})
	resp, err := g.Generate(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "ok" || calls.Load() != 2 {
		t.Fatalf("resp.Text = %q calls = %d, want ok after 2 calls", resp.Text, calls.Load())
	}
}

func TestHTTPGeneratorDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, HTTPOptions{MaxRetries: 3, RetryBase: time.Millisecond})
	_, err := g.Generate(context.Background(), testRequest(), nil)
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("Generate() error = %v, want status 400", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestHTTPGeneratorNoRetryAfterStreaming(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"delta\":\"partial\"}\n\n")
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, HTTPOptions{MaxRetries: 3, RetryBase: time.Millisecond})
	boom := fmt.Errorf("client gone")
	_, err := g.Generate(context.Background(), testRequest(), func(string) error { return boom })
	if err != boom {
		t.Fatalf("Generate() error = %v, want %v", err, boom)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}
