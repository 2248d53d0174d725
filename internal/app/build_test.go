package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/chatrelay/internal/config"
	"github.com/ent0n29/chatrelay/internal/session"
	"github.com/ent0n29/chatrelay/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		BindAddr:            ":0",
		ShutdownTimeout:     time.Second,
		SessionTTL:          time.Minute,
		MetricsNamespace:    fmt.Sprintf("test_app_%d", time.Now().UnixNano()),
		DefaultLanguage:     "en",
		HistoryLimit:        30,
		LogLevel:            "info",
		LogFormat:           "text",
		WSMessagesPerSecond: 20,
		WSBurst:             40,
		CapText:             true,
		CapStreaming:        true,
		StoreBackend:        "memory",
		StoreRetryBase:      10 * time.Millisecond,
		StoreRetryMax:       100 * time.Millisecond,
		GenerationMode:      "mock",
		GenerationTimeout:   time.Second,
		SubjectTimeout:      time.Second,
	}
}

func TestBuildWiresMemoryBackend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := Build(ctx, testConfig(), io.Discard)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	if err := res.Store.WaitReady(waitCtx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if res.Store.State() != store.StateConnected {
		t.Fatalf("store state = %s, want connected", res.Store.State())
	}
	if res.Generation != "mock" {
		t.Fatalf("Generation = %q, want mock", res.Generation)
	}

	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200", resp.StatusCode)
	}

	if _, _, err := res.Registry.Start(ctx, "s1", session.Binding{Language: "es"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := res.Registry.Lookup(ctx, "s1"); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
}

func TestBuildRejectsBadLogLevel(t *testing.T) {
	cfg := testConfig()
	cfg.LogLevel = "loud"
	_, err := Build(context.Background(), cfg, io.Discard)
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("Build() error = %v, want ErrConfiguration", err)
	}
}

// syncBuffer guards log output written by the store supervisor goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestBuildWarnsWhenAutoFallsBackToMock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	cfg.GenerationMode = "auto"
	var logs syncBuffer
	res, err := Build(ctx, cfg, &logs)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()

	if res.Generation != "mock" {
		t.Fatalf("Generation = %q, want mock", res.Generation)
	}
	if !strings.Contains(logs.String(), "level=WARN") || !strings.Contains(logs.String(), "mock generator") {
		t.Fatalf("expected a mock fallback warning, got:\n%s", logs.String())
	}
}

func TestBuildExplicitMockDoesNotWarn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var logs syncBuffer
	res, err := Build(ctx, testConfig(), &logs)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()

	if strings.Contains(logs.String(), "mock generator") {
		t.Fatalf("explicit mock mode should not warn, got:\n%s", logs.String())
	}
}
