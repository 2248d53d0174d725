package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/chatrelay/internal/app"
	"github.com/ent0n29/chatrelay/internal/config"
)

func TestRelayURL(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080/v1/relay/ws"},
		{in: "https://relay.example/base/", want: "wss://relay.example/base/v1/relay/ws"},
		{in: "ftp://relay.example", wantErr: true},
		{in: "http://", wantErr: true},
	}
	for _, tc := range cases {
		got, err := relayURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("relayURL(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("relayURL(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestSplitTexts(t *testing.T) {
	got, err := splitTexts(" a | |b ")
	if err != nil || strings.Join(got, ",") != "a,b" {
		t.Fatalf("splitTexts() = %v, %v", got, err)
	}
	if _, err := splitTexts(" | "); err == nil {
		t.Fatalf("expected error for empty utterances")
	}
	def, _ := splitTexts("")
	if len(def) != len(defaultUtterances) {
		t.Fatalf("empty input should yield defaults, got %v", def)
	}
}

func TestPercentile(t *testing.T) {
	values := []time.Duration{40, 10, 30, 20, 50}
	if got := percentile(values, 0.5); got != 30 {
		t.Fatalf("p50 = %d, want 30", got)
	}
	if got := percentile(values, 1); got != 50 {
		t.Fatalf("max = %d, want 50", got)
	}
	if got := percentile(nil, 0.95); got != 0 {
		t.Fatalf("empty percentile = %d, want 0", got)
	}
}

func TestRunAgainstRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := app.Build(ctx, config.Config{
		ShutdownTimeout:     time.Second,
		SessionTTL:          time.Minute,
		MetricsNamespace:    fmt.Sprintf("test_relayprobe_%d", time.Now().UnixNano()),
		DefaultLanguage:     "en",
		HistoryLimit:        30,
		LogLevel:            "error",
		LogFormat:           "text",
		WSMessagesPerSecond: 100,
		WSBurst:             100,
		CapText:             true,
		CapStreaming:        true,
		StoreBackend:        "memory",
		StoreRetryBase:      10 * time.Millisecond,
		StoreRetryMax:       100 * time.Millisecond,
		GenerationMode:      "mock",
		GenerationTimeout:   time.Second,
		SubjectTimeout:      time.Second,
	}, io.Discard)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()
	if err := res.Store.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()

	var out bytes.Buffer
	rep, err := run(ctx, options{
		baseURL:     ts.URL,
		sessionID:   "probe-test",
		language:    "es",
		turns:       3,
		turnTimeout: 5 * time.Second,
		texts:       []string{"uno", "dos"},
		verbose:     true,
	}, &out)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if len(rep.Turns) != 3 {
		t.Fatalf("len(Turns) = %d, want 3", len(rep.Turns))
	}
	if !strings.Contains(rep.Turns[2].Reply, "uno") {
		t.Fatalf("third reply %q should echo the first utterance again", rep.Turns[2].Reply)
	}
	for i, turn := range rep.Turns {
		if turn.Total <= 0 || turn.FirstSignal > turn.Total {
			t.Fatalf("turn %d has inconsistent timings %+v", i+1, turn)
		}
		if turn.Deltas == 0 {
			t.Fatalf("turn %d: expected streamed deltas with streaming enabled", i+1)
		}
	}
	if !strings.Contains(out.String(), "replay completed") {
		t.Fatalf("missing completion line in output: %s", out.String())
	}

	var summary bytes.Buffer
	printSummary(&summary, rep)
	if !strings.Contains(summary.String(), "turn_total") {
		t.Fatalf("summary missing turn_total: %s", summary.String())
	}
}
