package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/chatrelay/internal/protocol"
)

type options struct {
	baseURL        string
	token          string
	sessionID      string
	language       string
	subjectRef     string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

// frame is the subset of outbound fields the probe reads.
type frame struct {
	Type    string `json:"type"`
	TurnID  string `json:"turn_id,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Text    string `json:"text,omitempty"`
}

type turnResult struct {
	FirstSignal time.Duration
	FirstDelta  time.Duration
	Total       time.Duration
	Deltas      int
	Reply       string
}

type report struct {
	SessionID string
	Turns     []turnResult
}

var defaultUtterances = []string{
	"What would you pair with this?",
	"Is it ready to drink now?",
	"Summarize it in three words.",
	"What region is it from?",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	rep, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(1)
	}
	printSummary(os.Stdout, rep)
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	fs := flag.NewFlagSet("relayprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "relay base URL")
	fs.StringVar(&cfg.token, "token", os.Getenv("APP_CLIENT_TOKEN"), "client token, when the relay requires one")
	fs.StringVar(&cfg.sessionID, "session-id", "", "session id (random when empty)")
	fs.StringVar(&cfg.language, "language", "en", "language sent in session.start")
	fs.StringVar(&cfg.subjectRef, "subject", "", "subject_reference sent in session.start")
	fs.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for assistant.message per turn in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	if strings.TrimSpace(cfg.sessionID) == "" {
		cfg.sessionID = "probe-" + uuid.NewString()
	}

	texts, err := splitTexts(textsRaw)
	if err != nil {
		return options{}, err
	}
	cfg.texts = texts
	return cfg, nil
}

func splitTexts(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultUtterances...), nil
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("texts produced no non-empty utterances")
	}
	return out, nil
}

func run(ctx context.Context, cfg options, out io.Writer) (report, error) {
	rep := report{SessionID: cfg.sessionID}

	wsURL, err := relayURL(cfg.baseURL)
	if err != nil {
		return rep, fmt.Errorf("build ws URL: %w", err)
	}
	header := http.Header{}
	if cfg.token != "" {
		header.Set("Authorization", "Bearer "+cfg.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return rep, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	frames := make(chan frame, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, frames, readErrCh)

	start := protocol.SessionStart{
		Envelope:         envelope(protocol.TypeSessionStart, cfg.sessionID),
		Language:         cfg.language,
		SubjectReference: cfg.subjectRef,
	}
	if err := conn.WriteJSON(start); err != nil {
		return rep, fmt.Errorf("send session.start: %w", err)
	}
	if _, err := await(frames, readErrCh, cfg.turnTimeout, string(protocol.TypeSessionReady)); err != nil {
		return rep, fmt.Errorf("await session.ready: %w", err)
	}
	if cfg.verbose {
		fmt.Fprintf(out, "relayprobe: session=%s turns=%d\n", cfg.sessionID, cfg.turns)
	}

	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		res, err := runTurn(conn, cfg, text, frames, readErrCh)
		if err != nil {
			return rep, fmt.Errorf("turn %d: %w", i+1, err)
		}
		rep.Turns = append(rep.Turns, res)
		if cfg.verbose {
			fmt.Fprintf(out, "relayprobe: turn %d/%d total=%s first_signal=%s deltas=%d reply=%q\n",
				i+1, cfg.turns, res.Total.Round(time.Millisecond), res.FirstSignal.Round(time.Millisecond), res.Deltas, res.Reply)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			select {
			case <-ctx.Done():
				return rep, ctx.Err()
			case <-time.After(cfg.interTurnDelay):
			}
		}
	}

	if cfg.verbose {
		fmt.Fprintln(out, "relayprobe: replay completed")
	}
	return rep, nil
}

func runTurn(conn *websocket.Conn, cfg options, text string, frames <-chan frame, readErrCh <-chan error) (turnResult, error) {
	var res turnResult
	sent := time.Now()
	msg := protocol.UserMessage{
		Envelope: envelope(protocol.TypeUserMessage, cfg.sessionID),
		Text:     text,
	}
	if err := conn.WriteJSON(msg); err != nil {
		return res, fmt.Errorf("send user.message: %w", err)
	}

	deadline := time.NewTimer(cfg.turnTimeout)
	defer deadline.Stop()
	for {
		select {
		case err := <-readErrCh:
			return res, fmt.Errorf("ws read: %w", err)
		case <-deadline.C:
			return res, fmt.Errorf("timeout after %s", cfg.turnTimeout)
		case f := <-frames:
			elapsed := time.Since(sent)
			if res.FirstSignal == 0 {
				res.FirstSignal = elapsed
			}
			switch protocol.MessageType(f.Type) {
			case protocol.TypeAssistantDelta:
				if res.FirstDelta == 0 {
					res.FirstDelta = elapsed
				}
				res.Deltas++
			case protocol.TypeAssistantMessage:
				res.Total = elapsed
				res.Reply = f.Text
				return res, nil
			case protocol.TypeProtocolError:
				return res, fmt.Errorf("protocol.error %s: %s", f.Code, f.Message)
			}
		}
	}
}

func envelope(t protocol.MessageType, sessionID string) protocol.Envelope {
	return protocol.Envelope{
		ProtocolVersion: protocol.Version,
		Type:            t,
		SessionID:       sessionID,
		TS:              time.Now().UnixMilli(),
	}
}

func relayURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/relay/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, frames chan<- frame, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		frames <- f
	}
}

// await skips frames until one of type want arrives.
func await(frames <-chan frame, readErrCh <-chan error, timeout time.Duration, want string) (frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case f := <-frames:
			if f.Type == want {
				return f, nil
			}
			if f.Type == string(protocol.TypeProtocolError) {
				return f, fmt.Errorf("protocol.error %s: %s", f.Code, f.Message)
			}
		case err := <-readErrCh:
			return frame{}, err
		case <-timer.C:
			return frame{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printSummary(w io.Writer, rep report) {
	totals := make([]time.Duration, 0, len(rep.Turns))
	signals := make([]time.Duration, 0, len(rep.Turns))
	for _, t := range rep.Turns {
		totals = append(totals, t.Total)
		signals = append(signals, t.FirstSignal)
	}
	fmt.Fprintf(w, "relayprobe: session=%s turns=%d\n", rep.SessionID, len(rep.Turns))
	fmt.Fprintf(w, "  first_signal p50=%s p95=%s\n",
		percentile(signals, 0.50).Round(time.Millisecond), percentile(signals, 0.95).Round(time.Millisecond))
	fmt.Fprintf(w, "  turn_total   p50=%s p95=%s max=%s\n",
		percentile(totals, 0.50).Round(time.Millisecond), percentile(totals, 0.95).Round(time.Millisecond), percentile(totals, 1).Round(time.Millisecond))
}
