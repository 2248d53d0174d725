package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/chatrelay/internal/session"
	"github.com/ent0n29/chatrelay/internal/store"
)

var (
	inspectAddr   string
	inspectToken  string
	inspectDirect bool
)

type inspectResult struct {
	SessionID      string          `json:"session_id"`
	Session        json.RawMessage `json:"session"`
	TTLRemainingMS int64           `json:"ttl_remaining_ms"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sessionID := strings.TrimSpace(args[0])
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	var res inspectResult
	if inspectDirect {
		res, err = inspectStore(ctx, store.Config{
			Backend:     cfg.StoreBackend,
			BadgerPath:  cfg.StoreBadgerPath,
			DatabaseURL: cfg.DatabaseURL,
		}, sessionID)
	} else {
		token := inspectToken
		if token == "" {
			token = cfg.DebugToken
		}
		res, err = inspectRemote(ctx, http.DefaultClient, inspectAddr, token, sessionID)
	}
	if err != nil {
		return err
	}
	return printInspect(cmd.OutOrStdout(), res)
}

func inspectRemote(ctx context.Context, client *http.Client, baseURL, token, sessionID string) (inspectResult, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/v1/debug/sessions/" + url.PathEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return inspectResult{}, err
	}
	if token != "" {
		req.Header.Set("X-Debug-Token", token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return inspectResult{}, fmt.Errorf("inspect request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode != http.StatusOK {
		return inspectResult{}, fmt.Errorf("inspect %s: status %d: %s", sessionID, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out inspectResult
	if err := json.Unmarshal(body, &out); err != nil {
		return inspectResult{}, fmt.Errorf("decode inspect response: %w", err)
	}
	return out, nil
}

// inspectStore opens the backend without a supervisor; a single read needs no
// reconnection.
func inspectStore(ctx context.Context, cfg store.Config, sessionID string) (inspectResult, error) {
	dial, err := store.NewDialer(ctx, cfg)
	if err != nil {
		return inspectResult{}, err
	}
	st, err := dial(ctx)
	if err != nil {
		return inspectResult{}, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	raw, ttl, err := session.NewRegistry(st, 0).Inspect(ctx, sessionID)
	if err != nil {
		return inspectResult{}, fmt.Errorf("inspect %s: %w", sessionID, err)
	}
	ttlMS := int64(-1)
	if ttl != store.NoExpiry {
		ttlMS = ttl.Milliseconds()
	}
	return inspectResult{SessionID: sessionID, Session: raw, TTLRemainingMS: ttlMS}, nil
}

func printInspect(w io.Writer, res inspectResult) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, res.Session, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(res.Session)
	}
	ttl := "none"
	if res.TTLRemainingMS >= 0 {
		ttl = (time.Duration(res.TTLRemainingMS) * time.Millisecond).String()
	}
	_, err := fmt.Fprintf(w, "session %s (ttl remaining %s)\n%s\n", res.SessionID, ttl, pretty.String())
	return err
}
