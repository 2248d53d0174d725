package subject

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnknownSubject is returned when the reference does not resolve.
var ErrUnknownSubject = errors.New("unknown subject reference")

// Request identifies what to resolve at session.start.
type Request struct {
	SubjectReference string
	Language         string
	SessionID        string
}

// Resolver turns a subject reference into the opaque context blob stored on
// the session.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (json.RawMessage, error)
}

// HTTPResolver fetches context from a lookup service with
// GET <url>?subject_reference=..&language=..&session_id=..
type HTTPResolver struct {
	url    string
	client *http.Client
}

func NewHTTPResolver(endpoint string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPResolver{
		url:    strings.TrimSpace(endpoint),
		client: &http.Client{Timeout: timeout},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, req Request) (json.RawMessage, error) {
	u, err := url.Parse(r.url)
	if err != nil {
		return nil, fmt.Errorf("parse resolver url: %w", err)
	}
	q := u.Query()
	q.Set("subject_reference", req.SubjectReference)
	q.Set("language", req.Language)
	q.Set("session_id", req.SessionID)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	res, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("resolve subject %q: %w", req.SubjectReference, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("resolve subject %q: %w", req.SubjectReference, ErrUnknownSubject)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("resolver http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read resolver response: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("resolver returned invalid json for %q", req.SubjectReference)
	}
	return json.RawMessage(body), nil
}

// StaticResolver serves contexts from a fixed map. With no entries every
// reference resolves to nil, which leaves the session without context.
type StaticResolver struct {
	entries map[string]json.RawMessage
}

func NewStaticResolver(entries map[string]json.RawMessage) *StaticResolver {
	return &StaticResolver{entries: entries}
}

func (r *StaticResolver) Resolve(_ context.Context, req Request) (json.RawMessage, error) {
	if len(r.entries) == 0 {
		return nil, nil
	}
	raw, ok := r.entries[req.SubjectReference]
	if !ok {
		return nil, fmt.Errorf("resolve subject %q: %w", req.SubjectReference, ErrUnknownSubject)
	}
	return append(json.RawMessage(nil), raw...), nil
}
