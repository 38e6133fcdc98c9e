// Package client is a Go client for the mahi HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/dispatch"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/router"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/stream"
)

// Client talks to one mahi server.
type Client struct {
	base *url.URL
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q", baseURL)
	}
	c := &Client{base: u, http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Plan drafts a plan.
func (c *Client) Plan(ctx context.Context, req engine.PlanRequest) (*engine.Plan, error) {
	var plan engine.Plan
	if err := c.do(ctx, http.MethodPost, "/v1/plans", req, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// GetPlan loads a plan with its executions.
func (c *Client) GetPlan(ctx context.Context, id string) (*router.PlanView, error) {
	var view router.PlanView
	if err := c.do(ctx, http.MethodGet, "/v1/plans/"+url.PathEscape(id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListPlans returns recent plans.
func (c *Client) ListPlans(ctx context.Context, limit int) ([]*engine.Plan, error) {
	path := "/v1/plans"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var body struct {
		Plans []*engine.Plan `json:"plans"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Plans, nil
}

// PlanEvents returns a plan's lifecycle events.
func (c *Client) PlanEvents(ctx context.Context, id string) ([]*engine.Event, error) {
	var body struct {
		Events []*engine.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/plans/"+url.PathEscape(id)+"/events", nil, &body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

// Execute approves and runs a plan.
func (c *Client) Execute(ctx context.Context, id string, approvals map[string]bool) (*engine.ExecutionReport, error) {
	var report engine.ExecutionReport
	body := map[string]interface{}{"approvals": approvals}
	if err := c.do(ctx, http.MethodPost, "/v1/plans/"+url.PathEscape(id)+"/execute", body, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Index stores a document.
func (c *Client) Index(ctx context.Context, req engine.IndexRequest) (router.Reply[engine.IndexResult], error) {
	var reply router.Reply[engine.IndexResult]
	err := c.do(ctx, http.MethodPost, "/v1/index", req, &reply)
	return reply, err
}

// Query asks a question against indexed documents.
func (c *Client) Query(ctx context.Context, req engine.QueryRequest) (router.Reply[engine.QueryResult], error) {
	var reply router.Reply[engine.QueryResult]
	err := c.do(ctx, http.MethodPost, "/v1/query", req, &reply)
	return reply, err
}

// Embed computes vectors.
func (c *Client) Embed(ctx context.Context, req engine.EmbedRequest) (router.Reply[engine.EmbedResult], error) {
	var reply router.Reply[engine.EmbedResult]
	err := c.do(ctx, http.MethodPost, "/v1/embed", req, &reply)
	return reply, err
}

// Backends lists registered backends and their health.
func (c *Client) Backends(ctx context.Context) ([]dispatch.BackendStatus, error) {
	var body struct {
		Backends []dispatch.BackendStatus `json:"backends"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/backends", nil, &body); err != nil {
		return nil, err
	}
	return body.Backends, nil
}

// Ping checks the server is up.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil)
}

// ChatStream opens a chat stream and calls fn for every token. It returns
// the stream's serving backend and the terminal token. Cancelling ctx
// closes the connection, which cancels the stream on the server.
func (c *Client) ChatStream(ctx context.Context, req engine.ChatRequest, fn func(engine.StreamToken)) (engine.StreamInfo, engine.StreamToken, error) {
	resp, err := c.send(ctx, http.MethodPost, "/v1/chat/stream", req)
	if err != nil {
		return engine.StreamInfo{}, engine.StreamToken{}, err
	}
	defer resp.Body.Close()

	info := engine.StreamInfo{
		Backend:     resp.Header.Get("X-Mahi-Backend"),
		Synthesized: resp.Header.Get("X-Mahi-Synthesized") == "true",
	}

	dec := stream.NewSSEDecoder(resp.Body)
	var last engine.StreamToken
	for {
		evt, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) && last.Terminal {
				return info, last, nil
			}
			if ctx.Err() != nil {
				return info, last, engine.Classify(ctx.Err())
			}
			return info, last, engine.NewAmbiguousError("stream ended without a terminal token", err)
		}
		if evt.IsDone() {
			if !last.Terminal {
				return info, last, engine.NewAmbiguousError("stream ended without a terminal token", nil)
			}
			return info, last, nil
		}
		var tok engine.StreamToken
		if err := json.Unmarshal([]byte(evt.Data), &tok); err != nil {
			return info, last, engine.NewAmbiguousError("malformed stream event", err)
		}
		last = tok
		if fn != nil {
			fn(tok)
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return engine.NewAmbiguousError(fmt.Sprintf("failed to decode %s response", path), err)
	}
	return nil
}

// send performs a request and converts error responses into errors.
func (c *Client) send(ctx context.Context, method, path string, in interface{}) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, engine.Classify(err)
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var env engine.Envelope
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &env); err != nil || env.ErrorKind == "" {
		return nil, engine.NewAmbiguousError(fmt.Sprintf("server returned %s", resp.Status), nil).
			WithDetail("body", strings.TrimSpace(string(data)))
	}
	return nil, env.Err()
}

// WaitReady polls /ping until the server answers or ctx ends.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return engine.Classify(ctx.Err())
		case <-ticker.C:
		}
	}
}
