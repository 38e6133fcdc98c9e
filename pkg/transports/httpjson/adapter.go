// Package httpjson adapts backends that speak the assistant's JSON-over-HTTP
// API, with chat replies streamed as server-sent events.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/stream"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/transports"
)

// Paths of the assistant HTTP API.
const (
	PathIndex       = "/v1/index"
	PathQuery       = "/v1/query"
	PathEmbed       = "/v1/embed"
	PathTask        = "/v1/task"
	PathTaskExecute = "/v1/task/execute"
	PathChatStream  = "/v1/chat/stream"
	PathPing        = "/ping"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 * 1024

// Adapter talks to one HTTP backend.
type Adapter struct {
	transports.Base
	settings transports.Settings
	baseURL  *url.URL
	client   *http.Client
	idle     interface{ CloseIdleConnections() }
}

// New creates an HTTP adapter.
func New(s transports.Settings) (*Adapter, error) {
	s = s.WithDefaults()
	base, err := transports.NewBase(s.ID, transports.KindHTTP, s.Capabilities, engine.AllCapabilities())
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(strings.TrimRight(s.Address, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid http backend address %q", s.Address)
	}

	headerTimeout := s.Stream.StallTimeout
	if headerTimeout <= 0 {
		headerTimeout = stream.DefaultStallTimeout
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           transports.Dialer(s).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   s.ConnectTimeout,
		ResponseHeaderTimeout: headerTimeout,
	}

	return &Adapter{
		Base:     base,
		settings: s,
		baseURL:  u,
		client:   &http.Client{Transport: transport},
		idle:     transport,
	}, nil
}

// Invoke performs a unary operation.
func (a *Adapter) Invoke(ctx context.Context, op engine.Operation) (engine.Result, error) {
	if err := a.Check(op); err != nil {
		return engine.Result{}, err
	}
	ctx, cancel := transports.WithRequestTimeout(ctx, a.settings)
	defer cancel()

	var (
		value interface{}
		err   error
	)
	switch p := op.Payload.(type) {
	case engine.IndexRequest:
		var out indexResponse
		err = a.postJSON(ctx, PathIndex, indexRequest{DocumentID: p.DocumentID, Text: p.Text, Metadata: p.Metadata}, &out)
		value = engine.IndexResult{DocumentID: p.DocumentID, Status: out.Status, StoredTokens: out.StoredTokens}
	case engine.QueryRequest:
		var out queryResponse
		err = a.postJSON(ctx, PathQuery, queryRequest{Query: p.Query, TopK: p.TopK}, &out)
		value = toQueryResult(out)
	case engine.EmbedRequest:
		var out embedResponse
		err = a.postJSON(ctx, PathEmbed, embedRequest{Texts: p.Texts}, &out)
		if err == nil && len(out.Vectors) != len(p.Texts) {
			err = engine.NewAmbiguousError(fmt.Sprintf("backend returned %d vectors for %d texts", len(out.Vectors), len(p.Texts)), nil)
		}
		value = engine.EmbedResult{Vectors: out.Vectors}
	case engine.PlanRequest:
		var out taskResponse
		err = a.postJSON(ctx, PathTask, taskRequest{Goal: taskGoal{Goal: p.Goal, Sources: p.Sources}, History: p.History}, &out)
		value = fromTaskPlan(out.Plan)
	case engine.ExecuteRequest:
		var out taskExecuteResponse
		req := taskExecuteRequest{
			Plan:      taskPlan{Status: "approved", Steps: []taskStep{toTaskStep(p.Step)}},
			Approvals: map[string]bool{p.Step.ID: true},
		}
		err = a.postJSON(ctx, PathTaskExecute, req, &out)
		if err == nil {
			if len(out.Executions) == 0 {
				err = engine.NewAmbiguousError("backend returned no execution record", nil)
			} else {
				value = fromExecution(out.Executions[0])
			}
		}
	default:
		return engine.Result{}, a.Unsupported(op)
	}
	if err != nil {
		return engine.Result{}, err
	}
	return engine.Result{Value: value}, nil
}

// OpenStream posts the conversation and reads the reply as server-sent
// events.
func (a *Adapter) OpenStream(ctx context.Context, op engine.Operation) (engine.StreamHandle, error) {
	if err := a.Check(op); err != nil {
		return nil, err
	}
	p, err := transports.ExpectPayload[engine.ChatRequest](op)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := a.newRequest(streamCtx, PathChatStream, chatRequest{Messages: p.Messages, Stream: true})
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		cancel()
		return nil, engine.Classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	return stream.Open(&sseSource{
		dec:    stream.NewSSEDecoder(resp.Body),
		body:   resp.Body,
		cancel: cancel,
	}, a.settings.Stream), nil
}

// Ping checks that the backend answers.
func (a *Adapter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.settings.ConnectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url(PathPing), nil)
	if err != nil {
		return engine.NewPreflightError("build request", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return engine.Classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	return nil
}

// Close drops idle connections.
func (a *Adapter) Close() error {
	a.idle.CloseIdleConnections()
	return nil
}

func (a *Adapter) url(path string) string {
	return a.baseURL.String() + path
}

func (a *Adapter) newRequest(ctx context.Context, path string, in interface{}) (*http.Request, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, engine.NewInvalidError("encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url(path), bytes.NewReader(body))
	if err != nil {
		return nil, engine.NewPreflightError("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.settings.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.settings.APIKey)
	}
	return req, nil
}

func (a *Adapter) postJSON(ctx context.Context, path string, in, out interface{}) error {
	req, err := a.newRequest(ctx, path, in)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return engine.Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return engine.Classify(err)
		}
		return engine.NewAmbiguousError("decode response", err)
	}
	return nil
}

// statusError classifies a non-2xx response. Once a response exists the
// request was received, so nothing here is Preflight unless the backend
// itself says it did not process the request.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body errorBody
	_ = json.Unmarshal(data, &body)

	msg := body.Message
	if msg == "" && body.Detail != nil {
		msg = fmt.Sprint(body.Detail)
	}
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	if msg == "" {
		msg = resp.Status
	}

	if body.ErrorKind != "" && body.ErrorKind.Validate() == nil {
		return engine.NewError(body.ErrorKind, msg, nil).WithCode(fmt.Sprint(resp.StatusCode))
	}

	var e *engine.Error
	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e = engine.NewUnauthenticatedError(msg, nil)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		e = engine.NewTimeoutError(msg, nil)
	case code >= 400 && code < 500:
		e = engine.NewRejectedError(msg, nil)
	default:
		e = engine.NewAmbiguousError(msg, nil)
	}
	return e.WithCode(fmt.Sprint(resp.StatusCode))
}

func toQueryResult(out queryResponse) engine.QueryResult {
	res := engine.QueryResult{Answer: out.Answer, Matches: make([]engine.Match, 0, len(out.Matches))}
	for _, m := range out.Matches {
		res.Matches = append(res.Matches, engine.Match{
			DocumentID: m.DocumentID,
			Score:      m.Score,
			Excerpt:    excerpt(m.Text, 240),
			Metadata:   m.Metadata,
		})
	}
	return res
}

func excerpt(text string, limit int) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) <= limit {
		return string(r)
	}
	return string(r[:limit]) + "…"
}

// sseSource reads chat chunks from an event stream body. A body that ends
// before a done chunk or the [DONE] marker was cut short, so the reply may be
// incomplete.
type sseSource struct {
	dec    *stream.SSEDecoder
	body   io.Closer
	cancel context.CancelFunc
	done   bool
}

func (s *sseSource) Recv(ctx context.Context) (stream.Frame, error) {
	evt, err := s.dec.Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			if s.done {
				return stream.Frame{}, io.EOF
			}
			return stream.Frame{}, engine.NewAmbiguousError("event stream ended before [DONE]", io.ErrUnexpectedEOF)
		}
		return stream.Frame{}, engine.Classify(err)
	}
	if evt.IsDone() {
		s.done = true
		return stream.Frame{Done: true}, nil
	}

	var chunk chatChunk
	if err := json.Unmarshal([]byte(evt.Data), &chunk); err != nil {
		return stream.Frame{Content: evt.Data}, nil
	}
	if err := chunk.err(); err != nil {
		return stream.Frame{}, err
	}
	s.done = chunk.finished()
	return stream.Frame{Content: chunk.text(), Done: s.done}, nil
}

func (s *sseSource) Close() error {
	s.cancel()
	return s.body.Close()
}
