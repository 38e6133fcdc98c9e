// Package openai adapts OpenAI-compatible chat and embedding endpoints,
// including self-hosted servers that speak the same API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/stream"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/transports"
)

const (
	DefaultModel          = openai.ChatModelGPT4oMini
	DefaultEmbeddingModel = "text-embedding-3-small"
)

// planPrompt asks the model for a step list in the draft shape.
const planPrompt = `You plan tasks for a personal assistant. Reply with JSON only:
{"steps":[{"id":"step-1","action":"<action>","description":"<what>","params":{},"requires_confirmation":false}]}
Known actions: %s. Mark anything that sends, creates or deletes with requires_confirmation.`

// Adapter serves chat-stream, embed and plan through an OpenAI client.
type Adapter struct {
	transports.Base
	settings transports.Settings
	client   openai.Client
	actions  []string
}

// New creates an adapter. Retries are disabled: the dispatcher decides
// whether another attempt is safe.
func New(s transports.Settings, opts ...option.RequestOption) (*Adapter, error) {
	s = s.WithDefaults()
	base, err := transports.NewBase(s.ID, transports.KindOpenAI, s.Capabilities, []engine.Capability{
		engine.CapabilityChatStream,
		engine.CapabilityEmbed,
		engine.CapabilityPlan,
	})
	if err != nil {
		return nil, err
	}
	if s.Model == "" {
		s.Model = DefaultModel
	}
	if s.EmbeddingModel == "" {
		s.EmbeddingModel = DefaultEmbeddingModel
	}

	hc := &http.Client{Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         transports.Dialer(s).DialContext,
		TLSHandshakeTimeout: s.ConnectTimeout,
		IdleConnTimeout:     90 * time.Second,
	}}
	reqOpts := []option.RequestOption{
		option.WithHTTPClient(hc),
		option.WithMaxRetries(0),
	}
	if s.Address != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(s.Address, "/")+"/"))
	}
	if s.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(s.APIKey))
	}

	return &Adapter{
		Base:     base,
		settings: s,
		client:   openai.NewClient(append(reqOpts, opts...)...),
		actions:  engine.SafeActions(),
	}, nil
}

// Invoke serves embed and plan.
func (a *Adapter) Invoke(ctx context.Context, op engine.Operation) (engine.Result, error) {
	if err := a.Check(op); err != nil {
		return engine.Result{}, err
	}
	ctx, cancel := transports.WithRequestTimeout(ctx, a.settings)
	defer cancel()

	switch p := op.Payload.(type) {
	case engine.EmbedRequest:
		resp, err := a.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: p.Texts},
			Model: openai.EmbeddingModel(a.settings.EmbeddingModel),
		})
		if err != nil {
			return engine.Result{}, classify(err)
		}
		if len(resp.Data) != len(p.Texts) {
			return engine.Result{}, engine.NewAmbiguousError(fmt.Sprintf("got %d embeddings for %d texts", len(resp.Data), len(p.Texts)), nil)
		}
		vectors := make([][]float64, len(p.Texts))
		for _, d := range resp.Data {
			if d.Index < 0 || int(d.Index) >= len(vectors) {
				return engine.Result{}, engine.NewAmbiguousError("embedding index out of range", nil)
			}
			vectors[d.Index] = d.Embedding
		}
		return engine.Result{Value: engine.EmbedResult{Vectors: vectors}}, nil

	case engine.PlanRequest:
		messages := []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(fmt.Sprintf(planPrompt, strings.Join(a.actions, ", "))),
		}
		messages = append(messages, toMessages(p.History)...)
		messages = append(messages, openai.UserMessage(planGoal(p)))
		resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Messages: messages,
			Model:    openai.ChatModel(a.settings.Model),
		})
		if err != nil {
			return engine.Result{}, classify(err)
		}
		if len(resp.Choices) == 0 {
			return engine.Result{}, engine.NewAmbiguousError("no choices returned", nil)
		}
		draft, err := parseDraft(resp.Choices[0].Message.Content)
		if err != nil {
			return engine.Result{}, err
		}
		return engine.Result{Value: draft}, nil

	default:
		return engine.Result{}, a.Unsupported(op)
	}
}

// OpenStream starts a streaming chat completion.
func (a *Adapter) OpenStream(ctx context.Context, op engine.Operation) (engine.StreamHandle, error) {
	if err := a.Check(op); err != nil {
		return nil, err
	}
	p, err := transports.ExpectPayload[engine.ChatRequest](op)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	st := a.client.Chat.Completions.NewStreaming(streamCtx, openai.ChatCompletionNewParams{
		Messages: toMessages(p.Messages),
		Model:    openai.ChatModel(a.settings.Model),
	})
	// The request is sent lazily; a failed connect shows up on the first
	// Next, which the source reports as the stream error.
	return stream.Open(&chatSource{st: st, cancel: cancel}, a.settings.Stream), nil
}

// Close is a no-op; the HTTP client owns no long-lived resources.
func (a *Adapter) Close() error { return nil }

func toMessages(in []engine.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(in))
	for _, m := range in {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func planGoal(p engine.PlanRequest) string {
	var enabled []string
	for name, on := range p.Sources {
		if on {
			enabled = append(enabled, name)
		}
	}
	if len(enabled) == 0 {
		return p.Goal
	}
	return fmt.Sprintf("%s\nEnabled sources: %s", p.Goal, strings.Join(enabled, ", "))
}

// parseDraft extracts the JSON object from a model reply, tolerating prose
// or code fences around it.
func parseDraft(content string) (engine.PlanDraft, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return engine.PlanDraft{}, engine.NewRejectedError("model reply contained no plan", nil)
	}
	var draft engine.PlanDraft
	if err := json.Unmarshal([]byte(content[start:end+1]), &draft); err != nil {
		return engine.PlanDraft{}, engine.NewRejectedError("model reply is not a valid plan", err)
	}
	return draft, nil
}

// classify maps SDK errors. An API error means the server answered.
func classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return engine.Classify(err)
	}
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(apiErr.StatusCode)
	}
	var e *engine.Error
	switch code := apiErr.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e = engine.NewUnauthenticatedError(msg, nil)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		e = engine.NewTimeoutError(msg, nil)
	case code >= 400 && code < 500:
		e = engine.NewRejectedError(msg, nil)
	default:
		e = engine.NewAmbiguousError(msg, nil)
	}
	return e.WithCode(fmt.Sprint(apiErr.StatusCode))
}

type chatSource struct {
	st     *ssestream.Stream[openai.ChatCompletionChunk]
	cancel context.CancelFunc
}

func (s *chatSource) Recv(ctx context.Context) (stream.Frame, error) {
	for s.st.Next() {
		chunk := s.st.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content == "" && choice.FinishReason == "" {
			continue
		}
		return stream.Frame{Content: choice.Delta.Content, Done: choice.FinishReason != ""}, nil
	}
	if err := s.st.Err(); err != nil {
		return stream.Frame{}, classify(err)
	}
	return stream.Frame{Done: true}, nil
}

func (s *chatSource) Close() error {
	s.cancel()
	return s.st.Close()
}
