// Package local provides the on-device generator: a deterministic adapter
// that answers every non-mutating capability without any network, used as
// the last-resort fallback and for offline development.
package local

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/stream"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/transports"
)

// DefaultTopK is used when a query asks for zero matches.
const DefaultTopK = 5

// Options configures a Generator.
type Options struct {
	// Index backs index and query. A fresh in-memory index is used if nil.
	Index *Index

	// TokenDelay spaces out streamed chat tokens.
	TokenDelay time.Duration

	Stream stream.Options
}

// Generator is a local adapter whose output depends only on its input.
type Generator struct {
	transports.Base
	index *Index
	opts  Options
}

// Capabilities a generator can serve. Execute is never synthesized.
func Capabilities() []engine.Capability {
	return []engine.Capability{
		engine.CapabilityChatStream,
		engine.CapabilityIndex,
		engine.CapabilityQuery,
		engine.CapabilityEmbed,
		engine.CapabilityPlan,
	}
}

// New creates a generator.
func New(id string, caps []engine.Capability, opts Options) (*Generator, error) {
	if id == "" {
		id = "local"
	}
	base, err := transports.NewBase(id, transports.KindLocal, caps, Capabilities())
	if err != nil {
		return nil, err
	}
	if opts.Index == nil {
		if opts.Index, err = NewIndex(); err != nil {
			return nil, err
		}
	}
	return &Generator{Base: base, index: opts.Index, opts: opts}, nil
}

// Invoke answers a unary operation.
func (g *Generator) Invoke(ctx context.Context, op engine.Operation) (engine.Result, error) {
	if err := g.Check(op); err != nil {
		return engine.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return engine.Result{}, engine.Classify(err)
	}

	switch p := op.Payload.(type) {
	case engine.IndexRequest:
		n, err := g.index.Upsert(p.DocumentID, p.Text, p.Metadata)
		if err != nil {
			return engine.Result{}, engine.NewError(engine.ErrorKindInternal, "failed to persist index", err)
		}
		return engine.Result{Value: engine.IndexResult{DocumentID: p.DocumentID, Status: "indexed", StoredTokens: n}}, nil

	case engine.QueryRequest:
		k := p.TopK
		if k <= 0 {
			k = DefaultTopK
		}
		matches := g.index.Query(p.Query, k)
		return engine.Result{Value: engine.QueryResult{Answer: answer(p.Query, matches), Matches: matches}}, nil

	case engine.EmbedRequest:
		vectors := make([][]float64, len(p.Texts))
		for i, t := range p.Texts {
			vectors[i] = Embed(t)
		}
		return engine.Result{Value: engine.EmbedResult{Vectors: vectors}}, nil

	case engine.PlanRequest:
		return engine.Result{Value: Draft(p)}, nil

	default:
		return engine.Result{}, g.Unsupported(op)
	}
}

// OpenStream streams Reply token by token.
func (g *Generator) OpenStream(ctx context.Context, op engine.Operation) (engine.StreamHandle, error) {
	if err := g.Check(op); err != nil {
		return nil, err
	}
	p, err := transports.ExpectPayload[engine.ChatRequest](op)
	if err != nil {
		return nil, err
	}
	return stream.Open(stream.FromSlice(splitTokens(Reply(p)), g.opts.TokenDelay), g.opts.Stream), nil
}

// Close is a no-op.
func (g *Generator) Close() error { return nil }

// Index returns the backing index.
func (g *Generator) Index() *Index { return g.index }

// Reply is the generator's answer to a conversation.
func Reply(req engine.ChatRequest) string {
	last := req.LastUserMessage()
	if last == "" {
		last = "Hello! Ask me anything."
	}
	return fmt.Sprintf("You said: %s. I'm answering on-device while the assistant backends are unreachable, so this reply is brief.", last)
}

// Draft builds a plan from the goal and the enabled sources. Sources are
// visited in a fixed order so the same request always gives the same plan.
func Draft(req engine.PlanRequest) engine.PlanDraft {
	var steps []engine.StepDraft
	if req.Goal != "" {
		steps = append(steps, engine.StepDraft{
			Action:      engine.ActionNoop,
			Description: "Understand goal: " + truncate(req.Goal, 120),
		})
	}
	for _, src := range sourceSteps {
		if !req.Sources[src.source] {
			continue
		}
		steps = append(steps, engine.StepDraft{
			Action:               src.action,
			Description:          src.description,
			Params:               map[string]interface{}{"source": src.source},
			RequiresConfirmation: src.confirm,
		})
	}
	if len(steps) == 0 {
		steps = append(steps, engine.StepDraft{Action: engine.ActionNoop, Description: "Await user goal"})
	}

	var enabled []string
	for name, on := range req.Sources {
		if on {
			enabled = append(enabled, name)
		}
	}
	sort.Strings(enabled)
	meta := map[string]string{"mode": "on-device"}
	if len(enabled) > 0 {
		meta["sources"] = strings.Join(enabled, ",")
	}
	return engine.PlanDraft{Steps: steps, Metadata: meta}
}

var sourceSteps = []struct {
	source      string
	action      string
	description string
	confirm     bool
}{
	{"email", engine.ActionSummarizeText, "Summarize inbox and draft replies", false},
	{"calendar", engine.ActionSetReminder, "Check availability and propose slots", true},
	{"messages", engine.ActionSummarizeText, "Extract intents from latest threads", false},
	{"browser", engine.ActionOpenApp, "Fetch relevant pages from history", false},
}

func answer(query string, matches []engine.Match) string {
	if len(matches) == 0 {
		return fmt.Sprintf("No indexed documents match %q yet.", truncate(query, 80))
	}
	return fmt.Sprintf("Top match: %s", matches[0].Excerpt)
}
