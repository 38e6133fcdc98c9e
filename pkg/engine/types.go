package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Capability names a kind of operation a backend can serve.
type Capability string

const (
	// CapabilityChatStream streams a chat reply token by token.
	CapabilityChatStream Capability = "chat-stream"

	// CapabilityIndex stores a document in a backend's knowledge store.
	CapabilityIndex Capability = "index"

	// CapabilityQuery answers a question from indexed documents.
	CapabilityQuery Capability = "query"

	// CapabilityEmbed computes embedding vectors for a batch of texts.
	CapabilityEmbed Capability = "embed"

	// CapabilityPlan drafts an automation plan for a goal.
	CapabilityPlan Capability = "plan"

	// CapabilityExecute runs a single approved plan step.
	CapabilityExecute Capability = "execute"
)

// AllCapabilities returns every capability in a stable order.
func AllCapabilities() []Capability {
	return []Capability{
		CapabilityChatStream, CapabilityIndex, CapabilityQuery,
		CapabilityEmbed, CapabilityPlan, CapabilityExecute,
	}
}

// IsMutating reports whether repeating the operation could duplicate a side
// effect. Mutating operations are never re-sent after an ambiguous failure.
func (c Capability) IsMutating() bool {
	return c == CapabilityIndex || c == CapabilityExecute
}

// IsStreaming reports whether the capability produces a token stream.
func (c Capability) IsStreaming() bool {
	return c == CapabilityChatStream
}

// Validate checks if the capability is known.
func (c Capability) Validate() error {
	for _, known := range AllCapabilities() {
		if c == known {
			return nil
		}
	}
	return fmt.Errorf("invalid capability: %s", c)
}

// ParseCapability converts a string into a Capability.
func ParseCapability(s string) (Capability, error) {
	c := Capability(s)
	if err := c.Validate(); err != nil {
		return "", err
	}
	return c, nil
}

// Payload is the typed body of an operation. Each request type reports the
// capability it belongs to so an operation cannot carry a mismatched body.
type Payload interface {
	Capability() Capability
}

// Operation is an immutable request to invoke one capability. Payloads are
// held by value so adapters cannot mutate what other candidates will see.
type Operation struct {
	ID         string     `json:"id"`
	Capability Capability `json:"capability"`
	Payload    Payload    `json:"payload"`
}

// NewOperation wraps payload in an operation with a fresh id.
func NewOperation(payload Payload) Operation {
	return Operation{
		ID:         uuid.New().String(),
		Capability: payload.Capability(),
		Payload:    payload,
	}
}

// Validate checks that the operation is well formed.
func (o Operation) Validate() error {
	if o.Payload == nil {
		return NewInvalidError("operation has no payload", nil)
	}
	if err := o.Capability.Validate(); err != nil {
		return NewInvalidError("operation capability", err)
	}
	if o.Payload.Capability() != o.Capability {
		return NewInvalidError(fmt.Sprintf("payload for %s sent as %s", o.Payload.Capability(), o.Capability), nil)
	}
	return nil
}

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required"`
}

// ChatRequest asks for a streamed reply to a conversation.
type ChatRequest struct {
	Messages []Message `json:"messages" validate:"required,min=1,dive"`
}

// Capability implements Payload.
func (ChatRequest) Capability() Capability { return CapabilityChatStream }

// LastUserMessage returns the content of the most recent user turn.
func (r ChatRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// IndexRequest stores a document.
type IndexRequest struct {
	DocumentID string            `json:"document_id" validate:"required,max=256"`
	Text       string            `json:"text" validate:"required"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Capability implements Payload.
func (IndexRequest) Capability() Capability { return CapabilityIndex }

// QueryRequest asks a question against indexed documents.
type QueryRequest struct {
	Query string `json:"query" validate:"required"`
	TopK  int    `json:"top_k" validate:"gte=0,lte=20"`
}

// Capability implements Payload.
func (QueryRequest) Capability() Capability { return CapabilityQuery }

// EmbedRequest computes vectors for a batch of texts.
type EmbedRequest struct {
	Texts []string `json:"texts" validate:"required,min=1"`
}

// Capability implements Payload.
func (EmbedRequest) Capability() Capability { return CapabilityEmbed }

// PlanRequest asks a backend to draft steps for a goal.
type PlanRequest struct {
	Goal    string          `json:"goal"`
	Sources map[string]bool `json:"sources,omitempty"`
	History []Message       `json:"history,omitempty" validate:"dive"`
}

// Capability implements Payload.
func (PlanRequest) Capability() Capability { return CapabilityPlan }

// ExecuteRequest runs one approved step of a plan.
type ExecuteRequest struct {
	PlanID string `json:"plan_id"`
	Step   Step   `json:"step"`
}

// Capability implements Payload.
func (ExecuteRequest) Capability() Capability { return CapabilityExecute }

// IndexResult acknowledges a stored document.
type IndexResult struct {
	DocumentID   string `json:"document_id"`
	Status       string `json:"status"`
	StoredTokens int    `json:"stored_tokens"`
}

// Match is one document returned by a query.
type Match struct {
	DocumentID string            `json:"document_id"`
	Score      float64           `json:"score"`
	Excerpt    string            `json:"excerpt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// QueryResult answers a query.
type QueryResult struct {
	Answer  string  `json:"answer"`
	Matches []Match `json:"matches"`
}

// EmbedResult holds one vector per input text, in input order.
type EmbedResult struct {
	Vectors [][]float64 `json:"vectors"`
}

// StepDraft is a step as proposed by a backend, before normalization.
type StepDraft struct {
	ID                   string                 `json:"id,omitempty"`
	Action               string                 `json:"action"`
	Description          string                 `json:"description"`
	Params               map[string]interface{} `json:"params,omitempty"`
	RequiresConfirmation bool                   `json:"requires_confirmation"`
}

// PlanDraft is a backend's answer to a PlanRequest.
type PlanDraft struct {
	Steps    []StepDraft       `json:"steps"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StepResult is a backend's answer to an ExecuteRequest. A step that ran and
// failed is reported here rather than as an error so the failure reason
// reaches the execution record.
type StepResult struct {
	Status StepStatus             `json:"status"`
	Output map[string]interface{} `json:"output,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Result is the outcome of a dispatched operation.
type Result struct {
	// Backend is the id of the adapter that produced the value.
	Backend string `json:"backend"`

	// Synthesized is true when no real backend answered and a fallback
	// generator produced the value.
	Synthesized bool `json:"synthesized"`

	// Value is one of IndexResult, QueryResult, EmbedResult, PlanDraft or
	// StepResult depending on the capability.
	Value interface{} `json:"value"`
}

// StreamInfo describes who is serving a stream.
type StreamInfo struct {
	Backend     string `json:"backend"`
	Synthesized bool   `json:"synthesized"`
}

// StreamToken is one unit of a streamed reply. Sequence numbers start at 1
// and increase by one. Exactly one token per stream has Terminal set.
type StreamToken struct {
	Sequence int64     `json:"sequence"`
	Content  string    `json:"content,omitempty"`
	Terminal bool      `json:"terminal"`
	Error    ErrorKind `json:"error,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Step is one proposed automation action within a plan.
type Step struct {
	ID                   string                 `json:"id"`
	Action               string                 `json:"action"`
	Description          string                 `json:"description"`
	Params               map[string]interface{} `json:"params,omitempty"`
	RequiresConfirmation bool                   `json:"requires_confirmation"`
	Status               StepStatus             `json:"status"`
	Reason               string                 `json:"reason,omitempty"`
}

// Plan is an ordered list of steps with an approval lifecycle.
type Plan struct {
	ID        string            `json:"id"`
	Goal      string            `json:"goal"`
	Status    PlanStatus        `json:"status"`
	Steps     []Step            `json:"steps"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Backend   string            `json:"backend,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Step returns the step with id, or nil.
func (p *Plan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep enough copy for callers that must not observe later
// mutations of the plan's steps.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Steps = make([]Step, len(p.Steps))
	copy(c.Steps, p.Steps)
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Execution records one attempt to run a step.
type Execution struct {
	ID          string                 `json:"id"`
	PlanID      string                 `json:"plan_id"`
	StepID      string                 `json:"step_id"`
	Action      string                 `json:"action"`
	Status      StepStatus             `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       *Envelope              `json:"error,omitempty"`
	Backend     string                 `json:"backend,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Duration returns how long the step ran.
func (e Execution) Duration() time.Duration {
	return e.CompletedAt.Sub(e.StartedAt)
}

// ExecutionReport is returned by a successful execute call.
type ExecutionReport struct {
	Plan       *Plan       `json:"plan"`
	Executions []Execution `json:"executions"`
}
