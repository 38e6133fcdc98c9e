package httpjson

import (
	"encoding/json"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

// Request and response bodies of the assistant HTTP API.

type indexRequest struct {
	DocumentID string            `json:"document_id"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata"`
}

type indexResponse struct {
	Status       string `json:"status"`
	StoredTokens int    `json:"stored_tokens"`
}

type queryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type retrievedDocument struct {
	DocumentID string            `json:"document_id"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata"`
	Score      float64           `json:"score"`
}

type queryResponse struct {
	Answer  string              `json:"answer"`
	Matches []retrievedDocument `json:"matches"`
}

type embedRequest struct {
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Vectors [][]float64 `json:"vectors"`
}

type taskGoal struct {
	Goal    string          `json:"goal"`
	Sources map[string]bool `json:"sources"`
}

type taskStep struct {
	ID                   string                 `json:"id"`
	Action               string                 `json:"action"`
	Description          string                 `json:"description"`
	Params               map[string]interface{} `json:"params"`
	RequiresConfirmation bool                   `json:"requires_confirmation"`
}

type taskPlan struct {
	Status   string            `json:"status"`
	Steps    []taskStep        `json:"steps"`
	Metadata map[string]string `json:"metadata"`
}

type taskRequest struct {
	Goal    taskGoal         `json:"goal"`
	History []engine.Message `json:"history"`
}

type taskResponse struct {
	Plan    taskPlan `json:"plan"`
	AuditID string   `json:"audit_id"`
}

type taskExecuteRequest struct {
	Plan      taskPlan        `json:"plan"`
	Approvals map[string]bool `json:"approvals"`
}

type actionExecution struct {
	StepID string                 `json:"step_id"`
	Action string                 `json:"action"`
	Status string                 `json:"status"`
	Result map[string]interface{} `json:"result"`
	Error  *string                `json:"error"`
}

type taskExecuteResponse struct {
	Executions []actionExecution `json:"executions"`
}

type chatRequest struct {
	Messages []engine.Message `json:"messages"`
	Stream   bool             `json:"stream"`
}

// chatChunk is one SSE data payload of a chat stream. Backends send either
// {"token","done"} chunks or the router's own token shape with "content",
// "terminal" and a string error kind.
type chatChunk struct {
	Token    string          `json:"token"`
	Content  string          `json:"content"`
	Done     bool            `json:"done"`
	Terminal bool            `json:"terminal"`
	Error    json.RawMessage `json:"error,omitempty"`
	Message  string          `json:"message"`
}

func (c chatChunk) text() string {
	return c.Token + c.Content
}

func (c chatChunk) finished() bool {
	return c.Done || c.Terminal
}

func (c chatChunk) err() *engine.Error {
	if len(c.Error) == 0 || string(c.Error) == "null" {
		return nil
	}
	var kind engine.ErrorKind
	if json.Unmarshal(c.Error, &kind) == nil {
		if kind == "" {
			return nil
		}
		return engine.Envelope{ErrorKind: kind, Message: c.Message}.Err()
	}
	var env engine.Envelope
	if json.Unmarshal(c.Error, &env) == nil {
		return env.Err()
	}
	return engine.NewAmbiguousError("malformed stream error", nil)
}

// errorBody is the shape backends use for structured failures. FastAPI
// style {"detail": "..."} bodies are accepted too.
type errorBody struct {
	ErrorKind engine.ErrorKind `json:"errorKind"`
	Message   string           `json:"message"`
	Detail    interface{}      `json:"detail"`
}

func toTaskStep(s engine.Step) taskStep {
	return taskStep{
		ID:                   s.ID,
		Action:               s.Action,
		Description:          s.Description,
		Params:               s.Params,
		RequiresConfirmation: s.RequiresConfirmation,
	}
}

func fromTaskPlan(p taskPlan) engine.PlanDraft {
	draft := engine.PlanDraft{Metadata: p.Metadata}
	for _, s := range p.Steps {
		draft.Steps = append(draft.Steps, engine.StepDraft{
			ID:                   s.ID,
			Action:               s.Action,
			Description:          s.Description,
			Params:               s.Params,
			RequiresConfirmation: s.RequiresConfirmation,
		})
	}
	return draft
}

func fromExecution(e actionExecution) engine.StepResult {
	res := engine.StepResult{Output: e.Result}
	switch e.Status {
	case "completed", "succeeded":
		res.Status = engine.StepStatusSucceeded
	default:
		res.Status = engine.StepStatusFailed
		if e.Error != nil {
			res.Error = *e.Error
		} else {
			res.Error = "backend reported step as " + e.Status
		}
	}
	return res
}
