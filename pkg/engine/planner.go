package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
)

// Built-in action names a backend may propose.
const (
	ActionOpenApp       = "open_app"
	ActionSendEmail     = "send_email"
	ActionSummarizeText = "summarize_text"
	ActionSetReminder   = "set_reminder"
	ActionDraftReply    = "draft_reply"
	ActionCallPlugin    = "call_plugin"
	ActionNoop          = "noop"
)

// maxActionDistance bounds how far a proposed action name may be from a
// known one and still be repaired.
const maxActionDistance = 2

// SafeActions returns the actions a plan may contain, sorted.
func SafeActions() []string {
	return []string{
		ActionCallPlugin, ActionDraftReply, ActionNoop, ActionOpenApp,
		ActionSendEmail, ActionSetReminder, ActionSummarizeText,
	}
}

// ActionSet is a set of allowed action names.
type ActionSet map[string]struct{}

// NewActionSet builds a set from names.
func NewActionSet(names ...string) ActionSet {
	s := make(ActionSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether name is allowed.
func (s ActionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the sorted set members.
func (s ActionSet) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Repair maps a proposed action to a known one. Case and separator
// differences are ignored, then the closest known name within a small edit
// distance is taken. The second result is false when nothing is close.
func (s ActionSet) Repair(action string) (string, bool) {
	canon := strings.ToLower(strings.TrimSpace(action))
	canon = strings.NewReplacer("-", "_", " ", "_").Replace(canon)
	if s.Has(canon) {
		return canon, true
	}

	best, bestDist := "", maxActionDistance+1
	for _, known := range s.Names() {
		if d := levenshtein.ComputeDistance(canon, known); d < bestDist {
			best, bestDist = known, d
		}
	}
	if best == "" {
		return action, false
	}
	return best, true
}

// DraftNormalizer turns a backend's plan draft into a plan with unique,
// non-empty step ids and known action names.
type DraftNormalizer struct {
	actions ActionSet
	now     func() time.Time
}

// NewDraftNormalizer creates a normalizer for the given action set.
func NewDraftNormalizer(actions ActionSet) *DraftNormalizer {
	if len(actions) == 0 {
		actions = NewActionSet(SafeActions()...)
	}
	return &DraftNormalizer{actions: actions, now: time.Now}
}

// Normalize builds a Draft plan from draft. An empty draft yields a single
// noop step so the plan is never empty. Steps with an action that cannot be
// repaired are kept but rejected.
func (n *DraftNormalizer) Normalize(goal string, draft PlanDraft) *Plan {
	now := n.now()
	plan := &Plan{
		ID:        uuid.New().String(),
		Goal:      goal,
		Status:    PlanStatusDraft,
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for k, v := range draft.Metadata {
		plan.Metadata[k] = v
	}

	drafts := draft.Steps
	if len(drafts) == 0 {
		drafts = []StepDraft{{
			Action:      ActionNoop,
			Description: "Awaiting additional instructions.",
		}}
	}

	seen := make(map[string]bool, len(drafts))
	for i, d := range drafts {
		step := Step{
			ID:                   strings.TrimSpace(d.ID),
			Action:               d.Action,
			Description:          strings.TrimSpace(d.Description),
			Params:               d.Params,
			RequiresConfirmation: d.RequiresConfirmation,
			Status:               StepStatusPending,
		}
		if step.ID == "" {
			step.ID = fmt.Sprintf("step-%d", i+1)
		}
		for base, k := step.ID, 2; seen[step.ID]; k++ {
			step.ID = fmt.Sprintf("%s-%d", base, k)
		}
		seen[step.ID] = true

		if repaired, ok := n.actions.Repair(d.Action); ok {
			if repaired != d.Action {
				plan.Metadata["repaired."+step.ID] = d.Action
			}
			step.Action = repaired
		} else {
			step.Status = StepStatusRejected
			step.Reason = fmt.Sprintf("unknown action %q", d.Action)
		}
		if step.Params == nil {
			step.Params = make(map[string]interface{})
		}
		if step.Description == "" {
			step.Description = step.Action
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan
}
