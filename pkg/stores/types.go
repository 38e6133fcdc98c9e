package stores

import (
	"context"
	"time"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DefaultEventLimit bounds ListEvents when no limit is given.
const DefaultEventLimit = 100

// EventQuery filters ListEvents. Empty fields match everything.
type EventQuery struct {
	PlanID string
	Type   engine.EventType
	Limit  int
}

// Store is the persistence layer used by the service.
type Store interface {
	engine.PlanStore

	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// AppendEvent records a lifecycle event.
	AppendEvent(ctx context.Context, event *engine.Event) error

	// ListEvents returns events oldest first.
	ListEvents(ctx context.Context, q EventQuery) ([]*engine.Event, error)

	HealthCheck(ctx context.Context) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
