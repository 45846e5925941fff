package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SnapshotKind names what a snapshot holds.
type SnapshotKind string

const (
	SnapshotGrains  SnapshotKind = "grains"
	SnapshotMapdata SnapshotKind = "mapdata"
)

// Run is one recorded state run.
type Run struct {
	ID          string        `json:"id"`
	Host        string        `json:"host"`
	Topic       string        `json:"topic"`
	Test        bool          `json:"test"`
	Status      string        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	Summary     string        `json:"summary"` // JSON blob
	Error       *string       `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// StateResult is the recorded outcome of one state in a run.
type StateResult struct {
	RunID    string `json:"run_id"`
	Seq      int    `json:"seq"`
	StateID  string `json:"state_id"`
	Function string `json:"function"`
	Name     string `json:"name"`
	// Result is nil for pending changes in test mode.
	Result    *bool         `json:"result"`
	Comment   string        `json:"comment"`
	Changes   string        `json:"changes"` // JSON blob
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
}

// Snapshot is the grains or mapdata a run was rendered from.
type Snapshot struct {
	ID        int64        `json:"id"`
	RunID     *string      `json:"run_id,omitempty"`
	Host      string       `json:"host"`
	Topic     string       `json:"topic"`
	Kind      SnapshotKind `json:"kind"`
	Hash      string       `json:"hash"` // SHA256 of Data
	Data      string       `json:"data"` // JSON blob
	CreatedAt time.Time    `json:"created_at"`
}

// Event is a persisted run event.
type Event struct {
	ID        int64     `json:"id"`
	RunID     *string   `json:"run_id,omitempty"`
	StateID   *string   `json:"state_id,omitempty"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Data      *string   `json:"data,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, host, topic string, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// StateResult operations
	SaveStateResults(ctx context.Context, results []*StateResult) error
	ListStateResults(ctx context.Context, runID string) ([]*StateResult, error)

	// Snapshot operations
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	GetSnapshot(ctx context.Context, runID string, kind SnapshotKind) (*Snapshot, error)
	LatestSnapshot(ctx context.Context, host, topic string, kind SnapshotKind) (*Snapshot, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
