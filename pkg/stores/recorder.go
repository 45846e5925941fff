package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/telemetry"
)

// writeTimeout bounds writes that must land after the run context ended.
const writeTimeout = 10 * time.Second

// Recorder writes engine runs to a Store.
type Recorder struct {
	store  Store
	logger zerolog.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.With().Str("component", "recorder").Logger(),
	}
}

// RunInfo describes a run before it starts.
type RunInfo struct {
	ID      string
	Host    string
	Topic   string
	Test    bool
	Grains  map[string]any
	Mapdata map[string]any
}

// Begin records a started run with its grains and mapdata snapshots.
func (r *Recorder) Begin(ctx context.Context, info RunInfo) error {
	run := &Run{
		ID:        info.ID,
		Host:      info.Host,
		Topic:     info.Topic,
		Test:      info.Test,
		Status:    string(engine.RunStatusRunning),
		StartedAt: time.Now(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return err
	}

	for kind, data := range map[SnapshotKind]map[string]any{
		SnapshotGrains:  info.Grains,
		SnapshotMapdata: info.Mapdata,
	} {
		if data == nil {
			continue
		}
		snap, err := NewSnapshot(info.Host, info.Topic, kind, data)
		if err != nil {
			return err
		}
		r.compare(ctx, snap)
		snap.RunID = &run.ID
		if err := r.store.SaveSnapshot(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// compare logs whether snap differs from the previous snapshot of the
// same host, topic and kind.
func (r *Recorder) compare(ctx context.Context, snap *Snapshot) {
	prev, err := r.store.LatestSnapshot(ctx, snap.Host, snap.Topic, snap.Kind)
	switch {
	case errors.Is(err, ErrNotFound):
		return
	case err != nil:
		r.logger.Warn().Err(err).Str("kind", string(snap.Kind)).Msg("failed to read previous snapshot")
		return
	}

	event := r.logger.Debug()
	msg := "unchanged since previous run"
	if prev.Hash != snap.Hash {
		event = r.logger.Info()
		msg = "changed since previous run"
	}
	if prev.RunID != nil {
		event = event.Str("previous_run", *prev.RunID)
	}
	event.Str("kind", string(snap.Kind)).Str("host", snap.Host).Msg(msg)
}

// Finish records the results and final status of a run. A nil run with
// an error records a run that could not be executed.
//
// The final status is written even when ctx is already cancelled, so an
// interrupted run does not stay running in the history.
func (r *Recorder) Finish(ctx context.Context, runID string, run *engine.Run, runErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	rec := &Run{ID: runID, Status: string(engine.RunStatusFailed), Summary: "{}"}
	if runErr != nil {
		msg := runErr.Error()
		rec.Error = &msg
	}

	if run != nil {
		summary, err := json.Marshal(run.Summary)
		if err != nil {
			return fmt.Errorf("failed to encode summary: %w", err)
		}
		completed := run.CompletedAt
		rec.Status = string(run.Status)
		rec.CompletedAt = &completed
		rec.Duration = run.Duration
		rec.Summary = string(summary)

		results := make([]*StateResult, 0, len(run.Results))
		for i, res := range run.Results {
			sr, err := stateResult(runID, i, res)
			if err != nil {
				return err
			}
			results = append(results, sr)
		}
		if err := r.store.SaveStateResults(ctx, results); err != nil {
			return err
		}
	}

	if err := r.store.FinishRun(ctx, rec); err != nil {
		return err
	}
	r.logger.Debug().Str("run_id", runID).Str("status", rec.Status).Msg("run recorded")
	return nil
}

func stateResult(runID string, seq int, res *engine.Result) (*StateResult, error) {
	changes, err := json.Marshal(res.Changes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode changes of %s: %w", res.ID, err)
	}
	return &StateResult{
		RunID:     runID,
		Seq:       seq,
		StateID:   res.ID,
		Function:  res.Function,
		Name:      res.Name,
		Result:    res.Result,
		Comment:   res.Comment,
		Changes:   string(changes),
		StartedAt: res.StartedAt,
		Duration:  res.Duration,
		Attempts:  res.Attempts,
	}, nil
}

// Subscriber returns a telemetry subscriber that appends events to the
// store. Events published while ctx is being cancelled are still written.
func (r *Recorder) Subscriber(ctx context.Context) telemetry.EventSubscriber {
	ctx = context.WithoutCancel(ctx)
	return func(event telemetry.Event) {
		rec := &Event{
			Type:      event.Type,
			Level:     event.Level,
			Message:   event.Message,
			Timestamp: event.Timestamp,
		}
		if event.RunID != "" {
			rec.RunID = &event.RunID
		}
		if event.StateID != "" {
			rec.StateID = &event.StateID
		}
		if len(event.Data) > 0 {
			data, err := json.Marshal(event.Data)
			if err == nil {
				s := string(data)
				rec.Data = &s
			}
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		if err := r.store.AppendEvent(wctx, rec); err != nil {
			r.logger.Warn().Err(err).Str("type", event.Type).Msg("failed to record event")
		}
	}
}

// NewSnapshot encodes data and hashes it. Map keys are sorted by the
// encoder, so equal data hashes equally.
func NewSnapshot(host, topic string, kind SnapshotKind, data map[string]any) (*Snapshot, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s snapshot: %w", kind, err)
	}
	sum := sha256.Sum256(raw)
	return &Snapshot{
		Host:  host,
		Topic: topic,
		Kind:  kind,
		Hash:  hex.EncodeToString(sum[:]),
		Data:  string(raw),
	}, nil
}
