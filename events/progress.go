// ABOUTME: Append-only NDJSON progress log with a live.json snapshot per pipeline.
// ABOUTME: Registered as a broker handler so external tools can tail or poll run progress.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/2389-research/stepwise/pipeline"
)

// LiveState is the current run snapshot for one pipeline, rewritten after every event.
type LiveState struct {
	PipelineID string   `json:"pipeline_id"`
	Status     string   `json:"status"`
	ActiveStep string   `json:"active_step"`
	Completed  []string `json:"completed"`
	Failed     []string `json:"failed"`
	StartedAt  string   `json:"started_at"`
	UpdatedAt  string   `json:"updated_at"`
	EventCount int      `json:"event_count"`
}

// ProgressLog writes events to <dir>/<pipeline id>/progress.ndjson and keeps
// <dir>/<pipeline id>/live.json in sync.
type ProgressLog struct {
	dir    string
	mu     sync.Mutex
	files  map[string]*os.File
	states map[string]*LiveState
	closed bool
	logger *slog.Logger

	WriteErrors int
}

// NewProgressLog creates the base directory and returns an empty progress log.
func NewProgressLog(dir string, logger *slog.Logger) (*ProgressLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create progress dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressLog{
		dir:    dir,
		files:  make(map[string]*os.File),
		states: make(map[string]*LiveState),
		logger: logger.With(slog.String("component", "events.progress")),
	}, nil
}

// HandleEvent appends the event and updates the snapshot. Its signature matches
// Handler so it can be passed to Broker.AddHandler directly.
func (p *ProgressLog) HandleEvent(evt Event) {
	pipelineID := evt.PipelineID()
	if pipelineID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	f, err := p.fileFor(pipelineID)
	if err != nil {
		p.WriteErrors++
		p.logger.Error("open progress log", slog.String("pipeline_id", pipelineID), slog.Any("err", err))
		return
	}

	line := append(evt.JSON(), '\n')
	if _, err := f.Write(line); err != nil {
		p.WriteErrors++
		p.logger.Error("write progress log", slog.String("pipeline_id", pipelineID), slog.Any("err", err))
	}

	state := p.stateFor(pipelineID)
	ts := evt.Timestamp.UTC().Format(time.RFC3339)
	switch payload := evt.Payload.(type) {
	case PipelineStatus:
		state.Status = string(payload.Status)
		if payload.Status == pipeline.StatusRunning {
			state.StartedAt = ts
			state.Completed = []string{}
			state.Failed = []string{}
			state.ActiveStep = ""
		}
	case StepStatus:
		switch payload.Status {
		case pipeline.StatusRunning:
			state.ActiveStep = payload.ID
		case pipeline.StatusCompleted:
			state.Completed = append(state.Completed, payload.ID)
			state.ActiveStep = ""
		case pipeline.StatusFailed:
			state.Failed = append(state.Failed, payload.ID)
			state.ActiveStep = ""
		}
	}
	state.EventCount++
	state.UpdatedAt = ts

	if err := writeJSONAtomic(filepath.Join(p.dir, pipelineID, "live.json"), state); err != nil {
		p.WriteErrors++
		p.logger.Error("write live.json", slog.String("pipeline_id", pipelineID), slog.Any("err", err))
	}
}

// State returns a copy of the snapshot for a pipeline.
func (p *ProgressLog) State(pipelineID string) (LiveState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[pipelineID]
	if !ok {
		return LiveState{}, false
	}
	cp := *s
	cp.Completed = append([]string(nil), s.Completed...)
	cp.Failed = append([]string(nil), s.Failed...)
	return cp, true
}

// Close closes every open log file. Later events are ignored.
func (p *ProgressLog) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var firstErr error
	for id, f := range p.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.files, id)
	}
	return firstErr
}

// fileFor returns the open NDJSON file for a pipeline. Caller must hold p.mu.
func (p *ProgressLog) fileFor(pipelineID string) (*os.File, error) {
	if f, ok := p.files[pipelineID]; ok {
		return f, nil
	}
	dir := filepath.Join(p.dir, pipelineID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	p.files[pipelineID] = f
	return f, nil
}

// stateFor returns the snapshot for a pipeline, creating it. Caller must hold p.mu.
func (p *ProgressLog) stateFor(pipelineID string) *LiveState {
	s, ok := p.states[pipelineID]
	if !ok {
		s = &LiveState{
			PipelineID: pipelineID,
			Status:     string(pipeline.StatusPending),
			Completed:  []string{},
			Failed:     []string{},
		}
		p.states[pipelineID] = s
	}
	return s
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
