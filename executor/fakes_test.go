// ABOUTME: In-memory collaborators for executor tests: record store, publisher, model caller, sleeper.
// ABOUTME: The publisher checks that every event describes state the store already holds.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/2389-research/stepwise/events"
	"github.com/2389-research/stepwise/pipeline"
	"github.com/2389-research/stepwise/store"
)

type memStore struct {
	mu        sync.Mutex
	pipelines map[string]*pipeline.Pipeline
	owner     map[string]string
	renews    int
	failSave  bool
}

func newMemStore(ps ...*pipeline.Pipeline) *memStore {
	s := &memStore{pipelines: make(map[string]*pipeline.Pipeline), owner: make(map[string]string)}
	for _, p := range ps {
		s.pipelines[p.ID] = clonePipeline(p)
	}
	return s
}

func clonePipeline(p *pipeline.Pipeline) *pipeline.Pipeline {
	cp := *p
	cp.Steps = append([]pipeline.Step(nil), p.Steps...)
	return &cp
}

func (s *memStore) GetPipelineWithSteps(_ context.Context, id string) (*pipeline.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %s: %w", id, store.ErrNotFound)
	}
	return clonePipeline(p), nil
}

func (s *memStore) SaveStep(_ context.Context, runID string, step *pipeline.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return errors.New("disk full")
	}
	p, ok := s.pipelines[step.PipelineID]
	if !ok {
		return store.ErrNotFound
	}
	if s.owner[p.ID] != runID {
		return store.ErrLeaseLost
	}
	dst := p.StepByID(step.ID)
	if dst == nil {
		return store.ErrNotFound
	}
	*dst = *step
	return nil
}

func (s *memStore) SavePipeline(_ context.Context, runID string, p *pipeline.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst, ok := s.pipelines[p.ID]
	if !ok {
		return store.ErrNotFound
	}
	if s.owner[p.ID] != runID {
		return store.ErrLeaseLost
	}
	dst.Status = p.Status
	dst.UpdatedAt = p.UpdatedAt
	return nil
}

func (s *memStore) BeginRun(_ context.Context, id, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return store.ErrNotFound
	}
	if p.Status == pipeline.StatusRunning {
		return store.ErrRunning
	}
	p.Status = pipeline.StatusRunning
	s.owner[id] = runID
	for i := range p.Steps {
		p.Steps[i].Reset()
	}
	return nil
}

func (s *memStore) RenewRun(_ context.Context, id, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[id]; !ok {
		return store.ErrNotFound
	}
	if s.owner[id] != runID {
		return store.ErrLeaseLost
	}
	s.renews++
	return nil
}

// takeOver hands the pipeline to another run, as a second process would
// after the lease went stale.
func (s *memStore) takeOver(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner[id] = "intruder"
}

func (s *memStore) renewCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renews
}

func (s *memStore) get(t *testing.T, id string) *pipeline.Pipeline {
	t.Helper()
	p, err := s.GetPipelineWithSteps(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPipelineWithSteps: %v", err)
	}
	return p
}

// checkingPublisher records events and flags any event whose status the
// store does not yet hold.
type checkingPublisher struct {
	store *memStore

	mu         sync.Mutex
	events     []events.Event
	violations []string
}

func (c *checkingPublisher) Publish(topic events.Topic, payload any) {
	var violation string
	switch pl := payload.(type) {
	case events.PipelineStatus:
		c.store.mu.Lock()
		if p, ok := c.store.pipelines[pl.ID]; !ok || p.Status != pl.Status {
			violation = fmt.Sprintf("pipeline %s published %s before persisted", pl.ID, pl.Status)
		}
		c.store.mu.Unlock()
	case events.StepStatus:
		c.store.mu.Lock()
		if p, ok := c.store.pipelines[pl.PipelineID]; ok {
			if st := p.StepByID(pl.ID); st == nil || st.Status != pl.Status {
				violation = fmt.Sprintf("step %s published %s before persisted", pl.ID, pl.Status)
			}
		}
		c.store.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events.Event{Seq: uint64(len(c.events) + 1), Topic: topic, Payload: payload})
	if violation != "" {
		c.violations = append(c.violations, violation)
	}
}

func (c *checkingPublisher) snapshot() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.events...)
}

func (c *checkingPublisher) assertOrdered(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.violations {
		t.Error(v)
	}
}

// stepEvents returns the step-status payloads in publish order.
func (c *checkingPublisher) stepEvents() []events.StepStatus {
	var out []events.StepStatus
	for _, evt := range c.snapshot() {
		if ss, ok := evt.Payload.(events.StepStatus); ok {
			out = append(out, ss)
		}
	}
	return out
}

// pipelineStatuses returns the pipeline-status values in publish order.
func (c *checkingPublisher) pipelineStatuses() []pipeline.Status {
	var out []pipeline.Status
	for _, evt := range c.snapshot() {
		if ps, ok := evt.Payload.(events.PipelineStatus); ok {
			out = append(out, ps.Status)
		}
	}
	return out
}

type reply struct {
	text string
	err  error
}

// scriptedCaller returns queued replies per model call and records prompts.
type scriptedCaller struct {
	mu      sync.Mutex
	replies []reply
	prompts []string
	// fallback is returned once replies run out.
	fallback reply
}

func (c *scriptedCaller) Call(_ context.Context, _ string, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	if len(c.replies) == 0 {
		return c.fallback.text, c.fallback.err
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return r.text, r.err
}

func (c *scriptedCaller) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

// blockingCaller waits until released or until its context ends.
type blockingCaller struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingCaller() *blockingCaller {
	return &blockingCaller{entered: make(chan struct{}), release: make(chan struct{})}
}

func (c *blockingCaller) Call(ctx context.Context, _ string, _ string) (string, error) {
	c.once.Do(func() { close(c.entered) })
	select {
	case <-c.release:
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// sleepRecorder stands in for real waits.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) count(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.waits {
		if w == d {
			n++
		}
	}
	return n
}

type countingRecorder struct {
	mu       sync.Mutex
	attempts map[string]int
	steps    map[pipeline.Status]int
	runs     map[pipeline.Status]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		attempts: make(map[string]int),
		steps:    make(map[pipeline.Status]int),
		runs:     make(map[pipeline.Status]int),
	}
}

func (r *countingRecorder) RunStarted() {}

func (r *countingRecorder) AttemptFinished(_, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[result]++
}

func (r *countingRecorder) StepFinished(status pipeline.Status, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[status]++
}

func (r *countingRecorder) RunFinished(status pipeline.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[status]++
}

// buildPipeline makes a pending pipeline from (template, criteria) pairs,
// ordered as given.
func buildPipeline(steps ...[2]string) *pipeline.Pipeline {
	def := pipeline.Definition{Name: "test"}
	for i, s := range steps {
		def.Steps = append(def.Steps, pipeline.StepDefinition{
			Order:              i + 1,
			Model:              "test-model",
			PromptTemplate:     s[0],
			CompletionCriteria: s[1],
		})
	}
	return def.NewPipeline(time.Now())
}
