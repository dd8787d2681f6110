package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process job store. It is safe for concurrent use and loses all
// state on restart.
type Memory struct {
	mu         sync.RWMutex
	nextJobID  int64
	nextStepID int64
	jobs       map[int64]*Job
	steps      map[int64]*Step
	stepsByJob map[int64][]int64
	now        func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:       make(map[int64]*Job),
		steps:      make(map[int64]*Step),
		stepsByJob: make(map[int64][]int64),
		now:        time.Now,
	}
}

func (m *Memory) CreateJob(ctx context.Context, prompt string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextJobID++
	j := &Job{ID: m.nextJobID, Prompt: prompt, Status: JobStatusPending, CreatedAt: m.now().UTC()}
	m.jobs[j.ID] = j
	return *j, nil
}

func (m *Memory) GetJob(ctx context.Context, id int64) (JobResponse, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return JobResponse{}, false, nil
	}
	resp := JobResponse{Job: *j, Steps: make([]Step, 0, len(m.stepsByJob[id]))}
	resp.Reasoning = copyString(j.Reasoning)
	for _, sid := range m.stepsByJob[id] {
		st := *m.steps[sid]
		st.Output = copyString(st.Output)
		resp.Steps = append(resp.Steps, st)
	}
	sort.SliceStable(resp.Steps, func(a, b int) bool {
		if resp.Steps[a].Order != resp.Steps[b].Order {
			return resp.Steps[a].Order < resp.Steps[b].Order
		}
		return resp.Steps[a].ID < resp.Steps[b].ID
	})
	return resp, true, nil
}

func (m *Memory) UpdateJobStatus(ctx context.Context, id int64, status JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	j.Status = status
	return nil
}

func (m *Memory) UpdateJobReasoning(ctx context.Context, id int64, reasoning string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	j.Reasoning = &reasoning
	return nil
}

func (m *Memory) CreateStep(ctx context.Context, jobID int64, title, tool string, order int) (Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return Step{}, fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	for _, sid := range m.stepsByJob[jobID] {
		if m.steps[sid].Order == order {
			return Step{}, fmt.Errorf("insert step: job %d already has a step with order %d", jobID, order)
		}
	}
	m.nextStepID++
	st := &Step{ID: m.nextStepID, JobID: jobID, Order: order, Title: title, Tool: tool, Status: StepStatusPending}
	m.steps[st.ID] = st
	m.stepsByJob[jobID] = append(m.stepsByJob[jobID], st.ID)
	return *st, nil
}

func (m *Memory) UpdateStepStatus(ctx context.Context, id int64, status StepStatus, output *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.steps[id]
	if !ok {
		return fmt.Errorf("step %d: %w", id, ErrNotFound)
	}
	st.Status = status
	st.Output = copyString(output)
	return nil
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
