package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/genqueue/internal/domain"
	"github.com/google/uuid"
)

type memJob struct {
	job *domain.Job
	seq int64
}

// Memory is an in-process Store guarded by a single mutex. It backs tests and
// local single-process runs.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]*memJob
	prompts map[string]*domain.PromptJob
	seq     int64
	now     func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		jobs:    make(map[string]*memJob),
		prompts: make(map[string]*domain.PromptJob),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Store = (*Memory)(nil)

func (m *Memory) Enqueue(ctx context.Context, req domain.NewJob) (*domain.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	job := &domain.Job{
		ID:           uuid.New().String(),
		OwnerID:      req.OwnerID,
		RowID:        req.RowID,
		VariantRowID: req.VariantRowID,
		Status:       domain.StatusQueued,
		Payload:      clonePayload(req.Payload),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if req.GeneratePrompt {
		pj := &domain.PromptJob{
			ID:        uuid.New().String(),
			JobID:     job.ID,
			Status:    domain.PromptPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.prompts[pj.ID] = pj
		job.PromptJobID = pj.ID
		job.PromptStatus = domain.PromptPending
	}

	m.seq++
	m.jobs[job.ID] = &memJob{job: job, seq: m.seq}
	return cloneJob(job), nil
}

func (m *Memory) Get(ctx context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(rec.job), nil
}

func (m *Memory) GetByProviderRequestID(ctx context.Context, providerRequestID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.jobs {
		if providerRequestID != "" && rec.job.ProviderRequestID == providerRequestID {
			return cloneJob(rec.job), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *Memory) Transition(ctx context.Context, id string, from []domain.Status, to domain.Status, fields domain.TransitionFields) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !containsStatus(from, rec.job.Status) {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrConflict, id, rec.job.Status)
	}

	next := cloneJob(rec.job)
	if err := fields.Apply(next, to, m.now()); err != nil {
		return nil, fmt.Errorf("%w: %s -> %s", err, rec.job.Status, to)
	}
	rec.job = next
	return cloneJob(next), nil
}

func (m *Memory) ClaimNext(ctx context.Context, filter ClaimFilter, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[string]int)
	for _, rec := range m.jobs {
		if containsStatus(domain.ActiveStatuses, rec.job.Status) {
			active[rec.job.OwnerID]++
		}
	}

	now := m.now()
	var claimed []*domain.Job
	for _, rec := range m.sorted(func(j *domain.Job) bool { return j.DispatchEligible(filter.Now) }) {
		if len(claimed) == limit {
			break
		}
		owner := rec.job.OwnerID
		if filter.OwnerCap > 0 && active[owner] >= filter.OwnerCap {
			continue
		}
		next := cloneJob(rec.job)
		if err := (domain.TransitionFields{}).Apply(next, domain.StatusSubmitting, now); err != nil {
			return nil, err
		}
		rec.job = next
		active[owner]++
		claimed = append(claimed, cloneJob(next))
	}
	return claimed, nil
}

func (m *Memory) CountActive(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, rec := range m.jobs {
		if containsStatus(domain.ActiveStatuses, rec.job.Status) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) FindStuck(ctx context.Context, statuses []domain.Status, olderThan time.Time, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.sorted(func(j *domain.Job) bool {
		return containsStatus(statuses, j.Status) && j.UpdatedAt.Before(olderThan)
	})
	return m.collect(recs, limit), nil
}

func (m *Memory) ListInFlight(ctx context.Context, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.sorted(func(j *domain.Job) bool {
		return containsStatus(domain.InFlightStatuses, j.Status)
	})
	return m.collect(recs, limit), nil
}

func (m *Memory) ListActive(ctx context.Context, ownerID string) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.sorted(func(j *domain.Job) bool {
		return j.OwnerID == ownerID && containsStatus(domain.OpenStatuses, j.Status)
	})
	return m.collect(recs, 0), nil
}

func (m *Memory) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.sorted(func(j *domain.Job) bool {
		if filter.OwnerID != "" && j.OwnerID != filter.OwnerID {
			return false
		}
		if filter.Status != "" && !containsStatus(domain.StatusesFor(filter.Status), j.Status) {
			return false
		}
		if c := filter.Cursor; c != nil {
			if j.CreatedAt.After(c.CreatedAt) {
				return false
			}
			if j.CreatedAt.Equal(c.CreatedAt) && j.ID >= c.JobID {
				return false
			}
		}
		return true
	})

	// newest first, ties broken by id descending
	sort.SliceStable(recs, func(a, b int) bool {
		ja, jb := recs[a].job, recs[b].job
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.After(jb.CreatedAt)
		}
		return ja.ID > jb.ID
	})
	return m.collect(recs, filter.PageSize+1), nil
}

func (m *Memory) QueuePosition(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.jobs[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if rec.job.Status != domain.StatusQueued {
		return -1, nil
	}
	ahead := 0
	for _, other := range m.jobs {
		if other.job.OwnerID == rec.job.OwnerID && other.job.Status == domain.StatusQueued && other.seq < rec.seq {
			ahead++
		}
	}
	return ahead, nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats Stats
	for _, rec := range m.jobs {
		stats.add(rec.job.Status, 1)
	}
	return stats, nil
}

func (m *Memory) FindResettable(ctx context.Context, ownerID string, cutoffs StuckCutoffs) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.sorted(func(j *domain.Job) bool {
		if ownerID != "" && j.OwnerID != ownerID {
			return false
		}
		return resettable(j, cutoffs)
	})
	return m.collect(recs, 0), nil
}

func (m *Memory) ClaimPendingPrompts(ctx context.Context, limit int) ([]*domain.PromptJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make([]*domain.PromptJob, 0)
	for _, pj := range m.prompts {
		if pj.Status == domain.PromptPending {
			pending = append(pending, pj)
		}
	}
	sort.Slice(pending, func(a, b int) bool {
		return pending[a].CreatedAt.Before(pending[b].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	now := m.now()
	claimed := make([]*domain.PromptJob, 0, len(pending))
	for _, pj := range pending {
		pj.Status = domain.PromptGenerating
		pj.UpdatedAt = now
		if rec, ok := m.jobs[pj.JobID]; ok {
			next := cloneJob(rec.job)
			next.PromptStatus = domain.PromptGenerating
			rec.job = next
		}
		cp := *pj
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *Memory) CompletePrompt(ctx context.Context, promptJobID, prompt string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pj, rec, err := m.generatingPrompt(promptJobID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	pj.Status = domain.PromptCompleted
	pj.Error = ""
	pj.UpdatedAt = now

	next := cloneJob(rec.job)
	next.Payload.Prompt = prompt
	next.PromptStatus = domain.PromptCompleted
	next.UpdatedAt = now
	rec.job = next
	return cloneJob(next), nil
}

func (m *Memory) FailPrompt(ctx context.Context, promptJobID, reason string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pj, rec, err := m.generatingPrompt(promptJobID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	pj.Status = domain.PromptFailed
	pj.Error = reason
	pj.UpdatedAt = now

	next := cloneJob(rec.job)
	next.PromptStatus = domain.PromptFailed
	if next.Status == domain.StatusQueued {
		fields := domain.TransitionFields{
			Error:       "prompt generation failed: " + reason,
			FailureKind: domain.FailurePrompt,
		}
		if err := fields.Apply(next, domain.StatusFailed, now); err != nil {
			return nil, err
		}
	}
	next.UpdatedAt = now
	rec.job = next
	return cloneJob(next), nil
}

func (m *Memory) FindStuckPrompts(ctx context.Context, olderThan time.Time, limit int) ([]*domain.PromptJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stuck := make([]*domain.PromptJob, 0)
	for _, pj := range m.prompts {
		if pj.Status == domain.PromptGenerating && pj.UpdatedAt.Before(olderThan) {
			cp := *pj
			stuck = append(stuck, &cp)
		}
	}
	sort.Slice(stuck, func(a, b int) bool {
		return stuck[a].CreatedAt.Before(stuck[b].CreatedAt)
	})
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}

func (m *Memory) RequeuePrompt(ctx context.Context, promptJobID string) (*domain.PromptJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pj, rec, err := m.generatingPrompt(promptJobID)
	if err != nil {
		return nil, err
	}

	pj.Status = domain.PromptPending
	pj.Attempts++
	pj.UpdatedAt = m.now()

	next := cloneJob(rec.job)
	next.PromptStatus = domain.PromptPending
	rec.job = next

	cp := *pj
	return &cp, nil
}

func (m *Memory) generatingPrompt(promptJobID string) (*domain.PromptJob, *memJob, error) {
	pj, ok := m.prompts[promptJobID]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	if pj.Status != domain.PromptGenerating {
		return nil, nil, fmt.Errorf("%w: prompt job %s is %s", domain.ErrConflict, promptJobID, pj.Status)
	}
	rec, ok := m.jobs[pj.JobID]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	return pj, rec, nil
}

// sorted returns matching records in FIFO order. Caller holds mu.
func (m *Memory) sorted(match func(*domain.Job) bool) []*memJob {
	out := make([]*memJob, 0)
	for _, rec := range m.jobs {
		if match(rec.job) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		ja, jb := out[a].job, out[b].job
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.Before(jb.CreatedAt)
		}
		return out[a].seq < out[b].seq
	})
	return out
}

func (m *Memory) collect(recs []*memJob, limit int) []*domain.Job {
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	jobs := make([]*domain.Job, len(recs))
	for i, rec := range recs {
		jobs[i] = cloneJob(rec.job)
	}
	return jobs
}

func resettable(j *domain.Job, cutoffs StuckCutoffs) bool {
	switch j.Status {
	case domain.StatusFailed:
		return j.Resettable()
	case domain.StatusSubmitting, domain.StatusSubmitted:
		return j.UpdatedAt.Before(cutoffs.Submitted)
	case domain.StatusRunning, domain.StatusSaving:
		return j.UpdatedAt.Before(cutoffs.Running)
	}
	return false
}

func cloneJob(j *domain.Job) *domain.Job {
	cp := *j
	cp.Payload = clonePayload(j.Payload)
	if j.OutputPaths != nil {
		cp.OutputPaths = append([]string(nil), j.OutputPaths...)
	}
	return &cp
}

func clonePayload(p domain.Payload) domain.Payload {
	cp := p
	if p.ReferencePaths != nil {
		cp.ReferencePaths = append([]string(nil), p.ReferencePaths...)
	}
	if p.Options != nil {
		cp.Options = maps.Clone(p.Options)
	}
	return cp
}
