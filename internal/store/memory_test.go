package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/genqueue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newJob(owner string) domain.NewJob {
	return domain.NewJob{
		OwnerID: owner,
		RowID:   "row-1",
		Payload: domain.Payload{
			ReferencePaths: []string{"a.png"},
			TargetPath:     "b.png",
			Prompt:         "x",
		},
	}
}

func mustEnqueue(t *testing.T, s Store, req domain.NewJob) *domain.Job {
	t.Helper()
	job, err := s.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return job
}

func TestMemory_Enqueue(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*domain.NewJob)
		wantErr   bool
		errField  string
		wantPrmpt domain.PromptStatus
	}{
		{
			name: "valid job",
		},
		{
			name: "variant row instead of row",
			mutate: func(n *domain.NewJob) {
				n.RowID = ""
				n.VariantRowID = "variant-1"
			},
		},
		{
			name: "both grouping references",
			mutate: func(n *domain.NewJob) {
				n.VariantRowID = "variant-1"
			},
			wantErr:  true,
			errField: "row_id",
		},
		{
			name: "absolute reference path",
			mutate: func(n *domain.NewJob) {
				n.Payload.ReferencePaths = []string{"/etc/passwd"}
			},
			wantErr:  true,
			errField: "reference_paths",
		},
		{
			name: "traversal in target path",
			mutate: func(n *domain.NewJob) {
				n.Payload.TargetPath = "out/../../b.png"
			},
			wantErr:  true,
			errField: "target_path",
		},
		{
			name: "missing prompt",
			mutate: func(n *domain.NewJob) {
				n.Payload.Prompt = ""
			},
			wantErr:  true,
			errField: "prompt",
		},
		{
			name: "prompt generation requested",
			mutate: func(n *domain.NewJob) {
				n.Payload.Prompt = ""
				n.GeneratePrompt = true
			},
			wantPrmpt: domain.PromptPending,
		},
		{
			name: "negative width",
			mutate: func(n *domain.NewJob) {
				n.Payload.Width = -1
			},
			wantErr:  true,
			errField: "width",
		},
		{
			name: "height above maximum",
			mutate: func(n *domain.NewJob) {
				n.Payload.Height = domain.MaxDimension + 1
			},
			wantErr:  true,
			errField: "height",
		},
		{
			name: "zero dimensions use provider default",
			mutate: func(n *domain.NewJob) {
				n.Payload.Width = 0
				n.Payload.Height = 0
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemory()
			req := newJob("owner-1")
			if tt.mutate != nil {
				tt.mutate(&req)
			}

			job, err := s.Enqueue(context.Background(), req)

			if tt.wantErr {
				require.Error(t, err)
				var verr *domain.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.errField, verr.Field)
				assert.Nil(t, job)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, domain.StatusQueued, job.Status)
			assert.Empty(t, job.ProviderRequestID)
			assert.Equal(t, tt.wantPrmpt, job.PromptStatus)
			if tt.wantPrmpt != domain.PromptNone {
				assert.NotEmpty(t, job.PromptJobID)
			}
		})
	}
}

func TestMemory_Transition(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := NewMemory(WithClock(clock.Now))
	job := mustEnqueue(t, s, newJob("owner-1"))

	t.Run("conflict when not in from states", func(t *testing.T) {
		_, err := s.Transition(ctx, job.ID, []domain.Status{domain.StatusSubmitted}, domain.StatusRunning, domain.TransitionFields{})
		require.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("invalid edge", func(t *testing.T) {
		_, err := s.Transition(ctx, job.ID, []domain.Status{domain.StatusQueued}, domain.StatusSucceeded, domain.TransitionFields{})
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := s.Transition(ctx, "missing", []domain.Status{domain.StatusQueued}, domain.StatusFailed, domain.TransitionFields{})
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("only one of two racing moves wins", func(t *testing.T) {
		claimed, err := s.ClaimNext(ctx, ClaimFilter{Now: clock.Now()}, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		clock.Advance(time.Second)
		var wg sync.WaitGroup
		results := make([]error, 2)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = s.Transition(ctx, job.ID,
					[]domain.Status{domain.StatusSubmitting}, domain.StatusSubmitted,
					domain.TransitionFields{ProviderRequestID: fmt.Sprintf("p-%d", i)})
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, domain.ErrConflict)
			}
		}
		assert.Equal(t, 1, wins)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSubmitted, got.Status)
		assert.NotEmpty(t, got.ProviderRequestID)
		assert.True(t, got.UpdatedAt.After(job.UpdatedAt))
	})
}

func TestMemory_ClaimNext_NoDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	const jobs = 200
	for i := 0; i < jobs; i++ {
		mustEnqueue(t, s, newJob(fmt.Sprintf("owner-%d", i%7)))
	}

	const claimers = 8
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for c := 0; c < claimers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.ClaimNext(ctx, ClaimFilter{Now: time.Now()}, 3)
				if !assert.NoError(t, err) || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, j := range claimed {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestMemory_ClaimNext_Eligibility(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()

	t.Run("owner cap counts active jobs", func(t *testing.T) {
		s := NewMemory(WithClock(clock.Now))
		for i := 0; i < 3; i++ {
			mustEnqueue(t, s, newJob("busy"))
		}
		mustEnqueue(t, s, newJob("idle"))

		claimed, err := s.ClaimNext(ctx, ClaimFilter{OwnerCap: 1, Now: clock.Now()}, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 2)

		owners := map[string]bool{}
		for _, j := range claimed {
			owners[j.OwnerID] = true
			assert.Equal(t, domain.StatusSubmitting, j.Status)
		}
		assert.True(t, owners["busy"])
		assert.True(t, owners["idle"])

		again, err := s.ClaimNext(ctx, ClaimFilter{OwnerCap: 1, Now: clock.Now()}, 10)
		require.NoError(t, err)
		assert.Empty(t, again)
	})

	t.Run("fifo within owner", func(t *testing.T) {
		s := NewMemory(WithClock(clock.Now))
		first := mustEnqueue(t, s, newJob("o"))
		clock.Advance(time.Millisecond)
		mustEnqueue(t, s, newJob("o"))

		claimed, err := s.ClaimNext(ctx, ClaimFilter{Now: clock.Now()}, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, first.ID, claimed[0].ID)
	})

	t.Run("pending prompt blocks dispatch", func(t *testing.T) {
		s := NewMemory(WithClock(clock.Now))
		req := newJob("o")
		req.GeneratePrompt = true
		job := mustEnqueue(t, s, req)

		claimed, err := s.ClaimNext(ctx, ClaimFilter{Now: clock.Now()}, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		prompts, err := s.ClaimPendingPrompts(ctx, 10)
		require.NoError(t, err)
		require.Len(t, prompts, 1)
		_, err = s.CompletePrompt(ctx, prompts[0].ID, "a cat")
		require.NoError(t, err)

		claimed, err = s.ClaimNext(ctx, ClaimFilter{Now: clock.Now()}, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, job.ID, claimed[0].ID)
		assert.Equal(t, "a cat", claimed[0].Payload.Prompt)
	})

	t.Run("backoff delays re-claim", func(t *testing.T) {
		s := NewMemory(WithClock(clock.Now))
		job := mustEnqueue(t, s, newJob("o"))
		_, err := s.ClaimNext(ctx, ClaimFilter{Now: clock.Now()}, 1)
		require.NoError(t, err)

		_, err = s.Transition(ctx, job.ID, []domain.Status{domain.StatusSubmitting}, domain.StatusQueued,
			domain.TransitionFields{IncrementAttempts: true, NextAttemptAt: clock.Now().Add(time.Minute)})
		require.NoError(t, err)

		claimed, err := s.ClaimNext(ctx, ClaimFilter{Now: clock.Now()}, 1)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		claimed, err = s.ClaimNext(ctx, ClaimFilter{Now: clock.Now().Add(time.Minute)}, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, 1, claimed[0].Attempts)
	})
}

func TestMemory_QueuePosition(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	const k = 4
	for i := 0; i < k; i++ {
		mustEnqueue(t, s, newJob("owner-1"))
	}
	mustEnqueue(t, s, newJob("owner-2"))

	job := mustEnqueue(t, s, newJob("owner-1"))
	pos, err := s.QueuePosition(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, k, pos)

	_, err = s.ClaimNext(ctx, ClaimFilter{Now: time.Now()}, 1)
	require.NoError(t, err)
	pos, err = s.QueuePosition(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, k-1, pos)

	_, err = s.QueuePosition(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemory_FindStuckAndResettable(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := NewMemory(WithClock(clock.Now))

	old := mustEnqueue(t, s, newJob("o"))
	rejected := mustEnqueue(t, s, newJob("o"))
	timedOut := mustEnqueue(t, s, newJob("other"))
	_, err := s.ClaimNext(ctx, ClaimFilter{Now: clock.Now()}, 3)
	require.NoError(t, err)

	_, err = s.Transition(ctx, old.ID, []domain.Status{domain.StatusSubmitting}, domain.StatusSubmitted,
		domain.TransitionFields{ProviderRequestID: "p-old"})
	require.NoError(t, err)
	_, err = s.Transition(ctx, rejected.ID, []domain.Status{domain.StatusSubmitting}, domain.StatusFailed,
		domain.TransitionFields{Error: "bad", FailureKind: domain.FailureRejected})
	require.NoError(t, err)
	_, err = s.Transition(ctx, timedOut.ID, []domain.Status{domain.StatusSubmitting}, domain.StatusFailed,
		domain.TransitionFields{Error: "late", FailureKind: domain.FailureTimeout})
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	fresh := mustEnqueue(t, s, newJob("o"))
	_, err = s.ClaimNext(ctx, ClaimFilter{Now: clock.Now()}, 1)
	require.NoError(t, err)

	stuck, err := s.FindStuck(ctx, []domain.Status{domain.StatusSubmitted, domain.StatusSubmitting}, clock.Now().Add(-5*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, old.ID, stuck[0].ID)

	cutoffs := StuckCutoffs{
		Submitted: clock.Now().Add(-5 * time.Minute),
		Running:   clock.Now().Add(-15 * time.Minute),
	}
	all, err := s.FindResettable(ctx, "", cutoffs)
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, j := range all {
		ids[i] = j.ID
	}
	assert.ElementsMatch(t, []string{old.ID, timedOut.ID}, ids)
	assert.NotContains(t, ids, fresh.ID)

	owned, err := s.FindResettable(ctx, "o", cutoffs)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, old.ID, owned[0].ID)
}

func TestMemory_ResettableUsesStateWindow(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := NewMemory(WithClock(clock.Now))

	running := mustEnqueue(t, s, newJob("o"))
	_, err := s.ClaimNext(ctx, ClaimFilter{Now: clock.Now()}, 1)
	require.NoError(t, err)
	_, err = s.Transition(ctx, running.ID, []domain.Status{domain.StatusSubmitting}, domain.StatusSubmitted,
		domain.TransitionFields{ProviderRequestID: "p-run"})
	require.NoError(t, err)
	_, err = s.Transition(ctx, running.ID, []domain.Status{domain.StatusSubmitted}, domain.StatusRunning,
		domain.TransitionFields{})
	require.NoError(t, err)

	tests := []struct {
		name    string
		advance time.Duration
		want    int
	}{
		{name: "past submitted window only", advance: 6 * time.Minute, want: 0},
		{name: "past running window", advance: 10 * time.Minute, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.Advance(tt.advance)
			got, err := s.FindResettable(ctx, "", StuckCutoffs{
				Submitted: clock.Now().Add(-5 * time.Minute),
				Running:   clock.Now().Add(-15 * time.Minute),
			})
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestMemory_AdminResetGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	tests := []struct {
		name    string
		kind    domain.FailureKind
		wantErr error
	}{
		{name: "timeout failure resets", kind: domain.FailureTimeout},
		{name: "exhausted failure resets", kind: domain.FailureExhausted},
		{name: "rejection stays failed", kind: domain.FailureRejected, wantErr: domain.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := mustEnqueue(t, s, newJob(tt.name))
			_, err := s.Transition(ctx, job.ID, []domain.Status{domain.StatusQueued}, domain.StatusSubmitting, domain.TransitionFields{})
			require.NoError(t, err)
			_, err = s.Transition(ctx, job.ID, []domain.Status{domain.StatusSubmitting}, domain.StatusSubmitted,
				domain.TransitionFields{ProviderRequestID: "p-" + tt.name})
			require.NoError(t, err)
			_, err = s.Transition(ctx, job.ID, []domain.Status{domain.StatusSubmitted}, domain.StatusFailed,
				domain.TransitionFields{Error: "x", FailureKind: tt.kind, IncrementAttempts: true})
			require.NoError(t, err)

			got, err := s.Transition(ctx, job.ID, []domain.Status{domain.StatusFailed}, domain.StatusQueued,
				domain.TransitionFields{AdminReset: true})

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.StatusQueued, got.Status)
			assert.Zero(t, got.Attempts)
			assert.Empty(t, got.ProviderRequestID)
			assert.Empty(t, got.Error)
		})
	}
}

func TestMemory_PromptLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := NewMemory(WithClock(clock.Now))

	req := newJob("o")
	req.Payload.Prompt = ""
	req.GeneratePrompt = true

	t.Run("complete writes prompt once", func(t *testing.T) {
		job := mustEnqueue(t, s, req)
		prompts, err := s.ClaimPendingPrompts(ctx, 1)
		require.NoError(t, err)
		require.Len(t, prompts, 1)
		assert.Equal(t, job.ID, prompts[0].JobID)
		assert.Equal(t, domain.PromptGenerating, prompts[0].Status)

		got, err := s.CompletePrompt(ctx, prompts[0].ID, "first")
		require.NoError(t, err)
		assert.Equal(t, "first", got.Payload.Prompt)
		assert.Equal(t, domain.PromptCompleted, got.PromptStatus)

		_, err = s.CompletePrompt(ctx, prompts[0].ID, "second")
		require.ErrorIs(t, err, domain.ErrConflict)

		got, err = s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "first", got.Payload.Prompt)
	})

	t.Run("failure fails the parent", func(t *testing.T) {
		job := mustEnqueue(t, s, req)
		prompts, err := s.ClaimPendingPrompts(ctx, 1)
		require.NoError(t, err)
		require.Len(t, prompts, 1)

		got, err := s.FailPrompt(ctx, prompts[0].ID, "quota exceeded")
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Equal(t, domain.FailurePrompt, got.FailureKind)
		assert.Contains(t, got.Error, "quota exceeded")
		assert.Equal(t, domain.PromptFailed, got.PromptStatus)
	})

	t.Run("stuck prompt is requeued", func(t *testing.T) {
		job := mustEnqueue(t, s, req)
		prompts, err := s.ClaimPendingPrompts(ctx, 1)
		require.NoError(t, err)
		require.Len(t, prompts, 1)

		clock.Advance(time.Hour)
		stuck, err := s.FindStuckPrompts(ctx, clock.Now().Add(-time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stuck, 1)

		requeued, err := s.RequeuePrompt(ctx, stuck[0].ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PromptPending, requeued.Status)
		assert.Equal(t, 1, requeued.Attempts)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PromptPending, got.PromptStatus)
	})
}

func TestMemory_ListJobsAndStats(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := NewMemory(WithClock(clock.Now))

	var created []*domain.Job
	for i := 0; i < 5; i++ {
		created = append(created, mustEnqueue(t, s, newJob("o")))
		clock.Advance(time.Second)
	}
	mustEnqueue(t, s, newJob("someone-else"))

	page, err := s.ListJobs(ctx, JobFilter{OwnerID: "o", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3) // one extra signals another page
	assert.Equal(t, created[4].ID, page[0].ID)
	assert.Equal(t, created[3].ID, page[1].ID)

	next, err := s.ListJobs(ctx, JobFilter{
		OwnerID:  "o",
		PageSize: 2,
		Cursor:   &JobCursor{CreatedAt: page[1].CreatedAt, JobID: page[1].ID},
	})
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, created[2].ID, next[0].ID)

	_, err = s.ClaimNext(ctx, ClaimFilter{Now: clock.Now()}, 2)
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Queued: 4, Submitted: 2}, stats)

	active, err := s.ListActive(ctx, "o")
	require.NoError(t, err)
	assert.Len(t, active, 5)
	n, err := s.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
