package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cuongbtq/genqueue/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var jobColumnNames = []string{
	"id", "owner_id", "row_id", "variant_row_id", "status", "provider_request_id",
	"prompt_job_id", "prompt_status", "payload", "output_paths", "error",
	"failure_kind", "attempts", "next_attempt_at", "created_at", "updated_at",
}

var jobColumns = columns("", jobColumnNames)

const promptColumns = "id, job_id, status, attempts, error, created_at, updated_at"

func columns(alias string, names []string) string {
	if alias == "" {
		return strings.Join(names, ", ")
	}
	prefixed := make([]string, len(names))
	for i, n := range names {
		prefixed[i] = alias + "." + n
	}
	return strings.Join(prefixed, ", ")
}

type jobRow struct {
	ID                string         `db:"id"`
	OwnerID           string         `db:"owner_id"`
	RowID             sql.NullString `db:"row_id"`
	VariantRowID      sql.NullString `db:"variant_row_id"`
	Status            string         `db:"status"`
	ProviderRequestID sql.NullString `db:"provider_request_id"`
	PromptJobID       sql.NullString `db:"prompt_job_id"`
	PromptStatus      string         `db:"prompt_status"`
	Payload           []byte         `db:"payload"`
	OutputPaths       pq.StringArray `db:"output_paths"`
	Error             string         `db:"error"`
	FailureKind       string         `db:"failure_kind"`
	Attempts          int            `db:"attempts"`
	NextAttemptAt     sql.NullTime   `db:"next_attempt_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		ID:                r.ID,
		OwnerID:           r.OwnerID,
		RowID:             r.RowID.String,
		VariantRowID:      r.VariantRowID.String,
		Status:            domain.Status(r.Status),
		ProviderRequestID: r.ProviderRequestID.String,
		PromptJobID:       r.PromptJobID.String,
		PromptStatus:      domain.PromptStatus(r.PromptStatus),
		Error:             r.Error,
		FailureKind:       domain.FailureKind(r.FailureKind),
		Attempts:          r.Attempts,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if len(r.OutputPaths) > 0 {
		job.OutputPaths = []string(r.OutputPaths)
	}
	if r.NextAttemptAt.Valid {
		job.NextAttemptAt = r.NextAttemptAt.Time
	}
	if err := json.Unmarshal(r.Payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload for job %s: %w", r.ID, err)
	}
	return job, nil
}

type promptRow struct {
	ID        string    `db:"id"`
	JobID     string    `db:"job_id"`
	Status    string    `db:"status"`
	Attempts  int       `db:"attempts"`
	Error     string    `db:"error"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *promptRow) toDomain() *domain.PromptJob {
	return &domain.PromptJob{
		ID:        r.ID,
		JobID:     r.JobID,
		Status:    domain.PromptStatus(r.Status),
		Attempts:  r.Attempts,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Postgres is the durable Store backed by the generation_jobs and prompt_jobs tables.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a Postgres store on an open connection pool.
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
	}
}

var _ Store = (*Postgres)(nil)

// Enqueue inserts a queued job, and its prompt job when prompt generation is requested, in one transaction.
func (p *Postgres) Enqueue(ctx context.Context, req domain.NewJob) (*domain.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	jobID := uuid.New().String()
	var promptJobID sql.NullString
	promptStatus := domain.PromptNone
	if req.GeneratePrompt {
		promptJobID = sql.NullString{String: uuid.New().String(), Valid: true}
		promptStatus = domain.PromptPending
	}

	query := `
		INSERT INTO generation_jobs (
			id, owner_id, row_id, variant_row_id, status,
			prompt_job_id, prompt_status, payload
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8
		)
		RETURNING ` + jobColumns

	var row jobRow
	err = tx.GetContext(ctx, &row, query,
		jobID,
		req.OwnerID,
		nullString(req.RowID),
		nullString(req.VariantRowID),
		domain.StatusQueued,
		promptJobID,
		promptStatus,
		payload,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	if req.GeneratePrompt {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO prompt_jobs (id, job_id, status)
			VALUES ($1, $2, $3)
		`, promptJobID.String, jobID, domain.PromptPending)
		if err != nil {
			return nil, fmt.Errorf("failed to insert prompt job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	p.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("owner_id", req.OwnerID),
		slog.Bool("generate_prompt", req.GeneratePrompt),
	)
	return row.toDomain()
}

func (p *Postgres) Get(ctx context.Context, id string) (*domain.Job, error) {
	if uuid.Validate(id) != nil {
		return nil, domain.ErrNotFound
	}
	return p.getOne(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
}

func (p *Postgres) GetByProviderRequestID(ctx context.Context, providerRequestID string) (*domain.Job, error) {
	return p.getOne(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE provider_request_id = $1`, providerRequestID)
}

// Transition locks the row, checks the expected states, applies the state machine in Go and writes the result.
func (p *Postgres) Transition(ctx context.Context, id string, from []domain.Status, to domain.Status, fields domain.TransitionFields) (*domain.Job, error) {
	if uuid.Validate(id) != nil {
		return nil, domain.ErrNotFound
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row jobRow
	err = tx.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}

	job, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	if !containsStatus(from, job.Status) {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrConflict, id, job.Status)
	}

	prev := job.Status
	if err := fields.Apply(job, to, time.Now()); err != nil {
		return nil, fmt.Errorf("%w: %s -> %s", err, prev, to)
	}

	query := `
		UPDATE generation_jobs
		SET status = $2,
		    provider_request_id = $3,
		    output_paths = $4,
		    error = $5,
		    failure_kind = $6,
		    attempts = $7,
		    next_attempt_at = $8,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = ANY($9)
		RETURNING ` + jobColumns

	var updated jobRow
	err = tx.GetContext(ctx, &updated, query,
		id,
		job.Status,
		nullString(job.ProviderRequestID),
		pq.Array(nonNil(job.OutputPaths)),
		job.Error,
		job.FailureKind,
		job.Attempts,
		nullTime(job.NextAttemptAt),
		pq.Array(statusStrings(from)),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s", domain.ErrConflict, id)
		}
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	p.logger.Debug("Job transitioned",
		slog.String("job_id", id),
		slog.String("from", string(prev)),
		slog.String("to", string(to)),
	)
	return updated.toDomain()
}

// ClaimNext ranks eligible queued jobs per owner, keeps those under the owner cap and
// flips them to submitting. SKIP LOCKED keeps concurrent claimers from taking the same rows.
func (p *Postgres) ClaimNext(ctx context.Context, filter ClaimFilter, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		WITH active AS (
			SELECT owner_id, COUNT(*) AS n
			FROM generation_jobs
			WHERE status = ANY($1)
			GROUP BY owner_id
		),
		ranked AS (
			SELECT q.id, q.created_at, q.seq,
			       ROW_NUMBER() OVER (PARTITION BY q.owner_id ORDER BY q.created_at, q.seq) AS rn,
			       COALESCE(a.n, 0) AS active_n
			FROM generation_jobs q
			LEFT JOIN active a ON a.owner_id = q.owner_id
			WHERE q.status = $2
			  AND q.prompt_status IN ('', $3)
			  AND (q.next_attempt_at IS NULL OR q.next_attempt_at <= $4)
		),
		picked AS (
			SELECT g.id
			FROM generation_jobs g
			JOIN ranked r ON r.id = g.id
			WHERE $5::int <= 0 OR r.rn <= $5::int - r.active_n
			ORDER BY r.created_at, r.seq
			LIMIT $6
			FOR UPDATE OF g SKIP LOCKED
		)
		UPDATE generation_jobs j
		SET status = $7,
		    next_attempt_at = NULL,
		    updated_at = NOW()
		FROM picked
		WHERE j.id = picked.id
		  AND j.status = $2
		RETURNING ` + columns("j", jobColumnNames)

	var rows []jobRow
	err := p.db.SelectContext(ctx, &rows, query,
		pq.Array(statusStrings(domain.ActiveStatuses)),
		domain.StatusQueued,
		domain.PromptCompleted,
		filter.Now,
		filter.OwnerCap,
		limit,
		domain.StatusSubmitting,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	jobs, err := toJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})

	if len(jobs) > 0 {
		p.logger.Info("Jobs claimed",
			slog.Int("count", len(jobs)),
			slog.Int("limit", limit),
		)
	}
	return jobs, nil
}

func (p *Postgres) CountActive(ctx context.Context) (int, error) {
	var n int
	err := p.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM generation_jobs WHERE status = ANY($1)`,
		pq.Array(statusStrings(domain.ActiveStatuses)),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return n, nil
}

func (p *Postgres) FindStuck(ctx context.Context, statuses []domain.Status, olderThan time.Time, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM generation_jobs
		WHERE status = ANY($1)
		  AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`
	return p.selectJobs(ctx, query, pq.Array(statusStrings(statuses)), olderThan, limitOrAll(limit))
}

func (p *Postgres) ListInFlight(ctx context.Context, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM generation_jobs
		WHERE status = ANY($1)
		ORDER BY updated_at
		LIMIT $2
	`
	return p.selectJobs(ctx, query, pq.Array(statusStrings(domain.InFlightStatuses)), limitOrAll(limit))
}

func (p *Postgres) ListActive(ctx context.Context, ownerID string) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM generation_jobs
		WHERE owner_id = $1
		  AND status = ANY($2)
		ORDER BY created_at, seq
	`
	return p.selectJobs(ctx, query, ownerID, pq.Array(statusStrings(domain.OpenStatuses)))
}

// ListJobs pages newest first on (created_at, id), fetching one extra row so callers can tell if more exist.
func (p *Postgres) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, pq.Array(statusStrings(domain.StatusesFor(filter.Status))))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	return p.selectJobs(ctx, query, args...)
}

func (p *Postgres) QueuePosition(ctx context.Context, id string) (int, error) {
	// ids are uuid columns; anything else cannot match a row
	if uuid.Validate(id) != nil {
		return 0, domain.ErrNotFound
	}
	var target struct {
		Status string `db:"status"`
	}
	if err := p.db.GetContext(ctx, &target, `SELECT status FROM generation_jobs WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("failed to get job: %w", err)
	}
	if domain.Status(target.Status) != domain.StatusQueued {
		return -1, nil
	}

	query := `
		SELECT COUNT(*)
		FROM generation_jobs q
		JOIN generation_jobs j ON j.id = $1
		WHERE q.owner_id = j.owner_id
		  AND q.status = $2
		  AND (q.created_at, q.seq) < (j.created_at, j.seq)
	`
	var ahead int
	if err := p.db.GetContext(ctx, &ahead, query, id, domain.StatusQueued); err != nil {
		return 0, fmt.Errorf("failed to compute queue position: %w", err)
	}
	return ahead, nil
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	err := p.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM generation_jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to load queue stats: %w", err)
	}

	var stats Stats
	for _, r := range rows {
		stats.add(domain.Status(r.Status), r.Count)
	}
	return stats, nil
}

func (p *Postgres) FindResettable(ctx context.Context, ownerID string, cutoffs StuckCutoffs) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM generation_jobs
		WHERE ($1 = '' OR owner_id = $1)
		  AND (
		        (status = $2 AND failure_kind = ANY($3))
		     OR (status = ANY($4) AND updated_at < $5)
		     OR (status = ANY($6) AND updated_at < $7)
		  )
		ORDER BY created_at, seq
	`
	return p.selectJobs(ctx, query,
		ownerID,
		domain.StatusFailed,
		pq.Array([]string{string(domain.FailureTimeout), string(domain.FailureExhausted)}),
		pq.Array([]string{string(domain.StatusSubmitting), string(domain.StatusSubmitted)}),
		cutoffs.Submitted,
		pq.Array([]string{string(domain.StatusRunning), string(domain.StatusSaving)}),
		cutoffs.Running,
	)
}

func (p *Postgres) ClaimPendingPrompts(ctx context.Context, limit int) ([]*domain.PromptJob, error) {
	query := `
		WITH picked AS (
			SELECT id
			FROM prompt_jobs
			WHERE status = $1
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		),
		claimed AS (
			UPDATE prompt_jobs pj
			SET status = $3,
			    updated_at = NOW()
			FROM picked
			WHERE pj.id = picked.id
			RETURNING pj.id, pj.job_id, pj.status, pj.attempts, pj.error, pj.created_at, pj.updated_at
		),
		parents AS (
			UPDATE generation_jobs g
			SET prompt_status = $3
			FROM claimed
			WHERE g.id = claimed.job_id
		)
		SELECT ` + promptColumns + ` FROM claimed ORDER BY created_at
	`

	var rows []promptRow
	if err := p.db.SelectContext(ctx, &rows, query, domain.PromptPending, limitOrAll(limit), domain.PromptGenerating); err != nil {
		return nil, fmt.Errorf("failed to claim prompt jobs: %w", err)
	}
	return toPromptJobs(rows), nil
}

func (p *Postgres) CompletePrompt(ctx context.Context, promptJobID, prompt string) (*domain.Job, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	jobID, err := p.finishPrompt(ctx, tx, promptJobID, domain.PromptCompleted, "")
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE generation_jobs
		SET payload = jsonb_set(payload, '{prompt}', to_jsonb($2::text)),
		    prompt_status = $3,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + jobColumns

	var row jobRow
	if err := tx.GetContext(ctx, &row, query, jobID, prompt, domain.PromptCompleted); err != nil {
		return nil, fmt.Errorf("failed to write generated prompt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit prompt completion: %w", err)
	}
	return row.toDomain()
}

func (p *Postgres) FailPrompt(ctx context.Context, promptJobID, reason string) (*domain.Job, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	jobID, err := p.finishPrompt(ctx, tx, promptJobID, domain.PromptFailed, reason)
	if err != nil {
		return nil, err
	}

	// only a still-queued parent is failed; anything else already left the prompt gate
	query := `
		UPDATE generation_jobs
		SET prompt_status = $2,
		    status = CASE WHEN status = $3 THEN $4 ELSE status END,
		    error = CASE WHEN status = $3 THEN $5 ELSE error END,
		    failure_kind = CASE WHEN status = $3 THEN $6 ELSE failure_kind END,
		    next_attempt_at = NULL,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + jobColumns

	var row jobRow
	err = tx.GetContext(ctx, &row, query,
		jobID,
		domain.PromptFailed,
		domain.StatusQueued,
		domain.StatusFailed,
		"prompt generation failed: "+reason,
		domain.FailurePrompt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fail parent job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit prompt failure: %w", err)
	}
	return row.toDomain()
}

func (p *Postgres) FindStuckPrompts(ctx context.Context, olderThan time.Time, limit int) ([]*domain.PromptJob, error) {
	query := `
		SELECT ` + promptColumns + `
		FROM prompt_jobs
		WHERE status = $1
		  AND updated_at < $2
		ORDER BY created_at
		LIMIT $3
	`
	var rows []promptRow
	if err := p.db.SelectContext(ctx, &rows, query, domain.PromptGenerating, olderThan, limitOrAll(limit)); err != nil {
		return nil, fmt.Errorf("failed to find stuck prompt jobs: %w", err)
	}
	return toPromptJobs(rows), nil
}

func (p *Postgres) RequeuePrompt(ctx context.Context, promptJobID string) (*domain.PromptJob, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE prompt_jobs
		SET status = $2,
		    attempts = attempts + 1,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = $3
		RETURNING ` + promptColumns

	var row promptRow
	err = tx.GetContext(ctx, &row, query, promptJobID, domain.PromptPending, domain.PromptGenerating)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, p.promptMiss(ctx, tx, promptJobID)
		}
		return nil, fmt.Errorf("failed to requeue prompt job: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE generation_jobs SET prompt_status = $2 WHERE id = $1`,
		row.JobID, domain.PromptPending,
	); err != nil {
		return nil, fmt.Errorf("failed to reset parent prompt status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit prompt requeue: %w", err)
	}
	return row.toDomain(), nil
}

// finishPrompt moves a generating prompt job to status and returns its parent job id.
func (p *Postgres) finishPrompt(ctx context.Context, tx *sqlx.Tx, promptJobID string, status domain.PromptStatus, reason string) (string, error) {
	query := `
		UPDATE prompt_jobs
		SET status = $2,
		    error = $3,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = $4
		RETURNING job_id
	`
	var jobID string
	err := tx.GetContext(ctx, &jobID, query, promptJobID, status, reason, domain.PromptGenerating)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", p.promptMiss(ctx, tx, promptJobID)
		}
		return "", fmt.Errorf("failed to update prompt job: %w", err)
	}
	return jobID, nil
}

// promptMiss tells a missing prompt job apart from one that moved on.
func (p *Postgres) promptMiss(ctx context.Context, tx *sqlx.Tx, promptJobID string) error {
	var status string
	err := tx.GetContext(ctx, &status, `SELECT status FROM prompt_jobs WHERE id = $1`, promptJobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("failed to get prompt job: %w", err)
	}
	return fmt.Errorf("%w: prompt job %s is %s", domain.ErrConflict, promptJobID, status)
}

func (p *Postgres) getOne(ctx context.Context, query string, args ...interface{}) (*domain.Job, error) {
	var row jobRow
	if err := p.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain()
}

func (p *Postgres) selectJobs(ctx context.Context, query string, args ...interface{}) ([]*domain.Job, error) {
	var rows []jobRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select jobs: %w", err)
	}
	return toJobs(rows)
}

func toJobs(rows []jobRow) ([]*domain.Job, error) {
	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func toPromptJobs(rows []promptRow) []*domain.PromptJob {
	out := make([]*domain.PromptJob, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// limitOrAll maps a non-positive limit to Postgres "LIMIT ALL".
func limitOrAll(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
