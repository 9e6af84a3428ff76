package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/repository"
	"bizdash-jobs/internal/infra/security"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

var _ repository.JobStore = (*jobStore)(nil)

// jobStore persists jobs across restarts. Every mutation locks the job row
// (SELECT ... FOR UPDATE) inside one transaction, which gives the same
// per-job linearizability as the in-memory store.
type jobStore struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
	enc  *security.EncryptionService
}

// NewJobStore returns a Postgres JobStore. enc may be nil, in which case
// payloads are stored as plain JSON.
func NewJobStore(pool *pgxpool.Pool, tm repository.TransactionManager, enc *security.EncryptionService) *jobStore {
	return &jobStore{pool: pool, tm: tm, enc: enc}
}

func (s *jobStore) Create(ctx context.Context, job *model.Job) error {
	if job == nil || job.ID == "" {
		return domain.ErrInvalidArgument
	}
	if err := model.ValidateTargets(job.Targets); err != nil {
		return err
	}
	return s.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		const q = `
INSERT INTO jobs (id, kind, mode, status, current, total, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING;`
		total := job.Total
		if total < len(job.Targets) {
			total = len(job.Targets)
		}
		tag, err := execSQL(ctx, s.pool, tx, q,
			job.ID, job.Kind, string(job.Mode), string(job.Status), job.Current, total, job.Message, job.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrAlreadyExists
		}
		if len(job.Targets) == 0 {
			return nil
		}
		ptx, ok := tx.(pgx.Tx)
		if !ok {
			return domain.ErrInvalidArgument
		}
		b := &pgx.Batch{}
		for i, t := range job.Targets {
			payload, enc, err := s.sealPayload(job.ID, t.Payload)
			if err != nil {
				return err
			}
			b.Queue(`INSERT INTO job_targets (job_id, target_id, position, payload, encrypted) VALUES ($1, $2, $3, $4, $5)`,
				job.ID, t.ID, i, payload, enc)
		}
		br := ptx.SendBatch(ctx, b)
		for range job.Targets {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert targets: %w", err)
			}
		}
		return br.Close()
	})
}

func (s *jobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := s.tm.WithTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead}, func(ctx context.Context, tx repository.Tx) error {
		ex, err := getExecutor(s.pool, tx)
		if err != nil {
			return err
		}
		j, err := scanJob(ex.QueryRow(ctx, selectJob+` WHERE id = $1`, id))
		if err != nil {
			return err
		}
		targets, err := s.loadTargets(ctx, ex, id)
		if err != nil {
			return err
		}
		j.Targets = targets
		if err := loadOutcomes(ctx, ex, j); err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *jobStore) Status(ctx context.Context, id string) (model.Status, error) {
	const q = `SELECT id, kind, status, current, total, message FROM jobs WHERE id = $1`
	var st model.Status
	var status string
	err := s.pool.QueryRow(ctx, q, id).Scan(&st.JobID, &st.Kind, &status, &st.Current, &st.Total, &st.Message)
	if err != nil {
		return model.Status{}, notFound(err)
	}
	st.Status = model.JobStatus(status)
	return st, nil
}

func (s *jobStore) MarkRunning(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(ctx context.Context, ex executor, status model.JobStatus) error {
		if status != model.JobStatusCreated {
			return fmt.Errorf("job %s is %s: %w", id, status, domain.ErrInvalidArgument)
		}
		_, err := ex.Exec(ctx, `UPDATE jobs SET status = 'running', started_at = $2 WHERE id = $1`, id, time.Now().UTC())
		return err
	})
}

func (s *jobStore) UpdateProgress(ctx context.Context, id string, current, total int, message string) error {
	if current < 0 || total < current {
		return domain.ErrInvalidArgument
	}
	return s.mutate(ctx, id, func(ctx context.Context, ex executor, _ model.JobStatus) error {
		_, err := ex.Exec(ctx, `UPDATE jobs SET current = $2, total = $3, message = $4 WHERE id = $1`, id, current, total, message)
		return err
	})
}

func (s *jobStore) RecordOutcome(ctx context.Context, id string, o model.TargetOutcome) error {
	return s.mutate(ctx, id, func(ctx context.Context, ex executor, _ model.JobStatus) error {
		var exists bool
		if err := ex.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM job_targets WHERE job_id = $1 AND target_id = $2)`, id, o.Target.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("target %q not in job: %w", o.Target.ID, domain.ErrNotFound)
		}
		if err := insertOutcome(ctx, ex, id, o); err != nil {
			return err
		}
		_, err := ex.Exec(ctx, `UPDATE jobs SET current = (SELECT count(*) FROM job_outcomes WHERE job_id = $1) WHERE id = $1`, id)
		return err
	})
}

func (s *jobStore) AddTarget(ctx context.Context, id string, t model.Target) error {
	if t.ID == "" {
		return domain.ErrInvalidArgument
	}
	return s.mutate(ctx, id, func(ctx context.Context, ex executor, _ model.JobStatus) error {
		if err := s.insertTarget(ctx, ex, id, t); err != nil {
			return err
		}
		_, err := ex.Exec(ctx, `UPDATE jobs SET total = GREATEST(total, (SELECT count(*) FROM job_targets WHERE job_id = $1)) WHERE id = $1`, id)
		return err
	})
}

// insertTarget appends t after the job's last target position.
func (s *jobStore) insertTarget(ctx context.Context, ex executor, id string, t model.Target) error {
	payload, enc, err := s.sealPayload(id, t.Payload)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO job_targets (job_id, target_id, position, payload, encrypted)
SELECT $1::text, $2::text, COALESCE(MAX(position) + 1, 0), $3::text, $4::boolean FROM job_targets WHERE job_id = $1
ON CONFLICT (job_id, target_id) DO NOTHING;`
	tag, err := ex.Exec(ctx, q, id, t.ID, payload, enc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %q: %w", t.ID, domain.ErrAlreadyExists)
	}
	return nil
}

func (s *jobStore) AppendOutcome(ctx context.Context, id string, o model.TargetOutcome) error {
	if o.Target.ID == "" {
		return domain.ErrInvalidArgument
	}
	return s.mutate(ctx, id, func(ctx context.Context, ex executor, _ model.JobStatus) error {
		if err := s.insertTarget(ctx, ex, id, o.Target); err != nil {
			return err
		}
		if err := insertOutcome(ctx, ex, id, o); err != nil {
			return err
		}
		const q = `
UPDATE jobs SET
  total = GREATEST(total, (SELECT count(*) FROM job_targets WHERE job_id = $1)),
  current = (SELECT count(*) FROM job_outcomes WHERE job_id = $1)
WHERE id = $1`
		_, err := ex.Exec(ctx, q, id)
		return err
	})
}

func (s *jobStore) Complete(ctx context.Context, id string, message string) error {
	return s.mutate(ctx, id, func(ctx context.Context, ex executor, _ model.JobStatus) error {
		var pending int
		const q = `
SELECT count(*) FROM job_targets t
WHERE t.job_id = $1 AND NOT EXISTS (SELECT 1 FROM job_outcomes o WHERE o.job_id = t.job_id AND o.target_id = t.target_id)`
		if err := ex.QueryRow(ctx, q, id).Scan(&pending); err != nil {
			return err
		}
		if pending > 0 {
			return domain.ErrIncompleteResult
		}
		return finish(ctx, ex, id, model.JobStatusCompleted, message)
	})
}

func (s *jobStore) Cancel(ctx context.Context, id string, message string) error {
	return s.terminate(ctx, id, model.JobStatusCancelled, model.SkipReasonCancelled, message)
}

func (s *jobStore) CancelCreated(ctx context.Context, id string, message string) (bool, error) {
	cancelled := false
	err := s.mutate(ctx, id, func(ctx context.Context, ex executor, status model.JobStatus) error {
		if status != model.JobStatusCreated {
			return nil
		}
		if err := skipPending(ctx, ex, id, model.SkipReasonCancelled); err != nil {
			return err
		}
		if err := finish(ctx, ex, id, model.JobStatusCancelled, message); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	return cancelled, err
}

func (s *jobStore) Fail(ctx context.Context, id string, message string) error {
	return s.terminate(ctx, id, model.JobStatusFailed, model.SkipReasonFailed, message)
}

func (s *jobStore) terminate(ctx context.Context, id string, status model.JobStatus, reason, message string) error {
	return s.mutate(ctx, id, func(ctx context.Context, ex executor, _ model.JobStatus) error {
		if err := skipPending(ctx, ex, id, reason); err != nil {
			return err
		}
		return finish(ctx, ex, id, status, message)
	})
}

// skipPending records a skipped outcome for every target still without one.
func skipPending(ctx context.Context, ex executor, id, reason string) error {
	const q = `
INSERT INTO job_outcomes (job_id, target_id, bucket, error_class, error_message)
SELECT t.job_id, t.target_id, 'skipped', 'cancelled', $2::text
FROM job_targets t
WHERE t.job_id = $1 AND NOT EXISTS (SELECT 1 FROM job_outcomes o WHERE o.job_id = t.job_id AND o.target_id = t.target_id)
ORDER BY t.position;`
	_, err := ex.Exec(ctx, q, id, reason)
	return err
}

func (s *jobStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	const q = `DELETE FROM jobs WHERE status IN ('completed', 'failed', 'cancelled') AND finished_at < $1`
	tag, err := s.pool.Exec(ctx, q, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// mutate locks the job row and rejects terminal jobs before running fn.
func (s *jobStore) mutate(ctx context.Context, id string, fn func(ctx context.Context, ex executor, status model.JobStatus) error) error {
	return s.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		ex, err := getExecutor(s.pool, tx)
		if err != nil {
			return err
		}
		var status string
		if err := ex.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status); err != nil {
			return notFound(err)
		}
		st := model.JobStatus(status)
		if st.Terminal() {
			return domain.ErrJobTerminal
		}
		return fn(ctx, ex, st)
	})
}

func finish(ctx context.Context, ex executor, id string, status model.JobStatus, message string) error {
	const q = `
UPDATE jobs SET
  status = $2,
  message = $3,
  finished_at = $4,
  current = (SELECT count(*) FROM job_outcomes WHERE job_id = $1),
  total = (SELECT count(*) FROM job_targets WHERE job_id = $1)
WHERE id = $1`
	_, err := ex.Exec(ctx, q, id, string(status), message, time.Now().UTC())
	return err
}

func insertOutcome(ctx context.Context, ex executor, jobID string, o model.TargetOutcome) error {
	var class, msg *string
	var retryMs int64
	if o.Error != nil {
		c := string(o.Error.Class)
		class, msg = &c, &o.Error.Message
		retryMs = o.Error.RetryAfter.Milliseconds()
	}
	var data interface{}
	if len(o.Data) > 0 {
		data = string(o.Data)
	}
	const q = `
INSERT INTO job_outcomes (job_id, target_id, bucket, detail, data, error_class, error_message, retry_after_ms)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
ON CONFLICT (job_id, target_id) DO NOTHING;`
	tag, err := ex.Exec(ctx, q, jobID, o.Target.ID, string(o.Bucket()), o.Detail, data, class, msg, retryMs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %q already has an outcome: %w", o.Target.ID, domain.ErrAlreadyExists)
	}
	return nil
}

const selectJob = `SELECT id, kind, mode, status, current, total, message, created_at, started_at, finished_at FROM jobs`

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var mode, status string
	if err := row.Scan(&j.ID, &j.Kind, &mode, &status, &j.Current, &j.Total, &j.Message, &j.CreatedAt, &j.StartedAt, &j.FinishedAt); err != nil {
		return nil, notFound(err)
	}
	j.Mode = model.JobMode(mode)
	j.Status = model.JobStatus(status)
	j.Result = model.NewBatchResult()
	return &j, nil
}

func (s *jobStore) loadTargets(ctx context.Context, ex executor, id string) ([]model.Target, error) {
	rows, err := ex.Query(ctx, `SELECT target_id, payload, encrypted FROM job_targets WHERE job_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Target{}
	for rows.Next() {
		var tid string
		var payload *string
		var enc bool
		if err := rows.Scan(&tid, &payload, &enc); err != nil {
			return nil, err
		}
		t := model.Target{ID: tid}
		if payload != nil {
			b, err := s.openPayload(id, *payload, enc)
			if err != nil {
				return nil, fmt.Errorf("target %s: %w", tid, err)
			}
			t.Payload = b
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// loadOutcomes fills j.Result in record order; outcome targets are taken
// from j.Targets so payloads are decrypted once.
func loadOutcomes(ctx context.Context, ex executor, j *model.Job) error {
	byID := make(map[string]model.Target, len(j.Targets))
	for _, t := range j.Targets {
		byID[t.ID] = t
	}
	const q = `
SELECT target_id, detail, data, error_class, error_message, retry_after_ms
FROM job_outcomes WHERE job_id = $1 ORDER BY seq`
	rows, err := ex.Query(ctx, q, j.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var tid, detail string
		var data []byte
		var class, msg *string
		var retryMs int64
		if err := rows.Scan(&tid, &detail, &data, &class, &msg, &retryMs); err != nil {
			return err
		}
		o := model.TargetOutcome{Target: byID[tid], Detail: detail}
		if len(data) > 0 {
			o.Data = json.RawMessage(data)
		}
		if class != nil {
			o.Error = &model.OutcomeError{
				Class:      domain.ErrorClass(*class),
				RetryAfter: time.Duration(retryMs) * time.Millisecond,
			}
			if msg != nil {
				o.Error.Message = *msg
			}
		}
		j.Result.Add(o)
	}
	return rows.Err()
}

func (s *jobStore) sealPayload(jobID string, p json.RawMessage) (*string, bool, error) {
	if len(p) == 0 {
		return nil, false, nil
	}
	if s.enc == nil {
		v := string(p)
		return &v, false, nil
	}
	v, err := s.enc.Seal(p, jobID)
	if err != nil {
		return nil, false, err
	}
	return &v, true, nil
}

func (s *jobStore) openPayload(jobID, v string, enc bool) (json.RawMessage, error) {
	if !enc {
		return json.RawMessage(v), nil
	}
	if s.enc == nil {
		return nil, fmt.Errorf("payload is encrypted but no encryption key is configured")
	}
	b, err := s.enc.Open(v, jobID)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
