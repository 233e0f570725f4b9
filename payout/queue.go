// Package payout implements the persistent payout job queue and the worker
// that drains it. The queue is a table, not a channel: it survives restarts,
// and the QUEUED→PROCESSING transition is an atomic conditional update so no
// two workers ever witness the same job in flight.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proven/chain"
	"proven/models"
)

var (
	// ErrJobNotFound indicates an unknown payout job id.
	ErrJobNotFound = errors.New("payout: job not found")
	// ErrChallengeFinalized is returned when enqueueing against a challenge
	// whose payouts are already finalized.
	ErrChallengeFinalized = errors.New("payout: challenge payouts finalized")
)

// Queue wraps the PayoutJob table with its allowed state transitions.
type Queue struct {
	db          *gorm.DB
	backoffBase time.Duration
	maxAttempts int
	now         func() time.Time
}

// QueueOption customises queue behaviour.
type QueueOption func(*Queue)

// WithBackoffBase overrides the retry backoff base (default 30s).
func WithBackoffBase(base time.Duration) QueueOption {
	return func(q *Queue) {
		if base > 0 {
			q.backoffBase = base
		}
	}
}

// WithMaxAttempts overrides the default attempt budget for new jobs.
func WithMaxAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithClock sets the time source used for lease and backoff arithmetic.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewQueue constructs a queue over the provided database handle.
func NewQueue(db *gorm.DB, opts ...QueueOption) *Queue {
	q := &Queue{
		db:          db,
		backoffBase: 30 * time.Second,
		maxAttempts: 3,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueParams identifies one logical payout intent.
type EnqueueParams struct {
	UserID        uuid.UUID
	ChallengeID   uuid.UUID
	Amount        int64
	Type          models.PayoutType
	DayDate       string
	WalletAddress string
}

// Enqueue upserts a payout job on its idempotency key. If a job with the
// same key already exists it is returned unchanged regardless of status, so
// approval retries and settlement re-runs are both safe.
func (q *Queue) Enqueue(ctx context.Context, params EnqueueParams) (*models.PayoutJob, error) {
	var job *models.PayoutJob
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		enqueued, err := q.EnqueueTx(tx, params)
		if err != nil {
			return err
		}
		job = enqueued
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// EnqueueTx is Enqueue inside a caller-owned transaction. The approval hook
// uses this so "approved" and "base payout queued" commit atomically.
func (q *Queue) EnqueueTx(tx *gorm.DB, params EnqueueParams) (*models.PayoutJob, error) {
	if params.Amount < 0 {
		return nil, fmt.Errorf("payout: amount must not be negative")
	}
	if params.DayDate == "" {
		return nil, fmt.Errorf("payout: day date is required")
	}

	var challenge models.Challenge
	if err := tx.First(&challenge, "id = ?", params.ChallengeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("payout: challenge %s not found", params.ChallengeID)
		}
		return nil, err
	}
	if challenge.PayoutsFinalized {
		return nil, ErrChallengeFinalized
	}

	key := models.IdempotencyKeyFor(params.ChallengeID, params.UserID, params.DayDate, params.Type)
	now := q.now()
	job := models.PayoutJob{
		ID:             uuid.New(),
		UserID:         params.UserID,
		ChallengeID:    params.ChallengeID,
		Amount:         params.Amount,
		Type:           params.Type,
		DayDate:        params.DayDate,
		WalletAddress:  params.WalletAddress,
		IdempotencyKey: key,
		Status:         models.PayoutQueued,
		MaxAttempts:    q.maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&job)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Lost the upsert race or the key already existed; hand back the
		// canonical row untouched.
		var existing models.PayoutJob
		if err := tx.First(&existing, "idempotency_key = ?", key).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}
	return &job, nil
}

// LeaseOne atomically moves the oldest due QUEUED job into PROCESSING and
// increments its attempt counter. Returns nil when the queue is drained.
func (q *Queue) LeaseOne(ctx context.Context) (*models.PayoutJob, error) {
	now := q.now()
	for {
		var candidate models.PayoutJob
		err := q.db.WithContext(ctx).
			Where("status = ?", models.PayoutQueued).
			Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
			Order("created_at ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		// Conditional update: if another leaser stole the row between the
		// select and here, RowsAffected is zero and we pick the next one.
		result := q.db.WithContext(ctx).Model(&models.PayoutJob{}).
			Where("id = ? AND status = ?", candidate.ID, models.PayoutQueued).
			Updates(map[string]any{
				"status":     models.PayoutProcessing,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now,
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}
		if err := q.db.WithContext(ctx).First(&candidate, "id = ?", candidate.ID).Error; err != nil {
			return nil, err
		}
		return &candidate, nil
	}
}

// Complete marks a job COMPLETED and appends the Transaction ledger row in
// the same database transaction. COMPLETED is terminal.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID, txSignature string) error {
	now := q.now()
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.PayoutJob
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}
		if job.Status == models.PayoutCompleted {
			return nil
		}
		job.Status = models.PayoutCompleted
		job.TransactionSignature = txSignature
		job.LastError = ""
		job.ProcessedAt = &now
		job.UpdatedAt = now
		if err := tx.Save(&job).Error; err != nil {
			return err
		}
		ledger := models.Transaction{
			ID:                   uuid.New(),
			UserID:               job.UserID,
			ChallengeID:          job.ChallengeID,
			Type:                 models.TransactionTypeReward,
			Amount:               chain.DisplayAmount(job.Amount),
			TransactionSignature: txSignature,
			PayoutJobID:          job.ID,
			Metadata:             fmt.Sprintf(`{"payout_type":%q,"day":%q}`, job.Type, job.DayDate),
			CreatedAt:            now,
		}
		return tx.Create(&ledger).Error
	})
}

// Fail records a failure. Jobs below their attempt budget go back to QUEUED
// with exponential backoff (base, 4x per retry); the rest land in FAILED and
// become operator-visible.
func (q *Queue) Fail(ctx context.Context, jobID uuid.UUID, errorMessage string) error {
	now := q.now()
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.PayoutJob
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}
		if job.Status == models.PayoutCompleted || job.Status == models.PayoutFailed {
			return nil
		}
		job.LastError = truncateError(errorMessage)
		job.UpdatedAt = now
		if job.Attempts < job.MaxAttempts {
			delay := q.backoffBase
			for i := 1; i < job.Attempts; i++ {
				delay *= 4
			}
			next := now.Add(delay)
			job.Status = models.PayoutQueued
			job.NextAttemptAt = &next
		} else {
			job.Status = models.PayoutFailed
			job.NextAttemptAt = nil
		}
		return tx.Save(&job).Error
	})
}

// Retry is the operator override: back to QUEUED with a fresh attempt
// budget, regardless of current status. An optional wallet address replaces
// the one on the job.
func (q *Queue) Retry(ctx context.Context, jobID uuid.UUID, walletAddress string) error {
	now := q.now()
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.PayoutJob
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}
		job.Status = models.PayoutQueued
		job.Attempts = 0
		job.NextAttemptAt = nil
		job.LastError = ""
		job.ProcessedAt = nil
		if walletAddress != "" {
			job.WalletAddress = walletAddress
		}
		job.UpdatedAt = now
		return tx.Save(&job).Error
	})
}

// RetryAllFailed resets every FAILED job, optionally scoped to a challenge.
// Returns the number of jobs re-queued.
func (q *Queue) RetryAllFailed(ctx context.Context, challengeID *uuid.UUID) (int, error) {
	now := q.now()
	query := q.db.WithContext(ctx).Model(&models.PayoutJob{}).
		Where("status = ?", models.PayoutFailed)
	if challengeID != nil {
		query = query.Where("challenge_id = ?", *challengeID)
	}
	result := query.Updates(map[string]any{
		"status":          models.PayoutQueued,
		"attempts":        0,
		"next_attempt_at": nil,
		"last_error":      "",
		"processed_at":    nil,
		"updated_at":      now,
	})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// ListFailed returns the FAILED jobs, optionally scoped to a challenge.
func (q *Queue) ListFailed(ctx context.Context, challengeID *uuid.UUID) ([]models.PayoutJob, error) {
	query := q.db.WithContext(ctx).
		Where("status = ?", models.PayoutFailed).
		Order("updated_at DESC")
	if challengeID != nil {
		query = query.Where("challenge_id = ?", *challengeID)
	}
	var jobs []models.PayoutJob
	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Stats summarises queue health for operators.
type Stats struct {
	Queued         int64 `json:"queued"`
	Processing     int64 `json:"processing"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	TotalPaidMicro int64 `json:"totalPaidMicro"`
}

// Stats counts jobs per status and sums completed payouts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	counts := []struct {
		status models.PayoutStatus
		target *int64
	}{
		{models.PayoutQueued, &stats.Queued},
		{models.PayoutProcessing, &stats.Processing},
		{models.PayoutCompleted, &stats.Completed},
		{models.PayoutFailed, &stats.Failed},
	}
	for _, entry := range counts {
		if err := q.db.WithContext(ctx).Model(&models.PayoutJob{}).
			Where("status = ?", entry.status).
			Count(entry.target).Error; err != nil {
			return stats, err
		}
	}
	row := q.db.WithContext(ctx).Model(&models.PayoutJob{}).
		Where("status = ?", models.PayoutCompleted).
		Select("COALESCE(SUM(amount), 0)")
	if err := row.Scan(&stats.TotalPaidMicro).Error; err != nil {
		return stats, err
	}
	return stats, nil
}

// Recent returns the n most recently completed jobs.
func (q *Queue) Recent(ctx context.Context, n int) ([]models.PayoutJob, error) {
	if n <= 0 {
		n = 20
	}
	var jobs []models.PayoutJob
	err := q.db.WithContext(ctx).
		Where("status = ?", models.PayoutCompleted).
		Order("processed_at DESC").
		Limit(n).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func truncateError(message string) string {
	const limit = 1000
	if len(message) <= limit {
		return message
	}
	return message[:limit]
}
