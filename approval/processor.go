// Package approval implements the moderation side effects: approving a proof
// updates participant progress and queues the daily base payout in the same
// database transaction, so observers never see an approval without its
// payout intent.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proven/civil"
	"proven/models"
	"proven/payout"
	"proven/settlement"
)

var (
	// ErrSubmissionNotFound indicates an unknown submission id.
	ErrSubmissionNotFound = errors.New("approval: submission not found")
	// ErrAlreadyReviewed is returned when the submission is not PENDING.
	ErrAlreadyReviewed = errors.New("approval: submission already reviewed")
	// ErrDuplicateDay blocks a second non-rejected submission for the same
	// civil day.
	ErrDuplicateDay = errors.New("approval: submission already exists for this day")
	// ErrNotParticipant indicates the user has no membership in the challenge.
	ErrNotParticipant = errors.New("approval: user not in challenge")
)

// PayoutResult reports what happened to the inline base payout.
type PayoutResult struct {
	Status      string `json:"status"`
	AmountMicro int64  `json:"amount"`
}

// Result is the approval outcome surfaced to the admin API.
type Result struct {
	Status      models.SubmissionStatus `json:"status"`
	NewProgress float64                 `json:"newProgress"`
	Payout      PayoutResult            `json:"payout"`
}

// Processor coordinates proof moderation and its side effects.
type Processor struct {
	db    *gorm.DB
	queue *payout.Queue
	loc   *time.Location
	now   func() time.Time
}

// NewProcessor constructs an approval processor.
func NewProcessor(db *gorm.DB, queue *payout.Queue, loc *time.Location, now func() time.Time) *Processor {
	if now == nil {
		now = time.Now
	}
	return &Processor{db: db, queue: queue, loc: loc, now: now}
}

// Submit records a new proof for the participant's current civil day. At
// most one non-rejected submission may exist per (user, challenge, day); a
// pending or approved one blocks further submissions for that day.
func (p *Processor) Submit(ctx context.Context, userID, challengeID uuid.UUID, at time.Time) (*models.Submission, error) {
	dayKey := civil.DateKey(at, p.loc)
	var created models.Submission
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var membership models.UserChallenge
		if err := tx.First(&membership, "user_id = ? AND challenge_id = ?", userID, challengeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotParticipant
			}
			return err
		}
		var sameDay []models.Submission
		if err := tx.Where("user_id = ? AND challenge_id = ? AND status <> ?",
			userID, challengeID, models.SubmissionRejected).Find(&sameDay).Error; err != nil {
			return err
		}
		for _, existing := range sameDay {
			if civil.DateKey(existing.SubmissionDate, p.loc) == dayKey {
				return ErrDuplicateDay
			}
		}
		now := p.now()
		created = models.Submission{
			ID:              uuid.New(),
			UserChallengeID: membership.ID,
			UserID:          userID,
			ChallengeID:     challengeID,
			SubmissionDate:  at,
			Status:          models.SubmissionPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// Approve marks a pending submission APPROVED, recomputes the participant's
// progress, and enqueues the daily base payout. Approval and enqueue commit
// atomically; an enqueue refused for business reasons (e.g. the challenge
// was finalized meanwhile) still records the approval and reports an ERROR
// payout status instead of rolling back.
func (p *Processor) Approve(ctx context.Context, submissionID, moderatorID uuid.UUID) (*Result, error) {
	var result Result
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var submission models.Submission
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&submission, "id = ?", submissionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSubmissionNotFound
			}
			return err
		}
		if submission.Status != models.SubmissionPending {
			return fmt.Errorf("%w: status %s", ErrAlreadyReviewed, submission.Status)
		}

		var membership models.UserChallenge
		if err := tx.First(&membership, "id = ?", submission.UserChallengeID).Error; err != nil {
			return err
		}
		var challenge models.Challenge
		if err := tx.First(&challenge, "id = ?", submission.ChallengeID).Error; err != nil {
			return err
		}

		now := p.now()
		submission.Status = models.SubmissionApproved
		submission.ReviewedBy = &moderatorID
		submission.ReviewedAt = &now
		submission.UpdatedAt = now
		if err := tx.Save(&submission).Error; err != nil {
			return err
		}

		totalDays := civil.TotalDays(challenge.StartDate, challenge.EndDate, p.loc)
		approvedDays, err := approvedDayCount(tx, submission.UserID, submission.ChallengeID, p.loc)
		if err != nil {
			return err
		}
		progress := float64(approvedDays) / float64(totalDays) * 100
		if progress > 100 {
			progress = 100
		}
		membership.Progress = progress
		membership.UpdatedAt = now
		if err := tx.Save(&membership).Error; err != nil {
			return err
		}

		rate := settlement.BaseDailyRate(membership.StakeAmount, totalDays)
		dayKey := civil.DateKey(submission.SubmissionDate, p.loc)
		payoutStatus := string(models.PayoutQueued)
		job, err := p.queue.EnqueueTx(tx, payout.EnqueueParams{
			UserID:        submission.UserID,
			ChallengeID:   submission.ChallengeID,
			Amount:        rate,
			Type:          models.PayoutDailyBase,
			DayDate:       dayKey,
			WalletAddress: membership.WalletAddress,
		})
		switch {
		case err == nil:
			payoutStatus = string(job.Status)
		case errors.Is(err, payout.ErrChallengeFinalized):
			// Approval stands; the payout could not be queued.
			payoutStatus = "ERROR"
		default:
			return err
		}

		result = Result{
			Status:      models.SubmissionApproved,
			NewProgress: progress,
			Payout:      PayoutResult{Status: payoutStatus, AmountMicro: rate},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Reject marks a pending submission REJECTED with the moderator's reason.
// Rejected submissions free the day for a fresh attempt.
func (p *Processor) Reject(ctx context.Context, submissionID, moderatorID uuid.UUID, reason, category string) (*models.Submission, error) {
	var rejected models.Submission
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var submission models.Submission
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&submission, "id = ?", submissionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSubmissionNotFound
			}
			return err
		}
		if submission.Status != models.SubmissionPending {
			return fmt.Errorf("%w: status %s", ErrAlreadyReviewed, submission.Status)
		}
		now := p.now()
		comments := strings.TrimSpace(reason)
		if category = strings.TrimSpace(category); category != "" {
			comments = category + ": " + comments
		}
		submission.Status = models.SubmissionRejected
		submission.ReviewedBy = &moderatorID
		submission.ReviewedAt = &now
		submission.ReviewComments = comments
		submission.UpdatedAt = now
		if err := tx.Save(&submission).Error; err != nil {
			return err
		}
		rejected = submission
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rejected, nil
}

func approvedDayCount(tx *gorm.DB, userID, challengeID uuid.UUID, loc *time.Location) (int, error) {
	var approved []models.Submission
	if err := tx.Where("user_id = ? AND challenge_id = ? AND status = ?",
		userID, challengeID, models.SubmissionApproved).Find(&approved).Error; err != nil {
		return 0, err
	}
	days := make(map[string]struct{}, len(approved))
	for _, submission := range approved {
		days[civil.DateKey(submission.SubmissionDate, loc)] = struct{}{}
	}
	return len(days), nil
}
