// Package finalize resolves a challenge's terminal state: participant
// outcomes, residual dust swept to treasury, and the permanent
// payouts-finalized flag. It also hosts the small operator state toggles
// (pause, resume, early end) that gate the settlement cron.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"proven/chain"
	"proven/civil"
	"proven/models"
	"proven/payout"
)

var (
	// ErrChallengeNotFound indicates an unknown challenge id.
	ErrChallengeNotFound = errors.New("finalize: challenge not found")
	// ErrAlreadyFinalized rejects a second close; payoutsFinalized never
	// reverts.
	ErrAlreadyFinalized = errors.New("finalize: challenge already finalized")
	// ErrNotActive is returned for pause/resume outside the active window.
	ErrNotActive = errors.New("finalize: challenge not active")
)

// CompletionThreshold is the approved-day ratio required to finish COMPLETED.
const CompletionThreshold = 0.8

// MaxConsecutiveMisses is the streak of missed days that fails a participant
// outright, regardless of overall completion rate.
const MaxConsecutiveMisses = 2

// ParticipantOutcome reports one participant's terminal status.
type ParticipantOutcome struct {
	UserID   uuid.UUID                  `json:"userId"`
	Status   models.UserChallengeStatus `json:"status"`
	Progress float64                    `json:"progress"`
}

// DustSweep reports whether residual escrow was queued for treasury.
type DustSweep struct {
	Swept       bool   `json:"swept"`
	AmountMicro int64  `json:"amountMicro"`
	Reason      string `json:"reason,omitempty"`
}

// Result is the closeChallenge outcome surfaced to the admin API.
type Result struct {
	StatusResults []ParticipantOutcome `json:"statusResults"`
	DustSweep     DustSweep            `json:"dustSweep"`
}

// Finalizer closes challenges.
type Finalizer struct {
	db            *gorm.DB
	queue         *payout.Queue
	chain         chain.Client
	loc           *time.Location
	treasury      string
	dustThreshold int64
	now           func() time.Time
}

// Config bundles finalizer dependencies.
type Config struct {
	DB                 *gorm.DB
	Queue              *payout.Queue
	Chain              chain.Client
	Location           *time.Location
	TreasuryAddress    string
	DustThresholdMicro int64
	Now                func() time.Time
}

// New constructs a Finalizer.
func New(cfg Config) *Finalizer {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	threshold := cfg.DustThresholdMicro
	if threshold <= 0 {
		threshold = 1_000
	}
	return &Finalizer{
		db:            cfg.DB,
		queue:         cfg.Queue,
		chain:         cfg.Chain,
		loc:           cfg.Location,
		treasury:      strings.TrimSpace(cfg.TreasuryAddress),
		dustThreshold: threshold,
		now:           now,
	}
}

// Close resolves participant outcomes, sweeps dust, and marks the challenge
// permanently finalized.
func (f *Finalizer) Close(ctx context.Context, challengeID uuid.UUID) (*Result, error) {
	result := &Result{}
	var challenge models.Challenge

	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&challenge, "id = ?", challengeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrChallengeNotFound
			}
			return err
		}
		if challenge.PayoutsFinalized {
			return ErrAlreadyFinalized
		}
		outcomes, err := f.resolveOutcomes(tx, &challenge)
		if err != nil {
			return err
		}
		result.StatusResults = outcomes
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Balance read happens outside the transaction; a chain error here is
	// logged and the close proceeds without a sweep.
	sweepAmount := int64(0)
	sweepReason := ""
	if challenge.EscrowAddress == "" {
		sweepReason = "no escrow wallet"
	} else if f.treasury == "" {
		sweepReason = "treasury address not configured"
	} else {
		balance, err := f.chain.TokenBalance(ctx, challenge.EscrowAddress)
		switch {
		case err != nil:
			sweepReason = "balance query failed"
			slog.Error("dust sweep balance query",
				slog.String("challenge_id", challengeID.String()),
				slog.String("error", err.Error()),
			)
		case balance <= f.dustThreshold:
			sweepReason = fmt.Sprintf("balance %d µ at or below threshold %d µ", balance, f.dustThreshold)
		default:
			sweepAmount = balance
		}
	}

	now := f.now()
	today := civil.DateKey(now, f.loc)
	err = f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Challenge
		if err := tx.First(&current, "id = ?", challengeID).Error; err != nil {
			return err
		}
		if current.PayoutsFinalized {
			return ErrAlreadyFinalized
		}
		if sweepAmount > 0 {
			if _, err := f.queue.EnqueueTx(tx, payout.EnqueueParams{
				UserID:        uuid.Nil,
				ChallengeID:   challengeID,
				Amount:        sweepAmount,
				Type:          models.PayoutDustSweep,
				DayDate:       today,
				WalletAddress: f.treasury,
			}); err != nil {
				return err
			}
		}
		current.PayoutsFinalized = true
		current.IsCompleted = true
		current.CompletedAt = &now
		current.UpdatedAt = now
		return tx.Save(&current).Error
	})
	if err != nil {
		return nil, err
	}

	result.DustSweep = DustSweep{
		Swept:       sweepAmount > 0,
		AmountMicro: sweepAmount,
		Reason:      sweepReason,
	}
	slog.Info("challenge closed",
		slog.String("challenge_id", challengeID.String()),
		slog.Int("participants", len(result.StatusResults)),
		slog.Bool("dust_swept", sweepAmount > 0),
	)
	return result, nil
}

func (f *Finalizer) resolveOutcomes(tx *gorm.DB, challenge *models.Challenge) ([]ParticipantOutcome, error) {
	totalDays := civil.TotalDays(challenge.StartDate, challenge.EndDate, f.loc)
	startKey := civil.DateKey(challenge.StartDate, f.loc)

	var participants []models.UserChallenge
	if err := tx.Where("challenge_id = ? AND status = ?", challenge.ID, models.ParticipantActive).
		Find(&participants).Error; err != nil {
		return nil, err
	}

	var approved []models.Submission
	if err := tx.Where("challenge_id = ? AND status = ?", challenge.ID, models.SubmissionApproved).
		Find(&approved).Error; err != nil {
		return nil, err
	}
	approvedDays := make(map[uuid.UUID]map[string]struct{})
	for _, submission := range approved {
		key := civil.DateKey(submission.SubmissionDate, f.loc)
		if approvedDays[submission.UserID] == nil {
			approvedDays[submission.UserID] = make(map[string]struct{})
		}
		approvedDays[submission.UserID][key] = struct{}{}
	}

	now := f.now()
	outcomes := make([]ParticipantOutcome, 0, len(participants))
	for i := range participants {
		participant := &participants[i]
		days := approvedDays[participant.UserID]
		completionRate := float64(len(days)) / float64(totalDays)
		misses, err := longestMissRun(startKey, totalDays, days, f.loc)
		if err != nil {
			return nil, err
		}

		status := models.ParticipantFailed
		if misses < MaxConsecutiveMisses && completionRate >= CompletionThreshold {
			status = models.ParticipantCompleted
		}
		participant.Status = status
		participant.Progress = completionRate * 100
		participant.EndDate = now
		participant.UpdatedAt = now
		if err := tx.Save(participant).Error; err != nil {
			return nil, err
		}
		outcomes = append(outcomes, ParticipantOutcome{
			UserID:   participant.UserID,
			Status:   status,
			Progress: participant.Progress,
		})
	}
	return outcomes, nil
}

func longestMissRun(startKey string, totalDays int, approved map[string]struct{}, loc *time.Location) (int, error) {
	longest, current := 0, 0
	key := startKey
	for i := 0; i < totalDays; i++ {
		if _, ok := approved[key]; ok {
			current = 0
		} else {
			current++
			if current > longest {
				longest = current
			}
		}
		next, err := civil.AddDays(key, 1, loc)
		if err != nil {
			return 0, err
		}
		key = next
	}
	return longest, nil
}

// Pause suspends the settlement cron for an active challenge. Queued payout
// jobs keep draining; only new settlements stop.
func (f *Finalizer) Pause(ctx context.Context, challengeID uuid.UUID) error {
	return f.setPaused(ctx, challengeID, true)
}

// Resume re-enables settlement for a paused challenge.
func (f *Finalizer) Resume(ctx context.Context, challengeID uuid.UUID) error {
	return f.setPaused(ctx, challengeID, false)
}

func (f *Finalizer) setPaused(ctx context.Context, challengeID uuid.UUID, paused bool) error {
	now := f.now()
	return f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var challenge models.Challenge
		if err := tx.First(&challenge, "id = ?", challengeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrChallengeNotFound
			}
			return err
		}
		if challenge.PayoutsFinalized {
			return ErrAlreadyFinalized
		}
		if now.Before(challenge.StartDate) || !now.Before(challenge.EndDate) {
			return ErrNotActive
		}
		challenge.IsPaused = paused
		challenge.UpdatedAt = now
		return tx.Save(&challenge).Error
	})
}

// EndEarly advances the challenge's end date to now so it can be closed
// before its scheduled finish.
func (f *Finalizer) EndEarly(ctx context.Context, challengeID uuid.UUID) error {
	now := f.now()
	return f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var challenge models.Challenge
		if err := tx.First(&challenge, "id = ?", challengeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrChallengeNotFound
			}
			return err
		}
		if challenge.PayoutsFinalized {
			return ErrAlreadyFinalized
		}
		if now.Before(challenge.EndDate) {
			challenge.EndDate = now
		}
		challenge.EndedEarly = true
		challenge.UpdatedAt = now
		return tx.Save(&challenge).Error
	})
}
