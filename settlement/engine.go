// Package settlement computes the per-day bonus redistribution: who showed
// up, whose share is forfeit, and what each compliant participant earns on
// top of their daily base.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"proven/civil"
	"proven/models"
	"proven/observability"
	"proven/payout"
)

var (
	// ErrChallengeNotFound indicates an unknown challenge id.
	ErrChallengeNotFound = errors.New("settlement: challenge not found")
	// ErrDayOutOfRange is returned when the day key falls outside the
	// challenge's settlement window.
	ErrDayOutOfRange = errors.New("settlement: day outside challenge range")
	// ErrChallengeFinalized rejects settling a finalized challenge.
	ErrChallengeFinalized = errors.New("settlement: challenge payouts finalized")
)

// BaseDailyRate is each participant's per-day share of their own stake in
// micro-units, floored.
func BaseDailyRate(stakeMicro int64, totalDays int) int64 {
	if totalDays <= 0 {
		totalDays = 1
	}
	return stakeMicro / int64(totalDays)
}

// Engine settles challenge days and queues the resulting bonus payouts.
type Engine struct {
	db      *gorm.DB
	queue   *payout.Queue
	loc     *time.Location
	metrics *observability.PayoutMetrics
	now     func() time.Time
}

// NewEngine constructs a settlement engine.
func NewEngine(db *gorm.DB, queue *payout.Queue, loc *time.Location, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		db:      db,
		queue:   queue,
		loc:     loc,
		metrics: observability.Payout(),
		now:     now,
	}
}

// SettleDay computes the settlement for one (challenge, day) pair. A day
// that was already settled returns the stored row unchanged, so cron re-runs
// and the manual endpoint are both safe.
func (e *Engine) SettleDay(ctx context.Context, challengeID uuid.UUID, dayKey string) (*models.DailySettlement, error) {
	if _, err := civil.ParseKey(dayKey, e.loc); err != nil {
		return nil, err
	}

	var settlement models.DailySettlement
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.DailySettlement
		err := tx.First(&existing, "challenge_id = ? AND day_date = ?", challengeID, dayKey).Error
		if err == nil {
			settlement = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var challenge models.Challenge
		if err := tx.First(&challenge, "id = ?", challengeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrChallengeNotFound
			}
			return err
		}
		if challenge.PayoutsFinalized {
			return ErrChallengeFinalized
		}
		startKey := civil.DateKey(challenge.StartDate, e.loc)
		endKey := civil.DateKey(challenge.EndDate, e.loc)
		if dayKey < startKey || dayKey >= endKey {
			return fmt.Errorf("%w: %s not in [%s, %s)", ErrDayOutOfRange, dayKey, startKey, endKey)
		}

		var participants []models.UserChallenge
		if err := tx.Where("challenge_id = ? AND status IN ?", challengeID,
			[]models.UserChallengeStatus{models.ParticipantActive, models.ParticipantFailed}).
			Find(&participants).Error; err != nil {
			return err
		}

		var approved []models.Submission
		if err := tx.Where("challenge_id = ? AND status = ?", challengeID, models.SubmissionApproved).
			Find(&approved).Error; err != nil {
			return err
		}
		showedUpSet := make(map[uuid.UUID]struct{})
		for _, submission := range approved {
			if civil.DateKey(submission.SubmissionDate, e.loc) == dayKey {
				showedUpSet[submission.UserID] = struct{}{}
			}
		}

		var active, failed, showedUp []models.UserChallenge
		for _, participant := range participants {
			switch participant.Status {
			case models.ParticipantFailed:
				failed = append(failed, participant)
			case models.ParticipantActive:
				active = append(active, participant)
				if _, ok := showedUpSet[participant.UserID]; ok {
					showedUp = append(showedUp, participant)
				}
			}
		}
		missedActive := len(active) - len(showedUp)

		totalDays := civil.TotalDays(challenge.StartDate, challenge.EndDate, e.loc)
		baseRate := BaseDailyRate(challenge.StakeAmount, totalDays)
		missedPool := int64(missedActive+len(failed)) * baseRate
		var bonusPerPerson int64
		if len(showedUp) > 0 {
			bonusPerPerson = missedPool / int64(len(showedUp))
		}
		totalDistributed := int64(len(showedUp)) * bonusPerPerson

		if bonusPerPerson > 0 {
			for _, participant := range showedUp {
				if _, err := e.queue.EnqueueTx(tx, payout.EnqueueParams{
					UserID:        participant.UserID,
					ChallengeID:   challengeID,
					Amount:        bonusPerPerson,
					Type:          models.PayoutDailyBonus,
					DayDate:       dayKey,
					WalletAddress: participant.WalletAddress,
				}); err != nil {
					return err
				}
			}
		}

		settlement = models.DailySettlement{
			ID:               uuid.New(),
			ChallengeID:      challengeID,
			DayDate:          dayKey,
			TotalActive:      len(active) + len(failed),
			ShowedUp:         len(showedUp),
			Missed:           missedActive + len(failed),
			BaseDailyRate:    baseRate,
			BonusPerPerson:   bonusPerPerson,
			TotalDistributed: totalDistributed,
			CreatedAt:        e.now(),
		}
		return tx.Create(&settlement).Error
	})
	if err != nil {
		e.metrics.RecordSettlement("error")
		return nil, err
	}
	e.metrics.RecordSettlement("ok")
	return &settlement, nil
}

// SettleYesterdayAll runs the daily settlement for every challenge whose
// window includes yesterday and which is neither paused nor finalized. This
// is the body of the hourly cron; SettleDay's idempotence makes re-runs
// harmless.
func (e *Engine) SettleYesterdayAll(ctx context.Context) (int, error) {
	yesterday := civil.Yesterday(e.now(), e.loc)
	var challenges []models.Challenge
	err := e.db.WithContext(ctx).
		Where("is_completed = ? AND is_paused = ? AND payouts_finalized = ?", false, false, false).
		Find(&challenges).Error
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, challenge := range challenges {
		startKey := civil.DateKey(challenge.StartDate, e.loc)
		endKey := civil.DateKey(challenge.EndDate, e.loc)
		if yesterday < startKey || yesterday >= endKey {
			continue
		}
		if _, err := e.SettleDay(ctx, challenge.ID, yesterday); err != nil {
			slog.Error("settle day",
				slog.String("challenge_id", challenge.ID.String()),
				slog.String("day", yesterday),
				slog.String("error", err.Error()),
			)
			continue
		}
		settled++
	}
	return settled, nil
}
