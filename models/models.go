// Package models defines the persistence schema for the staking challenge
// payout core. Amounts are stored as int64 micro-units of the payout token
// (6-decimal fixed point) unless a field says otherwise.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChallengeStatus flags live on the Challenge row itself; participants carry
// their own UserChallengeStatus.
type UserChallengeStatus string

// Participant lifecycle states.
const (
	ParticipantActive    UserChallengeStatus = "ACTIVE"
	ParticipantCompleted UserChallengeStatus = "COMPLETED"
	ParticipantFailed    UserChallengeStatus = "FAILED"
)

// SubmissionStatus tracks moderation of a daily proof.
type SubmissionStatus string

// Moderation states.
const (
	SubmissionPending  SubmissionStatus = "PENDING"
	SubmissionApproved SubmissionStatus = "APPROVED"
	SubmissionRejected SubmissionStatus = "REJECTED"
)

// PayoutType distinguishes the three payout intents.
type PayoutType string

// Payout intents.
const (
	PayoutDailyBase  PayoutType = "DAILY_BASE"
	PayoutDailyBonus PayoutType = "DAILY_BONUS"
	PayoutDustSweep  PayoutType = "DUST_SWEEP"
)

// PayoutStatus is the queue state machine. COMPLETED and FAILED are terminal.
type PayoutStatus string

// Queue states.
const (
	PayoutQueued     PayoutStatus = "QUEUED"
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutCompleted  PayoutStatus = "COMPLETED"
	PayoutFailed     PayoutStatus = "FAILED"
)

// Challenge is a time-bounded staking challenge with its own escrow wallet.
// EndDate is exclusive: the day whose key equals the end date's key is not a
// settlement day.
type Challenge struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Title            string    `gorm:"size:255"`
	StakeAmount      int64     `gorm:"not null"`
	StartDate        time.Time `gorm:"index"`
	EndDate          time.Time `gorm:"index"`
	EscrowAddress    string    `gorm:"size:64;index"`
	IsPaused         bool      `gorm:"not null;default:false"`
	EndedEarly       bool      `gorm:"not null;default:false"`
	IsCompleted      bool      `gorm:"not null;default:false;index"`
	PayoutsFinalized bool      `gorm:"not null;default:false;index"`
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// User is the minimal participant identity the core needs: a payout wallet.
type User struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Handle        string    `gorm:"size:64;uniqueIndex"`
	WalletAddress string    `gorm:"size:64"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserChallenge joins a user to a challenge. StakeAmount is copied from the
// challenge at join time so later edits never rewrite history.
type UserChallenge struct {
	ID            uuid.UUID           `gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID           `gorm:"type:uuid;index;uniqueIndex:idx_user_challenge"`
	ChallengeID   uuid.UUID           `gorm:"type:uuid;index;uniqueIndex:idx_user_challenge"`
	StakeAmount   int64               `gorm:"not null"`
	WalletAddress string              `gorm:"size:64"`
	Status        UserChallengeStatus `gorm:"size:16;index"`
	Progress      float64             `gorm:"not null;default:0"`
	StartDate     time.Time
	EndDate       time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Submission is one daily proof. Its civil date key is derived from
// SubmissionDate in the challenge timezone; at most one non-rejected
// submission may exist per (user, challenge, day).
type Submission struct {
	ID              uuid.UUID        `gorm:"type:uuid;primaryKey"`
	UserChallengeID uuid.UUID        `gorm:"type:uuid;index"`
	UserID          uuid.UUID        `gorm:"type:uuid;index"`
	ChallengeID     uuid.UUID        `gorm:"type:uuid;index"`
	SubmissionDate  time.Time        `gorm:"index"`
	Status          SubmissionStatus `gorm:"size:16;index"`
	ReviewedBy      *uuid.UUID       `gorm:"type:uuid"`
	ReviewedAt      *time.Time
	ReviewComments  string `gorm:"size:1024"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EscrowWallet holds the per-challenge keypair. The secret key is sealed with
// AES-256-GCM under a key derived from the process master secret; only the
// ciphertext and nonce are persisted.
type EscrowWallet struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChallengeID  uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	PublicKey    string    `gorm:"size:64;index"`
	SecretCipher string    `gorm:"type:text"`
	SecretNonce  string    `gorm:"size:48"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PayoutJob is the core concurrency object: one row per logical payout
// intent, deduplicated by IdempotencyKey.
type PayoutJob struct {
	ID                   uuid.UUID    `gorm:"type:uuid;primaryKey"`
	UserID               uuid.UUID    `gorm:"type:uuid;index"`
	ChallengeID          uuid.UUID    `gorm:"type:uuid;index"`
	Amount               int64        `gorm:"not null"`
	Type                 PayoutType   `gorm:"size:16;index"`
	DayDate              string       `gorm:"size:10;index"`
	WalletAddress        string       `gorm:"size:64"`
	IdempotencyKey       string       `gorm:"size:128;uniqueIndex"`
	Status               PayoutStatus `gorm:"size:16;index"`
	Attempts             int          `gorm:"not null;default:0"`
	MaxAttempts          int          `gorm:"not null;default:3"`
	NextAttemptAt        *time.Time   `gorm:"index"`
	LastError            string       `gorm:"size:1024"`
	TransactionSignature string       `gorm:"size:96"`
	ProcessedAt          *time.Time
	CreatedAt            time.Time `gorm:"index"`
	UpdatedAt            time.Time
}

// IdempotencyKeyFor derives the deterministic fingerprint of a payout intent.
// The format is externally visible and must stay stable.
func IdempotencyKeyFor(challengeID, userID uuid.UUID, dayDate string, payoutType PayoutType) string {
	return fmt.Sprintf("%s:%s:%s:%s", challengeID, userID, dayDate, payoutType)
}

// DailySettlement is the immutable audit of one day's bonus math. Exactly one
// row exists per (challenge, day) once that day has been settled.
type DailySettlement struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChallengeID      uuid.UUID `gorm:"type:uuid;index;uniqueIndex:idx_challenge_day"`
	DayDate          string    `gorm:"size:10;uniqueIndex:idx_challenge_day"`
	TotalActive      int       `gorm:"not null"`
	ShowedUp         int       `gorm:"not null"`
	Missed           int       `gorm:"not null"`
	BaseDailyRate    int64     `gorm:"not null"`
	BonusPerPerson   int64     `gorm:"not null"`
	TotalDistributed int64     `gorm:"not null"`
	CreatedAt        time.Time
}

// Transaction is the append-only ledger of completed payouts. Amount here is
// in token display units for reporting; the micro amount lives on the job.
type Transaction struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID               uuid.UUID `gorm:"type:uuid;index"`
	ChallengeID          uuid.UUID `gorm:"type:uuid;index"`
	Type                 string    `gorm:"size:16;index"`
	Amount               float64   `gorm:"not null"`
	TransactionSignature string    `gorm:"size:96"`
	PayoutJobID          uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Metadata             string    `gorm:"type:text"`
	CreatedAt            time.Time
}

// TransactionTypeReward is the only ledger type the payout core emits.
const TransactionTypeReward = "REWARD"

// AuditLog records operator actions. Failures to write audit rows never block
// the mutation they describe.
type AuditLog struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ActorID   string    `gorm:"size:64;index"`
	Action    string    `gorm:"size:64;index"`
	TargetID  string    `gorm:"size:64;index"`
	Details   string    `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the payout core.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Challenge{},
		&User{},
		&UserChallenge{},
		&Submission{},
		&EscrowWallet{},
		&PayoutJob{},
		&DailySettlement{},
		&Transaction{},
		&AuditLog{},
	)
}
