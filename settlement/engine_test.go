package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proven/civil"
	"proven/models"
	"proven/payout"
)

func setupEngineTest(t *testing.T) (*gorm.DB, *Engine, *time.Location) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	loc, err := civil.LoadZone("Asia/Kolkata")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	queue := payout.NewQueue(db)
	engine := NewEngine(db, queue, loc, nil)
	return db, engine, loc
}

type engineFixture struct {
	challenge models.Challenge
	users     []models.User
	startKey  string
}

func seedEngineChallenge(t *testing.T, db *gorm.DB, loc *time.Location, stakeMicro int64, days, participants int) engineFixture {
	t.Helper()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, loc)
	challenge := models.Challenge{
		ID:          uuid.New(),
		Title:       "daily workout",
		StakeAmount: stakeMicro,
		StartDate:   start,
		EndDate:     start.AddDate(0, 0, days),
	}
	if err := db.Create(&challenge).Error; err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	fixture := engineFixture{challenge: challenge, startKey: civil.DateKey(start, loc)}
	for i := 0; i < participants; i++ {
		user := models.User{
			ID:            uuid.New(),
			Handle:        fmt.Sprintf("user-%d-%s", i, uuid.NewString()[:6]),
			WalletAddress: fmt.Sprintf("Wallet%02d", i),
		}
		if err := db.Create(&user).Error; err != nil {
			t.Fatalf("create user: %v", err)
		}
		membership := models.UserChallenge{
			ID:            uuid.New(),
			UserID:        user.ID,
			ChallengeID:   challenge.ID,
			StakeAmount:   stakeMicro,
			WalletAddress: user.WalletAddress,
			Status:        models.ParticipantActive,
			StartDate:     challenge.StartDate,
			EndDate:       challenge.EndDate,
		}
		if err := db.Create(&membership).Error; err != nil {
			t.Fatalf("create membership: %v", err)
		}
		fixture.users = append(fixture.users, user)
	}
	return fixture
}

func approveDay(t *testing.T, db *gorm.DB, loc *time.Location, fixture engineFixture, user models.User, dayOffset int) {
	t.Helper()
	day := fixture.challenge.StartDate.AddDate(0, 0, dayOffset).Add(10 * time.Hour)
	submission := models.Submission{
		ID:             uuid.New(),
		UserID:         user.ID,
		ChallengeID:    fixture.challenge.ID,
		SubmissionDate: day,
		Status:         models.SubmissionApproved,
	}
	if err := db.Create(&submission).Error; err != nil {
		t.Fatalf("create submission: %v", err)
	}
}

func TestSettleDayPerfectAttendance(t *testing.T) {
	db, engine, loc := setupEngineTest(t)
	fixture := seedEngineChallenge(t, db, loc, 100_000_000, 10, 1)
	approveDay(t, db, loc, fixture, fixture.users[0], 0)

	settlement, err := engine.SettleDay(context.Background(), fixture.challenge.ID, fixture.startKey)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settlement.TotalActive != 1 || settlement.ShowedUp != 1 || settlement.Missed != 0 {
		t.Fatalf("unexpected counts: %+v", settlement)
	}
	if settlement.BaseDailyRate != 10_000_000 {
		t.Fatalf("base rate = %d, want 10_000_000", settlement.BaseDailyRate)
	}
	if settlement.BonusPerPerson != 0 || settlement.TotalDistributed != 0 {
		t.Fatalf("no bonus expected: %+v", settlement)
	}
	// Zero bonuses are not enqueued.
	var jobs int64
	if err := db.Model(&models.PayoutJob{}).Count(&jobs).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if jobs != 0 {
		t.Fatalf("expected no bonus jobs, got %d", jobs)
	}
}

func TestSettleDayBonusRedistribution(t *testing.T) {
	db, engine, loc := setupEngineTest(t)
	// Two users, stake 100, five days. A shows up on day 4; B does not.
	fixture := seedEngineChallenge(t, db, loc, 100_000_000, 5, 2)
	approveDay(t, db, loc, fixture, fixture.users[0], 3)

	dayKey, err := civil.AddDays(fixture.startKey, 3, loc)
	if err != nil {
		t.Fatalf("addDays: %v", err)
	}
	settlement, err := engine.SettleDay(context.Background(), fixture.challenge.ID, dayKey)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settlement.TotalActive != 2 || settlement.ShowedUp != 1 || settlement.Missed != 1 {
		t.Fatalf("unexpected counts: %+v", settlement)
	}
	if settlement.BaseDailyRate != 20_000_000 {
		t.Fatalf("base rate = %d", settlement.BaseDailyRate)
	}
	if settlement.BonusPerPerson != 20_000_000 {
		t.Fatalf("bonus = %d, want 20_000_000", settlement.BonusPerPerson)
	}
	if settlement.TotalDistributed != 20_000_000 {
		t.Fatalf("distributed = %d", settlement.TotalDistributed)
	}

	var jobs []models.PayoutJob
	if err := db.Where("type = ?", models.PayoutDailyBonus).Find(&jobs).Error; err != nil {
		t.Fatalf("load jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one bonus job, got %d", len(jobs))
	}
	if jobs[0].UserID != fixture.users[0].ID || jobs[0].Amount != 20_000_000 || jobs[0].DayDate != dayKey {
		t.Fatalf("bonus job mismatch: %+v", jobs[0])
	}
}

func TestSettleDayCountsFailedAsForfeit(t *testing.T) {
	db, engine, loc := setupEngineTest(t)
	fixture := seedEngineChallenge(t, db, loc, 100_000_000, 5, 3)
	// One participant already failed: their share joins the pool.
	if err := db.Model(&models.UserChallenge{}).
		Where("user_id = ?", fixture.users[2].ID).
		Update("status", models.ParticipantFailed).Error; err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	approveDay(t, db, loc, fixture, fixture.users[0], 0)

	settlement, err := engine.SettleDay(context.Background(), fixture.challenge.ID, fixture.startKey)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	// Active missed (1) + failed (1) forfeit 2 × 20_000_000 to the single
	// participant who showed up.
	if settlement.TotalActive != 3 || settlement.ShowedUp != 1 || settlement.Missed != 2 {
		t.Fatalf("unexpected counts: %+v", settlement)
	}
	if settlement.BonusPerPerson != 40_000_000 {
		t.Fatalf("bonus = %d, want 40_000_000", settlement.BonusPerPerson)
	}
	// The stored row must stay internally consistent.
	if settlement.TotalDistributed != int64(settlement.ShowedUp)*settlement.BonusPerPerson {
		t.Fatalf("distributed total inconsistent: %+v", settlement)
	}
	if settlement.ShowedUp+settlement.Missed != settlement.TotalActive {
		t.Fatalf("participant counts inconsistent: %+v", settlement)
	}
}

func TestSettleDayIdempotent(t *testing.T) {
	db, engine, loc := setupEngineTest(t)
	fixture := seedEngineChallenge(t, db, loc, 100_000_000, 5, 2)
	approveDay(t, db, loc, fixture, fixture.users[0], 0)

	first, err := engine.SettleDay(context.Background(), fixture.challenge.ID, fixture.startKey)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	second, err := engine.SettleDay(context.Background(), fixture.challenge.ID, fixture.startKey)
	if err != nil {
		t.Fatalf("re-settle: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("settlement recreated: %s vs %s", first.ID, second.ID)
	}
	var settlements int64
	if err := db.Model(&models.DailySettlement{}).Count(&settlements).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if settlements != 1 {
		t.Fatalf("expected one settlement row, got %d", settlements)
	}
	var jobs int64
	if err := db.Model(&models.PayoutJob{}).Count(&jobs).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if jobs != 1 {
		t.Fatalf("bonus jobs duplicated: %d", jobs)
	}
}

func TestSettleDayOutOfRange(t *testing.T) {
	db, engine, loc := setupEngineTest(t)
	fixture := seedEngineChallenge(t, db, loc, 100_000_000, 5, 1)

	before, err := civil.AddDays(fixture.startKey, -1, loc)
	if err != nil {
		t.Fatalf("addDays: %v", err)
	}
	if _, err := engine.SettleDay(context.Background(), fixture.challenge.ID, before); !errors.Is(err, ErrDayOutOfRange) {
		t.Fatalf("expected ErrDayOutOfRange, got %v", err)
	}
	// The end date itself is exclusive.
	endKey, err := civil.AddDays(fixture.startKey, 5, loc)
	if err != nil {
		t.Fatalf("addDays: %v", err)
	}
	if _, err := engine.SettleDay(context.Background(), fixture.challenge.ID, endKey); !errors.Is(err, ErrDayOutOfRange) {
		t.Fatalf("end date must be exclusive, got %v", err)
	}
}

func TestSettleDayFinalizedChallenge(t *testing.T) {
	db, engine, loc := setupEngineTest(t)
	fixture := seedEngineChallenge(t, db, loc, 100_000_000, 5, 1)
	if err := db.Model(&models.Challenge{}).
		Where("id = ?", fixture.challenge.ID).
		Update("payouts_finalized", true).Error; err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := engine.SettleDay(context.Background(), fixture.challenge.ID, fixture.startKey); !errors.Is(err, ErrChallengeFinalized) {
		t.Fatalf("expected ErrChallengeFinalized, got %v", err)
	}
}

func TestBaseDailyRateSingleDay(t *testing.T) {
	if got := BaseDailyRate(100_000_000, 1); got != 100_000_000 {
		t.Fatalf("single-day rate = %d", got)
	}
	if got := BaseDailyRate(100_000_000, 3); got != 33_333_333 {
		t.Fatalf("three-day rate = %d", got)
	}
	if got := BaseDailyRate(100_000_000, 0); got != 100_000_000 {
		t.Fatalf("zero days should clamp to one: %d", got)
	}
}

func TestSettleYesterdayAllSkipsPaused(t *testing.T) {
	db, _, loc := setupEngineTest(t)
	queue := payout.NewQueue(db)

	// Fixed clock: "now" is the day after the challenge's first day.
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, loc)
	now := start.AddDate(0, 0, 1).Add(3 * time.Hour)
	engine := NewEngine(db, queue, loc, func() time.Time { return now })

	active := models.Challenge{
		ID:          uuid.New(),
		Title:       "active",
		StakeAmount: 50_000_000,
		StartDate:   start,
		EndDate:     start.AddDate(0, 0, 10),
	}
	paused := models.Challenge{
		ID:          uuid.New(),
		Title:       "paused",
		StakeAmount: 50_000_000,
		StartDate:   start,
		EndDate:     start.AddDate(0, 0, 10),
		IsPaused:    true,
	}
	for _, challenge := range []*models.Challenge{&active, &paused} {
		if err := db.Create(challenge).Error; err != nil {
			t.Fatalf("create challenge: %v", err)
		}
	}

	settled, err := engine.SettleYesterdayAll(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if settled != 1 {
		t.Fatalf("settled = %d, want 1", settled)
	}
	var rows []models.DailySettlement
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("load settlements: %v", err)
	}
	if len(rows) != 1 || rows[0].ChallengeID != active.ID {
		t.Fatalf("wrong challenge settled: %+v", rows)
	}
	if rows[0].DayDate != civil.Yesterday(now, loc) {
		t.Fatalf("settled day = %s", rows[0].DayDate)
	}
}
