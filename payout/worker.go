package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"proven/chain"
	"proven/escrow"
	"proven/models"
	"proven/observability"
	"proven/observability/logging"
)

// Worker drains the payout queue. One logical worker runs per deployment;
// the atomic lease keeps accidental extra replicas harmless.
type Worker struct {
	db        *gorm.DB
	queue     *Queue
	escrow    *escrow.Store
	chain     chain.Client
	feePayer  *chain.FeePayer
	treasury  string
	tick      time.Duration
	batchSize int
	metrics   *observability.PayoutMetrics
	tracer    trace.Tracer
	now       func() time.Time
}

// WorkerConfig bundles worker dependencies.
type WorkerConfig struct {
	DB        *gorm.DB
	Queue     *Queue
	Escrow    *escrow.Store
	Chain     chain.Client
	FeePayer  *chain.FeePayer
	Treasury  string
	Tick      time.Duration
	BatchSize int
	Now       func() time.Time
}

// NewWorker constructs a worker from its dependencies.
func NewWorker(cfg WorkerConfig) *Worker {
	tick := cfg.Tick
	if tick <= 0 {
		tick = 30 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Worker{
		db:        cfg.DB,
		queue:     cfg.Queue,
		escrow:    cfg.Escrow,
		chain:     cfg.Chain,
		feePayer:  cfg.FeePayer,
		treasury:  strings.TrimSpace(cfg.Treasury),
		tick:      tick,
		batchSize: batch,
		metrics:   observability.Payout(),
		tracer:    otel.Tracer("proven/payout"),
		now:       now,
	}
}

// Run executes the tick loop until the context is cancelled. The job in
// flight when cancellation arrives is finished, not abandoned.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	slog.Info("payout worker started",
		slog.Duration("tick", w.tick),
		slog.Int("batch_size", w.batchSize),
	)
	for {
		select {
		case <-ctx.Done():
			slog.Info("payout worker stopped")
			return
		case <-ticker.C:
			w.RunTick(ctx)
		}
	}
}

// RunTick leases and processes up to one batch. Exposed so tests can drive
// the worker synchronously.
func (w *Worker) RunTick(ctx context.Context) {
	var processed, failed int
	for i := 0; i < w.batchSize; i++ {
		if ctx.Err() != nil {
			break
		}
		job, err := w.queue.LeaseOne(ctx)
		if err != nil {
			slog.Error("lease payout job", slog.String("error", err.Error()))
			break
		}
		if job == nil {
			break
		}
		// Cancellation stops further leases but does not interrupt a job
		// that is already leased.
		if err := w.processJob(context.WithoutCancel(ctx), job); err != nil {
			failed++
		} else {
			processed++
		}
	}
	if processed+failed > 0 {
		slog.Info("payout batch finished",
			slog.Int("completed", processed),
			slog.Int("failed", failed),
		)
	}
	w.publishQueueDepth(ctx)
}

func (w *Worker) publishQueueDepth(ctx context.Context) {
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		return
	}
	w.metrics.SetQueueDepth(string(models.PayoutQueued), stats.Queued)
	w.metrics.SetQueueDepth(string(models.PayoutProcessing), stats.Processing)
	w.metrics.SetQueueDepth(string(models.PayoutFailed), stats.Failed)
}

func (w *Worker) processJob(ctx context.Context, job *models.PayoutJob) error {
	ctx, span := w.tracer.Start(ctx, "payout.process_job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("payout.type", string(job.Type)),
			attribute.String("payout.day", job.DayDate),
		))
	defer span.End()
	start := w.now()

	fail := func(reason string, err error) error {
		message := reason
		if err != nil {
			message = fmt.Sprintf("%s: %v", reason, err)
		}
		span.SetStatus(codes.Error, reason)
		if err != nil {
			span.RecordError(err)
		}
		w.metrics.RecordError(string(job.Type), reason)
		w.metrics.ObserveJob(string(job.Type), false, w.now().Sub(start))
		if failErr := w.queue.Fail(ctx, job.ID, message); failErr != nil {
			slog.Error("record job failure",
				slog.String("job_id", job.ID.String()),
				slog.String("error", failErr.Error()),
			)
		}
		return errors.New(message)
	}

	recipient, err := w.resolveWallet(ctx, job)
	if err != nil {
		return fail("wallet_unresolved", err)
	}

	var challenge models.Challenge
	if err := w.db.WithContext(ctx).First(&challenge, "id = ?", job.ChallengeID).Error; err != nil {
		return fail("challenge_lookup", err)
	}
	if challenge.EscrowAddress == "" {
		return fail("escrow_missing", nil)
	}

	balance, err := w.escrow.Balance(ctx, challenge.EscrowAddress)
	if err != nil {
		return fail("balance_check", err)
	}
	if balance < job.Amount {
		return fail("insufficient_escrow_balance",
			fmt.Errorf("escrow holds %d µ, job needs %d µ", balance, job.Amount))
	}

	signer, err := w.escrow.Load(ctx, job.ChallengeID)
	if err != nil {
		return fail("escrow_signer", err)
	}
	feePayer, err := w.feePayer.Key()
	if err != nil {
		return fail("fee_payer", err)
	}

	transferCtx, transferSpan := w.tracer.Start(ctx, "payout.chain_transfer")
	signature, err := w.chain.Transfer(transferCtx, signer, feePayer, recipient, job.Amount)
	transferSpan.End()
	if err != nil {
		return fail("transfer", err)
	}

	if err := w.queue.Complete(ctx, job.ID, signature); err != nil {
		// The transfer landed; surface the bookkeeping failure loudly but do
		// not re-run the job.
		slog.Error("complete payout job after transfer",
			slog.String("job_id", job.ID.String()),
			slog.String("tx_signature", signature),
			slog.String("error", err.Error()),
		)
		return err
	}

	w.metrics.ObserveJob(string(job.Type), true, w.now().Sub(start))
	span.SetStatus(codes.Ok, "payout completed")
	span.SetAttributes(attribute.String("tx.signature", signature))
	slog.Info("payout completed",
		slog.String("job_id", job.ID.String()),
		slog.String("payout_type", string(job.Type)),
		slog.String("day", job.DayDate),
		slog.Int64("amount_micro", job.Amount),
		slog.String("recipient", logging.ShortAddress(recipient)),
		slog.String("tx_signature", signature),
	)
	return nil
}

// resolveWallet picks the destination address: the job's own, then the
// user-challenge's staking wallet, then the user's profile wallet. Resolved
// values are written back to the job so retries skip the lookups. Dust
// sweeps always pay the treasury.
func (w *Worker) resolveWallet(ctx context.Context, job *models.PayoutJob) (string, error) {
	if job.Type == models.PayoutDustSweep {
		if w.treasury == "" {
			return "", errors.New("treasury address not configured")
		}
		return w.treasury, nil
	}
	if addr := strings.TrimSpace(job.WalletAddress); addr != "" {
		return addr, nil
	}

	var userChallenge models.UserChallenge
	err := w.db.WithContext(ctx).
		First(&userChallenge, "user_id = ? AND challenge_id = ?", job.UserID, job.ChallengeID).Error
	if err == nil && strings.TrimSpace(userChallenge.WalletAddress) != "" {
		return w.persistWallet(ctx, job, userChallenge.WalletAddress)
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	var user models.User
	err = w.db.WithContext(ctx).First(&user, "id = ?", job.UserID).Error
	if err == nil && strings.TrimSpace(user.WalletAddress) != "" {
		return w.persistWallet(ctx, job, user.WalletAddress)
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}
	return "", errors.New("no wallet address on job, user challenge, or user")
}

func (w *Worker) persistWallet(ctx context.Context, job *models.PayoutJob, address string) (string, error) {
	address = strings.TrimSpace(address)
	err := w.db.WithContext(ctx).Model(&models.PayoutJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{"wallet_address": address, "updated_at": w.now()}).Error
	if err != nil {
		return "", err
	}
	job.WalletAddress = address
	return address, nil
}
