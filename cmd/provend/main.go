// Command provend runs the staking challenge payout core: the admin HTTP
// API, the payout worker, and the hourly settlement scheduler in a single
// process.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"proven/approval"
	"proven/chain"
	"proven/config"
	"proven/escrow"
	"proven/finalize"
	"proven/models"
	"proven/observability/logging"
	telemetry "proven/observability/otel"
	"proven/payout"
	"proven/server"
	"proven/settlement"
)

func main() {
	// Local development convenience; missing .env files are fine.
	_ = godotenv.Load()

	env := strings.TrimSpace(os.Getenv("PROVEN_ENV"))
	logging.Setup("provend", env, logging.Options{FilePath: os.Getenv("LOG_FILE")})

	shutdownTelemetry, err := telemetry.Setup(context.Background(), "provend")
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	chainClient, err := chain.NewSolanaClient(chain.SolanaConfig{
		RPCURL:            cfg.SolanaRPCURL,
		Mint:              cfg.USDCMint,
		RequestTimeout:    cfg.Tuning.RPCTimeout.Duration,
		RequestsPerSecond: cfg.Tuning.RPCRequestsPerSec,
	})
	if err != nil {
		log.Fatalf("chain client error: %v", err)
	}

	escrowStore := escrow.NewStore(db, chainClient, nil)
	queue := payout.NewQueue(db,
		payout.WithBackoffBase(cfg.Tuning.BackoffBase.Duration),
		payout.WithMaxAttempts(cfg.Tuning.MaxAttempts),
	)
	engine := settlement.NewEngine(db, queue, cfg.ChallengeTZ, nil)
	approver := approval.NewProcessor(db, queue, cfg.ChallengeTZ, nil)
	finalizer := finalize.New(finalize.Config{
		DB:                 db,
		Queue:              queue,
		Chain:              chainClient,
		Location:           cfg.ChallengeTZ,
		TreasuryAddress:    cfg.TreasuryAddress,
		DustThresholdMicro: cfg.Tuning.DustThresholdMicro,
	})

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.WorkerEnabled {
		worker := payout.NewWorker(payout.WorkerConfig{
			DB:        db,
			Queue:     queue,
			Escrow:    escrowStore,
			Chain:     chainClient,
			FeePayer:  &chain.FeePayer{},
			Treasury:  cfg.TreasuryAddress,
			Tick:      cfg.Tuning.WorkerTick.Duration,
			BatchSize: cfg.Tuning.WorkerBatchSize,
		})
		go worker.Run(stopCtx)

		scheduler := settlement.NewScheduler(settlement.SchedulerConfig{
			Engine:    engine,
			RunMinute: cfg.Tuning.SettlementMinute,
			Location:  cfg.ChallengeTZ,
		})
		go scheduler.Start(stopCtx)
	} else {
		log.Printf("payout worker disabled on this replica")
	}

	srv := server.New(server.Config{
		DB:          db,
		Queue:       queue,
		Engine:      engine,
		Approval:    approver,
		Finalizer:   finalizer,
		Escrow:      escrowStore,
		BearerToken: cfg.AdminBearerToken,
		TZ:          cfg.ChallengeTZ,
	})
	handler := otelhttp.NewHandler(srv.Handler(), "provend")
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Printf("provend listening on %s", cfg.ListenAddr)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			log.Fatalf("shutdown: %v", err)
		}
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}
}
