package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/opzstudio/backend/internal/auth"
	"github.com/opzstudio/backend/internal/config"
	"github.com/opzstudio/backend/internal/execution"
	"github.com/opzstudio/backend/internal/jobs"
	"github.com/opzstudio/backend/internal/ledger"
	"github.com/opzstudio/backend/internal/payments"
	"github.com/opzstudio/backend/internal/vouchers"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo, cfg.StartingCredits)

	// Jobs: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn jobs.InsertGenerateTxFunc
	insertGenerate := func(ctx context.Context, tx pgx.Tx, args execution.GenerateArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	jobsRepo := jobs.NewRepository(pool)
	jobsSvc := jobs.NewService(jobsRepo, ledgerSvc, insertGenerate, logger)

	// Workers: generation delivery plus the periodic stale-job sweep
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewGenerateWorker(jobsSvc, cfg.GenerationEndpoint))
	river.AddWorker(workers, execution.NewSweepWorker(jobsSvc, cfg.StaleJobTTL))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.SweepInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return execution.SweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args execution.GenerateArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	// Auth (token validation only; tokens are minted by the identity provider)
	authSvc := auth.NewService(cfg.JWTSecret)

	// Vouchers and gift codes
	voucherRepo := vouchers.NewRepository(pool)
	validator := vouchers.NewValidator(voucherRepo)

	// Payments
	paymentsRepo := payments.NewRepository(pool)
	notifier := payments.NewCompletionNotifier()
	paymentsSvc := payments.NewService(paymentsRepo, validator, ledgerSvc, notifier, logger)
	paymentsHandler := payments.NewHandler(paymentsSvc, ledgerSvc, payments.BankDetails{
		BankID:    cfg.BankID,
		AccountNo: cfg.BankAccountNo,
	}, cfg.SettlementSecret, logger)

	jobsHandler := jobs.NewHandler(jobs.Service(jobsSvc), ledgerSvc, cfg.StaleJobTTL, logger)

	mux := http.NewServeMux()
	RegisterV1Routes(mux, authSvc, cfg.WorkerToken, jobsHandler, paymentsHandler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "https://app.opzstudio.com"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", payments.SignatureHeader},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes generation and sweep jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
