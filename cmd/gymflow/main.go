package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"gymflow/internal/api"
	"gymflow/internal/config"
	"gymflow/internal/jobs"
	"gymflow/internal/mailer"
	"gymflow/internal/nurture"
	"gymflow/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	addr := flag.String("addr", cfg.Addr, "HTTP bind address")
	dbPath := flag.String("db", cfg.DBPath, "SQLite DB path")
	poll := flag.Duration("poll", cfg.Poll, "scheduler poll interval")
	workers := flag.Int("workers", cfg.Workers, "max concurrent job handlers")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		logger.Fatal().Err(err).Msg("ensure entity schema")
	}
	if err := jobs.EnsureSchema(db); err != nil {
		logger.Fatal().Err(err).Msg("ensure job schema")
	}

	repo := store.NewSQLiteRepo(db)
	jobStore := jobs.NewSQLiteStore(db)
	if n, err := jobStore.RecoverStale(context.Background()); err == nil && n > 0 {
		logger.Info().Int("recovered", n).Msg("requeued jobs interrupted by previous shutdown")
	}

	sender := mailer.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Password,
		cfg.SMTP.From, cfg.TemplateDir, logger)

	sched := jobs.NewScheduler(jobStore, logger, *poll, *workers)

	delays := nurture.Delays{
		Response:         cfg.ResponseDelay,
		Nurturing2:       cfg.Nurturing2Delay,
		Nurturing5:       cfg.Nurturing5Delay,
		Nurturing7:       cfg.Nurturing7Delay,
		Welcome:          cfg.WelcomeDelay,
		TeamNotification: cfg.TeamNotifyDelay,
		MisfireGrace:     cfg.MisfireGrace,
	}
	orc := nurture.New(repo, sched, sender, delays, cfg.TeamEmail, logger)
	orc.RegisterHandlers(sched)

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)

	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	maint, err := jobs.NewMaintenance("retention", cfg.MaintenanceCron, func(ctx context.Context, now time.Time) error {
		cutoff := now.Add(-retention)
		purged, err := jobStore.PurgeFinished(ctx, cutoff)
		if err != nil {
			return err
		}
		logs, err := repo.PurgeLogs(ctx, cutoff)
		if err != nil {
			return err
		}
		logger.Info().Int64("jobs", purged).Int64("log_rows", logs).Msg("retention purge done")
		return nil
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid maintenance cron expression")
	}
	go maint.Run(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(orc, sched, repo, cfg.WebhookSecret, logger)}
	go func() {
		logger.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	// Drain in-flight job handlers before canceling their context.
	sched.Shutdown()
	maint.Stop()
	cancel()
}
