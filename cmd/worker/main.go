package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adaccount-provisioner/internal/archive"
	"adaccount-provisioner/internal/config"
	"adaccount-provisioner/internal/dispatch"
	"adaccount-provisioner/internal/logger"
	"adaccount-provisioner/internal/notify"
	"adaccount-provisioner/internal/provisioning"
	"adaccount-provisioner/internal/proxy"
	"adaccount-provisioner/internal/queue"
	"adaccount-provisioner/internal/ratelimit"
	"adaccount-provisioner/internal/runner"
	"adaccount-provisioner/internal/secrets"
	"adaccount-provisioner/internal/store"
	"adaccount-provisioner/internal/telemetry"
	"adaccount-provisioner/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New(logger.Config{}).WithError(err).Fatal("load config")
	}
	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: "provisioner-worker",
		File:        cfg.LogFile,
		MaxSizeMB:   cfg.LogMaxSizeMB,
		MaxBackups:  cfg.LogMaxBackups,
		MaxAgeDays:  cfg.LogMaxAgeDays,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var box *secrets.Box
	if cfg.TokenEncryptionKey != "" {
		if box, err = secrets.NewBox(cfg.TokenEncryptionKey); err != nil {
			log.WithError(err).Fatal("token encryption key")
		}
	}

	if err := store.RunMigrations(cfg.PostgresDSN); err != nil {
		log.WithError(err).Fatal("migrations")
	}
	st, err := store.New(ctx, cfg.PostgresDSN, box)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	notifier := notify.NewAsync(notify.NewTelegram(st, cfg.TelegramBaseURL, cfg.TelegramTimeout, log), cfg.NotifyBuffer, log)
	pool := proxy.NewPool(st, proxy.NewRedisRotation(q.Client()), log, proxy.WithProbe(cfg.ProxyProbeURL, cfg.ProxyProbeTimeout))

	clientOpts := []provisioning.Option{provisioning.WithProxies(pool)}
	if cfg.GraphRateCapacity > 0 {
		clientOpts = append(clientOpts, provisioning.WithLimiter(
			ratelimit.NewTokenBucket(q.Client(), cfg.GraphRateCapacity, cfg.GraphRateRefill, time.Hour),
		))
	}
	client := provisioning.NewClient(provisioning.Config{
		BaseURL:         cfg.GraphBaseURL,
		APIVersion:      cfg.GraphAPIVersion,
		Timeout:         cfg.GraphRequestTimeout,
		Attempts:        cfg.RetryAttempts,
		Delay:           cfg.RetryDelay,
		RevalidateLimit: cfg.ProxyRevalidateLimit,
	}, log, clientOpts...)

	raw, err := archive.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init archive")
	}

	lanes := dispatch.New(st, q, notifier, log)
	jobs := runner.New(st, lanes, client, runner.Config{
		JobTimeout:     cfg.JobTimeout,
		ItemsPerMinute: cfg.ItemsPerMinute,
	}, log, runner.WithNotifier(notifier), runner.WithArchive(raw))
	processor := worker.NewProcessorWithID(cfg, q, jobs, log, workerID)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(logger.Fields{
		logger.FieldWorker: workerID,
		"visibility":       cfg.VisibilityTimeout.String(),
		"concurrency":      cfg.WorkerConcurrency,
		"job_timeout":      cfg.JobTimeout.String(),
		"items_per_minute": cfg.ItemsPerMinute,
	}).Info("worker started")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
	if err := notifier.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("notifications not flushed")
	}
	log.Info("worker stopped")
}
