package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adaccount-provisioner/internal/api"
	"adaccount-provisioner/internal/config"
	"adaccount-provisioner/internal/dispatch"
	"adaccount-provisioner/internal/logger"
	"adaccount-provisioner/internal/notify"
	"adaccount-provisioner/internal/proxy"
	"adaccount-provisioner/internal/queue"
	"adaccount-provisioner/internal/ratelimit"
	"adaccount-provisioner/internal/secrets"
	"adaccount-provisioner/internal/service"
	"adaccount-provisioner/internal/store"
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
		ServiceName: "provisioner-api",
		File:        cfg.LogFile,
		MaxSizeMB:   cfg.LogMaxSizeMB,
		MaxBackups:  cfg.LogMaxBackups,
		MaxAgeDays:  cfg.LogMaxAgeDays,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var box *secrets.Box
	if cfg.TokenEncryptionKey != "" {
		if box, err = secrets.NewBox(cfg.TokenEncryptionKey); err != nil {
			log.WithError(err).Fatal("token encryption key")
		}
	} else {
		log.Warn("token_encryption_key is empty; access tokens are stored unsealed")
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
	if err := q.Ping(ctx); err != nil {
		log.WithError(err).Fatal("connect redis")
	}

	telegram := notify.NewTelegram(st, cfg.TelegramBaseURL, cfg.TelegramTimeout, log)
	notifier := notify.NewAsync(telegram, cfg.NotifyBuffer, log)

	pool := proxy.NewPool(st, proxy.NewRedisRotation(q.Client()), log, proxy.WithProbe(cfg.ProxyProbeURL, cfg.ProxyProbeTimeout))
	lanes := dispatch.New(st, q, notifier, log)
	svc := service.New(st, lanes, service.Limits{
		MaxItemsPerJob:    cfg.MaxItemsPerJob,
		DefaultCurrency:   cfg.DefaultCurrency,
		DefaultTimezoneID: cfg.DefaultTimezoneID,
	}, log,
		service.WithNotifier(notifier),
		service.WithProxies(pool),
		service.WithBotTester(telegram),
	)

	limiter := ratelimit.NewTokenBucket(q.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server := api.New(svc, limiter, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := notifier.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("notifications not flushed")
	}
	log.Info("api stopped")
}
