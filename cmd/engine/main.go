package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bcast/internal/config"
	"bcast/internal/dispatch"
	"bcast/internal/domain"
	"bcast/internal/httpserver"
	"bcast/internal/logging"
	"bcast/internal/observability"
	"bcast/internal/schedule"
	"bcast/internal/senders"
	"bcast/internal/senders/telegram"
	"bcast/internal/senders/whatsapp"
	"bcast/internal/store/pg"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

func main() {
	cfg := config.LoadEngine()
	logging.Init("engine", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		slog.Error("engine db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)

	senderHTTP := &http.Client{Timeout: cfg.SendTimeout}
	senderMap := map[domain.Platform]senders.Sender{
		domain.PlatformWhatsApp: &whatsapp.Client{
			BaseURL: cfg.WhatsAppBaseURL,
			APIKey:  cfg.WhatsAppAPIKey,
			HTTP:    senderHTTP,
		},
		domain.PlatformTelegram: &telegram.Client{
			BaseURL: cfg.TelegramBaseURL,
			Token:   cfg.TelegramBotToken,
			HTTP:    senderHTTP,
		},
	}

	breakers := make(map[domain.Platform]*gobreaker.CircuitBreaker, len(senderMap))
	for platform := range senderMap {
		breakers[platform] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(platform),
			MaxRequests: 3,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		})
	}

	dispatcher := &dispatch.Dispatcher{
		Store:    store,
		Senders:  senderMap,
		Breakers: breakers,
		Cfg: dispatch.Config{
			Workers:             cfg.Workers,
			PerCampaignInFlight: cfg.PerCampaignInFlight,
			MaxActiveCampaigns:  cfg.MaxActiveCampaigns,
			TaskBatch:           cfg.TaskBatch,
			PollInterval:        cfg.PollInterval,
			SendTimeout:         cfg.SendTimeout,
			MinSendInterval:     cfg.MinSendInterval,
			StaleClaimAfter:     cfg.StaleClaimAfter,
		},
		Log: slog.Default(),
	}

	scheduler := &schedule.Scheduler{
		Store:    store,
		Interval: cfg.SchedulerInterval,
		Log:      slog.Default(),
	}

	// health server (liveness + readiness)
	healthSrv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: httpserver.New(func(c context.Context) error {
			return db.Ping(c)
		}).Mux,
	}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("engine health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	schedErrCh := make(chan error, 1)
	go func() {
		schedErrCh <- scheduler.Run(ctx)
	}()

	dispatchErrCh := make(chan error, 1)
	go func() {
		slog.Info("engine starting dispatch",
			"workers", cfg.Workers,
			"per_campaign_in_flight", cfg.PerCampaignInFlight,
		)
		dispatchErrCh <- dispatcher.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-dispatchErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("engine dispatch failed", "err", err)
			os.Exit(1)
		}
	case err := <-schedErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("engine scheduler failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("engine health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("engine shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-dispatchErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("engine shutdown timeout waiting for dispatch loop")
	}
}
