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
	"bcast/internal/contacts"
	"bcast/internal/httpserver"
	"bcast/internal/logging"
	"bcast/internal/observability"
	"bcast/internal/service"
	"bcast/internal/store/pg"
	"bcast/internal/util"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
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

	svc := &service.CampaignService{
		Store:           pg.New(db),
		MinScheduleLead: cfg.MinScheduleLead,
		DisableDedup:    cfg.DisableDedup,
		CampaignIDGen:   util.NewCampaignID,
		TaskIDGen:       util.NewTaskID,
		TemplateIDGen:   util.NewTemplateID,
	}
	if cfg.ContactsBaseURL != "" {
		svc.Contacts = &contacts.Client{
			BaseURL: cfg.ContactsBaseURL,
			APIKey:  cfg.ContactsAPIKey,
			HTTP:    &http.Client{Timeout: 10 * time.Second},
		}
	}

	s := httpserver.New(func(ctx context.Context) error {
		return db.Ping(ctx)
	})
	api := &httpserver.API{Svc: svc}
	api.Register(s.Mux)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: s.Mux,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("api shutdown", "signal", sig.String())
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
