// Command server runs the ant2api gateway: an OpenAI and Claude compatible
// HTTP surface backed by Google's code-assist API, with a managed pool of
// OAuth credentials behind it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ant2api/ant2api/internal/api"
	"github.com/ant2api/ant2api/internal/config"
	"github.com/ant2api/ant2api/internal/credential"
	"github.com/ant2api/ant2api/internal/logging"
	"github.com/ant2api/ant2api/internal/quota"
	"github.com/ant2api/ant2api/internal/signature"
	"github.com/ant2api/ant2api/internal/upstream"
)

func main() {
	logging.Setup()

	var debugLevel string
	var logToFile bool
	flag.StringVar(&debugLevel, "debug", "", "override the DEBUG level (off, low, medium, high)")
	flag.BoolVar(&logToFile, "log-to-file", false, "write logs to a rotating file under the data directory")
	flag.Parse()

	cfg := config.Load()
	if debugLevel != "" {
		cfg.Debug = debugLevel
	}

	if err := logging.ConfigureFileOutput(filepath.Join(cfg.DataDir, "logs"), logToFile); err != nil {
		log.Fatalf("configure log output: %v", err)
	}

	config.InitRuntime(cfg)
	if aliases, err := config.LoadModelAliases(cfg.DataDir); err != nil {
		log.Warnf("load model aliases: %v", err)
	} else if len(aliases) > 0 {
		config.UpdateModelAliases(aliases)
	}

	store := credential.NewStore(cfg)
	if err := store.Load(); err != nil {
		log.Warnf("load accounts: %v", err)
	}
	log.Infof("loaded %d account(s), %d enabled", store.Count(), store.EnabledCount())
	if store.Count() > 0 {
		succeeded, failed := store.RefreshAll()
		log.Infof("startup token refresh: %d succeeded, %d failed", succeeded, failed)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := upstream.NewClient(cfg)
	if err != nil {
		log.Fatalf("init backend client: %v", err)
	}

	signatures := signature.NewManager(ctx, cfg.DataDir, cfg.SignatureRetentionDays)
	pool := quota.NewPool()

	go credential.NewRefresher(store).Run(ctx)
	go quota.NewRefresher(store, client, pool).Run(ctx)

	stopWatch, err := config.WatchDotenv()
	if err != nil {
		log.Warnf("watch .env: %v", err)
	} else {
		defer stopWatch()
	}

	server := api.NewServer(cfg, store, pool, quota.NewAdminCache(client), signatures, client)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           server.NewRouter(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("ant2api listening on %s (endpoint mode: %s)", httpServer.Addr, config.Runtime().EndpointMode)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown: %v", err)
	}
	log.Info("ant2api stopped")
}
