package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"giveawayd/chain"
	"giveawayd/config"
	"giveawayd/fulfill"
	"giveawayd/notify"
	"giveawayd/observability"
	"giveawayd/observability/logging"
	telemetry "giveawayd/observability/otel"
	"giveawayd/reconcile"
	"giveawayd/sched"
	"giveawayd/server"
	"giveawayd/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("giveawayd: %v", err)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.toml", "path to giveawayd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var fileLog *logging.FileConfig
	if strings.TrimSpace(cfg.Log.File) != "" {
		fileLog = &logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
	}
	logger := logging.Setup("giveawayd", cfg.Environment, fileLog)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	if otlpEndpoint != "" {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "giveawayd",
			Environment: cfg.Environment,
			Endpoint:    otlpEndpoint,
			Insecure:    insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(shutdownCtx)
		}()
	}

	store, err := storage.Open(cfg.DatabaseURL,
		storage.WithPageSize(cfg.Batch.PageSize),
		storage.WithPageDelay(cfg.Batch.PageDelay.Duration),
	)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 15*time.Second)
	client, err := chain.Dial(dialCtx, cfg.Chain.RPCEndpoints, big.NewInt(cfg.Chain.ChainID))
	cancelDial()
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer client.Close()

	keyHex, err := cfg.SignerKey()
	if err != nil {
		return err
	}
	signerKey, err := gethcrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return fmt.Errorf("parse signer key: %w", err)
	}
	minter, err := chain.NewMinter(client, signerKey, big.NewInt(cfg.Chain.ChainID))
	if err != nil {
		return fmt.Errorf("init minter: %w", err)
	}
	logger.Info("minter ready", "signer", minter.From().Hex(), "chain_id", cfg.Chain.ChainID)

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	alert := func(context.Context, string, string) {}
	if strings.TrimSpace(cfg.Notify.RoutesFile) != "" {
		routes, err := notify.LoadRoutes(cfg.Notify.RoutesFile)
		if err != nil {
			return fmt.Errorf("load notify routes: %w", err)
		}
		webhook, err := notify.NewWebhook(routes, logger,
			notify.WithQueueCapacity(cfg.Notify.QueueCapacity),
			notify.WithSendTimeout(cfg.Notify.Timeout.Duration),
		)
		if err != nil {
			return fmt.Errorf("init webhook notifier: %w", err)
		}
		go webhook.Start(stopCtx)
		alert = webhook.Alert("ops")
	}

	processor, err := fulfill.NewProcessor(store, client, minter, cfg.Network,
		fulfill.WithBatchCap(cfg.Batch.Cap),
		fulfill.WithAlert(alert),
		fulfill.WithLogger(logger),
		fulfill.WithMetrics(observability.Settlement()),
	)
	if err != nil {
		return fmt.Errorf("init processor: %w", err)
	}

	reconciler, err := reconcile.New(reconcile.Config{
		Store:          store,
		Client:         client,
		ConfirmTimeout: cfg.Batch.ConfirmTimeout.Duration,
		ReportDir:      cfg.Admin.ReportDir,
		Alert:          reconcile.AlertFunc(alert),
		Logger:         logger,
		Metrics:        observability.Reconciler(),
	})
	if err != nil {
		return fmt.Errorf("init reconciler: %w", err)
	}

	scheduler := sched.New(logger)
	jobs := []sched.Job{
		{
			Name:  "settle",
			Every: cfg.Batch.SettleInterval.Duration,
			Run: func(ctx context.Context) error {
				_, err := processor.RunBatch(ctx)
				if errors.Is(err, fulfill.ErrPaused) {
					return nil
				}
				return err
			},
		},
		{
			Name:  "reconcile",
			Every: cfg.Batch.ReconcileInterval.Duration,
			Run: func(ctx context.Context) error {
				_, err := reconciler.Run(ctx)
				return err
			},
		},
		{
			Name:  "rejuvenate",
			Every: cfg.Batch.RejuvenateInterval.Duration,
			Run: func(ctx context.Context) error {
				_, err := processor.Rejuvenate(ctx)
				return err
			},
		},
	}
	for _, j := range jobs {
		if err := scheduler.Add(j); err != nil {
			return fmt.Errorf("register job %s: %w", j.Name, err)
		}
	}
	go scheduler.Start(stopCtx)

	httpServer := &http.Server{
		Addr: cfg.ListenAddress,
		Handler: server.Handler(server.Config{
			Settlement:  processor,
			Jobs:        scheduler,
			Logger:      logger,
			BearerToken: cfg.Admin.BearerToken,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("admin api listening", "address", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
