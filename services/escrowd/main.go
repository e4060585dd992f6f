package escrowd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Astralabs2050/render-backend-sub001/observability/logging"
	telemetry "github.com/Astralabs2050/render-backend-sub001/observability/otel"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/config"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/custody"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/models"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/notify"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/server"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/settlement"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/store"
)

// Version is stamped at build time with -ldflags "-X ...escrowd.Version=...".
var Version = "dev"

// Main initialises and runs the escrow settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", strings.TrimSpace(os.Getenv("ESCROWD_CONFIG")), "path to escrowd configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.SetupWithOptions("escrowd", cfg.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:    "escrowd",
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st := store.New(db)

	provisioner, opts, err := custodyOptions(cfg, log)
	if err != nil {
		return err
	}

	queue := notify.NewQueue(
		notify.WithCapacity(cfg.Webhooks.QueueCapacity),
		notify.WithTTL(cfg.Webhooks.QueueTTL.Duration),
	)
	subs := make([]notify.Subscriber, len(cfg.Webhooks.Subscribers))
	for i, sub := range cfg.Webhooks.Subscribers {
		subs[i] = notify.Subscriber{URL: sub.URL, Secret: sub.Secret}
	}
	if len(subs) > 0 {
		opts = append(opts, settlement.WithPublisher(queue))
	}
	opts = append(opts, settlement.WithLogger(log))

	engine, err := settlement.New(st, provisioner, opts...)
	if err != nil {
		return fmt.Errorf("init settlement engine: %w", err)
	}

	api, err := server.New(server.Config{
		Engine: engine,
		DB:     db,
		Logger: log,
		Auth: server.AuthOptions{
			Disable:      cfg.Auth.Disable,
			Secret:       cfg.Auth.HSSecret,
			Issuer:       cfg.Auth.Issuer,
			Audience:     cfg.Auth.Audience,
			RoleClaim:    cfg.Auth.RoleClaim,
			OperatorRole: cfg.Auth.OperatorRole,
			MaxSkew:      cfg.Auth.MaxSkew.Duration,
		},
		RatePerSecond:  cfg.RateLimit.RequestsPerSecond,
		RateBurst:      cfg.RateLimit.Burst,
		DeliverySecret: cfg.Webhooks.DeliverySecret,
		Ready:          st.Ping,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerDone := make(chan struct{})
	if len(subs) > 0 {
		worker := notify.NewWorker(queue, subs,
			notify.WithMaxAttempts(cfg.Webhooks.MaxAttempts),
			notify.WithBackoff(cfg.Webhooks.Backoff.Duration),
			notify.WithTimeout(cfg.Webhooks.Timeout.Duration),
			notify.WithWorkerLogger(log),
		)
		go func() {
			defer close(workerDone)
			worker.Run(stopCtx)
		}()
	} else {
		close(workerDone)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("escrowd listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if err != nil {
			_ = httpServer.Close()
		}
		<-workerDone
		return err
	case err := <-errs:
		stop()
		<-workerDone
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn), TranslateError: true}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// custodyOptions wires the provisioner, funding verifier and releaser from
// configuration.
func custodyOptions(cfg config.Config, log *slog.Logger) (settlement.Provisioner, []settlement.Option, error) {
	var (
		provisioner settlement.Provisioner
		opts        []settlement.Option
	)
	if endpoint := strings.TrimSpace(cfg.Custody.Endpoint); endpoint != "" {
		client := custody.NewRPCClient(endpoint, cfg.Custody.APIKey, cfg.Custody.Timeout.Duration)
		provisioner = client
		if cfg.Custody.AutoRelease {
			opts = append(opts, settlement.WithReleaser(client))
		}
		log.Info("custody rpc configured", slog.String("endpoint", endpoint), slog.Bool("auto_release", cfg.Custody.AutoRelease))
	} else {
		provisioner = custody.StaticProvisioner{Address: cfg.Custody.StaticAddress}
		log.Info("static settlement address configured", logging.MaskField("settlement_address", cfg.Custody.StaticAddress))
	}

	if rpcURL := strings.TrimSpace(cfg.EVM.RPCURL); rpcURL != "" {
		client, err := custody.DialEVMClient(rpcURL)
		if err != nil {
			return nil, nil, fmt.Errorf("dial evm: %w", err)
		}
		verifier, err := custody.NewEVMFundingVerifier(client, cfg.EVM.TokenAddress, cfg.EVM.TokenDecimals, cfg.EVM.Confirmations)
		if err != nil {
			return nil, nil, fmt.Errorf("init funding verifier: %w", err)
		}
		timeout := cfg.EVM.Timeout.Duration
		opts = append(opts, settlement.WithVerifier(custody.VerifierFunc(func(ctx context.Context, req custody.FundingRequest) error {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return verifier.VerifyFunding(ctx, req)
		})))
		log.Info("evm funding verification enabled", slog.Uint64("confirmations", cfg.EVM.Confirmations))
	}
	return provisioner, opts, nil
}
