package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendingledger/config"
	"lendingledger/core/state"
	nativecommon "lendingledger/native/common"
	"lendingledger/native/lending"
	"lendingledger/native/oracle"
	"lendingledger/observability"
	"lendingledger/observability/logging"
	telemetry "lendingledger/observability/otel"
	lendingserver "lendingledger/services/lending/server"
	"lendingledger/services/lending/engine"
	daemoncfg "lendingledger/services/lendingd/config"
	"lendingledger/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := daemoncfg.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.SetupWriter(os.Stdout, "lendingd", cfg.Env, logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("lendingd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg daemoncfg.Config, logger *slog.Logger) error {
	logger.Info("lendingd starting", slog.Any("config", cfg.Sanitized()))
	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "lendingd",
			Environment: cfg.Env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     cfg.Telemetry.Headers,
			Metrics:     true,
			Traces:      true,
			SampleRatio: cfg.Telemetry.SampleRatio,
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

	ledger, err := config.Load(cfg.LedgerConfig)
	if err != nil {
		return fmt.Errorf("load ledger config: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open data dir %s: %w", cfg.DataDir, err)
	}
	defer db.Close()

	handler, err := buildHandler(ctx, cfg, ledger, db, logger)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if cfg.TLS.AllowInsecure && cfg.TLS.CertPath == "" {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(cfg.Env, "dev") && !loopback {
			listener.Close()
			return fmt.Errorf("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}
	tlsCfg, err := loadServerTLS(cfg.TLS)
	if err != nil {
		listener.Close()
		return fmt.Errorf("configure tls: %w", err)
	}
	if tlsCfg != nil {
		listener = tls.NewListener(listener, tlsCfg)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.Bool("tls", tlsCfg != nil),
			slog.Bool("mtls", cfg.TLS.MTLSEnabled()),
			slog.Int("banks", len(ledger.Banks)))
		serverErr <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.Any("error", err))
			_ = srv.Close()
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

// buildHandler wires the ledger service over db, bootstraps the configured
// banks and returns the instrumented router.
func buildHandler(ctx context.Context, cfg daemoncfg.Config, ledger lending.Config, db storage.Database, logger *slog.Logger) (http.Handler, error) {
	metrics := observability.Lending()
	feeds := oracle.NewStore(time.Duration(ledger.OracleMaxAgeSeconds) * time.Second)
	svc, err := engine.NewService(state.NewManager(db), feeds, ledger.Params,
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithPauses(nativecommon.NewPauses(ledger.Paused...)),
		engine.WithOutflowQuota(nativecommon.Quota{
			MaxRequestsPerEpoch: cfg.Quota.MaxRequests,
			MaxAmountPerEpoch:   cfg.Quota.MaxAmount,
			EpochSeconds:        cfg.Quota.EpochSeconds,
		}),
		engine.WithTracer(telemetry.Tracer()),
	)
	if err != nil {
		return nil, fmt.Errorf("init lending service: %w", err)
	}
	if err := bootstrapBanks(ctx, svc, ledger.Banks, logger); err != nil {
		return nil, err
	}

	api, err := lendingserver.New(svc, lendingserver.Config{
		Auth: lendingserver.AuthConfig{
			APITokens:        cfg.Auth.APITokens,
			AllowedClientCNs: cfg.Auth.MTLS.AllowedCommonNames,
			JWT: lendingserver.JWTConfig{
				HMACSecret:    cfg.Auth.JWT.HMACSecret,
				Issuer:        cfg.Auth.JWT.Issuer,
				Audience:      cfg.Auth.JWT.Audience,
				Scope:         cfg.Auth.JWT.Scope,
				OperatorScope: cfg.Auth.JWT.OperatorScope,
				ClockSkew:     cfg.Auth.JWT.ClockSkew,
			},
		},
		RateLimit: lendingserver.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
		},
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Mount("/", api.Routes())
	return otelhttp.NewHandler(router, "lendingd"), nil
}

func bootstrapBanks(ctx context.Context, svc *engine.Service, specs []lending.BankSpec, logger *slog.Logger) error {
	for _, spec := range specs {
		bankCfg, err := spec.BankConfig()
		if err != nil {
			return err
		}
		if _, err := svc.InitializeBank(ctx, bankCfg); err != nil {
			if errors.Is(err, lending.ErrAlreadyInitialized) {
				continue
			}
			return fmt.Errorf("bootstrap bank %s: %w", spec.Symbol, err)
		}
		logger.Info("bank initialised", slog.String("symbol", spec.Symbol), slog.String("mint", bankCfg.Mint.String()))
	}
	return nil
}

func loadServerTLS(cfg daemoncfg.TLSConfig) (*tls.Config, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls credentials are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if cfg.ClientCAPath != "" {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
		// Reads are public; offered certificates are still verified.
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsCfg, nil
}
