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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendcore/config"
	"lendcore/core/events"
	"lendcore/core/state"
	"lendcore/integrations/webhooks"
	"lendcore/native/common"
	"lendcore/native/lending"
	"lendcore/native/oracle"
	"lendcore/observability"
	"lendcore/observability/logging"
	telemetry "lendcore/observability/otel"
	"lendcore/services/lendingd/clients"
	daemoncfg "lendcore/services/lendingd/config"
	"lendcore/services/lendingd/eventstore"
	"lendcore/services/lendingd/server"
	"lendcore/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := daemoncfg.Load(cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger, logCloser := logging.SetupWithFile("lendingd", cfg.Environment, cfg.Log.Level, logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("lendingd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg daemoncfg.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "lendingd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
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

	protocol, err := config.Load(cfg.ProtocolConfig)
	if err != nil {
		return fmt.Errorf("load protocol config: %w", err)
	}

	db, err := storage.Open(protocol.StorageBackend, protocol.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()
	if err := state.EnsureSchemaVersion(db, protocol.AllowMigrate); err != nil {
		return err
	}
	store, err := state.NewStore(db)
	if err != nil {
		return err
	}
	store.SetLedger(state.MaxAccountBytes(protocol.MaxAccountBytes))

	evStore, err := eventstore.Open(cfg.EventStore.Driver, cfg.EventStore.DSN)
	if err != nil {
		return err
	}
	defer evStore.Close()
	evStore.SetLogger(logger)

	hub := server.NewHub(0)
	emitters := events.MultiEmitter{evStore, hub, observability.Events()}
	if cfg.Webhook.URL != "" {
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhook.URL, []byte(cfg.Webhook.Secret),
			webhooks.WithEventTypes(cfg.Webhook.Events...),
			webhooks.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("webhook dispatcher: %w", err)
		}
		defer dispatcher.Close()
		emitters = append(emitters, dispatcher)
	}

	engine := lending.NewEngine(protocol.Lending)
	engine.SetState(store)
	engine.SetPauses(protocol.Pauses)
	engine.SetLogger(logger)
	engine.SetMetrics(observability.Lending())
	engine.SetEmitter(emitters)
	if err := wireClients(cfg, engine); err != nil {
		return err
	}
	if err := listAssets(engine, protocol, logger); err != nil {
		return err
	}

	prices, err := buildOracle(protocol.Oracle, logger)
	if err != nil {
		return err
	}

	auth, err := server.NewAuthenticator(server.AuthConfig{
		APITokens:          cfg.Auth.APITokens,
		AllowedCommonNames: cfg.Auth.MTLS.AllowedCommonNames,
		CallbackTokens:     cfg.Auth.CallbackTokens,
		JWT: server.JWTConfig{
			HMACSecret: cfg.Auth.JWT.HMACSecret,
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			ScopeClaim: cfg.Auth.JWT.ScopeClaim,
			ClockSkew:  cfg.Auth.JWT.ClockSkew,
		},
	}, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Engine:     engine,
		Prices:     prices,
		Events:     evStore,
		Hub:        hub,
		Auth:       auth,
		RateLimit:  server.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		Quota:      common.NewQuotaTracker(protocol.Quota.Runtime()),
		ExportsDir: cfg.ExportsDir,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if cfg.TLS.AllowInsecure {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(cfg.Environment, "dev") && !loopback {
			_ = listener.Close()
			return fmt.Errorf("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}
	tlsCfg, err := loadServerTLS(cfg.TLS)
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("configure tls: %w", err)
	}
	if tlsCfg != nil {
		listener = tls.NewListener(listener, tlsCfg)
	}

	httpServer := &http.Server{
		Handler:           otelhttp.NewHandler(srv.Handler(), "lendingd"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "address", cfg.ListenAddress, "tls", tlsCfg != nil)
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func wireClients(cfg daemoncfg.Config, engine *lending.Engine) error {
	if cfg.Venue.URL != "" {
		client, err := clients.NewClient(endpointConfig(cfg.Venue))
		if err != nil {
			return fmt.Errorf("venue client: %w", err)
		}
		engine.SetVenue(clients.NewVenue(client))
	}
	if cfg.Transfers.URL != "" {
		client, err := clients.NewClient(endpointConfig(cfg.Transfers))
		if err != nil {
			return fmt.Errorf("transfer client: %w", err)
		}
		engine.SetTransferer(clients.NewTransferer(client))
	}
	return nil
}

func endpointConfig(e daemoncfg.Endpoint) clients.Config {
	return clients.Config{
		BaseURL:       e.URL,
		BearerToken:   e.BearerToken,
		CAFile:        e.CAFile,
		AllowInsecure: e.AllowInsecure,
		Timeout:       e.Timeout,
	}
}

// listAssets lists every configured asset that storage does not know yet.
func listAssets(engine *lending.Engine, protocol *config.Config, logger *slog.Logger) error {
	for _, listing := range protocol.Assets {
		token := lending.TokenID(strings.TrimSpace(listing.Token))
		err := engine.ListAsset(token, listing.Config)
		switch {
		case err == nil:
			logger.Info("asset listed", "token", token)
		case errors.Is(err, lending.ErrAssetExists):
		default:
			return fmt.Errorf("list asset %s: %w", token, err)
		}
	}
	return nil
}

func buildOracle(cfg config.Oracle, logger *slog.Logger) (*oracle.Aggregator, error) {
	agg := oracle.NewAggregator(cfg.Priority, time.Duration(cfg.MaxAgeSeconds)*time.Second)
	agg.SetLogger(logger)
	for _, feed := range cfg.Feeds {
		agg.Register(feed.Name, oracle.NewHTTPFeed(feed.Name, http.DefaultClient, feed.URL, feed.APIKey))
	}
	if len(cfg.Manual) > 0 {
		manual := oracle.NewManualFeed()
		now := time.Now()
		for token, price := range cfg.Manual {
			if err := manual.SetDecimal(token, price.USD, price.Decimals, now); err != nil {
				return nil, fmt.Errorf("manual price for %s: %w", token, err)
			}
		}
		agg.Register("manual", manual)
		logger.Warn("manual prices configured", "tokens", len(cfg.Manual))
	}
	return agg, nil
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
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}
