package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"fisco/internal/audit"
	"fisco/internal/certificate"
	"fisco/internal/contador"
	"fisco/internal/coordinator"
	"fisco/internal/fiscal"
	"fisco/internal/fiscal/decisor"
	"fisco/internal/lifecycle"
	"fisco/internal/notify"
	"fisco/internal/platform/config"
	"fisco/internal/platform/httpserver"
	"fisco/internal/platform/logger"
	"fisco/internal/platform/metrics"
	"fisco/internal/platform/tracer"
	"fisco/internal/sefaz"
	"fisco/internal/sweep"
	httptransport "fisco/internal/transport/http"
	"fisco/pkg/platform/circuit"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	log.Info("initializing fiscal engine",
		"addr", cfg.Addr,
		"issuer_tax_id", cfg.IssuerTaxID,
		"uf_code", cfg.UFCode,
	)

	m := metrics.New()
	notifier := notify.NewLogNotifier(log)

	certManager, err := certificate.Load(cfg.CertificatePath, cfg.PrivateKeyPath, cfg.IssuerTaxID)
	if err != nil {
		log.Error("certificate load failed", "error", err)
		os.Exit(1)
	}
	profile := certManager.Profile()
	m.SetCertificateExpiry(profile.ExpiresAt)
	log.Info("certificate loaded",
		"subject", profile.Subject,
		"owner_tax_id", profile.OwnerTaxID,
		"expires_at", profile.ExpiresAt,
	)
	if certManager.ExpiringSoon(cfg.ExpiryWarnThreshold) {
		notifier.CertificateExpiring(context.Background(), profile.OwnerTaxID, profile.ExpiresAt)
	}

	rules, err := decisor.LoadRules(cfg.RulesPath)
	if err != nil {
		log.Error("decision rules load failed", "path", cfg.RulesPath, "error", err)
		os.Exit(1)
	}
	engine := decisor.NewEngine(rules)
	log.Info("decision rules loaded", "path", cfg.RulesPath, "rules", len(rules))

	authority := sefaz.NewHTTPClient(cfg.SefazBaseURL, strconv.Itoa(cfg.UFCode), certManager, cfg.RequestTimeout,
		sefaz.WithLogger(log),
	)
	coord := coordinator.New(authority,
		coordinator.WithRetryPolicy(cfg.MaxRetries, cfg.RetryInitialDelay, cfg.RetryMaxDelay),
		coordinator.WithTracer(tracer.NewOTel()),
		coordinator.WithMetrics(m),
		coordinator.WithLogger(log),
	)
	breaker := circuit.New("sefaz-health",
		circuit.WithStateChange(m.SetCircuitOpen),
	)

	auditPublisher := audit.NewPublisher(audit.NewInMemoryStore(),
		audit.WithAsyncBuffer(256),
		audit.WithPublisherLogger(log),
	)
	defer auditPublisher.Close()

	store := fiscal.NewMemoryStore()
	service := lifecycle.New(store, authority, coord, cfg.IssuerTaxID, cfg.UFCode, cfg.CancelDeadlines,
		lifecycle.WithAudit(auditPublisher),
		lifecycle.WithNotifier(notifier),
		lifecycle.WithBreaker(breaker),
		lifecycle.WithMetrics(m),
		lifecycle.WithLogger(log),
	)

	contadorClient := contador.New(
		cfg.ContadorBaseURL,
		cfg.ContadorTokenURL,
		cfg.ContadorClientID,
		cfg.ContadorClientKey,
		cfg.IssuerTaxID,
		certManager,
		cfg.RequestTimeout,
		contador.WithExpiryWarnThreshold(cfg.ExpiryWarnThreshold),
		contador.WithNotifier(notifier),
		contador.WithMetrics(m),
		contador.WithLogger(log),
	)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	sweeper := sweep.New(store, service, cfg.SweepInterval,
		sweep.WithTokenRefresher(contadorClient),
		sweep.WithLogger(log),
	)
	go func() {
		if err := sweeper.Run(sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("sweeper stopped", "error", err)
		}
	}()

	handler := httptransport.NewHandler(engine, service, contadorClient, log)
	router := httptransport.NewRouter(handler, log)

	srv := httpserver.New(cfg.Addr, router)

	log.Info("starting http server", "addr", cfg.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown on SIGINT
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	log.Info("shutting down server gracefully")

	stopSweep()
	if err := httpserver.Shutdown(srv, 10*time.Second); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
