package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voicedesk/secretary/internal/calllog"
	"github.com/voicedesk/secretary/internal/callsession"
	"github.com/voicedesk/secretary/internal/config"
	"github.com/voicedesk/secretary/internal/diagnostics"
	"github.com/voicedesk/secretary/internal/observability"
	"github.com/voicedesk/secretary/internal/registry"
	"github.com/voicedesk/secretary/internal/switchlistener"
	"github.com/voicedesk/secretary/internal/tenantstore"
	"github.com/voicedesk/secretary/internal/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	tenants, err := tenantstore.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("tenant store init failed: %v", err)
	}
	defer tenants.Close()

	toolRegistry, err := tools.NewRegistry(
		tools.RequestHandoffTool{},
		tools.TakeMessageTool{},
		tools.AcceptTransferTool{},
		tools.RejectTransferTool{},
		tools.EndCallTool{},
		tools.GetBusinessInfoTool{Lookup: staticBusinessInfo},
	)
	if err != nil {
		log.Fatalf("tool registry init failed: %v", err)
	}

	sink := calllog.NewHTTPSink(cfg.CallLogSinkURL, http.DefaultClient)
	calls := registry.New[callsession.Session]()
	availability := tenantstore.NewAvailability()

	listener := switchlistener.New(cfg, tenants, availability, toolRegistry, sink, metrics, calls)
	diag := diagnostics.New(cfg, calls, metrics)

	switchServer := &http.Server{
		Addr:    cfg.SwitchListenAddr,
		Handler: listener.Router(),
	}
	diagServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: diag.Router(),
	}

	go func() {
		log.Printf("switch listener on %s", cfg.SwitchListenAddr)
		if err := switchServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("switch listener error: %v", err)
		}
	}()
	go func() {
		log.Printf("diagnostics server on %s", cfg.BindAddr)
		if err := diagServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("diagnostics server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := switchServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("switch listener shutdown failed: %v", err)
		_ = switchServer.Close()
	}
	if err := diagServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("diagnostics server shutdown failed: %v", err)
		_ = diagServer.Close()
	}

	log.Printf("shutdown complete")
}

// staticBusinessInfo is the default GetBusinessInfoTool lookup for
// deployments that have not wired a tenant-specific facts source; it
// always reports the fact as unknown.
func staticBusinessInfo(_, _ string) (string, bool) {
	return "", false
}
