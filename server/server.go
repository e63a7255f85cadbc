// Package server exposes the HTTP API: health, readiness, status, metrics, and
// the admin endpoints the platform calls when groups are created or joined.
// Every request carries a correlation id for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMux returns the HTTP handler with all routes.
func NewMux(h *Handlers, auth AuthConfig) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)

	admin := http.NewServeMux()
	admin.HandleFunc("POST /admin/groups/provision", h.HandleProvisionGroup)
	admin.HandleFunc("POST /admin/groups/join", h.HandleJoinGroup)
	admin.HandleFunc("GET /admin/groups/{id}/provisioning", h.HandleGroupProvisioning)
	admin.HandleFunc("POST /admin/reconcile", h.HandleReconcile)
	mux.Handle("/admin/", adminAuth(admin, auth))

	return withCorrelation(mux)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		// Provisioning makes several Discord calls in one request.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
