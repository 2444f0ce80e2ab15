// Package ops exposes the operational HTTP surface: liveness checks and
// Prometheus metrics.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"depositwatch/storage"
)

// Check probes one dependency for the health endpoint.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// AddressAllocator hands out deposit addresses for users.
type AddressAllocator interface {
	AllocateNext(ctx context.Context, userID uuid.UUID) (storage.DepositAddress, error)
}

// Server serves /healthz, /metrics, and the deposit-address endpoint.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the ops server on the supplied listen address.
func NewServer(listen string, logger *slog.Logger, allocator AddressAllocator, checks ...Check) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Get("/healthz", healthHandler(logger, checks))
	r.Handle("/metrics", promhttp.Handler())
	if allocator != nil {
		r.Post("/users/{userID}/deposit-address", allocateHandler(logger, allocator))
	}
	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           otelhttp.NewHandler(r, "depositwatchd"),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("ops server listening", "addr", s.srv.Addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func allocateHandler(logger *slog.Logger, allocator AddressAllocator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(chi.URLParam(r, "userID"))
		if err != nil {
			http.Error(w, "invalid user id", http.StatusBadRequest)
			return
		}
		address, err := allocator.AllocateNext(r.Context(), userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "user not found", http.StatusNotFound)
				return
			}
			logger.Error("address allocation failed", "user", userID, "error", err)
			http.Error(w, "allocation failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"userId":          address.UserID.String(),
			"address":         address.Address,
			"derivationIndex": address.DerivationIndex,
		}); err != nil {
			logger.Warn("allocation response encode failed", "error", err)
		}
	}
}

func healthHandler(logger *slog.Logger, checks []Check) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, check := range checks {
			if err := check.Probe(ctx); err != nil {
				logger.Warn("health check failed", "check", check.Name, "error", err)
				results[check.Name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[check.Name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		body := map[string]any{"status": "ok", "checks": results}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			logger.Warn("health response encode failed", "error", err)
		}
	}
}
