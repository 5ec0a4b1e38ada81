package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"sentinel-antiraid/internal/engine"
	"sentinel-antiraid/internal/notify"
	"sentinel-antiraid/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	sweepInterval     = time.Minute
	retentionInterval = 6 * time.Hour
)

// janitor drops idle detection state and prunes old audit rows.
type janitor struct {
	engine        *engine.Engine
	notifier      *notify.Notifier
	store         *storage.Store
	retentionDays int
	logger        *zap.Logger
}

func newJanitor(eng *engine.Engine, notifier *notify.Notifier, store *storage.Store, retentionDays int, logger *zap.Logger) *janitor {
	return &janitor{engine: eng, notifier: notifier, store: store, retentionDays: retentionDays, logger: logger}
}

func (j *janitor) Serve(ctx context.Context) error {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	retention := time.NewTicker(retentionInterval)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			removed := j.engine.Sweep(ctx)
			removed += j.notifier.Sweep(time.Hour)
			if removed > 0 {
				j.logger.Debug("idle state swept", zap.Int("removed", removed))
			}
		case <-retention.C:
			if j.retentionDays <= 0 {
				continue
			}
			deleted, err := j.store.CleanupAuditLogs(ctx, j.retentionDays)
			if err != nil {
				j.logger.Warn("audit retention failed", zap.Error(err))
				continue
			}
			j.logger.Info("audit retention", zap.Int64("deleted", deleted), zap.Int("days", j.retentionDays))
		}
	}
}

func (j *janitor) String() string {
	return "janitor"
}

type pinger interface {
	Ping(ctx context.Context) error
}

type healthServer struct {
	server *http.Server
	logger *zap.Logger
}

func newHealthServer(addr string, db pinger, logger *zap.Logger) *healthServer {
	return &healthServer{
		server: &http.Server{Addr: addr, Handler: healthRouter(db), ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

func healthRouter(db pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (h *healthServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("health endpoint enabled", zap.String("addr", h.server.Addr))
		errCh <- h.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}

func (h *healthServer) String() string {
	return "health-server"
}
