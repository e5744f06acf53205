package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"retail-backbone/shared/config"
	"retail-backbone/shared/logx"
	"retail-backbone/shared/metricsx"
)

// ReadyCheck is one dependency /readyz must see healthy.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env"`
	Version string `json:"version,omitempty"`
}

// AdminServer exposes liveness, readiness and Prometheus metrics for a
// background service.
type AdminServer struct {
	server *http.Server
	logger logx.Logger
}

func NewAdminServer(cfg config.Config, logger logx.Logger, version string, problems []config.Problem, checks ...ReadyCheck) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(problems) > 0 {
			WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration", map[string]any{"problems": problems})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
					"service not ready: "+c.Name+" unavailable", map[string]any{"check": c.Name, "error": err.Error()})
				return
			}
		}
		WriteJSON(w, http.StatusOK, statusResponse{Status: "ready", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	var handler http.Handler = mux
	handler = metricsx.Instrument(handler)
	handler = WithRequestID(handler)
	handler = WithRecover(logger, handler)
	handler = WithRequestLog(logger, map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}, handler)
	handler = otelhttp.NewHandler(handler, "admin")

	return &AdminServer{
		logger: logger,
		server: &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

func (a *AdminServer) Handler() http.Handler { return a.server.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (a *AdminServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info(context.Background(), "admin_start", "admin server listening", slog.String("addr", a.server.Addr))
		errCh <- a.server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
