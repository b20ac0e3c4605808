package observability

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthChecker reports readiness over gRPC health and HTTP /healthz
type HealthChecker struct {
	grpcHealth *health.Server
	httpServer *http.Server
	logger     *zap.Logger

	mu           sync.RWMutex
	ready        bool
	usesDropCopy bool
	dropCopyOK   bool
}

func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	h := &HealthChecker{
		grpcHealth: health.NewServer(),
		logger:     logger,
	}
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return h
}

// RegisterGRPC adds the health service to s; it reports NOT_SERVING
// until SetReady(true)
func (h *HealthChecker) RegisterGRPC(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h.grpcHealth)
}

// SetReady flips both health surfaces
func (h *HealthChecker) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
	h.syncGRPC()
}

// SetDropCopyReady marks the drop copy as a readiness dependency
func (h *HealthChecker) SetDropCopyReady(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usesDropCopy = true
	h.dropCopyOK = ok
	h.syncGRPC()
}

// Healthy reports whether the process is ready to serve. Callers may hold no lock.
func (h *HealthChecker) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthyLocked()
}

func (h *HealthChecker) healthyLocked() bool {
	return h.ready && (!h.usesDropCopy || h.dropCopyOK)
}

func (h *HealthChecker) syncGRPC() {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if h.healthyLocked() {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.grpcHealth.SetServingStatus("", status)
}

// StartHTTPServer serves handler on addr until Shutdown
func (h *HealthChecker) StartHTTPServer(addr string, handler http.Handler) error {
	h.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	h.logger.Info("starting HTTP ops server", zap.String("addr", addr))
	return h.httpServer.ListenAndServe()
}

func (h *HealthChecker) Shutdown(ctx context.Context) error {
	h.SetReady(false)
	h.grpcHealth.Shutdown()
	if h.httpServer != nil {
		return h.httpServer.Shutdown(ctx)
	}
	return nil
}
