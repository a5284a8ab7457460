package health

import (
	"sync"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCReporter mirrors stream states into a standard gRPC health server.
// Each stream is exposed as a service name; the empty service reports
// NOT_SERVING while any stream is halted.
type GRPCReporter struct {
	srv *health.Server

	mu     sync.Mutex
	halted map[string]bool
}

// NewGRPCReporter attaches a reporter to m and returns it.
func NewGRPCReporter(m *Monitor, srv *health.Server) *GRPCReporter {
	r := &GRPCReporter{srv: srv, halted: make(map[string]bool)}
	m.Observe(r.observe)
	return r
}

func servingStatus(s State) healthpb.HealthCheckResponse_ServingStatus {
	switch s {
	case StateHalted, StateStopped:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func (r *GRPCReporter) observe(name string, s Snapshot) {
	r.srv.SetServingStatus(name, servingStatus(s.State))

	r.mu.Lock()
	defer r.mu.Unlock()
	if s.State == StateHalted {
		r.halted[name] = true
	} else {
		delete(r.halted, name)
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if len(r.halted) > 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	r.srv.SetServingStatus("", overall)
}

// Shutdown marks every service NOT_SERVING.
func (r *GRPCReporter) Shutdown() {
	r.srv.Shutdown()
}
