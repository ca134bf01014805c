package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/nats-io/nats.go"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Pinger is implemented by the metadata store.
type Pinger interface {
	Ping() error
}

// Probe is an extra named readiness check, e.g. a cloud pool bucket.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthChecker runs health probes.
type HealthChecker struct {
	natsConn *nats.Conn
	meta     Pinger
	probes   []Probe
	timeout  time.Duration
}

// NewHealthChecker creates a new health checker. A nil connection or store
// skips the corresponding check.
func NewHealthChecker(nc *nats.Conn, metaStore Pinger, probes ...Probe) *HealthChecker {
	return &HealthChecker{
		natsConn: nc,
		meta:     metaStore,
		probes:   probes,
		timeout:  5 * time.Second,
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the service can handle requests.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}

	if h.natsConn != nil {
		if h.natsConn.IsConnected() {
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "connected"})
		} else {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "disconnected"})
		}
	}

	if h.meta != nil {
		status.add("metadata", h.meta.Ping())
	}

	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		err := p.Check(ctx)
		cancel()
		status.add(p.Name, err)
	}

	return status
}

func (s *HealthStatus) add(name string, err error) {
	if err != nil {
		s.OK = false
		s.Checks = append(s.Checks, Check{Name: name, Status: "error", Error: err.Error()})
		return
	}
	s.Checks = append(s.Checks, Check{Name: name, Status: "ok"})
}

// NewHealthHandler serves liveness and readiness on the configured paths.
func NewHealthHandler(cfg config.HealthConfig, checker *HealthChecker) http.Handler {
	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Readiness())
	})
	return mux
}

func writeHealth(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHealthHandler(cfg, checker),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
