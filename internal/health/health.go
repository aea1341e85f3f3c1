// Package health serves the Manager's /health and /metrics HTTP endpoints
// — a supplemented feature (spec.md's core is UDS-only; see SPEC_FULL.md's
// Supplemented Features) grounded on go-server-3/cmd/odin-ws/main.go's
// runHTTPServer: a small mux, a JSON /health handler, and /metrics handed
// to promhttp.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Stats is queried live by the /health handler; satisfied by the reactor's
// manager facade.
type Stats interface {
	ClientCount() int
	ChannelCount() int
}

// Server is the Manager's health/metrics HTTP surface.
type Server struct {
	httpServer *http.Server
}

// New builds the health server. metricsHandler serves /metrics (typically
// promhttp.HandlerFor over the Manager's private registry); a nil handler
// falls back to promhttp.Handler() on the default registry.
func New(addr string, stats Stats, metricsHandler http.Handler) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":       "healthy",
			"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
			"clients":      stats.ClientCount(),
			"channels":     stats.ChannelCount(),
			"process_rss":  residentMemoryBytes(),
			"open_handles": openFileDescriptors(),
		})
	})

	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	mux.Handle("/metrics", metricsHandler)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  30 * time.Second,
		},
	}
}

// Serve runs the HTTP server until ctx is canceled, then shuts it down with
// a short grace period, matching go-server-3's runHTTPServer shutdown
// discipline.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// residentMemoryBytes reports the Manager's own RSS via gopsutil, falling
// back to 0 if the process table can't be read (never fatal to /health).
func residentMemoryBytes() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil || memInfo == nil {
		return 0
	}
	return memInfo.RSS
}

// openFileDescriptors reports how many fds the Manager process currently
// holds — relevant here specifically because every channel buffer and
// every client link consumes one.
func openFileDescriptors() int32 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	n, err := proc.NumFDs()
	if err != nil {
		return 0
	}
	return n
}
