package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raj/hacep/pkg/consumer"
	"github.com/raj/hacep/pkg/metrics"
	"github.com/raj/hacep/pkg/types"
)

const snapshotTimeout = 30 * time.Second

// Status is the leadership view served at /v1/leadership.
type Status struct {
	NodeID         string                  `json:"nodeId"`
	State          string                  `json:"state"`
	Leader         string                  `json:"leader,omitempty"`
	LeaderHTTPAddr string                  `json:"leaderHttpAddr,omitempty"`
	Tenure         uint64                  `json:"tenure"`
	SessionRunning bool                    `json:"sessionRunning"`
	SessionError   string                  `json:"sessionError,omitempty"`
	OutputArmed    bool                    `json:"outputArmed"`
	Offsets        []types.PartitionOffset `json:"offsets,omitempty"`
}

// SnapshotResult is returned by POST /v1/snapshot.
type SnapshotResult struct {
	Epoch   uint64                  `json:"epoch"`
	Offsets []types.PartitionOffset `json:"offsets"`
	Facts   int                     `json:"facts"`
}

// Backend is what the endpoints read from and act on.
type Backend interface {
	Status() Status
	Snapshot(ctx context.Context) (*types.Snapshot, error)
}

// NewHandler returns the mux serving health, readiness, leadership status,
// on-demand snapshots and Prometheus metrics. /healthz fails while this
// process leads without a consuming session, so supervision can restart it
// and hand the lock over.
func NewHandler(logger *slog.Logger, b Backend) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/healthz", route("/healthz", func(w http.ResponseWriter, r *http.Request) {
		st := b.Status()
		if st.State == types.StateLeader.String() && !st.SessionRunning {
			w.WriteHeader(http.StatusServiceUnavailable)
			msg := "leader without a consumer session"
			if st.SessionError != "" {
				msg += ": " + st.SessionError
			}
			_, _ = w.Write([]byte(msg))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.Handle("/readyz", route("/readyz", func(w http.ResponseWriter, r *http.Request) {
		st := b.Status()
		if st.Leader == "" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("leader: unknown"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("leader: " + st.Leader))
	}))

	mux.Handle("/v1/leadership", route("/v1/leadership", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, b.Status())
	}))

	mux.Handle("/v1/snapshot", route("/v1/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		st := b.Status()
		if st.State != types.StateLeader.String() {
			if st.LeaderHTTPAddr != "" {
				w.Header().Set("Location", fmt.Sprintf("http://%s/v1/snapshot", st.LeaderHTTPAddr))
				writeJSON(w, http.StatusTemporaryRedirect, map[string]any{"error": "not leader", "leader": st.Leader})
				return
			}
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "not leader", "leader": st.Leader})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
		defer cancel()
		snap, err := b.Snapshot(ctx)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, consumer.ErrNoSession) {
				status = http.StatusConflict
			}
			logger.Warn("on-demand snapshot failed", "error", err)
			writeJSON(w, status, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, SnapshotResult{Epoch: snap.Epoch, Offsets: snap.Offsets, Facts: len(snap.FactHandles)})
	}))

	mux.Handle("/metrics", route("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start listens on addr and serves NewHandler in the background. It returns
// the bound address and a shutdown function.
func Start(logger *slog.Logger, b Backend, addr string) (string, func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: NewHandler(logger, b), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()
	logger.Info("http server listening", "addr", ln.Addr().String())
	return ln.Addr().String(), srv.Shutdown, nil
}
