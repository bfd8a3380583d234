// Package ops exposes the operational HTTP surface of a node: health,
// Prometheus metrics, cluster introspection and a live event feed.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nexus-mesh/nexus/internal/cluster"
	"github.com/nexus-mesh/nexus/internal/store"
)

const defaultListLimit = 50

// Server is the ops HTTP listener. All state it serves is owned by the
// cluster manager; the server itself is stateless apart from the hub.
type Server struct {
	addr     string
	mgr      *cluster.Manager
	insights *store.InsightStore
	hub      *EventHub
	log      zerolog.Logger

	// Storm protection for the read API.
	limiter *rate.Limiter

	httpSrv *http.Server
	cancel  context.CancelFunc
}

// NewServer creates the ops server. insights may be nil when no
// database is configured.
func NewServer(addr string, mgr *cluster.Manager, insights *store.InsightStore, log zerolog.Logger) *Server {
	s := &Server{
		addr:     addr,
		mgr:      mgr,
		insights: insights,
		log:      log,
		// Allow 50 reads/sec, burst 100
		limiter: rate.NewLimiter(rate.Limit(50), 100),
	}
	s.hub = NewEventHub(s.statusSnapshot, log)
	return s
}

// Start wires routes, connects the event feed to the cluster bus and
// begins serving. Non-blocking; errors after startup are logged.
func (s *Server) Start(ctx context.Context) error {
	hubCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.Run(hubCtx)

	s.forwardBusEvents()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.metricsHandler())
	mux.HandleFunc("/v1/status", s.limited(s.handleStatus))
	mux.HandleFunc("/v1/agents", s.limited(s.handleAgents))
	mux.HandleFunc("/v1/tasks/dead", s.limited(s.handleDeadTasks))
	mux.HandleFunc("/v1/insights", s.limited(s.handleInsights))
	mux.HandleFunc("/v1/insights/", s.limited(s.handleInsightByHash))
	mux.HandleFunc("/ws/events", s.handleEvents)

	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.Info().Str("addr", s.addr).Msg("ops server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("ops server failed")
		}
	}()
	return nil
}

// Shutdown stops the listener and closes all feed connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// forwardBusEvents mirrors peer events onto the WebSocket feed. Local
// events are not echoed by the bus; snapshots cover local state.
func (s *Server) forwardBusEvents() {
	bus := s.mgr.EventBus()
	if bus == nil {
		return
	}
	for _, name := range []string{
		cluster.ChannelAgent,
		cluster.ChannelModel,
		cluster.ChannelAbort,
		cluster.ChannelConfig,
		cluster.ChannelHealth,
	} {
		name := name
		_ = bus.Subscribe(name, func(_ context.Context, event map[string]any) error {
			ev := make(map[string]any, len(event)+1)
			for k, v := range event {
				ev[k] = v
			}
			ev["_channel"] = name
			s.hub.Broadcast(ev)
			return nil
		})
	}
}

func (s *Server) statusSnapshot(ctx context.Context) any {
	return s.mgr.Status(ctx, false)
}

func (s *Server) metricsHandler() http.Handler {
	if m := s.mgr.Metrics(); m != nil {
		return promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// limited applies the read-API rate guard.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if m := s.mgr.Metrics(); m != nil {
		if snap, ok := m.Latest(); ok && !snap.RedisConnected {
			http.Error(w, "degraded: broker unreachable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Status(r.Context(), true))
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	reg := s.mgr.Registry()
	if reg == nil {
		http.Error(w, "clustering disabled", http.StatusServiceUnavailable)
		return
	}
	agents, err := reg.GetAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(agents),
		"agents": agents,
	})
}

func (s *Server) handleDeadTasks(w http.ResponseWriter, r *http.Request) {
	ts := s.mgr.TaskStream()
	if ts == nil {
		http.Error(w, "clustering disabled", http.StatusServiceUnavailable)
		return
	}
	entries, err := ts.DeadLetters(r.Context(), int64(queryLimit(r)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(entries),
		"tasks": entries,
	})
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	if s.insights == nil {
		http.Error(w, "persistence not configured", http.StatusServiceUnavailable)
		return
	}
	insights, err := s.insights.ListRecent(r.Context(), queryLimit(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	total, err := s.insights.Count(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    total,
		"insights": insights,
	})
}

func (s *Server) handleInsightByHash(w http.ResponseWriter, r *http.Request) {
	if s.insights == nil {
		http.Error(w, "persistence not configured", http.StatusServiceUnavailable)
		return
	}
	hash := r.URL.Path[len("/v1/insights/"):]
	if hash == "" {
		http.Error(w, "content hash required", http.StatusBadRequest)
		return
	}
	in, err := s.insights.GetInsight(r.Context(), hash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if in == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}
