package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/bridge"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/shared"
)

type Config struct {
	Store  *persistence.Store
	Bridge *bridge.Bridge
	Bus    *bus.Bus

	// AuthToken enables bearer auth on every endpoint except /healthz.
	// Empty disables auth; the default bind address is loopback only.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser requests and
	// WebSocket upgrades. Empty means same-origin only.
	AllowOrigins []string

	RateLimit config.RateLimitConfig

	// ConfigFingerprint is the hash of the active config exposed on /healthz.
	ConfigFingerprint string

	// BrokerStatus reports the message channel state for /healthz. Nil means
	// the broker is not configured.
	BrokerStatus func() string

	// Now defaults to time.Now; POST /v1/scan uses it when no time is given.
	Now func() time.Time

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimitMiddleware
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Disabled().Tracer
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		limiter: NewRateLimitMiddleware(cfg.RateLimit),
	}
}

// StartEviction drops idle rate-limit buckets until ctx is done.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/scan", s.handleScan)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/events", s.handleEventStream)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/{action}", s.handleTaskAction)

	var h http.Handler = mux
	h = s.instrument(h)
	h = s.limiter.Wrap(h)
	h = NewAuthMiddleware(s.cfg.AuthToken).Wrap(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	h = RequestSizeLimitMiddleware(1 << 20)(h)
	return h
}

// instrument attaches a trace id and a server span to every request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.EnsureTraceID(r.Context())
		ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path)
		defer span.End()
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store != nil && s.cfg.Store.DB().PingContext(r.Context()) == nil
	brokerState := "disabled"
	if s.cfg.BrokerStatus != nil {
		brokerState = s.cfg.BrokerStatus()
	}
	mode := ""
	if s.cfg.Bridge != nil {
		mode = s.cfg.Bridge.Mode()
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"broker":             brokerState,
		"dispatch_mode":      mode,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"auth_denied":        audit.DenyCount(),
		"tasks_rejected":     audit.RejectCount(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

type scanRequest struct {
	// Now overrides the scan time; any form ParseExecutionTime accepts.
	Now string `json:"now"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch not configured")
		return
	}
	now := s.cfg.Now()
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Now != "" {
		loc := time.Local
		if s.cfg.Store != nil {
			loc = s.cfg.Store.Location()
		}
		parsed, err := persistence.ParseExecutionTime(req.Now, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		now = parsed
	}
	result, err := s.cfg.Bridge.Dispatch(r.Context(), now)
	if err != nil {
		s.logger.Error("scan failed", "error", err, "trace_id", shared.TraceID(r.Context()))
		status := http.StatusInternalServerError
		if result.Failed > 0 {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]any{"result": result, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleWS streams bus events (task lifecycle, dispatch, rejections,
// conversations) to the client as JSON frames.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	prefix := r.URL.Query().Get("topic")
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)
	s.logger.Info("ws: client connected", "topic", prefix)

	// CloseRead handles control frames and cancels ctx when the peer leaves.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ws: client disconnected")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, eventFrame{Topic: ev.Topic, Payload: ev.Payload, At: ev.At}); err != nil {
				s.logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}

type eventFrame struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
