package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/ensemble-trader/internal/engine"
	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
	"github.com/Rajchodisetti/ensemble-trader/internal/order"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

// Commands is the operator surface of the trading engine
type Commands interface {
	Start(actor string) bool
	Stop(actor string) bool
	EmergencyStop(ctx context.Context, actor, reason string) (engine.EmergencyReport, error)
	Resume(actor, reason string, force bool) error
	SetMode(m mode.Mode, actor string) error
	RiskState() risk.State
	OpenPositions() []portfolio.Position
	Orders(openOnly bool) []order.Order
	Events(f risk.EventFilter) []risk.RiskEvent
	Status() engine.Status
}

// Config for the operator API. EmergencyTimeout bounds cancel-and-liquidate
// independent of the caller's connection.
type Config struct {
	Addr               string
	EmergencyTimeout   time.Duration
	SlackSigningSecret string
}

type Server struct {
	cfg   Config
	cmds  Commands
	rbac  *RBAC
	audit *AuditLogger
	slack *SlackHandler
	mux   *http.ServeMux
}

type ctxKey int

const (
	keyRequestID ctxKey = iota
	keyPrincipal
)

func New(cfg Config, cmds Commands, rbac *RBAC, audit *AuditLogger) *Server {
	if cfg.EmergencyTimeout <= 0 {
		cfg.EmergencyTimeout = 30 * time.Second
	}
	s := &Server{cfg: cfg, cmds: cmds, rbac: rbac, audit: audit, mux: http.NewServeMux()}

	s.mux.Handle("GET /health", observ.HealthHandler())
	s.mux.Handle("GET /metrics", observ.Handler())

	s.mux.Handle("POST /api/start", s.guard(PermTradeControl, "start", s.handleStart))
	s.mux.Handle("POST /api/stop", s.guard(PermTradeControl, "stop", s.handleStop))
	s.mux.Handle("POST /api/emergency-stop", s.guard(PermEmergencyHalt, "emergency_stop", s.handleEmergencyStop))
	s.mux.Handle("POST /api/resume", s.guard(PermRecovery, "resume", s.handleResume))
	s.mux.Handle("POST /api/mode", s.guard(PermSetMode, "set_mode", s.handleSetMode))
	s.mux.Handle("GET /api/risk", s.guard(PermViewRisk, "get_risk_state", s.handleRisk))
	s.mux.Handle("GET /api/positions", s.guard(PermViewPortfolio, "get_open_positions", s.handlePositions))
	s.mux.Handle("GET /api/orders", s.guard(PermViewPortfolio, "get_orders", s.handleOrders))
	s.mux.Handle("GET /api/events", s.guard(PermAuditAccess, "get_events", s.handleEvents))
	s.mux.Handle("GET /api/status", s.guard(PermViewRisk, "get_status", s.handleStatus))

	if cfg.SlackSigningSecret != "" {
		s.slack = NewSlackHandler(cfg.SlackSigningSecret, cmds, rbac, audit)
		s.mux.Handle("POST /slack/commands", s.slack)
	}
	return s
}

func (s *Server) Handler() http.Handler { return withRequestID(s.mux) }

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	observ.Log("api_listening", map[string]any{"addr": s.cfg.Addr})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.slack != nil {
			s.slack.Close()
		}
		return srv.Shutdown(shutdownCtx)
	}
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyRequestID, id)))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(keyRequestID).(string)
	return id
}

func principal(r *http.Request) Principal {
	p, _ := r.Context().Value(keyPrincipal).(Principal)
	return p
}

// guard authenticates the bearer token, checks perm and audits the outcome
// of every state-changing call
func (s *Server) guard(perm, action string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		entry := AuditEntry{
			Action:        action,
			Resource:      r.URL.Path,
			RemoteAddr:    r.RemoteAddr,
			CorrelationID: requestID(r),
		}

		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		p, err := s.rbac.Authenticate(strings.TrimSpace(token))
		if err != nil {
			entry.Principal, entry.Outcome = "anonymous", "denied"
			entry.Details = map[string]any{"reason": "unauthenticated"}
			s.audit.Record(entry)
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		entry.Principal = p.Name
		if !p.Can(perm) {
			entry.Outcome = "denied"
			entry.Details = map[string]any{"reason": "insufficient_permissions", "required": perm}
			s.audit.Record(entry)
			writeError(w, http.StatusForbidden, ErrForbidden)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(context.WithValue(r.Context(), keyPrincipal, p)))

		observ.RecordDuration("api_request_duration", time.Since(start), map[string]string{"action": action})
		if r.Method == http.MethodGet {
			return
		}
		entry.Outcome = "success"
		if rec.status >= 400 {
			entry.Outcome = "error"
		}
		entry.Details = map[string]any{"status": rec.status}
		s.audit.Record(entry)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, mode.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, mode.ErrNotHalted), errors.Is(err, mode.ErrHalted), errors.Is(err, risk.ErrFaulted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type reasonRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
	Mode   string `json:"mode"`
}

func decodeBody(w http.ResponseWriter, r *http.Request) (reasonRequest, error) {
	var req reasonRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req)
	return req, err
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	changed := s.cmds.Start(principal(r).Name)
	writeJSON(w, http.StatusOK, map[string]any{"running": true, "changed": changed})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	changed := s.cmds.Stop(principal(r).Name)
	writeJSON(w, http.StatusOK, map[string]any{"running": false, "changed": changed})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual emergency stop"
	}
	// Liquidation must not be abandoned if the caller disconnects
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.EmergencyTimeout)
	defer cancel()
	report, err := s.cmds.EmergencyStop(ctx, principal(r).Name, req.Reason)
	if err != nil {
		// The halt itself has taken effect; report partial progress
		writeJSON(w, http.StatusInternalServerError, map[string]any{"report": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cmds.Resume(principal(r).Name, req.Reason, req.Force); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.cmds.Status().Mode)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	m, err := mode.Parse(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cmds.SetMode(m, principal(r).Name); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.cmds.Status().Mode)
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cmds.RiskState())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	pos := s.cmds.OpenPositions()
	if pos == nil {
		pos = []portfolio.Position{}
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("open") == "true"
	orders := s.cmds.Orders(openOnly)
	if orders == nil {
		orders = []order.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := risk.EventFilter{Type: risk.EventType(q.Get("type")), Symbol: q.Get("symbol")}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	events := s.cmds.Events(f)
	if events == nil {
		events = []risk.RiskEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cmds.Status())
}
