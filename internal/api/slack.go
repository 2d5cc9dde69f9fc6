package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
)

const (
	maxRequestSkew = 5 * time.Minute
	nonceTTL       = 10 * time.Minute
)

// SlashCommand is the subset of Slack's slash-command form we use
type SlashCommand struct {
	UserID   string
	UserName string
	Command  string
	Text     string
}

type SlashResponse struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

// SlackHandler serves /trader slash commands. Requests must carry a valid
// signature, be fresh and not be replays.
type SlackHandler struct {
	signingSecret string
	cmds          Commands
	rbac          *RBAC
	audit         *AuditLogger
	now           func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
	done   chan struct{}
	once   sync.Once
}

func NewSlackHandler(signingSecret string, cmds Commands, rbac *RBAC, audit *AuditLogger) *SlackHandler {
	h := &SlackHandler{
		signingSecret: signingSecret,
		cmds:          cmds,
		rbac:          rbac,
		audit:         audit,
		now:           time.Now,
		nonces:        make(map[string]time.Time),
		done:          make(chan struct{}),
	}
	go h.cleanupNonces()
	return h
}

func (h *SlackHandler) Close() { h.once.Do(func() { close(h.done) }) }

func (h *SlackHandler) cleanupNonces() {
	t := time.NewTicker(nonceTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-t.C:
			cutoff := h.now().Add(-nonceTTL)
			h.mu.Lock()
			for n, at := range h.nonces {
				if at.Before(cutoff) {
					delete(h.nonces, n)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Sign computes the v0 signature Slack sends for body at timestamp ts
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func (h *SlackHandler) verify(body []byte, signature, timestamp string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	skew := h.now().Sub(time.Unix(ts, 0))
	if skew > maxRequestSkew || skew < -maxRequestSkew {
		return fmt.Errorf("request timestamp outside window")
	}
	if !hmac.Equal([]byte(Sign(h.signingSecret, timestamp, body)), []byte(signature)) {
		return fmt.Errorf("invalid signature")
	}

	nonce := signature + timestamp
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, seen := h.nonces[nonce]; seen {
		return fmt.Errorf("replayed request")
	}
	h.nonces[nonce] = h.now()
	return nil
}

func (h *SlackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if err := h.verify(body, r.Header.Get("X-Slack-Signature"), r.Header.Get("X-Slack-Request-Timestamp")); err != nil {
		observ.IncCounter("slack_rejected_total", map[string]string{"reason": "signature"})
		h.audit.Record(AuditEntry{
			Principal: "anonymous", Action: "slack_command", Resource: "slack", Outcome: "denied",
			Details: map[string]any{"reason": err.Error()}, RemoteAddr: r.RemoteAddr, CorrelationID: requestID(r),
		})
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "failed to parse command", http.StatusBadRequest)
		return
	}
	cmd := SlashCommand{
		UserID:   values.Get("user_id"),
		UserName: values.Get("user_name"),
		Command:  values.Get("command"),
		Text:     strings.TrimSpace(values.Get("text")),
	}
	observ.IncCounter("slack_commands_total", nil)
	writeJSON(w, http.StatusOK, h.dispatch(r.Context(), cmd, requestID(r)))
}

// slackActions maps sub-commands to the permission they need
var slackActions = map[string]string{
	"status":    PermViewRisk,
	"risk":      PermViewRisk,
	"positions": PermViewPortfolio,
	"start":     PermTradeControl,
	"stop":      PermTradeControl,
	"mode":      PermSetMode,
	"halt":      PermEmergencyHalt,
	"resume":    PermRecovery,
}

func ephemeral(format string, args ...any) SlashResponse {
	return SlashResponse{ResponseType: "ephemeral", Text: fmt.Sprintf(format, args...)}
}

func (h *SlackHandler) dispatch(ctx context.Context, cmd SlashCommand, correlationID string) SlashResponse {
	fields := strings.Fields(cmd.Text)
	sub := "status"
	if len(fields) > 0 {
		sub = strings.ToLower(fields[0])
		fields = fields[1:]
	}
	perm, known := slackActions[sub]
	if !known {
		return ephemeral("Unknown command. Available: status, risk, positions, start, stop, mode <paper|live>, halt <reason>, resume [force] <reason>")
	}

	entry := AuditEntry{Action: sub, Resource: "slack", CorrelationID: correlationID, Details: map[string]any{"text": cmd.Text}}
	p, ok := h.rbac.SlackPrincipal(cmd.UserID, cmd.UserName)
	entry.Principal = p.Name
	if !ok || !p.Can(perm) {
		if !ok {
			entry.Principal = "slack:" + cmd.UserID
		}
		entry.Outcome = "denied"
		h.audit.Record(entry)
		return ephemeral("Access denied: %s requires %s", sub, perm)
	}

	resp, err := h.execute(ctx, sub, fields, p)
	entry.Outcome = "success"
	if err != nil {
		entry.Outcome = "error"
		entry.Details["error"] = err.Error()
		resp = ephemeral("%s failed: %v", sub, err)
	}
	if perm != PermViewRisk && perm != PermViewPortfolio {
		h.audit.Record(entry)
	}
	return resp
}

func (h *SlackHandler) execute(ctx context.Context, sub string, args []string, p Principal) (SlashResponse, error) {
	switch sub {
	case "status":
		st := h.cmds.Status()
		return ephemeral("Mode: %s (trading %s)  Scheduler running: %t  Cycles: %d  Open orders: %d",
			st.Mode.Mode, st.Mode.Trading, st.Running, st.Cycles, st.OpenOrders), nil
	case "risk":
		r := h.cmds.RiskState()
		return ephemeral("Equity: $%.2f  Daily P&L: $%.2f  Drawdown: %.2f%%  VaR: %.2f%%  Positions: %d/%d",
			r.Equity, r.DailyPnL, r.DrawdownPct*100, r.VaRPct*100, len(r.OpenPositions), r.MaxPositions), nil
	case "positions":
		pos := h.cmds.OpenPositions()
		if len(pos) == 0 {
			return ephemeral("No open positions"), nil
		}
		sort.Slice(pos, func(i, j int) bool { return pos[i].Symbol < pos[j].Symbol })
		var b strings.Builder
		for _, ps := range pos {
			fmt.Fprintf(&b, "%s %s %.4g @ %.2f  uPnL $%.2f\n", ps.Symbol, ps.Side, ps.Size, ps.EntryPrice, ps.UnrealizedPnL)
		}
		return ephemeral("%s", strings.TrimRight(b.String(), "\n")), nil
	case "start":
		h.cmds.Start(p.Name)
		return SlashResponse{ResponseType: "in_channel", Text: "Scheduler started by " + p.Name}, nil
	case "stop":
		h.cmds.Stop(p.Name)
		return SlashResponse{ResponseType: "in_channel", Text: "Scheduler stopped by " + p.Name}, nil
	case "mode":
		if len(args) != 1 {
			return ephemeral("Usage: mode <paper|live>"), nil
		}
		m, err := mode.Parse(strings.ToLower(args[0]))
		if err != nil {
			return SlashResponse{}, err
		}
		if err := h.cmds.SetMode(m, p.Name); err != nil {
			return SlashResponse{}, err
		}
		return SlashResponse{ResponseType: "in_channel", Text: fmt.Sprintf("Trading mode set to %s by %s", m, p.Name)}, nil
	case "halt":
		reason := strings.Join(args, " ")
		if reason == "" {
			reason = "manual halt via slack"
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		report, err := h.cmds.EmergencyStop(ctx, p.Name, reason)
		if err != nil {
			return SlashResponse{}, err
		}
		return SlashResponse{ResponseType: "in_channel", Text: fmt.Sprintf("EMERGENCY STOP by %s: %s. Cancelled %d orders, closing %d positions",
			p.Name, reason, report.OrdersCancelled, report.PositionsClosed)}, nil
	case "resume":
		force := len(args) > 0 && args[0] == "force"
		if force {
			args = args[1:]
		}
		if err := h.cmds.Resume(p.Name, strings.Join(args, " "), force); err != nil {
			return SlashResponse{}, err
		}
		return SlashResponse{ResponseType: "in_channel", Text: "Trading resumed by " + p.Name}, nil
	}
	return ephemeral("Unknown command"), nil
}

