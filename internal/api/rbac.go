package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
)

// Permissions granted to operators
const (
	PermViewRisk      = "view_risk"
	PermViewPortfolio = "view_portfolio"
	PermTradeControl  = "trade_control" // start and stop the scheduler
	PermSetMode       = "set_mode"
	PermEmergencyHalt = "emergency_halt"
	PermRecovery      = "initiate_recovery"
	PermAuditAccess   = "audit_access"
	PermAll           = "*"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("insufficient permissions")
)

// Principal is an authenticated caller
type Principal struct {
	Name        string
	Permissions []string
}

func (p Principal) Can(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm || have == PermAll {
			return true
		}
	}
	return false
}

// Operator binds a bearer token to a principal
type Operator struct {
	Name        string
	Token       string
	Permissions []string
}

// RBAC resolves bearer tokens and Slack user ids to principals
type RBAC struct {
	operators  []Operator
	slackUsers map[string][]string
}

func NewRBAC(operators []Operator, slackUsers map[string][]string) *RBAC {
	ops := make([]Operator, 0, len(operators))
	for _, op := range operators {
		if op.Token == "" {
			observ.Log("operator_without_token", map[string]any{"operator": op.Name})
			continue
		}
		ops = append(ops, op)
	}
	return &RBAC{operators: ops, slackUsers: slackUsers}
}

// Authenticate compares the token against every operator in constant time
func (r *RBAC) Authenticate(token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}
	var found *Operator
	for i := range r.operators {
		if subtle.ConstantTimeCompare([]byte(token), []byte(r.operators[i].Token)) == 1 {
			found = &r.operators[i]
		}
	}
	if found == nil {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{Name: found.Name, Permissions: found.Permissions}, nil
}

// SlackPrincipal looks up a Slack user. Unknown users have no permissions.
func (r *RBAC) SlackPrincipal(userID, userName string) (Principal, bool) {
	perms, ok := r.slackUsers[userID]
	if !ok {
		return Principal{}, false
	}
	name := userName
	if name == "" {
		name = userID
	}
	return Principal{Name: "slack:" + name, Permissions: perms}, true
}

// AuditEntry is one line of the audit trail
type AuditEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Principal     string         `json:"principal"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource"`
	Outcome       string         `json:"outcome"` // success, denied, error
	Details       map[string]any `json:"details,omitempty"`
	RemoteAddr    string         `json:"remote_addr,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// AuditLogger appends entries to a JSONL file. An empty path only logs.
type AuditLogger struct {
	path string
	mu   sync.Mutex
}

func NewAuditLogger(path string) *AuditLogger {
	return &AuditLogger{path: path}
}

func (a *AuditLogger) Record(entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	observ.IncCounter("audit_entries_total", map[string]string{"outcome": entry.Outcome})
	observ.Log("audit", map[string]any{
		"principal": entry.Principal, "action": entry.Action, "outcome": entry.Outcome, "correlation_id": entry.CorrelationID,
	})
	if a == nil || a.path == "" {
		return
	}
	if err := a.append(entry); err != nil {
		observ.IncCounter("audit_log_errors_total", nil)
		observ.Log("audit_write_failed", map[string]any{"error": err.Error()})
	}
}

func (a *AuditLogger) append(entry AuditEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s\n", b)
	return err
}
