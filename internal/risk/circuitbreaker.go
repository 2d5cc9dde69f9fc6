package risk

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
)

// Breaker reasons recorded on circuit_break events
const (
	BreakDrawdown = "drawdown_limit"
	BreakVaR      = "var_limit"
	BreakManual   = "emergency_stop"
)

// evaluateLocked checks drawdown and VaR. A breach halts trading and returns
// force-close instructions for every open position. While halted it keeps
// returning instructions for positions that are not already being closed.
func (m *Manager) evaluateLocked() []CloseInstruction {
	drawdown := Drawdown(m.peak, m.equity)
	m.varPct = ParametricVaR(m.window.returns, m.limits.VaRConfidence, m.limits.VaRMinSamples)
	observ.SetGauge("var_pct", m.varPct, map[string]string{"account": m.accountID})

	halted := m.faulted || (m.mode != nil && m.mode.IsHalted())
	if halted {
		return m.liquidateAllLocked("halted")
	}

	var reason string
	detail := map[string]any{
		"equity":       m.equity,
		"peak_equity":  m.peak,
		"drawdown_pct": drawdown,
		"var_pct":      m.varPct,
	}
	switch {
	case m.limits.DrawdownHaltPct > 0 && drawdown > m.limits.DrawdownHaltPct:
		reason = BreakDrawdown
		detail["limit"] = m.limits.DrawdownHaltPct
	case m.limits.VaRLimitPct > 0 && m.varPct > m.limits.VaRLimitPct:
		reason = BreakVaR
		detail["limit"] = m.limits.VaRLimitPct
		detail["samples"] = len(m.window.returns)
	default:
		return nil
	}
	return m.tripLocked("risk_manager", reason, detail)
}

// tripLocked halts, records the circuit_break event and liquidates
func (m *Manager) tripLocked(actor, reason string, detail map[string]any) []CloseInstruction {
	if m.mode != nil {
		m.mode.Halt(actor, reason)
	}
	detail["positions"] = m.book.Len()
	m.events.Record(RiskEvent{
		Type:     EventCircuitBreak,
		Severity: SeverityCritical,
		Reason:   reason,
		Actor:    actor,
		Detail:   detail,
	})
	observ.IncCounter("circuit_breaker_trips_total", map[string]string{"reason": reason})
	log.Warn().Str("reason", reason).Float64("equity", m.equity).Float64("peak", m.peak).
		Int("positions", m.book.Len()).Msg("circuit breaker tripped")
	m.version++
	return m.liquidateAllLocked(reason)
}

// liquidateAllLocked returns close instructions for every open position not
// already being closed, and drops all entry reservations.
func (m *Manager) liquidateAllLocked(reason string) []CloseInstruction {
	for k, r := range m.reservations {
		if !r.auth.Reduce {
			delete(m.reservations, k)
		}
	}
	var out []CloseInstruction
	for _, sym := range m.book.Symbols() {
		if m.liquidating[sym] {
			continue
		}
		pos, _ := m.book.Position(sym)
		out = append(out, m.closeInstructionLocked(pos, reason))
	}
	return out
}

func (m *Manager) closeInstructionLocked(pos portfolio.Position, reason string) CloseInstruction {
	m.liquidating[pos.Symbol] = true
	price := m.marks[pos.Symbol]
	if price <= 0 {
		price = pos.EntryPrice
	}
	return CloseInstruction{
		Symbol:   pos.Symbol,
		Side:     pos.Side.Closes(),
		Quantity: pos.Size,
		Price:    price,
		Reason:   reason,
		IssuedAt: m.now().UTC(),
		Venue:    pos.Venue,
	}
}

// EmergencyHalt flips the mode to halted under the risk lock, so no
// authorization can succeed once it begins, and returns close instructions
// for all open positions. The caller cancels open orders and then passes the
// instructions to Liquidate.
func (m *Manager) EmergencyHalt(actor, reason string) []CloseInstruction {
	m.mu.Lock()
	instructions := m.emergencyHaltLocked(actor, reason)
	m.mu.Unlock()
	m.persist()
	return instructions
}

func (m *Manager) emergencyHaltLocked(actor, reason string) []CloseInstruction {
	if m.mode != nil {
		m.mode.Halt(actor, BreakManual)
	}
	m.events.Record(RiskEvent{
		Type:     EventManualOverride,
		Severity: SeverityCritical,
		Reason:   BreakManual,
		Actor:    actor,
		Detail:   map[string]any{"note": reason, "positions": m.book.Len(), "equity": m.equity},
	})
	m.version++
	// Re-issue for everything: a fresh emergency stop supersedes any exit in flight.
	for sym := range m.liquidating {
		delete(m.liquidating, sym)
	}
	return m.liquidateAllLocked(BreakManual)
}

// Resume is the manual override that leaves halted mode. It re-baselines
// peak equity and the VaR window so the same breach does not fire again
// immediately. A faulted manager needs force.
func (m *Manager) Resume(actor, reason string, force bool) error {
	m.mu.Lock()
	if m.faulted && !force {
		m.mu.Unlock()
		return ErrFaulted
	}
	if m.mode != nil && !m.mode.IsHalted() && !m.faulted {
		m.mu.Unlock()
		return mode.ErrNotHalted
	}
	if m.mode != nil && m.mode.IsHalted() {
		if err := m.mode.Resume(actor, reason); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("resume: %w", err)
		}
	}
	wasFaulted := m.faulted
	m.faulted = false
	m.faultReason = ""
	m.peak = m.equity
	m.window.reset(m.equity)
	m.varPct = 0
	m.version++
	m.events.Record(RiskEvent{
		Type:     EventManualOverride,
		Severity: SeverityWarning,
		Reason:   "resume",
		Actor:    actor,
		Detail:   map[string]any{"note": reason, "forced": force, "was_faulted": wasFaulted, "equity": m.equity},
	})
	m.mu.Unlock()

	log.Info().Str("actor", actor).Bool("forced", force).Msg("risk manager resumed")
	m.persist()
	return nil
}
