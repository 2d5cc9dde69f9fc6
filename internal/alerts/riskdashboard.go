package alerts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

// stateBlocks renders the account's risk state as Slack Block Kit blocks
func stateBlocks(headline string, st risk.State) []any {
	blocks := []any{
		map[string]any{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": headline},
		},
		map[string]any{
			"type": "section",
			"fields": []map[string]any{
				mrkdwn(fmt.Sprintf("*Equity:* $%.2f", st.Equity)),
				mrkdwn(fmt.Sprintf("*Daily P&L:* %s$%.2f", pnlEmoji(st.DailyPnL), st.DailyPnL)),
				mrkdwn(fmt.Sprintf("*Drawdown:* %.2f%%", st.DrawdownPct*100)),
				mrkdwn(fmt.Sprintf("*VaR:* %.2f%%", st.VaRPct*100)),
				mrkdwn(fmt.Sprintf("*Mode:* %s %s", modeEmoji(st.Mode), st.Mode)),
				mrkdwn(fmt.Sprintf("*Positions:* %d / %d", len(st.OpenPositions), st.MaxPositions)),
			},
		},
	}

	if n := len(st.OpenPositions); n > 0 && n <= 6 {
		syms := make([]string, 0, n)
		for s := range st.OpenPositions {
			syms = append(syms, s)
		}
		sort.Strings(syms)
		var b strings.Builder
		b.WriteString("*Open positions:*\n")
		for _, s := range syms {
			p := st.OpenPositions[s]
			fmt.Fprintf(&b, "• %s %s %.4g @ %.2f: %s$%.2f\n", s, p.Side, p.Size, p.EntryPrice, pnlEmoji(p.UnrealizedPnL), p.UnrealizedPnL)
		}
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": mrkdwn(b.String()),
		})
	}

	if len(st.Liquidating) > 0 || st.Faulted {
		var b strings.Builder
		if len(st.Liquidating) > 0 {
			fmt.Fprintf(&b, "🔻 *Liquidating:* %s\n", strings.Join(st.Liquidating, ", "))
		}
		if st.Faulted {
			fmt.Fprintf(&b, "🛑 *Faulted:* %s\n", st.FaultReason)
		}
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": mrkdwn(b.String()),
		})
	}
	return blocks
}

func mrkdwn(text string) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": text}
}

func pnlEmoji(pnl float64) string {
	if pnl > 0 {
		return "🟢"
	} else if pnl < 0 {
		return "🔴"
	}
	return "⚪"
}

func modeEmoji(m mode.Mode) string {
	switch m {
	case mode.Live:
		return "🟢"
	case mode.Paper:
		return "📝"
	case mode.Halted:
		return "🛑"
	default:
		return "❓"
	}
}
