package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

type SlackConfig struct {
	WebhookURL string `yaml:"-"` // TRADER_SLACK_WEBHOOK_URL
	Channel    string `yaml:"channel"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Blocks      []any             `json:"blocks,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackSender posts alerts to an incoming webhook
type SlackSender struct {
	cfg        SlackConfig
	httpClient *http.Client
}

func NewSlackSender(cfg SlackConfig) *SlackSender {
	return &SlackSender{cfg: cfg, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(s.formatMessage(a))
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func severityColor(s risk.Severity) string {
	switch s {
	case risk.SeverityCritical:
		return "danger"
	case risk.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

func severityEmoji(s risk.Severity) string {
	switch s {
	case risk.SeverityCritical:
		return "🚨"
	case risk.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// maxDetailFields keeps messages readable
const maxDetailFields = 6

func (s *SlackSender) formatMessage(a Alert) SlackMessage {
	ev := a.Event
	text := fmt.Sprintf("%s %s: %s", severityEmoji(ev.Severity), ev.Type, ev.Reason)
	if ev.Symbol != "" {
		text += " (" + ev.Symbol + ")"
	}

	fields := []SlackField{
		{Title: "Type", Value: string(ev.Type), Short: true},
		{Title: "Reason", Value: ev.Reason, Short: true},
		{Title: "Severity", Value: string(ev.Severity), Short: true},
		{Title: "Time", Value: ev.Timestamp.UTC().Format("15:04:05 MST"), Short: true},
	}
	if ev.Symbol != "" {
		fields = append(fields, SlackField{Title: "Symbol", Value: ev.Symbol, Short: true})
	}
	if ev.Actor != "" {
		fields = append(fields, SlackField{Title: "Actor", Value: ev.Actor, Short: true})
	}
	for i, k := range detailKeys(ev.Detail) {
		if i == maxDetailFields {
			fields = append(fields, SlackField{Title: "…", Value: fmt.Sprintf("%d more", len(ev.Detail)-i), Short: true})
			break
		}
		fields = append(fields, SlackField{Title: k, Value: fmt.Sprint(ev.Detail[k]), Short: true})
	}

	msg := SlackMessage{
		Channel:     s.cfg.Channel,
		Text:        text,
		Attachments: []SlackAttachment{{Color: severityColor(ev.Severity), Fields: fields}},
	}
	if a.State != nil {
		msg.Blocks = stateBlocks(text, *a.State)
	}
	return msg
}

func detailKeys(detail map[string]any) []string {
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// plainSummary renders an alert as plain text for chat channels without
// rich formatting
func plainSummary(a Alert) string {
	ev := a.Event
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s\n", severityEmoji(ev.Severity), strings.ToUpper(string(ev.Type)), ev.Reason)
	if ev.Symbol != "" {
		fmt.Fprintf(&b, "Symbol: %s\n", ev.Symbol)
	}
	if ev.Actor != "" {
		fmt.Fprintf(&b, "Actor: %s\n", ev.Actor)
	}
	for _, k := range detailKeys(ev.Detail) {
		fmt.Fprintf(&b, "%s: %v\n", k, ev.Detail[k])
	}
	if st := a.State; st != nil {
		fmt.Fprintf(&b, "Equity: $%.2f  Drawdown: %.2f%%  Positions: %d  Mode: %s\n",
			st.Equity, st.DrawdownPct*100, len(st.OpenPositions), st.Mode)
	}
	fmt.Fprintf(&b, "At: %s", ev.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}
