package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/ensemble-trader/internal/alerts"
	"github.com/Rajchodisetti/ensemble-trader/internal/broker"
	"github.com/Rajchodisetti/ensemble-trader/internal/engine"
	"github.com/Rajchodisetti/ensemble-trader/internal/ensemble"
	"github.com/Rajchodisetti/ensemble-trader/internal/gate"
	"github.com/Rajchodisetti/ensemble-trader/internal/market"
	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/order"
	"github.com/Rajchodisetti/ensemble-trader/internal/outbox"
	"github.com/Rajchodisetti/ensemble-trader/internal/prediction"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

type Model struct {
	ID       string          `yaml:"id"`
	Kind     prediction.Kind `yaml:"kind"`
	Accuracy float64         `yaml:"accuracy"`
	Weight   float64         `yaml:"weight"`
	URL      string          `yaml:"url"` // model service; empty runs the built-in momentum model
	Feature  string          `yaml:"feature"`
	Scale    float64         `yaml:"scale"`
}

func (m Model) Meta() prediction.ModelMeta {
	return prediction.ModelMeta{ID: m.ID, Kind: m.Kind, Accuracy: m.Accuracy}
}

type Ensemble struct {
	MinEdge      float64       `yaml:"min_edge"`
	Epsilon      float64       `yaml:"epsilon"`
	Staleness    time.Duration `yaml:"staleness"`
	ModelTimeout time.Duration `yaml:"model_timeout"`
}

type Broker struct {
	Paper       broker.PaperConfig `yaml:"paper"`
	LiveEnabled bool               `yaml:"live_enabled"`
	Live        broker.LiveConfig  `yaml:"live"`
}

type Market struct {
	Source      string           `yaml:"source"` // sim | replay
	Sim         market.SimConfig `yaml:"sim"`
	ReplayPath  string           `yaml:"replay_path"`
	ReplaySpeed float64          `yaml:"replay_speed"`
}

type Store struct {
	Driver   string                `yaml:"driver"` // file | postgres
	Dir      string                `yaml:"dir"`
	EventLog string                `yaml:"event_log"`
	Postgres outbox.PostgresConfig `yaml:"postgres"`
}

// Operator is one API principal. The token itself comes from the named
// environment variable.
type Operator struct {
	Name        string   `yaml:"name"`
	TokenEnv    string   `yaml:"token_env"`
	Token       string   `yaml:"-"`
	Permissions []string `yaml:"permissions"`
}

type API struct {
	Addr               string              `yaml:"addr"`
	AuditLog           string              `yaml:"audit_log"`
	Operators          []Operator          `yaml:"operators"`
	SlackSigningSecret string              `yaml:"-"` // TRADER_SLACK_SIGNING_SECRET
	SlackUsers         map[string][]string `yaml:"slack_users"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

type Scheduler struct {
	AutoStart            bool          `yaml:"auto_start"`
	MaxConcurrentCycles  int           `yaml:"max_concurrent_cycles"`
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval"`
	OrderRetention       time.Duration `yaml:"order_retention"`
}

type Root struct {
	AccountID      string        `yaml:"account_id"`
	StartingEquity float64       `yaml:"starting_equity"`
	TradingMode    string        `yaml:"trading_mode"` // paper | live
	Models         []Model       `yaml:"models"`
	Ensemble       Ensemble      `yaml:"ensemble"`
	Gate           gate.Config   `yaml:"gate"`
	Risk           risk.Limits   `yaml:"risk"`
	Order          order.Config  `yaml:"order"`
	Broker         Broker        `yaml:"broker"`
	Market         Market        `yaml:"market"`
	Store          Store         `yaml:"store"`
	Alerts         alerts.Config `yaml:"alerts"`
	API            API           `yaml:"api"`
	Logging        Logging       `yaml:"logging"`
	Scheduler      Scheduler     `yaml:"scheduler"`
}

// DefaultModels is the three-model production set with the 40/35/25 split
func DefaultModels() []Model {
	return []Model{
		{ID: "random_forest", Kind: prediction.KindClassProbs, Accuracy: 0.62, Weight: 0.40, Feature: market.FeatureMomentum, Scale: 2},
		{ID: "lstm", Kind: prediction.KindClassProbs, Accuracy: 0.58, Weight: 0.35, Feature: market.FeatureMomentum, Scale: 3},
		{ID: "ddqn", Kind: prediction.KindQValues, Accuracy: 0.55, Weight: 0.25, Feature: market.FeatureReturn, Scale: 0.002},
	}
}

// Default returns a complete paper-trading configuration
func Default() Root {
	ens := ensemble.DefaultConfig()
	return Root{
		AccountID:      "default",
		StartingEquity: 100000,
		TradingMode:    string(mode.Paper),
		Models:         DefaultModels(),
		Ensemble: Ensemble{
			MinEdge:      ens.MinEdge,
			Epsilon:      ens.Epsilon,
			Staleness:    30 * time.Second,
			ModelTimeout: 2 * time.Second,
		},
		Gate:  gate.DefaultConfig(),
		Risk:  risk.DefaultLimits(),
		Order: order.DefaultConfig(),
		Broker: Broker{
			Paper: broker.PaperConfig{LatencyMsMin: 100, LatencyMsMax: 2000, SlippageBpsMin: 1, SlippageBpsMax: 5, FillChunks: 1},
			Live:  broker.LiveConfig{BaseURL: "http://localhost:8091", Timeout: 5 * time.Second},
		},
		Market: Market{
			Source: "sim",
			Sim:    market.SimConfig{Interval: 5 * time.Second, Window: 20},
		},
		Store: Store{
			Driver:   "file",
			Dir:      "data/outbox",
			EventLog: "data/risk_events.jsonl",
		},
		Alerts:  alerts.DefaultConfig(),
		API:     API{Addr: ":8090", AuditLog: "data/audit.jsonl"},
		Logging: Logging{Level: "info", Format: "json"},
		Scheduler: Scheduler{
			MaxConcurrentCycles:  8,
			HousekeepingInterval: 30 * time.Second,
			OrderRetention:       24 * time.Hour,
		},
	}
}

// Load reads the YAML file over the defaults, then applies .env and
// TRADER_* environment overrides. The result is not validated.
func Load(path string) (Root, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(c.Models) == 0 {
		c.Models = DefaultModels()
	}
	for i := range c.Models {
		if c.Models[i].Kind == "" {
			c.Models[i].Kind = prediction.KindClassProbs
		}
		if c.Models[i].Feature == "" {
			c.Models[i].Feature = market.FeatureMomentum
		}
	}

	// Missing .env is normal outside local development
	_ = godotenv.Load()
	if err := applyEnv(&c); err != nil {
		return c, err
	}
	return c, nil
}

func getEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	return v, ok && v != ""
}

// applyEnv layers secrets and deployment overrides from the environment
func applyEnv(c *Root) error {
	if v, ok := getEnv("TRADER_ACCOUNT_ID"); ok {
		c.AccountID = v
	}
	if v, ok := getEnv("TRADER_MODE"); ok {
		c.TradingMode = v
	}
	if v, ok := getEnv("TRADER_STARTING_EQUITY"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid TRADER_STARTING_EQUITY: %w", err)
		}
		c.StartingEquity = f
	}
	if v, ok := getEnv("TRADER_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := getEnv("TRADER_API_ADDR"); ok {
		c.API.Addr = v
	}
	if v, ok := getEnv("TRADER_BROKER_URL"); ok {
		c.Broker.Live.BaseURL = v
	}
	if v, ok := getEnv("TRADER_BROKER_API_KEY"); ok {
		c.Broker.Live.APIKey = v
	}
	if v, ok := getEnv("TRADER_POSTGRES_DSN"); ok {
		c.Store.Postgres.DSN = v
	}
	if v, ok := getEnv("TRADER_SLACK_WEBHOOK_URL"); ok {
		c.Alerts.Slack.WebhookURL = v
	}
	if v, ok := getEnv("TRADER_SLACK_SIGNING_SECRET"); ok {
		c.API.SlackSigningSecret = v
	}
	if v, ok := getEnv("TRADER_TELEGRAM_TOKEN"); ok {
		c.Alerts.Telegram.Token = v
	}
	if v, ok := getEnv("TRADER_TELEGRAM_CHAT_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TRADER_TELEGRAM_CHAT_ID: %w", err)
		}
		c.Alerts.Telegram.ChatID = id
	}
	for i := range c.API.Operators {
		op := &c.API.Operators[i]
		if op.TokenEnv != "" {
			op.Token = os.Getenv(op.TokenEnv)
		}
	}
	c.Store.Postgres.AccountID = c.AccountID
	return nil
}

// Validate reports every problem found, joined
func (c Root) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, err := mode.Parse(c.TradingMode); err != nil {
		bad("trading_mode: %v", err)
	}
	if c.AccountID == "" {
		bad("account_id is required")
	}
	if c.StartingEquity <= 0 {
		bad("starting_equity must be positive")
	}

	if len(c.Models) == 0 {
		bad("models: at least one model is required")
	}
	seen := map[string]bool{}
	var totalWeight float64
	for _, m := range c.Models {
		switch {
		case m.ID == "":
			bad("models: id is required")
		case seen[m.ID]:
			bad("models: duplicate id %q", m.ID)
		}
		seen[m.ID] = true
		if m.Weight < 0 {
			bad("models: %s has negative weight", m.ID)
		}
		totalWeight += m.Weight
		switch m.Kind {
		case prediction.KindClassProbs, prediction.KindQValues, prediction.KindDirect:
		default:
			bad("models: %s has unknown kind %q", m.ID, m.Kind)
		}
		if m.Accuracy < 0 || m.Accuracy > 1 {
			bad("models: %s accuracy must be in [0,1]", m.ID)
		}
	}
	if len(c.Models) > 0 && totalWeight <= 0 {
		bad("models: weights must sum to a positive value")
	}

	if c.Ensemble.MinEdge < 0 || c.Ensemble.MinEdge >= 1 {
		bad("ensemble.min_edge must be in [0,1)")
	}
	if c.Gate.ConfidenceThreshold < 0 || c.Gate.ConfidenceThreshold > 1 {
		bad("gate.confidence_threshold must be in [0,1]")
	}
	if c.Gate.OrdersPerMinute < 0 {
		bad("gate.orders_per_minute must not be negative")
	}

	r := c.Risk
	if r.DailyLossLimit <= 0 {
		bad("risk.daily_loss_limit must be positive")
	}
	if r.MaxPositions < 1 {
		bad("risk.max_positions must be at least 1")
	}
	if r.PerSymbolCap <= 0 || r.PerSymbolCap > 1 {
		bad("risk.per_symbol_cap must be in (0,1]")
	}
	if r.DrawdownHaltPct <= 0 || r.DrawdownHaltPct >= 1 {
		bad("risk.drawdown_halt_pct must be in (0,1)")
	}
	if r.VaRLimitPct < 0 || r.VaRLimitPct >= 1 {
		bad("risk.var_limit_pct must be in [0,1)")
	}
	if r.VaRConfidence <= 0.5 || r.VaRConfidence >= 1 {
		bad("risk.var_confidence must be in (0.5,1)")
	}
	if r.StopLossPct < 0 || r.TakeProfitPct < 0 {
		bad("risk stop_loss_pct and take_profit_pct must not be negative")
	}

	switch c.Store.Driver {
	case "file":
		if c.Store.Dir == "" {
			bad("store.dir is required for the file driver")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			bad("store.postgres requires TRADER_POSTGRES_DSN")
		}
	default:
		bad("store.driver %q is not file or postgres", c.Store.Driver)
	}

	if c.Broker.LiveEnabled && c.Broker.Live.BaseURL == "" {
		bad("broker.live.base_url is required when live is enabled")
	}
	if c.TradingMode == string(mode.Live) && !c.Broker.LiveEnabled {
		bad("trading_mode live requires broker.live_enabled")
	}

	switch c.Market.Source {
	case "sim":
	case "replay":
		if c.Market.ReplayPath == "" {
			bad("market.replay_path is required for the replay source")
		}
	default:
		bad("market.source %q is not sim or replay", c.Market.Source)
	}

	for _, op := range c.API.Operators {
		if op.Name == "" || len(op.Permissions) == 0 {
			bad("api.operators: name and permissions are required")
		}
	}
	return errors.Join(errs...)
}

// Weights is the ensemble weight table
func (c Root) Weights() map[string]float64 {
	w := make(map[string]float64, len(c.Models))
	for _, m := range c.Models {
		w[m.ID] = m.Weight
	}
	return w
}

// Engine is the slice of the configuration applied at cycle boundaries
func (c Root) Engine() engine.Config {
	return engine.Config{
		Ensemble: ensemble.Config{
			Weights: c.Weights(),
			MinEdge: c.Ensemble.MinEdge,
			Epsilon: c.Ensemble.Epsilon,
		},
		Gate:         c.Gate,
		Limits:       c.Risk,
		ModelTimeout: c.Ensemble.ModelTimeout,
	}
}

func (c Root) EngineOptions() engine.Options {
	return engine.Options{
		MaxConcurrentCycles:  c.Scheduler.MaxConcurrentCycles,
		HousekeepingInterval: c.Scheduler.HousekeepingInterval,
		OrderRetention:       c.Scheduler.OrderRetention,
	}
}
