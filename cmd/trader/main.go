package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/ensemble-trader/internal/alerts"
	"github.com/Rajchodisetti/ensemble-trader/internal/api"
	"github.com/Rajchodisetti/ensemble-trader/internal/broker"
	"github.com/Rajchodisetti/ensemble-trader/internal/config"
	"github.com/Rajchodisetti/ensemble-trader/internal/engine"
	"github.com/Rajchodisetti/ensemble-trader/internal/market"
	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
	"github.com/Rajchodisetti/ensemble-trader/internal/order"
	"github.com/Rajchodisetti/ensemble-trader/internal/outbox"
	"github.com/Rajchodisetti/ensemble-trader/internal/prediction"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

var version = "dev"

func main() {
	var cfgPath string
	var reloadEvery time.Duration
	flag.StringVar(&cfgPath, "config", "config/trader.yaml", "config path")
	flag.DurationVar(&reloadEvery, "reload-interval", 5*time.Second, "config poll interval")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfgPath, reloadEvery); err != nil {
		log.Fatal().Err(err).Msg("trader exited")
	}
}

func run(ctx context.Context, cfgPath string, reloadEvery time.Duration) error {
	var eng *engine.Engine
	watcher, err := config.NewWatcher(cfgPath, reloadEvery, func(c config.Root) {
		if eng != nil {
			eng.Reload(c.Engine())
		}
	})
	if err != nil {
		return err
	}
	cfg := watcher.Current()

	observ.SetupLogging(cfg.Logging.Level, cfg.Logging.Format)
	observ.SetVersion(version)
	log.Info().Str("account", cfg.AccountID).Str("mode", cfg.TradingMode).Msg("trader starting")

	st, compactor, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	initial, _ := mode.Parse(cfg.TradingMode)
	modes := mode.NewController(initial)
	events := risk.NewEventLog(cfg.Store.EventLog, 0)
	mgr := risk.NewManager(cfg.AccountID, cfg.StartingEquity, cfg.Risk, modes, events, risk.WithStore(st))
	if err := mgr.Restore(ctx); err != nil {
		return err
	}

	paper := broker.NewPaperBroker(cfg.Broker.Paper)
	defer paper.Close()
	var live broker.Broker
	if cfg.Broker.LiveEnabled {
		hb := broker.NewHTTPBroker(cfg.Broker.Live)
		hb.Start(ctx)
		live = hb
	}
	router := broker.NewRouter(paper, live)
	router.Start(ctx)

	orders := order.NewController(cfg.Order, router, st, mgr, events, modes)
	if n, err := orders.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Info().Int("orders", n).Msg("recovered open orders")
	}

	eng = engine.New(cfg.Engine(), cfg.EngineOptions(), engine.Deps{
		Modes:      modes,
		Risk:       mgr,
		Orders:     orders,
		Runners:    buildRunners(cfg),
		Normalizer: prediction.NewNormalizer(cfg.Ensemble.Staleness),
		Marker:     paper,
		Compactor:  compactor,
	})
	eng.RegisterHealthChecks()

	dispatcher := buildAlerts(cfg.Alerts, mgr)
	events.Subscribe(dispatcher.Notify)

	operators := make([]api.Operator, 0, len(cfg.API.Operators))
	for _, op := range cfg.API.Operators {
		operators = append(operators, api.Operator{Name: op.Name, Token: op.Token, Permissions: op.Permissions})
	}
	server := api.New(api.Config{Addr: cfg.API.Addr, SlackSigningSecret: cfg.API.SlackSigningSecret},
		eng, api.NewRBAC(operators, cfg.API.SlackUsers), api.NewAuditLogger(cfg.API.AuditLog))

	feed := buildFeed(cfg.Market)
	if cfg.Scheduler.AutoStart {
		eng.Start("startup")
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(4)
	go func() { defer wg.Done(); dispatcher.Run(ctx) }()
	go func() { defer wg.Done(); watcher.Run(ctx) }()
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		defer wg.Done()
		if err := eng.Serve(ctx, feed, router.Fills()); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case err = <-errCh:
		log.Error().Err(err).Msg("component failed; shutting down")
	}
	// Leave open positions as they are; an operator decides whether to
	// liquidate on restart
	eng.Stop("shutdown")
	wg.Wait()
	return err
}

func openStore(ctx context.Context, cfg config.Store) (outbox.Store, engine.Compactor, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := outbox.OpenPostgresStore(ctx, cfg.Postgres)
		return s, nil, err
	default:
		s, err := outbox.OpenFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
}

func buildRunners(cfg config.Root) []prediction.Runner {
	runners := make([]prediction.Runner, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		if m.URL != "" {
			runners = append(runners, prediction.NewHTTPRunner(m.Meta(), m.URL, cfg.Ensemble.ModelTimeout))
			continue
		}
		runners = append(runners, prediction.NewMomentumRunner(m.Meta(), m.Feature, m.Scale))
	}
	return runners
}

func buildFeed(cfg config.Market) market.Feed {
	if cfg.Source == "replay" {
		return &market.ReplayFeed{Path: cfg.ReplayPath, Speed: cfg.ReplaySpeed}
	}
	return market.NewSimFeed(cfg.Sim)
}

func buildAlerts(cfg alerts.Config, mgr *risk.Manager) *alerts.Dispatcher {
	var senders []alerts.Sender
	if cfg.Slack.WebhookURL != "" {
		senders = append(senders, alerts.NewSlackSender(cfg.Slack))
	}
	if cfg.Telegram.Token != "" {
		tg, err := alerts.NewTelegramSender(cfg.Telegram)
		if err != nil {
			log.Warn().Err(err).Msg("telegram alerts disabled")
		} else {
			senders = append(senders, tg)
		}
	}
	if len(senders) == 0 {
		log.Warn().Msg("no alert channels configured")
	}
	return alerts.NewDispatcher(cfg, mgr.Snapshot, senders...)
}
