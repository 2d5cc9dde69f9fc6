// Command brokerstub serves a simulated execution venue over the live
// broker wire protocol, for exercising live mode without a real venue.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/ensemble-trader/internal/broker"
	"github.com/Rajchodisetti/ensemble-trader/internal/market"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
)

func main() {
	var (
		addr      string
		symbols   string
		interval  time.Duration
		seed      int64
		latencyMs int
		chunks    int
	)
	flag.StringVar(&addr, "addr", ":8091", "listen address")
	flag.StringVar(&symbols, "symbols", "", "comma-separated symbols to quote (default: built-in set)")
	flag.DurationVar(&interval, "interval", time.Second, "mark update interval")
	flag.Int64Var(&seed, "seed", 0, "random seed (0 = time based)")
	flag.IntVar(&latencyMs, "latency-ms", 250, "maximum simulated fill latency")
	flag.IntVar(&chunks, "fill-chunks", 1, "split each order into this many partial fills")
	flag.Parse()

	observ.SetupLogging(os.Getenv("TRADER_LOG_LEVEL"), "console")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paper := broker.NewPaperBroker(broker.PaperConfig{
		LatencyMsMin:   latencyMs / 10,
		LatencyMsMax:   latencyMs,
		SlippageBpsMin: 1,
		SlippageBpsMax: 5,
		FillChunks:     chunks,
		Seed:           seed,
	})
	defer paper.Close()

	simCfg := market.SimConfig{Interval: interval, Seed: seed}
	if symbols != "" {
		simCfg.Symbols = strings.Split(symbols, ",")
	}
	marks, err := market.NewSimFeed(simCfg).Start(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("price feed")
	}
	go func() {
		for s := range marks {
			paper.Mark(s.Symbol, s.Price)
		}
	}()

	venue := broker.NewServer(paper)
	go venue.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: venue, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		venue.DropClients()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("broker stub listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("broker stub failed")
	}
}
