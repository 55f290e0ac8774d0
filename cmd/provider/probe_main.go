package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/binance"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/ccxt"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/coinbase"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/kraken"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/infrastructure/httpclient"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/ratelimit"
)

// runProbe fetches every configured (exchange, symbol) pair once over
// REST and prints a reachability report. Native adapters fetch without
// connecting their streams; other venues go through a per-venue
// fallback poller so each row reflects exactly one venue.
func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	limiter := ratelimit.New(cfg.RateLimit)
	pool := httpclient.New(cfg.HTTPClient, limiter)

	binanceWS := binance.New(cfg.Binance, pool)
	coinbaseWS := coinbase.New(cfg.Coinbase, pool)
	krakenWS := kraken.New(cfg.Kraken, pool)
	native := map[string]adapters.RESTFetcher{
		binanceWS.ExchangeName():  binanceWS,
		coinbaseWS.ExchangeName(): coinbaseWS,
		krakenWS.ExchangeName():   krakenWS,
	}
	pollers := make(map[string]*ccxt.Adapter)

	fmt.Printf("%-24s %-10s %-8s %16s %10s  %s\n",
		"FEED", "EXCHANGE", "STATUS", "PRICE", "LATENCY", "DETAIL")

	var failures int
	for _, fc := range cfg.Feeds {
		for _, src := range fc.Sources {
			fetcher, ok := native[src.Exchange]
			if !ok {
				poller, ok := pollers[src.Exchange]
				if !ok {
					poller = ccxt.New(cfg.CCXT, pool)
					pollers[src.Exchange] = poller
				}
				if err := poller.AssignExchange(src.Exchange, []string{src.Symbol}); err != nil {
					fmt.Printf("%-24s %-10s %-8s %16s %10s  %v\n",
						fc.Feed.String(), src.Exchange, "UNROUTED", "-", "-", err)
					failures++
					continue
				}
				fetcher = poller
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			start := time.Now()
			tick, err := fetcher.FetchTickerREST(ctx, src.Symbol)
			elapsed := time.Since(start).Round(time.Millisecond)
			cancel()

			if err != nil {
				fmt.Printf("%-24s %-10s %-8s %16s %10s  %v\n",
					fc.Feed.String(), src.Exchange, "FAIL", "-", elapsed, err)
				failures++
				continue
			}
			fmt.Printf("%-24s %-10s %-8s %16.6f %10s  source=%s\n",
				fc.Feed.String(), src.Exchange, "OK", tick.Price, elapsed, tick.Source)
		}
	}

	if failures > 0 {
		return fmt.Errorf("probe: %d source(s) unreachable", failures)
	}
	return nil
}
