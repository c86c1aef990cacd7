package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/marketfeed/internal/cache"
	"github.com/sawpanic/marketfeed/internal/config"
	"github.com/sawpanic/marketfeed/internal/connection"
	"github.com/sawpanic/marketfeed/internal/engine"
	"github.com/sawpanic/marketfeed/internal/httpstatus"
	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/registry"
	"github.com/sawpanic/marketfeed/internal/venue"
)

const (
	appName = "marketfeed"
	version = "v0.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-venue crypto market data streamer",
		Version: version,
		Long: `marketfeed connects to multiple crypto exchange websocket feeds,
normalizes tickers, order book depth, trades, funding rates, and klines into
a single canonical model, and serves the result through an in-memory cache,
an optional Redis-backed external store, and a status HTTP endpoint.`,
	}
	rootCmd.PersistentFlags().String("config", "config.yaml", "Path to the YAML configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and block until shutdown",
		RunE:  runEngine,
	}
	runCmd.Flags().StringSlice("symbols", nil, "Comma-separated canonical symbols to subscribe at startup (e.g. BTC/USDT,ETH/USDT)")
	runCmd.Flags().StringSlice("kinds", []string{"ticker"}, "Comma-separated data kinds to subscribe at startup (ticker, depth, trade, fundingRate, kline)")
	runCmd.Flags().String("status-host", "127.0.0.1", "Status HTTP server bind host")
	runCmd.Flags().Int("status-port", 8090, "Status HTTP server bind port")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the /healthz and /stats URLs of a running instance",
		RunE:  runStatus,
	}
	statusCmd.Flags().String("addr", "http://127.0.0.1:8090", "Base URL of a running marketfeed status server")

	rootCmd.AddCommand(runCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("marketfeed exited with an error")
	}
}

func runEngine(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	symbols, _ := cmd.Flags().GetStringSlice("symbols")
	kindNames, _ := cmd.Flags().GetStringSlice("kinds")
	statusHost, _ := cmd.Flags().GetString("status-host")
	statusPort, _ := cmd.Flags().GetInt("status-port")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	kinds, err := parseKinds(kindNames)
	if err != nil {
		return err
	}

	class := venue.ClassSpot
	if cfg.TradingType == "perpetual" {
		class = venue.ClassLinearPerpetual
	}

	mem := cache.NewMemStore(cfg.Cache.MaxCandles, cfg.Cache.HistoryCandles)

	var store cache.ExternalStore = cache.NoopStore{}
	if cfg.EnableRedis {
		store = cache.NewRedisStore(cache.RedisConfig{
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	}

	emitter := engine.NewEmitter(0)
	metrics := engine.NewMetricsRegistry()
	sink := cache.NewSink(mem, store, emitter, cache.StreamConfig{
		MaxLen:     cfg.Stream.MaxLen,
		TrimApprox: cfg.Stream.TrimApprox,
	}, log.Logger)

	var facade *engine.Facade
	running := func() bool { return facade != nil && facade.Running() }

	venues := make([]*engine.Venue, 0, len(cfg.Exchanges))
	for _, name := range cfg.Exchanges {
		adapter, err := buildAdapter(name, class)
		if err != nil {
			return err
		}
		reg := registry.New()
		pool := connection.NewPool(name, adapter, class, connection.PoolConfig{
			MaxSubscriptionsPerConnection: cfg.ConnectionPool.MaxSubscriptionsPerConnection,
			ConnectionConfig: connection.Config{
				HeartbeatInterval: cfg.Heartbeat.Interval,
				DataTimeout:       cfg.DataTimeout.Timeout,
				DataTimeoutCheck:  cfg.DataTimeout.CheckInterval,
				HandshakeTimeout:  10 * time.Second,
			},
			ReconnectMaxAttempts: cfg.Reconnect.MaxAttempts,
			ReconnectBaseDelay:   cfg.Reconnect.BaseDelay,
			ReconnectMaxDelay:    cfg.Reconnect.MaxDelay,
		}, sink, reg, running, log.With().Str("venue", name).Logger())

		venues = append(venues, &engine.Venue{Name: name, Pool: pool, Registry: reg})
	}

	facade = engine.New(engine.Config{RequireExternalStore: cfg.EnableRedis}, venues, sink, emitter, metrics, store, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := facade.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	for _, sym := range symbols {
		if err := facade.Subscribe(ctx, sym, kinds, nil); err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("initial subscribe failed")
		}
	}

	statusSrv := httpstatus.New(httpstatus.Config{
		Host:         statusHost,
		Port:         statusPort,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, facade, metrics, log.Logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := statusSrv.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		facade.Stop()
		return fmt.Errorf("status server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("status server shutdown error")
	}

	return facade.Stop()
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	fmt.Printf("query %s/healthz and %s/stats to inspect a running instance\n", addr, addr)
	return nil
}

func parseKinds(names []string) ([]model.DataKind, error) {
	out := make([]model.DataKind, 0, len(names))
	for _, name := range names {
		kind := model.DataKind(name)
		if !kind.Valid() {
			return nil, fmt.Errorf("unrecognized data kind %q", name)
		}
		out = append(out, kind)
	}
	return out, nil
}

func buildAdapter(name string, class venue.TradingClass) (venue.Adapter, error) {
	switch name {
	case "binance":
		return venue.NewBinance(class), nil
	case "bybit":
		return venue.NewBybit(class), nil
	case "okx":
		return venue.NewOKX(class), nil
	case "deribit":
		return venue.NewDeribit(false), nil
	case "gate":
		return venue.NewGate(class), nil
	case "bitget":
		return venue.NewBitget(class), nil
	case "kucoin":
		return venue.NewKuCoin(class), nil
	case "kraken":
		return venue.NewKraken(class), nil
	default:
		return nil, fmt.Errorf("unrecognized exchange %q", name)
	}
}
