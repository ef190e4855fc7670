package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketstream/config"
	"marketstream/dashboard"
	"marketstream/logger"
	"marketstream/models"
	"marketstream/recorder"
	"marketstream/stream"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Marketstream.Name,
		"version": cfg.Marketstream.Version,
		"env":     config.AppEnvironment(),
	}).Info("starting marketstream")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}
	if cfg.Metrics.ReportInterval > 0 {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	key, secret, err := config.Credentials()
	if err != nil {
		log.WithError(err).Error("Failed to resolve stream credentials")
		os.Exit(1)
	}

	provider := stream.Init(stream.Config{
		StocksURL:            cfg.Stream.StocksURL,
		CryptoURL:            cfg.Stream.CryptoURL,
		Key:                  key,
		Secret:               secret,
		ReconnectBase:        cfg.Stream.Reconnect.BaseDelay,
		ReconnectMax:         cfg.Stream.Reconnect.MaxDelay,
		MaxReconnectAttempts: cfg.Stream.Reconnect.MaxAttempts,
		RefreshDelay:         cfg.Stream.RefreshDelay,
		PingInterval:         cfg.Stream.PingInterval,
		DialTimeout:          cfg.Stream.DialTimeout,
		SubscribeRate:        cfg.Stream.RateLimit.RequestsPerSecond,
		SubscribeBurst:       cfg.Stream.RateLimit.BurstSize,
	})
	defer stream.Reset()

	provider.SetStatusCallback(func(s stream.Status) {
		log.WithComponent("stream").WithFields(logger.Fields{"status": string(s)}).Info("stream status changed")
	})

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := provider.Connect(connectCtx); err != nil {
		connectCancel()
		log.WithError(err).Error("Failed to connect streams")
		os.Exit(1)
	}
	connectCancel()

	subscribeConfigured(provider, cfg.Stream.Symbols, log)

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec, err = recorder.New(cfg.Recorder, provider)
		if err != nil {
			log.WithError(err).Error("Failed to initialize recorder")
			os.Exit(1)
		}
		if err := rec.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start recorder")
			os.Exit(1)
		}
	}

	srv := dashboard.NewServer(cfg.Dashboard, provider, rec, log)
	if srv != nil {
		go func() {
			if err := srv.Run(ctx, cfg.Marketstream.Name); err != nil {
				log.WithError(err).Error("status server exited")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutting down")

	cancel()
	if rec != nil {
		rec.Stop()
	}
	provider.Disconnect()

	log.Info("marketstream stopped")
}

// subscribeConfigured registers a logging handler for every symbol named
// in the configuration. UI clients register their own handlers through
// the stream package; these exist so a bare daemon still drains and logs
// its configured streams.
func subscribeConfigured(provider *stream.Provider, symbols config.SymbolsConfig, log *logger.Log) {
	entry := log.WithComponent("stream")
	for _, s := range symbols.Bars {
		symbol := s
		provider.SubscribeBars(symbol, func(b models.Bar) {
			entry.WithFields(logger.Fields{"symbol": symbol, "close": b.Close, "volume": b.Volume}).Debug("bar")
		})
	}
	for _, s := range symbols.Quotes {
		symbol := s
		provider.SubscribeQuotes(symbol, func(q models.Quote) {
			entry.WithFields(logger.Fields{"symbol": symbol, "bid": q.BidPrice, "ask": q.AskPrice}).Debug("quote")
		})
	}
	for _, s := range symbols.Trades {
		symbol := s
		provider.SubscribeTrades(symbol, func(t models.Trade) {
			entry.WithFields(logger.Fields{"symbol": symbol, "price": t.Price, "size": t.Size}).Debug("trade")
		})
	}
}
