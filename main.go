package main

import (
	"database/sql"
	"flag"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
	_ "github.com/lib/pq"
	"github.com/spf13/viper"

	"github.com/admediary/bidgate/adapters"
	"github.com/admediary/bidgate/adapters/fyber"
	"github.com/admediary/bidgate/adapters/gam"
	"github.com/admediary/bidgate/adapters/ortb"
	"github.com/admediary/bidgate/adapters/unity"
	"github.com/admediary/bidgate/analytics/tracker"
	"github.com/admediary/bidgate/config"
	"github.com/admediary/bidgate/credcrypto"
	"github.com/admediary/bidgate/exchange"
	"github.com/admediary/bidgate/metrics"
	"github.com/admediary/bidgate/ratelimit"
	"github.com/admediary/bidgate/router"
	"github.com/admediary/bidgate/server"
	"github.com/admediary/bidgate/storedconfigs"
	"github.com/admediary/bidgate/storedconfigs/backends/db_fetcher"
	"github.com/admediary/bidgate/storedconfigs/backends/empty_fetcher"
	"github.com/admediary/bidgate/storedconfigs/backends/file_fetcher"
	"github.com/admediary/bidgate/storedconfigs/backends/http_fetcher"
)

func main() {
	flag.Parse() // required for glog flags

	cfg, err := loadConfig()
	if err != nil {
		glog.Exitf("Configuration could not be loaded or did not pass validation: %v", err)
	}

	if err := serve(cfg); err != nil {
		glog.Exitf("bidgate failed: %v", err)
	}
}

const configFileName = "bidgate"

func loadConfig() (*config.Configuration, error) {
	v := viper.New()
	config.SetupViper(v, configFileName)
	return config.New(v)
}

func serve(cfg *config.Configuration) error {
	var metricsEngine metrics.Engine = &metrics.NilEngine{}
	if cfg.Metrics.Enabled {
		metricsEngine = metrics.NewPrometheusEngine()
	}

	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}

	partnerClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        400,
			MaxIdleConnsPerHost: 50,
			IdleConnTimeout:     60 * time.Second,
		},
	}

	gamAdapter := gam.New(partnerClient, codec)
	if cfg.Adapters.GAM.TokenURL != "" {
		gamAdapter.WithTokenURL(cfg.Adapters.GAM.TokenURL)
	}

	registrations := []exchange.Registration{
		{Type: adapters.PartnerGAM, Bidder: gamAdapter},
		{Type: adapters.PartnerUnity, Bidder: unity.New(partnerClient, codec)},
		{Type: adapters.PartnerFyber, Bidder: fyber.New(partnerClient, codec)},
		{Type: adapters.PartnerORTB, Bidder: ortb.New(partnerClient, codec)},
	}

	fetcher, err := newFetcher(cfg)
	if err != nil {
		return err
	}

	refreshInterval := time.Duration(cfg.StoredConfigs.RefreshRateSeconds) * time.Second
	manager := exchange.NewConnectorManager(fetcher, registrations, metricsEngine, refreshInterval)
	if cfg.StoredConfigs.Type != "none" {
		// with no store configured the manager stays on its test-only snapshot
		manager.Start()
	}

	bidderTimeout := time.Duration(cfg.Auction.BidderTimeoutMS) * time.Millisecond
	ex := exchange.NewExchange(manager, metricsEngine, bidderTimeout)

	trk := newTracker(cfg, metricsEngine)

	limiter, err := newLimiter(cfg, metricsEngine)
	if err != nil {
		return err
	}

	r := router.New(router.Deps{
		Exchange:        ex,
		Tracker:         trk,
		Metrics:         metricsEngine,
		Limiter:         limiter,
		MaxRequestBytes: cfg.Auction.MaxRequestBytes,
	})

	server.Listen(cfg, router.SupportCORS(r), metricsEngine, func() {
		manager.Shutdown()
		trk.Shutdown()
	})
	return nil
}

func newCodec(cfg *config.Configuration) (*credcrypto.Codec, error) {
	if cfg.StoredConfigs.Type == "none" {
		// no partner secrets to unwrap in test-only mode
		return credcrypto.NewCodec(make([]byte, 32))
	}
	return credcrypto.NewCodecFromHex(cfg.CredentialKey)
}

func newFetcher(cfg *config.Configuration) (storedconfigs.Fetcher, error) {
	switch cfg.StoredConfigs.Type {
	case "postgres":
		db, err := sql.Open("postgres", cfg.StoredConfigs.Postgres.ConnString())
		if err != nil {
			return nil, err
		}
		return db_fetcher.NewFetcher(db, cfg.StoredConfigs.Postgres.Query), nil
	case "http":
		return http_fetcher.NewFetcher(&http.Client{Timeout: 10 * time.Second}, cfg.StoredConfigs.HTTP.Endpoint), nil
	case "file":
		return file_fetcher.NewFileFetcher(cfg.StoredConfigs.File.Path)
	default:
		return empty_fetcher.EmptyFetcher{}, nil
	}
}

func newTracker(cfg *config.Configuration, metricsEngine metrics.Engine) *tracker.Tracker {
	send := func([]tracker.Event) error { return nil }
	if cfg.Tracker.Endpoint != "" {
		send = tracker.NewHTTPSender(&http.Client{Timeout: 10 * time.Second}, cfg.Tracker.Endpoint)
	}
	return tracker.New(
		send,
		clock.New(),
		metricsEngine,
		cfg.Tracker.BatchSize,
		cfg.Tracker.QueueCapacity,
		time.Duration(cfg.Tracker.FlushIntervalSeconds)*time.Second,
	)
}

func newLimiter(cfg *config.Configuration, metricsEngine metrics.Engine) (*ratelimit.Limiter, error) {
	if !cfg.RateLimit.Enabled {
		return nil, nil
	}
	counter, err := ratelimit.NewRedisCounter(cfg.RateLimit.Redis)
	if err != nil {
		return nil, err
	}
	window := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
	return ratelimit.NewLimiter(counter, metricsEngine, cfg.RateLimit.Limit, window), nil
}
