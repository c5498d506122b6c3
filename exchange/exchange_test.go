package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admediary/bidgate/adapters"
	"github.com/admediary/bidgate/metrics"
	"github.com/admediary/bidgate/storedconfigs"
)

// fakeBidder is a scriptable connector for engine tests.
type fakeBidder struct {
	name  string
	price float64
	delay time.Duration
	err   error
	panic bool

	mu      sync.Mutex
	configs []adapters.DemandSourceConfig
}

func (f *fakeBidder) Name() string { return f.name }

func (f *fakeBidder) LoadConfigs(cfgs []adapters.DemandSourceConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = cfgs
	return nil
}

func (f *fakeBidder) RequestBid(ctx context.Context, request *adapters.BidRequest) (*adapters.BidResult, error) {
	if f.panic {
		panic("partner library exploded")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.price <= 0 {
		return nil, nil
	}
	return &adapters.BidResult{
		ID:       f.name + "-bid",
		Price:    f.price,
		Source:   f.name,
		Creative: adapters.Creative{Type: adapters.CreativeHTML, Content: "<div/>"},
	}, nil
}

type staticFetcher struct {
	sources []storedconfigs.StoredDemandSource
	err     error
}

func (s *staticFetcher) FetchDemandSources(ctx context.Context) ([]storedconfigs.StoredDemandSource, error) {
	return s.sources, s.err
}

// partnerTypeByName keeps fake bidders registered under the partner type their
// store records carry, so a loaded manager actually activates them.
var partnerTypeByName = map[string]adapters.PartnerType{
	"gam":   adapters.PartnerGAM,
	"unity": adapters.PartnerUnity,
	"fyber": adapters.PartnerFyber,
	"ortb":  adapters.PartnerORTB,
}

func managerFor(t *testing.T, fetcher storedconfigs.Fetcher, bidders ...*fakeBidder) *ConnectorManager {
	t.Helper()
	regs := make([]Registration, 0, len(bidders))
	for _, b := range bidders {
		partnerType, ok := partnerTypeByName[b.name]
		require.True(t, ok, "no partner type maps to bidder %q", b.name)
		regs = append(regs, Registration{Type: partnerType, Bidder: b})
	}
	return NewConnectorManager(fetcher, regs, metrics.NilEngine{}, 0)
}

func unitySource(id string) storedconfigs.StoredDemandSource {
	return storedconfigs.StoredDemandSource{
		ID: id, Type: "UNITY", Enabled: true,
		Config: []byte(`{"game_id_android":"222"}`),
	}
}

func bannerRequest() *adapters.BidRequest {
	return &adapters.BidRequest{
		AppKey:      "pub-1",
		PlacementID: "home_banner",
		Format:      adapters.FormatBanner,
		Width:       320, Height: 50,
	}
}

// one valid record per partner type keeps the matching fake bidder active
var sourceConfigByType = map[adapters.PartnerType]string{
	adapters.PartnerGAM:   `{"network_code":"1","service_account_email":"e","private_key":"k"}`,
	adapters.PartnerUnity: `{"game_id_android":"222"}`,
	adapters.PartnerFyber: `{"app_id":"987","security_token":"tok"}`,
	adapters.PartnerORTB:  `{"endpoints":[{"id":"dsp1","bid_url":"http://x"}]}`,
}

func loadedManager(t *testing.T, bidders ...*fakeBidder) *ConnectorManager {
	t.Helper()
	sources := make([]storedconfigs.StoredDemandSource, 0, len(bidders))
	for _, b := range bidders {
		partnerType := partnerTypeByName[b.name]
		sources = append(sources, storedconfigs.StoredDemandSource{
			ID: "ds-" + b.name, Type: string(partnerType), Enabled: true,
			Config: []byte(sourceConfigByType[partnerType]),
		})
	}
	manager := managerFor(t, &staticFetcher{sources: sources}, bidders...)
	require.NoError(t, manager.LoadAll(context.Background()))
	return manager
}

func TestHoldAuctionWinnerIsHighestBid(t *testing.T) {
	low := &fakeBidder{name: "gam", price: 1.20}
	high := &fakeBidder{name: "unity", price: 3.40}
	mid := &fakeBidder{name: "fyber", price: 2.00}
	manager := loadedManager(t, low, high, mid)

	engine := NewExchange(manager, metrics.NilEngine{}, 200*time.Millisecond)
	result := engine.HoldAuction(context.Background(), bannerRequest())

	require.NotNil(t, result.Winner)
	assert.Equal(t, 3.40, result.Winner.Price)
	assert.Equal(t, "unity", result.Winner.Source)

	require.Len(t, result.AllBids, 3)
	assert.Equal(t, result.Winner.Price, result.AllBids[0].Price)
	for i := 1; i < len(result.AllBids); i++ {
		assert.GreaterOrEqual(t, result.AllBids[i-1].Price, result.AllBids[i].Price, "allBids must be sorted descending")
	}
}

func TestHoldAuctionNoEligibleBids(t *testing.T) {
	failing := &fakeBidder{name: "gam", err: errors.New("connection refused")}
	silent := &fakeBidder{name: "unity"}
	manager := loadedManager(t, failing, silent)

	engine := NewExchange(manager, metrics.NilEngine{}, 200*time.Millisecond)
	result := engine.HoldAuction(context.Background(), bannerRequest())

	assert.Nil(t, result.Winner)
	assert.Empty(t, result.AllBids)
	assert.GreaterOrEqual(t, result.LatencyMS, int64(0))
}

func TestHoldAuctionLatencyBoundedByTimeoutNotSum(t *testing.T) {
	slow1 := &fakeBidder{name: "gam", delay: 500 * time.Millisecond, price: 1}
	slow2 := &fakeBidder{name: "unity", delay: 500 * time.Millisecond, price: 2}
	manager := loadedManager(t, slow1, slow2)

	engine := NewExchange(manager, metrics.NilEngine{}, 80*time.Millisecond)
	start := time.Now()
	result := engine.HoldAuction(context.Background(), bannerRequest())
	elapsed := time.Since(start)

	assert.Nil(t, result.Winner, "both connectors exceed their deadline")
	assert.Less(t, elapsed, 400*time.Millisecond, "connectors run concurrently, not sequentially")
}

func TestHoldAuctionSiblingTimeoutDoesNotDiscardValidBid(t *testing.T) {
	slow := &fakeBidder{name: "gam", delay: 500 * time.Millisecond, price: 9.99}
	fast := &fakeBidder{name: "unity", price: 2.25}
	manager := loadedManager(t, slow, fast)

	engine := NewExchange(manager, metrics.NilEngine{}, 80*time.Millisecond)
	result := engine.HoldAuction(context.Background(), bannerRequest())

	require.NotNil(t, result.Winner)
	assert.Equal(t, 2.25, result.Winner.Price)
	assert.Equal(t, "unity", result.Winner.Source)
}

func TestHoldAuctionTieBreakIsRegistrationOrder(t *testing.T) {
	first := &fakeBidder{name: "gam", price: 2.00}
	second := &fakeBidder{name: "unity", price: 2.00}
	manager := loadedManager(t, first, second)

	engine := NewExchange(manager, metrics.NilEngine{}, 200*time.Millisecond)
	for i := 0; i < 25; i++ {
		result := engine.HoldAuction(context.Background(), bannerRequest())
		require.NotNil(t, result.Winner)
		assert.Equal(t, "gam", result.Winner.Source, "ties must resolve to the first registered connector")
	}
}

func TestHoldAuctionRecoversConnectorPanic(t *testing.T) {
	exploding := &fakeBidder{name: "gam", panic: true}
	healthy := &fakeBidder{name: "unity", price: 1.10}
	manager := loadedManager(t, exploding, healthy)

	engine := NewExchange(manager, metrics.NilEngine{}, 200*time.Millisecond)
	result := engine.HoldAuction(context.Background(), bannerRequest())

	require.NotNil(t, result.Winner)
	assert.Equal(t, "unity", result.Winner.Source)
}

func TestHoldAuctionDegradedModeForcesTestTraffic(t *testing.T) {
	var sawTest bool
	probe := &probeBidder{
		fakeBidder: &fakeBidder{name: "unity", price: 1.0},
		onRequest:  func(r *adapters.BidRequest) { sawTest = r.Test },
	}
	manager := NewConnectorManager(
		&staticFetcher{err: errors.New("store down")},
		[]Registration{{Type: adapters.PartnerUnity, Bidder: probe}},
		metrics.NilEngine{}, 0)
	assert.Error(t, manager.LoadAll(context.Background()))

	engine := NewExchange(manager, metrics.NilEngine{}, 200*time.Millisecond)
	result := engine.HoldAuction(context.Background(), bannerRequest())

	assert.True(t, sawTest, "degraded mode must force test-only traffic")
	require.NotNil(t, result.Winner)
}

type probeBidder struct {
	*fakeBidder
	onRequest func(*adapters.BidRequest)
}

func (p *probeBidder) RequestBid(ctx context.Context, request *adapters.BidRequest) (*adapters.BidResult, error) {
	p.onRequest(request)
	return p.fakeBidder.RequestBid(ctx, request)
}
