package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/admediary/bidgate/adapters"
	"github.com/admediary/bidgate/errortypes"
	"github.com/admediary/bidgate/metrics"
	"github.com/admediary/bidgate/storedconfigs"
	"github.com/admediary/bidgate/util/task"
)

// Registration binds a partner type to its connector. Registration order is the
// auction's tie-break order, so callers should register in a stable sequence.
type Registration struct {
	Type   adapters.PartnerType
	Bidder adapters.Bidder
}

// snapshot is one immutable view of the active connector set. Reloads build a
// fresh snapshot and swap the pointer; in-flight auctions keep whichever
// snapshot they started with, never a mix.
type snapshot struct {
	active []adapters.Bidder
	// testOnly is set when the store has never been reachable: every registered
	// connector serves synthetic bids instead of the process crashing.
	testOnly bool
}

// ConnectorManager owns the registered connectors and the active subset (those
// with at least one valid config). It is constructed once at process start and
// passed by reference to the request-handling layer.
type ConnectorManager struct {
	fetcher       storedconfigs.Fetcher
	registrations []Registration
	metrics       metrics.Engine
	loadTimeout   time.Duration

	snap    atomicSnapshot
	ticker  *task.TickerTask
	reloads chan struct{}
}

// NewConnectorManager builds the manager and performs no I/O; call Start (or
// LoadAll directly) to populate the first snapshot.
func NewConnectorManager(fetcher storedconfigs.Fetcher, registrations []Registration, metricsEngine metrics.Engine, refreshInterval time.Duration) *ConnectorManager {
	m := &ConnectorManager{
		fetcher:       fetcher,
		registrations: registrations,
		metrics:       metricsEngine,
		loadTimeout:   10 * time.Second,
		reloads:       make(chan struct{}, 1),
	}
	m.snap.store(&snapshot{testOnly: true, active: allBidders(registrations)})
	m.ticker = task.NewTickerTask(refreshInterval, (*reloadRunner)(m))
	return m
}

// Start performs the initial load and begins the periodic refresh cycle.
func (m *ConnectorManager) Start() {
	m.ticker.Start()
}

// ActiveConnectors returns the connectors eligible for the next auction in
// registration order, plus whether they must serve test traffic only (store
// never reachable). The returned slice is immutable.
func (m *ConnectorManager) ActiveConnectors() ([]adapters.Bidder, bool) {
	s := m.snap.load()
	return s.active, s.testOnly
}

// Refresh triggers an out-of-band reload. It never blocks the caller; if a
// reload is already queued the signal is dropped.
func (m *ConnectorManager) Refresh() {
	select {
	case m.reloads <- struct{}{}:
		go func() {
			defer func() { <-m.reloads }()
			m.LoadAll(context.Background())
		}()
	default:
	}
}

// Shutdown stops the periodic refresh. Connector instances stay usable; only
// their config stops updating.
func (m *ConnectorManager) Shutdown() {
	m.ticker.Stop()
}

// LoadAll pulls a full demand-source snapshot from the store, pushes the grouped
// configs into each connector, and atomically publishes the new active set.
// Reloads are serialized with respect to each other; reads are never blocked.
//
// Store failures degrade, never crash: before the first successful load every
// registered connector serves test-only traffic, afterwards the previous
// snapshot stays in effect until the next successful reload.
func (m *ConnectorManager) LoadAll(ctx context.Context) error {
	m.snap.reloadMu.Lock()
	defer m.snap.reloadMu.Unlock()

	loadCtx, cancel := context.WithTimeout(ctx, m.loadTimeout)
	defer cancel()

	sources, err := m.fetcher.FetchDemandSources(loadCtx)
	if err != nil {
		m.metrics.RecordConfigReload(false)
		if m.snap.loadedOnce {
			glog.Warningf("demand-source reload failed, keeping previous snapshot: %v", err)
			return err
		}
		glog.Warningf("demand-source store unreachable at startup, all connectors in test-only mode: %v", err)
		return &errortypes.ConfigStoreUnavailable{Message: fmt.Sprintf("initial demand-source load failed: %v", err)}
	}

	grouped := make(map[adapters.PartnerType][]adapters.DemandSourceConfig)
	for _, source := range sources {
		cfg, err := adapters.ParseDemandSource(source.ID, adapters.PartnerType(source.Type), source.Config)
		if err != nil {
			glog.Errorf("skipping invalid demand source: %v", err)
			continue
		}
		grouped[cfg.Type] = append(grouped[cfg.Type], cfg)
	}

	next := &snapshot{}
	for _, reg := range m.registrations {
		cfgs := grouped[reg.Type]
		if err := reg.Bidder.LoadConfigs(cfgs); err != nil {
			glog.Errorf("connector %s rejected its configs and is inactive this cycle: %v", reg.Bidder.Name(), err)
			continue
		}
		if len(cfgs) > 0 {
			next.active = append(next.active, reg.Bidder)
		}
	}

	m.snap.store(next)
	m.snap.loadedOnce = true
	m.metrics.RecordConfigReload(true)
	glog.Infof("demand-source reload complete: %d sources, %d active connectors", len(sources), len(next.active))
	return nil
}

// atomicSnapshot pairs the lock-free read pointer with the reload serialization
// state. Readers only touch ptr; loadedOnce is guarded by reloadMu.
type atomicSnapshot struct {
	ptr        atomic.Pointer[snapshot]
	reloadMu   sync.Mutex
	loadedOnce bool
}

func (a *atomicSnapshot) load() *snapshot {
	return a.ptr.Load()
}

func (a *atomicSnapshot) store(s *snapshot) {
	a.ptr.Store(s)
}

func allBidders(registrations []Registration) []adapters.Bidder {
	bidders := make([]adapters.Bidder, 0, len(registrations))
	for _, reg := range registrations {
		bidders = append(bidders, reg.Bidder)
	}
	return bidders
}

// reloadRunner adapts the manager to the ticker task.
type reloadRunner ConnectorManager

func (r *reloadRunner) Name() string {
	return "demand-source-reload"
}

func (r *reloadRunner) Run() error {
	return (*ConnectorManager)(r).LoadAll(context.Background())
}
