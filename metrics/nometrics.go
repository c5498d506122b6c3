package metrics

import "time"

// NilEngine is the no-op metrics backend, used when metrics are disabled and as
// a stand-in in tests.
type NilEngine struct{}

func (NilEngine) RecordBidRequest(format string)                                 {}
func (NilEngine) RecordAuction(latency time.Duration, eligibleBids int)          {}
func (NilEngine) RecordConnectorLatency(connector string, latency time.Duration) {}
func (NilEngine) RecordConnectorBid(connector string, price float64)             {}
func (NilEngine) RecordConnectorNoBid(connector string)                          {}
func (NilEngine) RecordConnectorError(connector string)                          {}
func (NilEngine) RecordConfigReload(success bool)                                {}
func (NilEngine) RecordRateLimited()                                             {}
func (NilEngine) RecordEventDropped()                                            {}
