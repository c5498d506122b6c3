package empty_fetcher

import (
	"context"

	"github.com/admediary/bidgate/storedconfigs"
)

// EmptyFetcher is a nil-object which has no demand sources. The gateway uses it
// when no store is configured; periodic reloads are skipped in that mode so the
// connectors stay on synthetic test traffic.
type EmptyFetcher struct{}

func (fetcher EmptyFetcher) FetchDemandSources(ctx context.Context) ([]storedconfigs.StoredDemandSource, error) {
	return nil, nil
}
