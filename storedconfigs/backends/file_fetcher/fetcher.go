package file_fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/admediary/bidgate/storedconfigs"
)

// NewFileFetcher _immediately_ loads demand sources from a local JSON file and
// keeps them in memory for low-latency reads. Intended for development and
// integration tests; the file holds the same contract as the HTTP endpoint:
//
//	{"demand_sources": [{"id": "...", "type": "...", "enabled": true, "config": {...}}]}
func NewFileFetcher(path string) (storedconfigs.Fetcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read demand-source file %s: %w", path, err)
	}

	var contract struct {
		DemandSources []storedconfigs.StoredDemandSource `json:"demand_sources"`
	}
	if err := json.Unmarshal(data, &contract); err != nil {
		return nil, fmt.Errorf("parse demand-source file %s: %w", path, err)
	}

	enabled := make([]storedconfigs.StoredDemandSource, 0, len(contract.DemandSources))
	for _, source := range contract.DemandSources {
		if source.Enabled {
			enabled = append(enabled, source)
		}
	}
	return &eagerFetcher{sources: enabled}, nil
}

type eagerFetcher struct {
	sources []storedconfigs.StoredDemandSource
}

func (fetcher *eagerFetcher) FetchDemandSources(ctx context.Context) ([]storedconfigs.StoredDemandSource, error) {
	return fetcher.sources, nil
}
