package http_fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/golang/glog"
	"golang.org/x/net/context/ctxhttp"

	"github.com/admediary/bidgate/errortypes"
	"github.com/admediary/bidgate/storedconfigs"
)

// NewFetcher returns a Fetcher which uses the Client to pull demand sources from
// the endpoint.
//
// This file expects the endpoint to satisfy the following API:
//
// GET {endpoint}
//
// returning a payload like:
//
//	{
//	  "demand_sources": [
//	    {"id": "ds-1", "type": "GAM", "enabled": true, "config": { ... }},
//	    {"id": "ds-2", "type": "ORTB", "enabled": true, "config": { ... }}
//	  ]
//	}
func NewFetcher(client *http.Client, endpoint string) storedconfigs.Fetcher {
	if _, err := url.Parse(endpoint); err != nil {
		glog.Fatalf(`Invalid demand-source endpoint "%s": %v`, endpoint, err)
	}
	glog.Infof("Making http fetcher for demand-source endpoint %v", endpoint)

	return &httpFetcher{client: client, endpoint: endpoint}
}

type httpFetcher struct {
	client   *http.Client
	endpoint string
}

type responseContract struct {
	DemandSources []storedconfigs.StoredDemandSource `json:"demand_sources"`
}

func (fetcher *httpFetcher) FetchDemandSources(ctx context.Context) ([]storedconfigs.StoredDemandSource, error) {
	httpResp, err := ctxhttp.Get(ctx, fetcher.client, fetcher.endpoint)
	if err != nil {
		return nil, &errortypes.ConfigStoreUnavailable{Message: fmt.Sprintf("demand-source endpoint unreachable: %v", err)}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, &errortypes.ConfigStoreUnavailable{Message: fmt.Sprintf("demand-source endpoint returned status %d", httpResp.StatusCode)}
	}

	var contract responseContract
	if err := json.NewDecoder(httpResp.Body).Decode(&contract); err != nil {
		return nil, &errortypes.ConfigStoreUnavailable{Message: fmt.Sprintf("demand-source payload unparseable: %v", err)}
	}

	enabled := make([]storedconfigs.StoredDemandSource, 0, len(contract.DemandSources))
	for _, source := range contract.DemandSources {
		if source.Enabled {
			enabled = append(enabled, source)
		}
	}
	return enabled, nil
}
