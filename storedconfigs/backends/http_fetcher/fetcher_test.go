package http_fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admediary/bidgate/errortypes"
)

func TestFetchFiltersDisabledSources(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"demand_sources":[
			{"id":"ds-1","type":"UNITY","enabled":true,"config":{"game_id_android":"222"}},
			{"id":"ds-2","type":"FYBER","enabled":false,"config":{"app_id":"987","security_token":"t"}}
		]}`))
	}))
	defer server.Close()

	fetcher := NewFetcher(http.DefaultClient, server.URL)
	sources, err := fetcher.FetchDemandSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "ds-1", sources[0].ID)
	assert.Equal(t, "UNITY", sources[0].Type)
}

func TestFetchStoreErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fetcher := NewFetcher(http.DefaultClient, server.URL)
	_, err := fetcher.FetchDemandSources(context.Background())
	require.Error(t, err)
	assert.IsType(t, &errortypes.ConfigStoreUnavailable{}, err)
}

func TestFetchUnreachable(t *testing.T) {
	fetcher := NewFetcher(http.DefaultClient, "http://127.0.0.1:1/nothing")
	_, err := fetcher.FetchDemandSources(context.Background())
	require.Error(t, err)
	assert.IsType(t, &errortypes.ConfigStoreUnavailable{}, err)
}
