package ortb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admediary/bidgate/adapters"
	"github.com/admediary/bidgate/credcrypto"
)

func testCodec(t *testing.T) *credcrypto.Codec {
	t.Helper()
	codec, err := credcrypto.NewCodec(make([]byte, 32))
	require.NoError(t, err)
	return codec
}

func sampleRequest() *adapters.BidRequest {
	return &adapters.BidRequest{
		AppKey:      "pub-1",
		PlacementID: "home_banner",
		Format:      adapters.FormatBanner,
		Width:       320,
		Height:      50,
		Device:      adapters.Device{OS: "android", ConnectionType: "wifi", IFA: "ifa-123"},
		App:         adapters.App{Bundle: "com.example.game", Version: "1.2.3", Name: "Example"},
	}
}

func dspServer(t *testing.T, price float64, delay time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}

		var req openrtb2.BidRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Imp, 1)
		assert.EqualValues(t, 1, req.AT, "must be a first-price auction")

		resp := openrtb2.BidResponse{
			ID: req.ID,
			SeatBid: []openrtb2.SeatBid{{
				Bid: []openrtb2.Bid{{
					ID:    "bid-1",
					ImpID: req.Imp[0].ID,
					Price: price,
					AdM:   "<div>ad</div>",
					W:     320,
					H:     50,
				}},
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func loadEndpoints(t *testing.T, a *Adapter, eps ...adapters.DSPEndpoint) {
	t.Helper()
	err := a.LoadConfigs([]adapters.DemandSourceConfig{{
		ID:   "ds-ortb",
		Type: adapters.PartnerORTB,
		ORTB: &adapters.ORTBConfig{Endpoints: eps},
	}})
	require.NoError(t, err)
}

func TestRequestBidPicksHighestAcrossDSPs(t *testing.T) {
	low := dspServer(t, 3.00, 0)
	defer low.Close()
	high := dspServer(t, 5.50, 0)
	defer high.Close()

	adapter := New(http.DefaultClient, testCodec(t))
	loadEndpoints(t, adapter,
		adapters.DSPEndpoint{ID: "dsp1", BidURL: low.URL, TimeoutMS: 500},
		adapters.DSPEndpoint{ID: "dsp2", BidURL: high.URL, TimeoutMS: 500},
	)

	bid, err := adapter.RequestBid(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.NotNil(t, bid)
	assert.Equal(t, 5.50, bid.Price)
	assert.Equal(t, "ortb_dsp2", bid.Source)
}

func TestRequestBidSurvivesSlowSibling(t *testing.T) {
	slow := dspServer(t, 9.99, 300*time.Millisecond)
	defer slow.Close()
	fast := dspServer(t, 2.25, 0)
	defer fast.Close()

	adapter := New(http.DefaultClient, testCodec(t))
	loadEndpoints(t, adapter,
		adapters.DSPEndpoint{ID: "slow", BidURL: slow.URL, TimeoutMS: 50},
		adapters.DSPEndpoint{ID: "fast", BidURL: fast.URL, TimeoutMS: 500},
	)

	bid, err := adapter.RequestBid(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.NotNil(t, bid, "a sibling timeout must not discard the valid bid")
	assert.Equal(t, 2.25, bid.Price)
	assert.Equal(t, "ortb_fast", bid.Source)
}

func TestRequestBidFlattensSeats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openrtb2.BidResponse{
			SeatBid: []openrtb2.SeatBid{
				{Bid: []openrtb2.Bid{{ID: "a", ImpID: "1", Price: 1.10, AdM: "<div>a</div>"}}},
				{Bid: []openrtb2.Bid{
					{ID: "b", ImpID: "1", Price: 2.40, AdM: "<div>b</div>"},
					{ID: "c", ImpID: "1", Price: 0.80, AdM: "<div>c</div>"},
				}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	adapter := New(http.DefaultClient, testCodec(t))
	loadEndpoints(t, adapter, adapters.DSPEndpoint{ID: "dsp1", BidURL: server.URL, TimeoutMS: 500})

	bid, err := adapter.RequestBid(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.NotNil(t, bid)
	assert.Equal(t, "b", bid.ID, "the best bid may come from any seat")
	assert.Equal(t, 2.40, bid.Price)
}

func TestRequestBidNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	adapter := New(http.DefaultClient, testCodec(t))
	loadEndpoints(t, adapter, adapters.DSPEndpoint{ID: "dsp1", BidURL: server.URL, TimeoutMS: 500})

	bid, err := adapter.RequestBid(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Nil(t, bid)
}

func TestRequestBidNoEndpoints(t *testing.T) {
	adapter := New(http.DefaultClient, testCodec(t))

	bid, err := adapter.RequestBid(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Nil(t, bid)
}

func TestRequestBidForwardsAuthHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	codec := testCodec(t)
	encrypted, err := codec.Encrypt("Bearer token-abc")
	require.NoError(t, err)

	adapter := New(http.DefaultClient, codec)
	loadEndpoints(t, adapter, adapters.DSPEndpoint{
		ID: "dsp1", BidURL: server.URL, TimeoutMS: 500,
		AuthHeader: "Authorization", AuthValue: encrypted,
	})

	_, err = adapter.RequestBid(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-abc", gotAuth, "auth value must be decrypted at point of use")
}

func TestRequestBidTestMode(t *testing.T) {
	adapter := New(http.DefaultClient, testCodec(t))

	req := sampleRequest()
	req.Test = true
	bid, err := adapter.RequestBid(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, bid)
	assert.Greater(t, bid.Price, 0.0)
	assert.Equal(t, adapters.CreativeHTML, bid.Creative.Type)
}

func TestBuildBidRequestVideoFormats(t *testing.T) {
	adapter := New(http.DefaultClient, testCodec(t))
	ep := adapters.DSPEndpoint{ID: "dsp1", TimeoutMS: 150, FloorPrices: map[adapters.Format]float64{adapters.FormatRewarded: 2.0}}

	req := sampleRequest()
	req.Format = adapters.FormatRewarded
	req.Width, req.Height = 0, 0
	ortbReq := adapter.buildBidRequest(ep, req)

	require.Len(t, ortbReq.Imp, 1)
	imp := ortbReq.Imp[0]
	assert.Nil(t, imp.Banner, "rewarded is video only")
	require.NotNil(t, imp.Video)
	assert.EqualValues(t, 5, imp.Video.MinDuration)
	assert.EqualValues(t, 30, imp.Video.MaxDuration)
	assert.NotEmpty(t, imp.Video.Protocols)
	assert.Equal(t, 2.0, imp.BidFloor)
	assert.Equal(t, "USD", imp.BidFloorCur)
	assert.EqualValues(t, 150, ortbReq.TMax)

	req.Format = adapters.FormatInterstitial
	ortbReq = adapter.buildBidRequest(ep, req)
	imp = ortbReq.Imp[0]
	assert.NotNil(t, imp.Banner, "interstitial carries both banner and video")
	assert.NotNil(t, imp.Video)
	assert.EqualValues(t, 1, imp.Instl)
}

func TestMapConnectionType(t *testing.T) {
	assert.EqualValues(t, 2, mapConnectionType("wifi"))
	assert.EqualValues(t, 2, mapConnectionType("WIFI"))
	assert.EqualValues(t, 3, mapConnectionType("cellular"))
	assert.EqualValues(t, 6, mapConnectionType("4g"))
	assert.EqualValues(t, 0, mapConnectionType("carrier-pigeon"))
}

func TestInferCreativeType(t *testing.T) {
	assert.Equal(t, adapters.CreativeVAST, inferCreativeType(`<?xml version="1.0"?><VAST version="3.0"></VAST>`))
	assert.Equal(t, adapters.CreativeImage, inferCreativeType("https://cdn.example.com/creative.png"))
	assert.Equal(t, adapters.CreativeHTML, inferCreativeType("<div>hello</div>"))
	assert.Equal(t, adapters.CreativeHTML, inferCreativeType("https://lp.example.com/landing"))
}
