package fyber

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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

func loadFyber(t *testing.T, a *Adapter, cfg *adapters.FyberConfig) {
	t.Helper()
	require.NoError(t, a.LoadConfigs([]adapters.DemandSourceConfig{{
		ID: "ds-fyber", Type: adapters.PartnerFyber, Fyber: cfg,
	}}))
}

func sampleRequest() *adapters.BidRequest {
	return &adapters.BidRequest{
		PlacementID: "home_banner",
		Format:      adapters.FormatBanner,
		Width:       320, Height: 50,
		Device: adapters.Device{OS: "android", OSVersion: "14", IFA: "device-77"},
	}
}

func TestSignCanonicalOrder(t *testing.T) {
	params := map[string]string{
		"timestamp": "1700000000",
		"app_id":    "987",
		"format":    "banner",
		"device_id": "device-77",
	}

	mac := hmac.New(sha256.New, []byte("tok"))
	mac.Write([]byte("app_id=987&device_id=device-77&format=banner&timestamp=1700000000"))
	expected := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, expected, sign(params, "tok"))
}

func TestRequestBidSignsWithDecryptedToken(t *testing.T) {
	codec := testCodec(t)
	encryptedToken, err := codec.Encrypt("secret-token")
	require.NoError(t, err)

	var gotQuery map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		json.NewEncoder(w).Encode(fyberResponse{Ads: []fyberAd{{ID: "f-1", Payout: 0.75, HTML: "<div>ad</div>"}}})
	}))
	defer server.Close()

	adapter := New(http.DefaultClient, codec)
	adapter.now = func() time.Time { return time.Unix(1700000000, 0) }
	loadFyber(t, adapter, &adapters.FyberConfig{AppID: "987", SecurityToken: encryptedToken, Endpoint: server.URL})

	bid, err := adapter.RequestBid(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.NotNil(t, bid)
	assert.Equal(t, 0.75, bid.Price)
	assert.Equal(t, "fyber", bid.Source)

	expected := sign(map[string]string{
		"app_id":    "987",
		"device_id": "device-77",
		"format":    "banner",
		"timestamp": "1700000000",
	}, "secret-token")
	assert.Equal(t, expected, gotQuery["signature"], "signature must be computed over the decrypted token")
	assert.Equal(t, "320x50", gotQuery["ad_size"])
}

func TestRequestBidPicksHighestPayout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(fyberResponse{Ads: []fyberAd{
			{ID: "low", Payout: 0.40, HTML: "<div>low</div>"},
			{ID: "high", Payout: 1.60, ImageURL: "https://cdn.example/a.png"},
			{ID: "mid", Payout: 0.90, HTML: "<div>mid</div>"},
		}})
	}))
	defer server.Close()

	adapter := New(http.DefaultClient, testCodec(t))
	loadFyber(t, adapter, &adapters.FyberConfig{AppID: "987", SecurityToken: "plain-token", Endpoint: server.URL})

	bid, err := adapter.RequestBid(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.NotNil(t, bid)
	assert.Equal(t, "high", bid.ID)
	assert.Equal(t, 1.60, bid.Price)
	assert.Equal(t, adapters.CreativeImage, bid.Creative.Type)
}

func TestMapCreative(t *testing.T) {
	typ, content := mapCreative(&fyberAd{VASTXml: "<VAST/>", ImageURL: "https://x/a.png", HTML: "<div/>"})
	assert.Equal(t, adapters.CreativeVAST, typ)
	assert.Equal(t, "<VAST/>", content)

	typ, content = mapCreative(&fyberAd{ImageURL: "https://x/a.png", HTML: "<div/>"})
	assert.Equal(t, adapters.CreativeImage, typ)
	assert.Equal(t, "https://x/a.png", content)

	typ, content = mapCreative(&fyberAd{HTML: "<div/>"})
	assert.Equal(t, adapters.CreativeHTML, typ)
	assert.Equal(t, "<div/>", content)
}

func TestRequestBidNoAds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(fyberResponse{})
	}))
	defer server.Close()

	adapter := New(http.DefaultClient, testCodec(t))
	loadFyber(t, adapter, &adapters.FyberConfig{AppID: "987", SecurityToken: "tok", Endpoint: server.URL})

	bid, err := adapter.RequestBid(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Nil(t, bid)
}

func TestRequestBidZeroPayout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(fyberResponse{Ads: []fyberAd{{ID: "free", Payout: 0, HTML: "<div/>"}}})
	}))
	defer server.Close()

	adapter := New(http.DefaultClient, testCodec(t))
	loadFyber(t, adapter, &adapters.FyberConfig{AppID: "987", SecurityToken: "tok", Endpoint: server.URL})

	bid, err := adapter.RequestBid(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Nil(t, bid)
}

func TestRequestBidUnconfigured(t *testing.T) {
	adapter := New(http.DefaultClient, testCodec(t))

	bid, err := adapter.RequestBid(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Nil(t, bid)
}

func TestRequestBidTestMode(t *testing.T) {
	adapter := New(http.DefaultClient, testCodec(t))

	req := sampleRequest()
	req.Test = true
	bid, err := adapter.RequestBid(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, bid)
	assert.Greater(t, bid.Price, 0.0)
}
