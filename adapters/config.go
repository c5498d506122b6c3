package adapters

import (
	"encoding/json"
	"fmt"
)

// PartnerType discriminates the DemandSourceConfig union.
type PartnerType string

const (
	PartnerGAM   PartnerType = "GAM"
	PartnerUnity PartnerType = "UNITY"
	PartnerFyber PartnerType = "FYBER"
	PartnerORTB  PartnerType = "ORTB"
)

// DemandSourceConfig is an exhaustive tagged union over partner type. Exactly one
// of the payload pointers is non-nil, enforced by ParseDemandSource at load time,
// so connectors never type-inspect loosely-typed records at bid time.
//
// Secret-bearing fields (private keys, API tokens, security tokens) hold the
// at-rest ciphertext produced by credcrypto and are decrypted at point of use.
type DemandSourceConfig struct {
	ID   string
	Type PartnerType

	GAM   *GAMConfig
	Unity *UnityConfig
	Fyber *FyberConfig
	ORTB  *ORTBConfig
}

// GAMConfig configures a Google Ad Manager account.
type GAMConfig struct {
	NetworkCode         string `json:"network_code"`
	ServiceAccountEmail string `json:"service_account_email"`
	PrivateKey          string `json:"private_key"` // encrypted PEM
	TokenURL            string `json:"token_url,omitempty"`
	AdServerURL         string `json:"ad_server_url,omitempty"`
}

// UnityConfig configures a Unity Ads account. Game ids are per platform.
type UnityConfig struct {
	GameIDiOS     string `json:"game_id_ios"`
	GameIDAndroid string `json:"game_id_android"`
	Endpoint      string `json:"endpoint,omitempty"`
	APIToken      string `json:"api_token,omitempty"` // encrypted, optional bearer auth
}

// FyberConfig configures a Fyber (DT Exchange) account.
type FyberConfig struct {
	AppID         string `json:"app_id"`
	SecurityToken string `json:"security_token"` // encrypted, signs each request
	Endpoint      string `json:"endpoint,omitempty"`
}

// ORTBConfig is the one list-valued variant: multiple independently configured
// DSP endpoints may be simultaneously active.
type ORTBConfig struct {
	Endpoints []DSPEndpoint `json:"endpoints"`
}

// DSPEndpoint is one OpenRTB bidding endpoint with its own timeout, auth and
// per-format floor prices.
type DSPEndpoint struct {
	ID          string             `json:"id"`
	BidURL      string             `json:"bid_url"`
	TimeoutMS   int64              `json:"timeout_ms"`
	AuthHeader  string             `json:"auth_header,omitempty"`
	AuthValue   string             `json:"auth_value,omitempty"` // encrypted
	FloorPrices map[Format]float64 `json:"floor_prices,omitempty"`
}

// ParseDemandSource validates one raw store record into the tagged union.
// Unknown partner types and structurally invalid payloads are rejected here,
// at load time, so the bidding path only ever sees well-formed configs.
func ParseDemandSource(id string, partnerType PartnerType, raw json.RawMessage) (DemandSourceConfig, error) {
	cfg := DemandSourceConfig{ID: id, Type: partnerType}

	switch partnerType {
	case PartnerGAM:
		var gam GAMConfig
		if err := json.Unmarshal(raw, &gam); err != nil {
			return cfg, fmt.Errorf("demand source %s: invalid GAM config: %w", id, err)
		}
		if gam.NetworkCode == "" || gam.ServiceAccountEmail == "" || gam.PrivateKey == "" {
			return cfg, fmt.Errorf("demand source %s: GAM config requires network_code, service_account_email and private_key", id)
		}
		cfg.GAM = &gam

	case PartnerUnity:
		var unity UnityConfig
		if err := json.Unmarshal(raw, &unity); err != nil {
			return cfg, fmt.Errorf("demand source %s: invalid Unity config: %w", id, err)
		}
		if unity.GameIDiOS == "" && unity.GameIDAndroid == "" {
			return cfg, fmt.Errorf("demand source %s: Unity config requires a game id for at least one platform", id)
		}
		cfg.Unity = &unity

	case PartnerFyber:
		var fyber FyberConfig
		if err := json.Unmarshal(raw, &fyber); err != nil {
			return cfg, fmt.Errorf("demand source %s: invalid Fyber config: %w", id, err)
		}
		if fyber.AppID == "" || fyber.SecurityToken == "" {
			return cfg, fmt.Errorf("demand source %s: Fyber config requires app_id and security_token", id)
		}
		cfg.Fyber = &fyber

	case PartnerORTB:
		var ortb ORTBConfig
		if err := json.Unmarshal(raw, &ortb); err != nil {
			return cfg, fmt.Errorf("demand source %s: invalid ORTB config: %w", id, err)
		}
		if len(ortb.Endpoints) == 0 {
			return cfg, fmt.Errorf("demand source %s: ORTB config requires at least one endpoint", id)
		}
		for i, ep := range ortb.Endpoints {
			if ep.ID == "" || ep.BidURL == "" {
				return cfg, fmt.Errorf("demand source %s: ORTB endpoint %d requires id and bid_url", id, i)
			}
		}
		cfg.ORTB = &ortb

	default:
		return cfg, fmt.Errorf("demand source %s: unknown partner type %q", id, partnerType)
	}

	return cfg, nil
}
