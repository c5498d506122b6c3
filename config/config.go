package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/admediary/bidgate/ratelimit"
)

// Configuration is the full gateway configuration, populated by viper from the
// config file and BIDGATE_* environment variables.
type Configuration struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AdminPort int    `mapstructure:"admin_port"`

	// CredentialKey is the hex-encoded 32-byte key guarding partner secrets at
	// rest. Required whenever a demand-source store is configured.
	CredentialKey string `mapstructure:"credential_key"`

	Auction       Auction       `mapstructure:"auction"`
	StoredConfigs StoredConfigs `mapstructure:"stored_configs"`
	RateLimit     RateLimit     `mapstructure:"rate_limit"`
	Tracker       Tracker       `mapstructure:"tracker"`
	Adapters      Adapters      `mapstructure:"adapters"`

	EnableGzip bool `mapstructure:"enable_gzip"`
	Metrics    struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
}

type Auction struct {
	BidderTimeoutMS int   `mapstructure:"bidder_timeout_ms"`
	MaxRequestBytes int64 `mapstructure:"max_request_bytes"`
}

type StoredConfigs struct {
	// Type selects the store backend: postgres, http, file, or none.
	Type               string   `mapstructure:"type"`
	RefreshRateSeconds int      `mapstructure:"refresh_rate_seconds"`
	Postgres           Postgres `mapstructure:"postgres"`
	HTTP               struct {
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"http"`
	File struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"file"`
}

type Postgres struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DBName   string `mapstructure:"dbname"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	// Query overrides the demand-source select; leave empty for the default.
	Query string `mapstructure:"query"`
}

// ConnString builds the lib/pq connection string. Fields are only included when
// set so lib/pq's own defaulting still applies.
func (cfg *Postgres) ConnString() string {
	buffer := new(strings.Builder)
	if cfg.Host != "" {
		fmt.Fprintf(buffer, "host=%s ", cfg.Host)
	}
	if cfg.Port > 0 {
		fmt.Fprintf(buffer, "port=%d ", cfg.Port)
	}
	if cfg.User != "" {
		fmt.Fprintf(buffer, "user=%s ", cfg.User)
	}
	if cfg.Password != "" {
		fmt.Fprintf(buffer, "password=%s ", cfg.Password)
	}
	if cfg.DBName != "" {
		fmt.Fprintf(buffer, "dbname=%s ", cfg.DBName)
	}
	buffer.WriteString("sslmode=disable")
	return buffer.String()
}

type RateLimit struct {
	Enabled       bool                  `mapstructure:"enabled"`
	Limit         int64                 `mapstructure:"limit"`
	WindowSeconds int                   `mapstructure:"window_seconds"`
	Redis         ratelimit.RedisConfig `mapstructure:"redis"`
}

type Tracker struct {
	// Endpoint empty disables telemetry delivery.
	Endpoint             string `mapstructure:"endpoint"`
	BatchSize            int    `mapstructure:"batch_size"`
	FlushIntervalSeconds int    `mapstructure:"flush_interval_seconds"`
	QueueCapacity        int    `mapstructure:"queue_capacity"`
}

type Adapters struct {
	GAM struct {
		// TokenURL overrides the Google OAuth token endpoint, used in tests.
		TokenURL string `mapstructure:"token_url"`
	} `mapstructure:"gam"`
}

// New unmarshals and validates the configuration from v. Callers should pass a
// viper prepared by SetupViper.
func New(v *viper.Viper) (*Configuration, error) {
	var c Configuration
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("viper failed to unmarshal app config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (cfg *Configuration) validate() error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be in (0, 65535], got %d", cfg.Port)
	}
	if cfg.AdminPort == cfg.Port {
		return fmt.Errorf("admin_port must differ from port")
	}
	if cfg.Auction.BidderTimeoutMS <= 0 {
		return fmt.Errorf("auction.bidder_timeout_ms must be positive, got %d", cfg.Auction.BidderTimeoutMS)
	}

	switch cfg.StoredConfigs.Type {
	case "none":
	case "postgres":
		if cfg.StoredConfigs.Postgres.DBName == "" {
			return fmt.Errorf("stored_configs.postgres.dbname is required")
		}
	case "http":
		if cfg.StoredConfigs.HTTP.Endpoint == "" {
			return fmt.Errorf("stored_configs.http.endpoint is required")
		}
	case "file":
		if cfg.StoredConfigs.File.Path == "" {
			return fmt.Errorf("stored_configs.file.path is required")
		}
	default:
		return fmt.Errorf("stored_configs.type must be one of postgres, http, file, none; got %q", cfg.StoredConfigs.Type)
	}

	if cfg.StoredConfigs.Type != "none" {
		key, err := hex.DecodeString(cfg.CredentialKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("credential_key must be 64 hex characters (32 bytes)")
		}
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Limit <= 0 {
			return fmt.Errorf("rate_limit.limit must be positive when rate limiting is enabled")
		}
		if cfg.RateLimit.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limit.window_seconds must be positive when rate limiting is enabled")
		}
		if cfg.RateLimit.Redis.Addr == "" {
			return fmt.Errorf("rate_limit.redis.addr is required when rate limiting is enabled")
		}
	}
	return nil
}

// SetupViper establishes defaults, the config file location, and environment
// variable bindings. Every key can be overridden via BIDGATE_, e.g.
// BIDGATE_AUCTION_BIDDER_TIMEOUT_MS.
func SetupViper(v *viper.Viper, filename string) {
	if filename != "" {
		v.SetConfigName(filename)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/bidgate")
	}

	v.SetDefault("host", "")
	v.SetDefault("port", 8000)
	v.SetDefault("admin_port", 6060)
	v.SetDefault("enable_gzip", false)
	v.SetDefault("credential_key", "")
	v.SetDefault("auction.bidder_timeout_ms", 200)
	v.SetDefault("auction.max_request_bytes", 65536)
	v.SetDefault("stored_configs.type", "none")
	v.SetDefault("stored_configs.refresh_rate_seconds", 60)
	v.SetDefault("stored_configs.postgres.host", "")
	v.SetDefault("stored_configs.postgres.port", 5432)
	v.SetDefault("stored_configs.postgres.dbname", "")
	v.SetDefault("stored_configs.postgres.user", "")
	v.SetDefault("stored_configs.postgres.password", "")
	v.SetDefault("stored_configs.postgres.query", "")
	v.SetDefault("stored_configs.http.endpoint", "")
	v.SetDefault("stored_configs.file.path", "")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.limit", 100)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("rate_limit.redis.addr", "")
	v.SetDefault("rate_limit.redis.db", 0)
	v.SetDefault("rate_limit.redis.username", "")
	v.SetDefault("rate_limit.redis.password", "")
	v.SetDefault("rate_limit.redis.tls", false)
	v.SetDefault("tracker.endpoint", "")
	v.SetDefault("tracker.batch_size", 50)
	v.SetDefault("tracker.flush_interval_seconds", 5)
	v.SetDefault("tracker.queue_capacity", 5000)
	v.SetDefault("adapters.gam.token_url", "")
	v.SetDefault("metrics.enabled", true)

	v.SetEnvPrefix("BIDGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.ReadInConfig()
}
