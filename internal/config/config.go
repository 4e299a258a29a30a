package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema       string   `mapstructure:"DB_SCHEMA"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	// HID generation and pool
	WorkerID                   string `mapstructure:"WORKER_ID"`
	HIDEpoch                   string `mapstructure:"HID_EPOCH"`
	HIDLocalStoragePath        string `mapstructure:"HID_LOCAL_STORAGE_PATH"`
	HealthIDBlockSize          int    `mapstructure:"HEALTH_ID_BLOCK_SIZE"`
	HealthIDBlockSizeThreshold int    `mapstructure:"HEALTH_ID_BLOCK_SIZE_THRESHOLD"`

	// HID series
	MCIOrgCode                string `mapstructure:"MCI_ORG_CODE"`
	MCIStartHID               int64  `mapstructure:"MCI_START_HID"`
	MCIEndHID                 int64  `mapstructure:"MCI_END_HID"`
	MCIInvalidHIDPattern      string `mapstructure:"MCI_INVALID_HID_PATTERN"`
	OtherOrgStartHID          int64  `mapstructure:"OTHER_ORG_START_HID"`
	OtherOrgEndHID            int64  `mapstructure:"OTHER_ORG_END_HID"`
	OtherOrgInvalidHIDPattern string `mapstructure:"OTHER_ORG_INVALID_HID_PATTERN"`

	// HID authority
	IdentityServerBaseURL    string        `mapstructure:"IDENTITY_SERVER_BASE_URL"`
	IdentityServerSignInPath string        `mapstructure:"IDENTITY_SERVER_SIGNIN_PATH"`
	IDPClientID              string        `mapstructure:"IDP_CLIENT_ID"`
	IDPAuthToken             string        `mapstructure:"IDP_AUTH_TOKEN"`
	IDPClientEmail           string        `mapstructure:"IDP_CLIENT_EMAIL"`
	IDPClientPassword        string        `mapstructure:"IDP_CLIENT_PASSWORD"`
	HIDServiceBaseURL        string        `mapstructure:"HID_SERVICE_BASE_URL"`
	HIDServiceNextBlockURL   string        `mapstructure:"HID_SERVICE_NEXT_BLOCK_URL"`
	HIDServiceMarkUsedURL    string        `mapstructure:"HID_SERVICE_MARK_USED_URL"`
	HIDServiceTimeout        time.Duration `mapstructure:"HID_SERVICE_TIMEOUT"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"WORKER_ID", "HID_EPOCH", "HID_LOCAL_STORAGE_PATH",
	"HEALTH_ID_BLOCK_SIZE", "HEALTH_ID_BLOCK_SIZE_THRESHOLD",
	"MCI_ORG_CODE", "MCI_START_HID", "MCI_END_HID", "MCI_INVALID_HID_PATTERN",
	"OTHER_ORG_START_HID", "OTHER_ORG_END_HID", "OTHER_ORG_INVALID_HID_PATTERN",
	"IDENTITY_SERVER_BASE_URL", "IDENTITY_SERVER_SIGNIN_PATH",
	"IDP_CLIENT_ID", "IDP_AUTH_TOKEN", "IDP_CLIENT_EMAIL", "IDP_CLIENT_PASSWORD",
	"HID_SERVICE_BASE_URL", "HID_SERVICE_NEXT_BLOCK_URL", "HID_SERVICE_MARK_USED_URL",
	"HID_SERVICE_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8081")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("HID_EPOCH", "2025-01-01T00:00:00Z")
	v.SetDefault("HID_LOCAL_STORAGE_PATH", "data/hid_store.json")
	v.SetDefault("HEALTH_ID_BLOCK_SIZE", 1000)
	v.SetDefault("HEALTH_ID_BLOCK_SIZE_THRESHOLD", 200)
	v.SetDefault("MCI_ORG_CODE", "MCI")
	v.SetDefault("MCI_START_HID", 9_800_000_000)
	v.SetDefault("MCI_END_HID", 9_999_999_999)
	v.SetDefault("MCI_INVALID_HID_PATTERN", `.*(\d)\1{3}.*`)
	v.SetDefault("OTHER_ORG_START_HID", 1_000_000_000)
	v.SetDefault("OTHER_ORG_END_HID", 9_799_999_999)
	v.SetDefault("OTHER_ORG_INVALID_HID_PATTERN", `9\d*|.*(\d)\1{3}.*`)
	v.SetDefault("IDENTITY_SERVER_SIGNIN_PATH", "/signin")
	v.SetDefault("HID_SERVICE_NEXT_BLOCK_URL", "/healthIds/nextBlock/%s")
	v.SetDefault("HID_SERVICE_MARK_USED_URL", "/healthIds/markUsed/%s")
	v.SetDefault("HID_SERVICE_TIMEOUT", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active: all requests get mci_admin access.")
		log.Println("WARNING: Set ENV=production and AUTH_SIGNING_KEY for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Epoch parses HID_EPOCH, an RFC 3339 timestamp.
func (c *Config) Epoch() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, c.HIDEpoch)
	if err != nil {
		return time.Time{}, fmt.Errorf("HID_EPOCH %q is not an RFC 3339 timestamp: %w", c.HIDEpoch, err)
	}
	return t, nil
}

// Validate checks that the configuration is safe to serve with. Outside
// development a signing key is required so bearer tokens are verified, and
// the HID authority must be fully configured.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q. "+
			"Refusing to start without authentication configuration", c.Env)
	}
	if _, err := c.Epoch(); err != nil {
		return err
	}
	if strings.TrimSpace(c.WorkerID) == "" {
		return fmt.Errorf("WORKER_ID is required")
	}
	if c.HealthIDBlockSize <= 0 {
		return fmt.Errorf("HEALTH_ID_BLOCK_SIZE must be positive, got %d", c.HealthIDBlockSize)
	}
	if c.HealthIDBlockSizeThreshold < 0 || c.HealthIDBlockSizeThreshold > c.HealthIDBlockSize {
		return fmt.Errorf("HEALTH_ID_BLOCK_SIZE_THRESHOLD must be within [0, %d], got %d",
			c.HealthIDBlockSize, c.HealthIDBlockSizeThreshold)
	}
	if c.HIDLocalStoragePath == "" {
		return fmt.Errorf("HID_LOCAL_STORAGE_PATH is required")
	}
	if c.HIDServiceTimeout <= 0 {
		return fmt.Errorf("HID_SERVICE_TIMEOUT must be positive, got %s", c.HIDServiceTimeout)
	}

	if !c.IsDev() {
		required := []struct{ key, val string }{
			{"IDENTITY_SERVER_BASE_URL", c.IdentityServerBaseURL},
			{"HID_SERVICE_BASE_URL", c.HIDServiceBaseURL},
			{"IDP_CLIENT_ID", c.IDPClientID},
			{"IDP_AUTH_TOKEN", c.IDPAuthToken},
			{"IDP_CLIENT_EMAIL", c.IDPClientEmail},
			{"IDP_CLIENT_PASSWORD", c.IDPClientPassword},
		}
		for _, r := range required {
			if r.val == "" {
				return fmt.Errorf("%s is required when ENV=%q", r.key, c.Env)
			}
		}
	}

	if c.IsProduction() {
		for _, o := range c.CORSOrigins {
			if strings.TrimSpace(o) == "*" {
				return fmt.Errorf("CORS_ORIGINS must list explicit origins in production, got %q", o)
			}
		}
	}
	return nil
}
