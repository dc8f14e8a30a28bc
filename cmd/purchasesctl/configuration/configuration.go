// Package configuration loads the purchasesctl YAML configuration.
package configuration

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Storage and store driver names.
const (
	StorageLevelDB   = "leveldb"
	StorageRedis     = "redis"
	StoragePostgres  = "postgres"
	StorageFirestore = "firestore"
	StorageMemory    = "memory"

	StoreMemory    = "memory"
	StorePlayStore = "playstore"
	StoreStripe    = "stripe"
)

// Configuration is the purchasesctl configuration file.
type Configuration struct {
	APIKey              string        `yaml:"api_key"`
	BaseURL             string        `yaml:"base_url"`
	AppUserID           string        `yaml:"app_user_id"`
	ObserverMode        bool          `yaml:"observer_mode"`
	OfflineEntitlements bool          `yaml:"offline_entitlements"`
	Timeout             time.Duration `yaml:"timeout"`
	LogLevel            string        `yaml:"log_level"`
	Storage             Storage       `yaml:"storage"`
	Store               Store         `yaml:"store"`
}

// Storage selects the device cache backend.
type Storage struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	RedisAddr   string `yaml:"redis_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`
	ProjectID   string `yaml:"project_id"`
	Collection  string `yaml:"collection"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// Store selects the billing store adapter.
type Store struct {
	Driver          string        `yaml:"driver"`
	PackageName     string        `yaml:"package_name"`
	CredentialsFile string        `yaml:"credentials_file"`
	StripeKey       string        `yaml:"stripe_key"`
	ProductCacheTTL time.Duration `yaml:"product_cache_ttl"`
}

// Default returns a configuration with every optional field set.
func Default() *Configuration {
	return &Configuration{
		Timeout:  10 * time.Second,
		LogLevel: "warn",
		Storage: Storage{
			Driver: StorageLevelDB,
			Path:   ".purchasesctl",
		},
		Store: Store{
			Driver:          StoreMemory,
			ProductCacheTTL: 5 * time.Minute,
		},
	}
}

// Load reads file over the defaults. A missing file yields the defaults.
func Load(file string) (*Configuration, error) {
	cfg := Default()
	if file == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Configuration) ApplyEnv(getenv func(string) string) {
	overrides := []struct {
		name   string
		target *string
	}{
		{"PURCHASES_API_KEY", &c.APIKey},
		{"PURCHASES_BASE_URL", &c.BaseURL},
		{"PURCHASES_APP_USER_ID", &c.AppUserID},
		{"PURCHASES_REDIS_ADDR", &c.Storage.RedisAddr},
		{"DATABASE_URL", &c.Storage.PostgresDSN},
		{"GOOGLE_CLOUD_PROJECT", &c.Storage.ProjectID},
		{"STRIPE_SECRET_KEY", &c.Store.StripeKey},
		{"GOOGLE_APPLICATION_CREDENTIALS", &c.Store.CredentialsFile},
	}
	for _, o := range overrides {
		if v := getenv(o.name); v != "" {
			*o.target = v
		}
	}
}

// Validate checks the fields the selected drivers need.
func (c *Configuration) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	switch c.Storage.Driver {
	case StorageLevelDB:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for leveldb")
		}
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redis_addr is required for redis")
		}
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for postgres")
		}
	case StorageFirestore:
		if c.Storage.ProjectID == "" {
			return fmt.Errorf("storage.project_id is required for firestore")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StorePlayStore:
		if c.Store.PackageName == "" {
			return fmt.Errorf("store.package_name is required for playstore")
		}
	case StoreStripe:
		if c.Store.StripeKey == "" {
			return fmt.Errorf("store.stripe_key is required for stripe")
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}
	return nil
}
