package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeCoordinator Mode = "coordinator"
	ModeNode        Mode = "node"
)

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

const (
	DefaultCluster            = "default"
	DefaultCoordinatorAddress = ":8001"
	DefaultNodeAddress        = ":7001"
	DefaultSyncInterval       = 15 * time.Second
	DefaultSearchTimeout      = 5 * time.Second
	DefaultDataDir            = "./data"
)

type Config struct {
	Mode        Mode              `json:"mode" yaml:"mode" validate:"required,oneof=coordinator node"`
	Cluster     string            `json:"cluster" yaml:"cluster" validate:"required,excludesall=-"`
	Coordinator CoordinatorConfig `json:"coordinator,omitempty" yaml:"coordinator,omitempty" validate:"-"`
	Node        NodeConfig        `json:"node,omitempty" yaml:"node,omitempty" validate:"-"`
}

type CoordinatorConfig struct {
	Address        string `json:"address" yaml:"address" validate:"required,hostname_port"`
	MetricsAddress string `json:"metrics_address,omitempty" yaml:"metrics_address,omitempty"`
}

type NodeConfig struct {
	Name               string   `json:"name" yaml:"name" validate:"required"`
	Address            string   `json:"address" yaml:"address" validate:"required,hostname_port"`
	CoordinatorAddress string   `json:"coordinator_address" yaml:"coordinator_address" validate:"required,hostname_port"`
	DataDir            string   `json:"data_dir" yaml:"data_dir"`
	Store              string   `json:"store" yaml:"store" validate:"oneof=sqlite memory"`
	SyncInterval       Duration `json:"sync_interval" yaml:"sync_interval"`
	SearchTimeout      Duration `json:"search_timeout" yaml:"search_timeout"`
	// CacheTTL caches index search results on the node. Zero disables it.
	CacheTTL       Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
	MetricsAddress string   `json:"metrics_address,omitempty" yaml:"metrics_address,omitempty"`
}

// LoadConfig reads a JSON or YAML config file, picked by extension.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Node.DataDir = expandPath(cfg.Node.DataDir)

	return &cfg, nil
}

func LoadFromEnv() *Config {
	cfg := &Config{
		Mode:    Mode(getEnv("MUSTER_MODE", string(ModeNode))),
		Cluster: getEnv("MUSTER_CLUSTER", DefaultCluster),
	}

	if cfg.Mode == ModeCoordinator {
		cfg.Coordinator = CoordinatorConfig{
			Address:        getEnv("MUSTER_COORDINATOR_ADDRESS", DefaultCoordinatorAddress),
			MetricsAddress: getEnv("MUSTER_METRICS_ADDRESS", ""),
		}
	} else {
		cfg.Node = NodeConfig{
			Name:               getEnv("MUSTER_NODE_NAME", ""),
			Address:            getEnv("MUSTER_NODE_ADDRESS", DefaultNodeAddress),
			CoordinatorAddress: getEnv("MUSTER_COORDINATOR_ADDRESS", "localhost:8001"),
			DataDir:            getEnv("MUSTER_DATA_DIR", DefaultDataDir),
			Store:              getEnv("MUSTER_STORE", StoreSQLite),
			MetricsAddress:     getEnv("MUSTER_METRICS_ADDRESS", ""),
		}
		if d, err := time.ParseDuration(os.Getenv("MUSTER_SYNC_INTERVAL")); err == nil {
			cfg.Node.SyncInterval = Duration(d)
		}
	}

	return cfg
}

// ApplyDefaults fills every unset field. A node without a name takes the
// hostname, or a random name when the hostname is unavailable.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeNode
	}
	if c.Cluster == "" {
		c.Cluster = DefaultCluster
	}

	if c.Coordinator.Address == "" {
		c.Coordinator.Address = DefaultCoordinatorAddress
	}

	n := &c.Node
	if n.Name == "" {
		n.Name = defaultNodeName()
	}
	if n.Address == "" {
		n.Address = DefaultNodeAddress
	}
	if n.CoordinatorAddress == "" {
		n.CoordinatorAddress = "localhost" + DefaultCoordinatorAddress
	}
	if n.DataDir == "" {
		n.DataDir = DefaultDataDir
	}
	if n.Store == "" {
		n.Store = StoreSQLite
	}
	if n.SyncInterval <= 0 {
		n.SyncInterval = Duration(DefaultSyncInterval)
	}
	if n.SearchTimeout <= 0 {
		n.SearchTimeout = Duration(DefaultSearchTimeout)
	}
}

var validate = validator.New()

// Validate checks the section selected by Mode.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	var section any = &c.Node
	if c.Mode == ModeCoordinator {
		section = &c.Coordinator
	}
	if err := validate.Struct(section); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	for _, e := range validationErrs {
		switch e.Tag() {
		case "required":
			return fmt.Errorf("invalid config: %s is required", e.Namespace())
		case "oneof":
			return fmt.Errorf("invalid config: %s must be one of [%s], got %q", e.Namespace(), e.Param(), e.Value())
		case "hostname_port":
			return fmt.Errorf("invalid config: %s must be host:port, got %q", e.Namespace(), e.Value())
		case "excludesall":
			return fmt.Errorf("invalid config: %s must not contain %q", e.Namespace(), e.Param())
		default:
			return fmt.Errorf("invalid config: %s failed %s", e.Namespace(), e.Tag())
		}
	}
	return err
}

func defaultNodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "node-" + uuid.NewString()[:8]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
