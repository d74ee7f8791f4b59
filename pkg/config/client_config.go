package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	OutputStyled = "styled"
	OutputJSON   = "json"
)

// ClientConfig holds CLI defaults for talking to a running node agent
type ClientConfig struct {
	NodeAddress        string   `json:"node_address"`
	CoordinatorAddress string   `json:"coordinator_address"`
	OutputFormat       string   `json:"output_format,omitempty"`
	Timeout            Duration `json:"timeout,omitempty"`
}

// GetConfigDir returns the muster configuration directory
func GetConfigDir() string {
	if dir := os.Getenv("MUSTER_CONFIG_DIR"); dir != "" {
		return dir
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "muster")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".muster"
	}
	return filepath.Join(home, ".muster")
}

// GetClientConfigPath returns the path of the CLI defaults file
func GetClientConfigPath() string {
	return filepath.Join(GetConfigDir(), "client.json")
}

func defaultClientConfig() *ClientConfig {
	return &ClientConfig{
		NodeAddress:        "localhost" + DefaultNodeAddress,
		CoordinatorAddress: "localhost" + DefaultCoordinatorAddress,
		OutputFormat:       OutputStyled,
		Timeout:            Duration(10 * time.Second),
	}
}

// LoadClientConfig reads the CLI defaults. A missing file yields defaults.
func LoadClientConfig() (*ClientConfig, error) {
	configPath := GetClientConfigPath()

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return defaultClientConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultClientConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the CLI defaults with owner-only permissions.
func (c *ClientConfig) Save() error {
	if err := os.MkdirAll(GetConfigDir(), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(GetClientConfigPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ and environment variables in paths
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return os.ExpandEnv(path)
}
