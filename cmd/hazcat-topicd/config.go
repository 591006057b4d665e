package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tensorlane/hazcat"
)

// Config holds hazcat-topicd's startup configuration, overlaid by command
// line flags. A missing config file is not an error: every field already
// has a usable default.
type Config struct {
	Topic  string `yaml:"topic"`
	Role   string `yaml:"role"`   // "pub" or "sub"
	Domain string `yaml:"domain"` // "cpu" or "cuda:N"

	Depth    uint32 `yaml:"depth"`
	ItemSize uint32 `yaml:"item_size"`
	RingSize uint32 `yaml:"ring_size"`

	MetricsAddr string `yaml:"metrics_addr"`

	PersistPath string `yaml:"persist_path"`
}

// DefaultConfig returns sane defaults matching hazcat's own package
// constants, so a config file only needs to override what differs.
func DefaultConfig() *Config {
	return &Config{
		Role:        "sub",
		Domain:      "cpu",
		Depth:       hazcat.DefaultQueueDepth,
		ItemSize:    hazcat.DefaultItemSize,
		RingSize:    hazcat.DefaultRingSize,
		MetricsAddr: "",
		PersistPath: ":memory:",
	}
}

// LoadConfig reads a YAML config file at path, falling back to defaults
// when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// parseDomain turns "cpu" or "cuda:N" into a domain id and a human label
// for logging.
func parseDomain(spec string) (domain uint32, label string, err error) {
	if spec == "cpu" || spec == "" {
		return hazcat.DomainCPU, "cpu", nil
	}
	var n uint32
	if _, err := fmt.Sscanf(spec, "cuda:%d", &n); err != nil {
		return 0, "", fmt.Errorf("invalid -domain %q, want \"cpu\" or \"cuda:N\"", spec)
	}
	return hazcat.DomainCUDA(n), fmt.Sprintf("cuda:%d", n), nil
}
