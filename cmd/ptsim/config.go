package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sameo/salus/internal/pagetable"
)

// Region describes one range of the mapped address space to exercise.
type Region struct {
	Base       uint64 `yaml:"base"`
	Pages      uint64 `yaml:"pages"`
	Invalidate bool   `yaml:"invalidate"`
	Convert    bool   `yaml:"convert"`
}

// Config describes a simulated machine and the paging lifecycle to run on
// it.
type Config struct {
	Mode         string   `yaml:"mode"`
	RamBase      uint64   `yaml:"ram-base"`
	RamSize      uint64   `yaml:"ram-size"`
	PtePoolPages uint64   `yaml:"pte-pool-pages"`
	Regions      []Region `yaml:"regions"`
}

// DefaultConfig is the scenario used when no config file is given: a small
// guest with one mapped, invalidated and converted range.
func DefaultConfig() *Config {
	return &Config{
		Mode:         "sv48x4",
		RamBase:      0x8000_0000,
		RamSize:      16 << 20,
		PtePoolPages: 64,
		Regions: []Region{
			{Base: 0x4_0000_0000, Pages: 8, Invalidate: true, Convert: true},
			{Base: 0x4_0100_0000, Pages: 4},
		},
	}
}

// LoadConfig reads a machine description from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ptsim: read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("ptsim: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for obvious mistakes before the simulation
// starts.
func (c *Config) Validate() error {
	if _, err := ParseMode(c.Mode); err != nil {
		return err
	}
	if c.RamBase%0x1000 != 0 {
		return fmt.Errorf("ptsim: ram-base 0x%x not page aligned", c.RamBase)
	}
	if c.RamSize == 0 || c.RamSize%0x1000 != 0 {
		return fmt.Errorf("ptsim: ram-size 0x%x not a multiple of the page size", c.RamSize)
	}
	if len(c.Regions) == 0 {
		return fmt.Errorf("ptsim: no regions to map")
	}
	for i, r := range c.Regions {
		if r.Pages == 0 {
			return fmt.Errorf("ptsim: region %d has no pages", i)
		}
		if r.Base%0x1000 != 0 {
			return fmt.Errorf("ptsim: region %d base 0x%x not page aligned", i, r.Base)
		}
		if r.Convert && !r.Invalidate {
			return fmt.Errorf("ptsim: region %d cannot convert without invalidating", i)
		}
	}
	return nil
}

// ParseMode maps a mode name to its descriptor.
func ParseMode(name string) (*pagetable.Mode, error) {
	switch name {
	case "sv39":
		return pagetable.Sv39, nil
	case "sv48":
		return pagetable.Sv48, nil
	case "sv57":
		return pagetable.Sv57, nil
	case "sv39x4":
		return pagetable.Sv39x4, nil
	case "sv48x4":
		return pagetable.Sv48x4, nil
	case "sv57x4":
		return pagetable.Sv57x4, nil
	default:
		return nil, fmt.Errorf("ptsim: unknown paging mode %q", name)
	}
}
