// Package vmconfig loads the YAML machine description consumed by cmd/ph.
package vmconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BlockDevice describes one virtio-blk backing file.
type BlockDevice struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"readOnly,omitempty"`
}

// P9Share describes one virtio-9p export.
type P9Share struct {
	Tag      string `yaml:"tag"`
	Root     string `yaml:"root"`
	ReadOnly bool   `yaml:"readOnly,omitempty"`
}

// Config is the full machine description: how much RAM and how many vCPUs
// to give the guest, which kernel/initrd/cmdline to boot, and which
// paravirtual device backends to attach. Mirrors the teacher's bundle.yaml
// convention of a single versioned document read once at startup.
type Config struct {
	Version int `yaml:"version"`

	CPUs     int    `yaml:"cpus"`
	MemoryMB uint64 `yaml:"memoryMB"`

	Kernel  string `yaml:"kernel"`
	Initrd  string `yaml:"initrd,omitempty"`
	Cmdline string `yaml:"cmdline,omitempty"`

	Disks []BlockDevice `yaml:"disks,omitempty"`
	Share *P9Share      `yaml:"share,omitempty"`

	WaylandSocket string `yaml:"waylandSocket,omitempty"`
	TapDevice     string `yaml:"tapDevice,omitempty"`
	MacAddress    string `yaml:"macAddress,omitempty"`

	Verbose bool `yaml:"verbose,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.CPUs == 0 {
		c.CPUs = 1
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = 512
	}
}

// Validate checks the fields that have no sane default.
func (c *Config) Validate() error {
	if c.Kernel == "" {
		return fmt.Errorf("vmconfig: kernel path is required")
	}
	if c.CPUs < 1 {
		return fmt.Errorf("vmconfig: cpus must be positive")
	}
	if c.Share != nil && c.Share.Tag == "" {
		return fmt.Errorf("vmconfig: share.tag is required when share.root is set")
	}
	return nil
}

// Load reads and parses a machine description from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vmconfig: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("vmconfig: parse %s: %w", path, err)
	}
	cfg.normalize()
	return &cfg, nil
}
