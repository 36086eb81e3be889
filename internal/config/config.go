// Package config holds the resolved settings dirsyncd runs with and loads
// the optional tunables overlay file. Command-line flags are parsed in
// cmd/dirsyncd, not here.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dirsync/dirsync/internal/signature"
)

// Tunables holds the constants spec.md §9 calls out as
// implementer-tunable: block size, the modify-event debounce window, the
// echo-guard suppression window, and the periodic full-reconciliation
// interval. All have built-in defaults; an optional YAML file can
// override any subset of them.
type Tunables struct {
	BlockSize         int           `yaml:"block_size"`
	ModifyDebounce    time.Duration `yaml:"modify_debounce"`
	EchoWindow        time.Duration `yaml:"echo_window"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// DefaultTunables returns the built-in constants used when no tunables
// file is supplied.
func DefaultTunables() Tunables {
	return Tunables{
		BlockSize:         signature.DefaultBlockSize,
		ModifyDebounce:    100 * time.Millisecond,
		EchoWindow:        500 * time.Millisecond,
		ReconcileInterval: 10 * time.Minute,
	}
}

// LoadTunables reads an optional YAML tunables file at path and merges it
// over the defaults. An empty path returns the defaults unchanged.
func LoadTunables(path string) (Tunables, error) {
	t := DefaultTunables()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Tunables{}, fmt.Errorf("config: reading tunables file %q: %w", path, err)
	}

	var overlay Tunables
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Tunables{}, fmt.Errorf("config: parsing tunables file %q: %w", path, err)
	}

	if overlay.BlockSize > 0 {
		t.BlockSize = overlay.BlockSize
	}
	if overlay.ModifyDebounce > 0 {
		t.ModifyDebounce = overlay.ModifyDebounce
	}
	if overlay.EchoWindow > 0 {
		t.EchoWindow = overlay.EchoWindow
	}
	if overlay.ReconcileInterval > 0 {
		t.ReconcileInterval = overlay.ReconcileInterval
	}

	if err := t.validate(); err != nil {
		return Tunables{}, fmt.Errorf("config: validating tunables: %w", err)
	}
	return t, nil
}

func (t Tunables) validate() error {
	if t.BlockSize < 64 {
		return fmt.Errorf("block_size must be at least 64 bytes, got %d", t.BlockSize)
	}
	if t.ModifyDebounce < 0 {
		return fmt.Errorf("modify_debounce must not be negative")
	}
	if t.EchoWindow < 0 {
		return fmt.Errorf("echo_window must not be negative")
	}
	if t.ReconcileInterval < 0 {
		return fmt.Errorf("reconcile_interval must not be negative")
	}
	return nil
}

// Config is the fully resolved set of settings dirsyncd runs with.
type Config struct {
	MonitorDir    string
	SignatureDir  string
	BroadcastPort uint16
	ListenPort    uint16
	LogLevel      string
	LogFormat     string
	Tunables      Tunables
}

// Validate checks the required fields are present.
func (c *Config) Validate() error {
	if c.MonitorDir == "" {
		return fmt.Errorf("monitor_dir is required")
	}
	info, err := os.Stat(c.MonitorDir)
	if err != nil {
		return fmt.Errorf("monitor_dir %q: %w", c.MonitorDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("monitor_dir %q is not a directory", c.MonitorDir)
	}
	if c.SignatureDir == "" {
		return fmt.Errorf("signature_dir is required")
	}
	if c.BroadcastPort == 0 {
		return fmt.Errorf("broadcast_port must be non-zero")
	}
	if c.ListenPort == 0 {
		return fmt.Errorf("listen_port must be non-zero")
	}
	return nil
}
