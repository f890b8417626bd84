// Package config loads the optional wsgateway.toml file SPEC_FULL.md
// §3 names as the ambient configuration concern the distilled spec
// never mentions: pool sizes, MAX_MESSAGE, and the close/poll timeouts.
// CLI flags (cmd/wsgatewayd) always take precedence over a loaded file,
// matching the teacher pack's config-then-flags layering in
// tzrikka/timpani's internal/thrippy/config.go.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full set of tunables a wsgateway.toml file may set.
// Every field has a zero value meaning "use the default," applied by
// Defaults.
type Config struct {
	Port int `toml:"port"`

	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`

	HostsFile   string `toml:"hosts_file"`
	OriginsFile string `toml:"origins_file"`

	PoolConnectSize int `toml:"pool_connect_size"`
	PoolIOSize      int `toml:"pool_io_size"`
	PoolCapacity    int `toml:"pool_capacity"`

	MaxMessageBytes int `toml:"max_message_bytes"`

	CloseTimeout time.Duration `toml:"close_timeout"`
	PollTimeout  time.Duration `toml:"poll_timeout"`
}

// Defaults mirrors spec.md's defaults (port 4567, 1 MiB MAX_MESSAGE)
// plus the pool sizing SPEC_FULL.md §3 adds.
func Defaults() Config {
	return Config{
		Port:            4567,
		PoolConnectSize: 4,
		PoolIOSize:      16,
		PoolCapacity:    1024,
		MaxMessageBytes: 1 << 20,
		CloseTimeout:    5 * time.Second,
		PollTimeout:     30 * time.Second,
	}
}

// Load parses path into a Config seeded with Defaults; fields absent
// from the file keep their default value. A missing path is not an
// error — callers pass the CLI's --config default, which may not exist
// on a fresh install.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// Validate enforces spec.md §6's port range: accepted range (1024, 65535)
// exclusive on both ends.
func (c Config) Validate() error {
	if c.Port <= 1024 || c.Port >= 65535 {
		return fmt.Errorf("config: port %d out of range (1024, 65535)", c.Port)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("config: tls_cert and tls_key must both be set or both empty")
	}
	return nil
}
