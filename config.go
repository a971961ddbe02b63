package usb

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/efficientgo/core/errors"
)

// Config carries the transport's tuning parameters. All values have working
// defaults; a TOML file can override any subset.
type Config struct {
	Registry RegistryConfig `toml:"registry"`
	Transfer TransferConfig `toml:"transfer"`
	Monitor  MonitorConfig  `toml:"monitor"`
}

// RegistryConfig controls usbfs root discovery.
type RegistryConfig struct {
	// Root short-circuits discovery with an explicit usbfs mount point.
	Root string `toml:"root"`

	// MountPoint is where a private usbfs is mounted when no existing
	// mount can be found.
	MountPoint string `toml:"mount_point"`
}

// TransferConfig controls the transfer engine.
type TransferConfig struct {
	// InterruptAsBulk makes interrupt endpoints use the blocking bulk
	// ioctl path and label their asynchronous requests as bulk URBs.
	// Disabling it selects true interrupt URBs driven through
	// submit/reap/cancel, with the same timeout semantics.
	InterruptAsBulk bool `toml:"interrupt_as_bulk"`

	// LogDataLimit caps the number of payload bytes rendered into debug
	// logs. Zero disables payload logging entirely.
	LogDataLimit int `toml:"log_data_limit"`
}

// MonitorConfig controls the background input monitor. Intervals are in
// milliseconds; braille displays conventionally declare their polling cadence
// in the endpoint's bInterval, which these values default and bound.
type MonitorConfig struct {
	// DefaultIntervalMS is the resubmission base interval used when an
	// endpoint declares a bInterval of zero.
	DefaultIntervalMS int `toml:"default_interval_ms"`

	// IdleCeilingMS bounds the doubling backoff applied while the
	// endpoint produces only zero-length completions.
	IdleCeilingMS int `toml:"idle_ceiling_ms"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{
		Registry: RegistryConfig{
			MountPoint: "/var/run/brltty/usbfs",
		},
		Transfer: TransferConfig{
			InterruptAsBulk: true,
			LogDataLimit:    64,
		},
		Monitor: MonitorConfig{
			DefaultIntervalMS: 8,
			IdleCeilingMS:     40,
		},
	}
}

// LoadConfig reads a TOML configuration file, applying it over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}
