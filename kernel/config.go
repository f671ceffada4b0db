package kernel

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config describes the simulated machine. Loaded from TOML; zero fields
// take the defaults.
type Config struct {
	Harts          int    `toml:"harts"`
	MemoryMiB      int    `toml:"memory_mib"`
	TickIntervalUs int    `toml:"tick_interval_us"`
	Init           string `toml:"init"`
	LogLevel       string `toml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		Harts:          2,
		MemoryMiB:      16,
		TickIntervalUs: 1000,
		Init:           "init",
		LogLevel:       "info",
	}
}

// LoadConfig reads a TOML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Harts < 1 || c.Harts > NCPU {
		return fmt.Errorf("harts must be 1..%d, got %d", NCPU, c.Harts)
	}
	if c.MemoryMiB < 1 {
		return fmt.Errorf("memory_mib must be at least 1, got %d", c.MemoryMiB)
	}
	if c.TickIntervalUs < 1 {
		return fmt.Errorf("tick_interval_us must be positive, got %d", c.TickIntervalUs)
	}
	if c.Init == "" {
		return fmt.Errorf("init image name must not be empty")
	}
	return nil
}
