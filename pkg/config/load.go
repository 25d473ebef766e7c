package config

import (
	"context"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads a toml configuration file into a defaulted Config and
// validates it, matching containerd's own load-then-validate startup
// sequence (pkg/cri/config.ValidatePluginConfig).
func Load(ctx context.Context, path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := Validate(ctx, c); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}
