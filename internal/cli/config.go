package cli

import (
	"github.com/craftswarm/craftswarm/internal/config"
)

// loadConfig honours --config and then the usual search path.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}
