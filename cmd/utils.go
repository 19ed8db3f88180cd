package cmd

import (
	"fmt"
	"os"

	"github.com/TEENet-io/atlas-bridge/config"
	"github.com/TEENet-io/atlas-bridge/logconfig"
)

// fileExists checks if a file exists and is readable
func FileExists(filePath string) bool {
	file, err := os.Open(filePath)
	if err != nil {
		return false
	}
	defer file.Close()
	return true
}

// LoadConfig reads the config file and sets up the service logger from it.
func LoadConfig(path string) (*config.Config, error) {
	if !FileExists(path) {
		return nil, fmt.Errorf("configuration file not found: %s", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logconfig.ConfigProductionLogger(&logconfig.ProductionConfig{
		Level:      cfg.Log.Level,
		Dir:        cfg.Log.Dir,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, nil
}
