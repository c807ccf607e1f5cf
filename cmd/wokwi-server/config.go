package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// defaultConfigFile is looked up in the working directory when --config is
// not given.
const defaultConfigFile = "wokwi-server.yaml"

// fileConfig mirrors the command-line flags in YAML form. Flags that were
// explicitly set override file values.
type fileConfig struct {
	Chip        string `yaml:"chip"`
	Project     string `yaml:"project"`
	Endpoint    string `yaml:"endpoint"`
	GDBAddr     string `yaml:"gdb_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// loadFileConfig reads the YAML config. A missing default file is fine; a
// missing explicitly requested file is an error.
func loadFileConfig(path string) (fileConfig, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return fileConfig{}, nil
		}
		return fileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
