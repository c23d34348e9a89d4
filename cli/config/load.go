package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/oaiharvest/types"
)

// Load reads a YAML config file, expands environment variables, and
// unmarshals into a Config struct. Every failure is a ConfigurationError.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &types.ConfigurationError{Msg: fmt.Sprintf("config file not found: %s", path)}
		}
		return nil, &types.ConfigurationError{Msg: fmt.Sprintf("cannot read config file %q", path), Err: err}
	}

	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, &types.ConfigurationError{Msg: path, Err: err}
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, &types.ConfigurationError{Msg: fmt.Sprintf("invalid YAML in %s", path), Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &types.ConfigurationError{Msg: path, Err: err}
	}
	return &cfg, nil
}
