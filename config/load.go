// Package config loads medsync configuration from YAML with environment
// variable expansion and validation.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Validator is implemented by configuration types that can check themselves.
type Validator interface {
	Validate() error
}

// Load reads filename, expands ${VAR} references, decodes the YAML into
// target and validates it when target implements Validator. Fields absent
// from the file keep the values target already holds.
func Load[T any](filename string, target *T) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), target); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if validator, ok := any(target).(Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
	}

	return nil
}

// LoadFile returns the defaults overlaid with filename. An empty filename, or
// one that does not exist when optional is set, yields the validated defaults.
func LoadFile(filename string, optional bool) (*Config, error) {
	cfg := NewDefaultConfig()
	if filename == "" {
		return cfg, cfg.Validate()
	}
	if _, err := os.Stat(filename); optional && errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err := Load(filename, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
