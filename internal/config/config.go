// Package config handles car-server configuration loading and validation.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

var identRE = regexp.MustCompile(`^[a-z0-9_]+$`)

// MQTTConfig defines the pub/sub broker connection settings shared by
// every car session in the process.
type MQTTConfig struct {
	Address string `json:"mqtt_address"`
	Port    int    `json:"mqtt_port"`
	Timeout int    `json:"mqtt_timeout"`
}

// ModuleConfig describes one device-module handler library binding.
type ModuleConfig struct {
	LibPath string         `json:"lib_path"`
	Config  map[string]any `json:"config"`
}

// CarConfig describes the car-specific modules for one configured car.
type CarConfig struct {
	SpecificModules map[string]ModuleConfig `json:"specific_modules"`
}

// Config holds the full car-server configuration, decoded from the
// JSON document described in spec.md §6. Unknown top-level keys are
// rejected at decode time (see [Load]).
type Config struct {
	CompanyName                    string                  `json:"company_name"`
	CarName                        string                  `json:"car_name"`
	MQTTAddress                    string                  `json:"mqtt_address"`
	MQTTPort                       int                     `json:"mqtt_port"`
	MQTTTimeout                    int                     `json:"mqtt_timeout"`
	ConnectTimeout                 int                     `json:"connect_timeout"`
	InitTimeout                    int                     `json:"init_timeout"`
	Timeout                        int                     `json:"timeout"`
	SendInvalidCommand             bool                    `json:"send_invalid_command"`
	SleepDurationAfterConnRefused  float64                 `json:"sleep_duration_after_connection_refused"`
	CommonModules                  map[string]ModuleConfig `json:"common_modules"`
	Cars                           map[string]CarConfig    `json:"cars"`
	Logging                        map[string]any          `json:"logging"`
	DataDir                        string                  `json:"data_dir"`
	LogLevel                       string                  `json:"log_level"`
}

// Load reads configuration from a JSON file and validates the result.
// After Load returns successfully, every car named in cfg.Cars has a
// fully resolved, duplicate-free module id set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MQTTTimeout == 0 {
		c.MQTTTimeout = 30
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 10
	}
	if c.Timeout == 0 {
		c.Timeout = 5
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

// Validate checks the configuration for internal consistency: valid
// identifiers, timeouts of at least 1, parseable module ids, and a
// disjoint common/specific module-id union for every car.
func (c *Config) Validate() error {
	if !identRE.MatchString(c.CompanyName) {
		return fmt.Errorf("company_name %q must match [a-z0-9_]+", c.CompanyName)
	}
	if !identRE.MatchString(c.CarName) {
		return fmt.Errorf("car_name %q must match [a-z0-9_]+", c.CarName)
	}
	if c.MQTTTimeout < 1 {
		return fmt.Errorf("mqtt_timeout must be >= 1, got %d", c.MQTTTimeout)
	}
	if c.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be >= 1, got %d", c.ConnectTimeout)
	}
	if c.InitTimeout < 1 {
		return fmt.Errorf("init_timeout must be >= 1, got %d", c.InitTimeout)
	}
	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be >= 1, got %d", c.Timeout)
	}
	if c.SleepDurationAfterConnRefused < 0 {
		return fmt.Errorf("sleep_duration_after_connection_refused must be >= 0")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if len(c.Cars) == 0 {
		return fmt.Errorf("at least one car must be configured")
	}

	common, err := moduleIDs(c.CommonModules)
	if err != nil {
		return fmt.Errorf("common_modules: %w", err)
	}

	for name, car := range c.Cars {
		specific, err := moduleIDs(car.SpecificModules)
		if err != nil {
			return fmt.Errorf("cars.%s.specific_modules: %w", name, err)
		}
		if len(common)+len(specific) == 0 {
			return fmt.Errorf("car %q has no modules configured", name)
		}
		for id := range specific {
			if _, dup := common[id]; dup {
				return fmt.Errorf("car %q: module id %d present in both common_modules and specific_modules", name, id)
			}
		}
	}

	return nil
}

// moduleIDs parses the string keys of a module_id_string -> ModuleConfig
// mapping into a set of uint16 module ids, per spec.md §6.
func moduleIDs(modules map[string]ModuleConfig) (map[uint16]struct{}, error) {
	ids := make(map[uint16]struct{}, len(modules))
	for key := range modules {
		var id uint16
		if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
			return nil, fmt.Errorf("module id %q does not parse as unsigned integer: %w", key, err)
		}
		ids[id] = struct{}{}
	}
	return ids, nil
}
