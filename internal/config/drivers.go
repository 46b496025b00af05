package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DriverConfig is one roster entry in drivers.yaml.
type DriverConfig struct {
	Name     string `yaml:"name"`
	Phone    string `yaml:"phone"`
	IsActive *bool  `yaml:"is_active,omitempty"`
}

// Active defaults to true when is_active is omitted.
func (d DriverConfig) Active() bool {
	return d.IsActive == nil || *d.IsActive
}

// DriversConfig is the root of drivers.yaml.
type DriversConfig struct {
	Drivers []DriverConfig `yaml:"drivers"`
}

// LoadDriversConfig loads and validates the driver roster.
func LoadDriversConfig(path string) (*DriversConfig, error) {
	if path == "" {
		path = "configs/drivers.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read drivers config: %w", err)
	}

	var cfg DriversConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse drivers config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate drivers config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the roster for errors.
func (c *DriversConfig) Validate() error {
	phones := make(map[string]bool)
	for i, d := range c.Drivers {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("driver[%d]: name is required", i)
		}
		if strings.TrimSpace(d.Phone) == "" {
			return fmt.Errorf("driver[%d]: phone is required", i)
		}
		if phones[d.Phone] {
			return fmt.Errorf("driver[%d]: duplicate phone '%s'", i, d.Phone)
		}
		phones[d.Phone] = true
	}
	return nil
}

func (c *DriversConfig) String() string {
	active := 0
	for _, d := range c.Drivers {
		if d.Active() {
			active++
		}
	}
	return fmt.Sprintf("DriversConfig: %d drivers (%d active)", len(c.Drivers), active)
}
