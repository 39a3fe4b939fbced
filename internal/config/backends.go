package config

import (
	"fmt"
	"os"

	"github.com/lei/cms-gateway/internal/models"
	"gopkg.in/yaml.v3"
)

// BackendsFile represents the backends configuration file structure
type BackendsFile struct {
	Backends []BackendDefinition `yaml:"backends"`
}

// BackendDefinition represents a backend definition in the config file
type BackendDefinition struct {
	Name     string   `yaml:"name"`
	Addr     string   `yaml:"addr"`
	Services []string `yaml:"services"`
}

// LoadBackends reads and parses the backends configuration file
func LoadBackends(path string) ([]models.Backend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backends file: %w", err)
	}

	// Expand environment variables so addresses can come from the deployment
	expanded := os.ExpandEnv(string(data))

	var file BackendsFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("parse backends file: %w", err)
	}

	backends := make([]models.Backend, 0, len(file.Backends))
	seen := make(map[string]bool, len(file.Backends))
	for i, bd := range file.Backends {
		if bd.Name == "" {
			return nil, fmt.Errorf("backend at index %d missing name", i)
		}
		if seen[bd.Name] {
			return nil, fmt.Errorf("backend %s defined twice", bd.Name)
		}
		seen[bd.Name] = true

		backends = append(backends, models.Backend{
			Name:     bd.Name,
			Addr:     bd.Addr,
			Services: bd.Services,
		})
	}

	return backends, nil
}
