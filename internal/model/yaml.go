package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a weight set from a YAML file and validates it.
func LoadFile(path string) (*WeightSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML weight set and validates it.
func Parse(data []byte) (*WeightSet, error) {
	var ws WeightSet
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWeights, err)
	}
	if err := ws.Validate(); err != nil {
		return nil, err
	}
	return &ws, nil
}

// Marshal encodes a weight set as YAML.
func Marshal(ws *WeightSet) ([]byte, error) {
	return yaml.Marshal(ws)
}

// WriteFile writes ws to path as YAML.
func WriteFile(path string, ws *WeightSet) error {
	data, err := Marshal(ws)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
