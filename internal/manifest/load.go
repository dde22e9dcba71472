package manifest

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a manifest YAML file. Unknown keys at any level
// are rejected outright (a REDESIGN FLAG over the teacher's tolerant JSON
// config, which silently ignores unrecognized fields) so a typo in a
// contract or sink block fails at startup instead of silently no-opping.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	if err := m.resolveEvents(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	if err := m.resolveFilters(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	if err := m.resolveDependencies(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	m.index()

	return &m, nil
}
