package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BuildManifest is the sidecar written alongside a content-hashed rootfs
// or snapshot directory, recording what the build produced and from what
// inputs, so a later GC sweep or sandbox factory can distinguish a
// fully-committed build from a partial one without re-deriving the
// content hash.
type BuildManifest struct {
	ExpectedFiles []string          `yaml:"expected_files"`
	BuildInputs   map[string]string `yaml:"build_inputs,omitempty"`
	CreatedAt     time.Time         `yaml:"created_at"`
}

// WriteManifest marshals m as YAML to path, creating parent directories as
// needed.
func WriteManifest(path string, m *BuildManifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir manifest parent: %w", err)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads and parses the manifest at path.
func ReadManifest(path string) (*BuildManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m BuildManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
