// Package manifest validates supply-chain manifests and checks runtime
// component hashes against the manifest's known-good values. A hash mismatch
// halts trust in the component; there is no fallback path.
package manifest

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrUnknownComponent is returned when the manifest lists no entry for
	// the requested component.
	ErrUnknownComponent = errors.New("component not listed in manifest")
)

// MismatchError reports a runtime hash that diverges from the manifest's
// known-good hash. It is fatal for the component; callers must not fall back
// to trusting it anyway.
type MismatchError struct {
	Component string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("component %q hash does not match manifest", e.Component)
}

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "version", "components"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "components": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "version", "sha256"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "version": {"type": "string", "minLength": 1},
          "sha256": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
        }
      }
    }
  }
}`

var manifestSchema = jsonschema.MustCompileString("manifest.schema.json", schemaJSON)

// Component is one manifest entry: a named artifact pinned to an exact
// version and a known-good SHA-256.
type Component struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	SHA256  string `json:"sha256"`
}

// Manifest is the parsed, schema-validated supply-chain manifest.
type Manifest struct {
	Name       string      `json:"name"`
	Version    string      `json:"version"`
	Components []Component `json:"components"`
}

// Parse validates raw JSON against the manifest schema, then decodes it.
// Component versions must parse as semantic versions.
func Parse(raw []byte) (*Manifest, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := manifestSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("manifest schema: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	for _, c := range m.Components {
		if _, err := semver.NewVersion(c.Version); err != nil {
			return nil, fmt.Errorf("component %q version %q: %w", c.Name, c.Version, err)
		}
	}
	return &m, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(raw)
}

// Component returns the entry for name, or ErrUnknownComponent.
func (m *Manifest) Component(name string) (*Component, error) {
	for i := range m.Components {
		if m.Components[i].Name == name {
			return &m.Components[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownComponent, name)
}

// VerifyComponent compares a runtime hash against the component's
// known-good hash in constant time. Any divergence is a MismatchError.
func (m *Manifest) VerifyComponent(name string, runtimeHash [32]byte) error {
	c, err := m.Component(name)
	if err != nil {
		return err
	}
	known, err := hex.DecodeString(c.SHA256)
	if err != nil || len(known) != 32 {
		return &MismatchError{Component: name}
	}
	if subtle.ConstantTimeCompare(known, runtimeHash[:]) != 1 {
		return &MismatchError{Component: name}
	}
	return nil
}

// CheckConstraint reports whether the component's pinned version satisfies
// a semver constraint such as ">= 1.2.0, < 2.0.0".
func (m *Manifest) CheckConstraint(name, constraint string) (bool, error) {
	c, err := m.Component(name)
	if err != nil {
		return false, err
	}
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return false, fmt.Errorf("component %q version: %w", name, err)
	}
	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("constraint %q: %w", constraint, err)
	}
	return cons.Check(v), nil
}
