package registry

import (
	"encoding/json"
	"os"
	"path/filepath"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
)

// LoadManifestFile reads and parses one manifest JSON file.
func LoadManifestFile(path string) (*forge.ToolManifest, error) {
	const op = "registry.LoadManifestFile"

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.New(fault.NotFound, op, "manifest file %s does not exist", path)
		}
		return nil, fault.Wrap(fault.Internal, op, err)
	}

	var m forge.ToolManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fault.New(fault.InvalidInput, op, "manifest %s is not valid JSON: %v", filepath.Base(path), err)
	}
	return &m, nil
}

// SaveManifestFile writes a manifest into dir as <tool_id>_v<version>.json
// and returns the path. The embedding is included so a reload skips the
// embed call.
func SaveManifestFile(dir string, m *forge.ToolManifest) (string, error) {
	const op = "registry.SaveManifestFile"

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fault.Wrap(fault.Internal, op, err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fault.Wrap(fault.Internal, op, err)
	}

	path := filepath.Join(dir, m.FileStem()+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fault.Wrap(fault.Internal, op, err)
	}
	return path, nil
}
