package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LiveComponent is an externally registered component referenced from
// .pc sources. The engine treats it as an opaque element with typed
// props; fetching and rendering are external.
type LiveComponent struct {
	Name string            `json:"name"`
	Tag  string            `json:"tag,omitempty"`
	Props map[string]string `json:"props,omitempty"`
}

// Registry is the optional .paperclip/registry.json manifest. It is
// read-only to the engine.
type Registry struct {
	Components []LiveComponent `json:"components"`
}

// LoadRegistry reads the workspace manifest; a missing file yields an
// empty registry.
func LoadRegistry(root string) (*Registry, error) {
	path := filepath.Join(root, ".paperclip", "registry.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{}, nil
		}
		return nil, err
	}
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("registry.json: %w", err)
	}
	return &reg, nil
}
