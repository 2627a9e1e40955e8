// Package catalog resolves model ids against a local models directory.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"applabd/internal/common/fsutil"
	"applabd/pkg/types"
)

// Catalog is a read-only view of locally available models.
type Catalog struct {
	models []types.ModelInfo
}

// LoadDir scans a directory for *.gguf files and builds a catalog from
// filenames. ID is the full filename (including extension); Path is the
// absolute file path.
func LoadDir(dir string) (*Catalog, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.ModelInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		models = append(models, types.ModelInfo{
			ID:   name,
			Name: name,
			Path: filepath.Join(abs, name),
		})
	}
	return &Catalog{models: models}, nil
}

// Models returns a copy of all known models.
func (c *Catalog) Models() []types.ModelInfo {
	out := make([]types.ModelInfo, len(c.models))
	copy(out, c.models)
	return out
}

// Get returns the model with the given id.
func (c *Catalog) Get(id string) (types.ModelInfo, bool) {
	for _, m := range c.models {
		if m.ID == id {
			return m, true
		}
	}
	return types.ModelInfo{}, false
}
