// Package seed loads and saves the YAML product-seed file that drives
// which products the ingest controller processes.
package seed

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when a caller passes an empty path to Load or Save.
const DefaultPath = "./seed.yaml"

// File is the on-disk shape of a product seed file.
type File struct {
	ProductIDs []string       `yaml:"product_ids"`
	Metadata   map[string]any `yaml:"metadata"`
}

// Load reads a seed file and returns its product IDs and metadata. A
// nonexistent file, an empty file, or a file missing either key all
// return empty zero values rather than an error: the file is
// regenerated by update-seed, so absence is not a failure.
func Load(path string) ([]string, map[string]any, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, map[string]any{}, nil
		}
		return nil, nil, err
	}
	if len(data) == 0 {
		return []string{}, map[string]any{}, nil
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, err
	}
	if f.ProductIDs == nil {
		f.ProductIDs = []string{}
	}
	if f.Metadata == nil {
		f.Metadata = map[string]any{}
	}
	return f.ProductIDs, f.Metadata, nil
}

// Save writes a seed file atomically (tmp file then rename), stamping
// metadata["last_updated"] with the current UTC time in RFC3339 form
// ending in "Z".
func Save(productIDs []string, path string, metadata map[string]any) error {
	if path == "" {
		path = DefaultPath
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["last_updated"] = time.Now().UTC().Format("2006-01-02T15:04:05Z")

	if productIDs == nil {
		productIDs = []string{}
	}
	f := File{ProductIDs: productIDs, Metadata: metadata}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Merge combines a freshly-fetched product universe with the existing seed
// file by product id (union, stable order: existing ids first, then new
// ones not already present), optionally filtered down to ids the keep
// predicate accepts. This is what update-seed --merge runs.
func Merge(existing, fetched []string, keep func(id string) bool) []string {
	seen := make(map[string]struct{}, len(existing)+len(fetched))
	merged := make([]string, 0, len(existing)+len(fetched))
	add := func(id string) {
		if keep != nil && !keep(id) {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	for _, id := range existing {
		add(id)
	}
	for _, id := range fetched {
		add(id)
	}
	return merged
}
