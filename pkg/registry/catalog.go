package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"rdcp/pkg/models"

	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk category declaration file.
//
//	version: 1
//	scopes:
//	  global: [DATABASE, CACHE]
//	  tenant-a: [DATABASE]
type Catalog struct {
	Version int                 `yaml:"version"`
	Scopes  map[string][]string `yaml:"scopes"`
}

func ParseCatalogYAML(b []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Catalog{}, err
	}
	if c.Version != 1 {
		return Catalog{}, errors.New("catalog: unsupported version")
	}
	if len(c.Scopes) == 0 {
		return Catalog{}, errors.New("catalog: no scopes declared")
	}
	return c, nil
}

func LoadCatalog(path string) (Catalog, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Catalog{}, err
	}
	return ParseCatalogYAML(b)
}

// Apply registers every declared category into r.
func (c Catalog) Apply(r *Registry) error {
	for scope, names := range c.Scopes {
		if scope == "" {
			return errors.New("catalog: empty scope name")
		}
		if err := r.RegisterAll(models.Scope(scope), names...); err != nil {
			return fmt.Errorf("catalog scope %s: %w", scope, err)
		}
	}
	return nil
}
