// Package catalog provides the immutable built-in species profiles.
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"handbookcore/pkg/domain"
)

//go:embed builtin.json
var builtinJSON []byte

// Catalog is a read-only ordered list of profiles.
type Catalog struct {
	profiles []domain.Profile
	ids      map[string]struct{}
}

// Builtin parses the embedded dataset.
func Builtin() (*Catalog, error) {
	return Parse(builtinJSON)
}

// LoadFile reads a replacement dataset from path.
func LoadFile(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a JSON array of profiles. Empty and repeated ids are rejected.
func Parse(data []byte) (*Catalog, error) {
	var profiles []domain.Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return New(profiles)
}

// New builds a catalog from profiles, copying them.
func New(profiles []domain.Profile) (*Catalog, error) {
	c := &Catalog{ids: make(map[string]struct{}, len(profiles))}
	for i, p := range profiles {
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("catalog entry %d has no id", i)
		}
		if _, dup := c.ids[p.ID]; dup {
			return nil, fmt.Errorf("catalog id %q repeated", p.ID)
		}
		c.ids[p.ID] = struct{}{}
		c.profiles = append(c.profiles, p.Clone())
	}
	return c, nil
}

// Profiles returns copies of the catalog entries in order.
func (c *Catalog) Profiles() []domain.Profile {
	return domain.CloneAll(c.profiles)
}

// Has reports whether id is a catalog entry.
func (c *Catalog) Has(id string) bool {
	_, ok := c.ids[id]
	return ok
}

// Len returns the number of entries.
func (c *Catalog) Len() int { return len(c.profiles) }
