// Package catalog serves the read-only reference catalog of assessable
// items. The catalog is loaded from a JSON file once per process and is
// never mutated afterwards.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Item describes one assessable capability and its fixed question set.
type Item struct {
	Code        string   `json:"code"`
	DisplayName string   `json:"display_name"`
	GroupingKey string   `json:"grouping_key"`
	Questions   []string `json:"questions"`
}

type catalogFile struct {
	Version string  `json:"version"`
	Items   []*Item `json:"items"`
}

// Catalog is an immutable item lookup.
type Catalog struct {
	version string
	byCode  map[string]*Item
}

var (
	loadOnce sync.Once
	shared   *Catalog
	loadErr  error
)

// Load reads and parses a catalog file.
func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(b)
}

// Parse builds a catalog from raw JSON.
func Parse(b []byte) (*Catalog, error) {
	var f catalogFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := &Catalog{version: f.Version, byCode: make(map[string]*Item, len(f.Items))}
	for _, it := range f.Items {
		if it == nil || it.Code == "" {
			continue
		}
		c.byCode[it.Code] = it
	}
	return c, nil
}

// Shared returns the process-wide catalog, loading it from path on the
// first call. Later calls ignore path and return the cached instance.
func Shared(path string) (*Catalog, error) {
	loadOnce.Do(func() {
		shared, loadErr = Load(path)
	})
	return shared, loadErr
}

// ByCode returns the item for code, or nil when the code is unknown.
func (c *Catalog) ByCode(code string) *Item {
	return c.byCode[code]
}

// Codes lists all known item codes in stable order.
func (c *Catalog) Codes() []string {
	out := make([]string, 0, len(c.byCode))
	for code := range c.byCode {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Version is the catalog content version stamped onto assessments.
func (c *Catalog) Version() string { return c.version }
