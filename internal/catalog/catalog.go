// Package catalog holds the product catalog used to seed inventory and to
// resolve the names customers use for products.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var ErrInvalidCatalog = errors.New("invalid catalog")

// Item is one seed entry of the catalog.
type Item struct {
	ID       string
	Quantity int
	Price    decimal.Decimal
	Aliases  []string
}

type Catalog struct {
	Items []Item
}

type fileItem struct {
	ID       string   `yaml:"id"`
	Quantity int      `yaml:"quantity"`
	Price    string   `yaml:"price"`
	Aliases  []string `yaml:"aliases"`
}

type file struct {
	Items []fileItem `yaml:"items"`
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(raw)
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

func Parse(raw []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	seen := make(map[string]struct{}, len(f.Items))
	c := &Catalog{Items: make([]Item, 0, len(f.Items))}
	for _, fi := range f.Items {
		id := strings.TrimSpace(fi.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: item without id", ErrInvalidCatalog)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate item %q", ErrInvalidCatalog, id)
		}
		seen[id] = struct{}{}

		if fi.Quantity < 0 {
			return nil, fmt.Errorf("%w: negative quantity for %q", ErrInvalidCatalog, id)
		}
		price := decimal.Zero
		if fi.Price != "" {
			p, err := decimal.NewFromString(fi.Price)
			if err != nil {
				return nil, fmt.Errorf("%w: price for %q: %v", ErrInvalidCatalog, id, err)
			}
			if p.IsNegative() {
				return nil, fmt.Errorf("%w: negative price for %q", ErrInvalidCatalog, id)
			}
			price = p
		}

		c.Items = append(c.Items, Item{
			ID:       id,
			Quantity: fi.Quantity,
			Price:    price,
			Aliases:  fi.Aliases,
		})
	}
	return c, nil
}

// Aliases flattens the per-item aliases into alias -> canonical id.
func (c *Catalog) Aliases() map[string]string {
	out := make(map[string]string)
	for _, it := range c.Items {
		for _, a := range it.Aliases {
			out[a] = it.ID
		}
	}
	return out
}

func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.Items))
	for _, it := range c.Items {
		ids = append(ids, it.ID)
	}
	return ids
}

// Resolver builds a name resolver over this catalog.
func (c *Catalog) Resolver() *Resolver {
	return NewResolver(c.IDs(), c.Aliases())
}
