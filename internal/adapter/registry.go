package adapter

import (
	"fmt"
	"strings"

	"price-ingest/internal/models"
	"price-ingest/internal/profile"
)

// namers lists the retailers whose file names need code to read
var namers = map[string]storeNamer{
	"konzum":   konzumStore,
	"studenac": studenacStore,
}

// Registry maps retailer codes to adapters. It is built once from the
// profile registry and is safe for concurrent use.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds one adapter per profile
func NewRegistry(profiles *profile.Registry) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, p := range profiles.All() {
		var namer storeNamer
		if p.Adapter != "" {
			n, ok := namers[p.Adapter]
			if !ok {
				return nil, fmt.Errorf("profile %s: unknown adapter %q", p.Code, p.Adapter)
			}
			namer = n
		}
		r.adapters[p.Code] = newProfileAdapter(p, namer)
	}
	return r, nil
}

// For returns the adapter of a retailer
func (r *Registry) For(retailer string) (Adapter, error) {
	a, ok := r.adapters[strings.ToUpper(strings.TrimSpace(retailer))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownRetailer, retailer)
	}
	return a, nil
}
