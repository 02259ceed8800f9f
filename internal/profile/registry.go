package profile

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"price-ingest/internal/models"
)

//go:embed retailers.yaml
var defaultCatalogue []byte

// Registry is the immutable set of retailer profiles shared by all pipeline runs
type Registry struct {
	profiles map[string]*Profile
	codes    []string
}

type catalogue struct {
	Retailers []*Profile `yaml:"retailers"`
}

// NewRegistry validates profiles and freezes them into a registry
func NewRegistry(profiles ...*Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		if err := p.compile(); err != nil {
			return nil, err
		}
		if _, dup := r.profiles[p.Code]; dup {
			return nil, fmt.Errorf("duplicate retailer profile %s", p.Code)
		}
		r.profiles[p.Code] = p
		r.codes = append(r.codes, p.Code)
	}
	sort.Strings(r.codes)
	return r, nil
}

// Load reads a YAML catalogue
func Load(rd io.Reader) (*Registry, error) {
	var c catalogue
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode retailer profiles: %w", err)
	}
	if len(c.Retailers) == 0 {
		return nil, fmt.Errorf("retailer catalogue is empty")
	}
	return NewRegistry(c.Retailers...)
}

// LoadFile reads a YAML catalogue from path
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open retailer profiles: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Default returns the built-in catalogue
func Default() (*Registry, error) {
	return Load(bytes.NewReader(defaultCatalogue))
}

// Get returns the profile for a retailer code
func (r *Registry) Get(code string) (*Profile, error) {
	p, ok := r.profiles[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownRetailer, code)
	}
	return p, nil
}

// Codes returns the registered retailer codes, sorted
func (r *Registry) Codes() []string {
	out := make([]string, len(r.codes))
	copy(out, r.codes)
	return out
}

// All returns the profiles in code order
func (r *Registry) All() []*Profile {
	out := make([]*Profile, 0, len(r.codes))
	for _, c := range r.codes {
		out = append(out, r.profiles[c])
	}
	return out
}
