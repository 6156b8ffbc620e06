// Package directory holds the static provider directory used to route
// referrals. A Directory is loaded once at startup and never mutated, so it
// can be shared across goroutines without synchronization.
package directory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidEntry is returned when a directory record fails validation.
var ErrInvalidEntry = errors.New("invalid directory entry")

// Provider is a single care provider in the directory.
type Provider struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Specialty    string `json:"specialty" yaml:"specialty"`
	Location     string `json:"location" yaml:"location"`
	UrgencyMin   int    `json:"urgency_min" yaml:"urgency_min"`
	UrgencyMax   int    `json:"urgency_max" yaml:"urgency_max"`
	ContactPhone string `json:"contact_phone,omitempty" yaml:"contact_phone,omitempty"`
	ContactEmail string `json:"contact_email,omitempty" yaml:"contact_email,omitempty"`
}

// Eligible reports whether the provider accepts the given urgency score.
// Both ends of the range are inclusive.
func (p Provider) Eligible(urgency int) bool {
	return p.UrgencyMin <= urgency && urgency <= p.UrgencyMax
}

// Directory is an ordered, immutable list of providers.
type Directory struct {
	providers []Provider
}

// New validates the entries and builds a Directory. Order is preserved and
// is significant for matching.
func New(entries []Provider) (*Directory, error) {
	seen := make(map[string]int, len(entries))
	providers := make([]Provider, 0, len(entries))
	for i, p := range entries {
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("entry %d (%q): %w", i, p.ID, err)
		}
		if prev, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("entry %d (%q): %w: duplicate id, first seen at entry %d", i, p.ID, ErrInvalidEntry, prev)
		}
		seen[p.ID] = i
		providers = append(providers, p)
	}
	return &Directory{providers: providers}, nil
}

func validate(p Provider) error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidEntry)
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidEntry)
	case strings.TrimSpace(p.Specialty) == "":
		return fmt.Errorf("%w: specialty is required", ErrInvalidEntry)
	case p.UrgencyMin < 1 || p.UrgencyMin > 5:
		return fmt.Errorf("%w: urgency_min %d outside 1-5", ErrInvalidEntry, p.UrgencyMin)
	case p.UrgencyMax < 1 || p.UrgencyMax > 5:
		return fmt.Errorf("%w: urgency_max %d outside 1-5", ErrInvalidEntry, p.UrgencyMax)
	case p.UrgencyMin > p.UrgencyMax:
		return fmt.Errorf("%w: urgency_min %d greater than urgency_max %d", ErrInvalidEntry, p.UrgencyMin, p.UrgencyMax)
	}
	return nil
}

// Load reads a directory file. Files ending in .yaml or .yml are parsed as
// YAML, anything else as JSON. The file must contain a list of providers.
// A malformed record aborts the load; entries are never skipped.
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var entries []Provider
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&entries); err != nil {
			return nil, fmt.Errorf("parse directory %s: %w", path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&entries); err != nil {
			return nil, fmt.Errorf("parse directory %s: %w", path, err)
		}
	}

	d, err := New(entries)
	if err != nil {
		return nil, fmt.Errorf("load directory %s: %w", path, err)
	}
	return d, nil
}

// Len returns the number of providers.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.providers)
}

// Providers returns a copy of the provider list in stored order.
func (d *Directory) Providers() []Provider {
	if d == nil {
		return nil
	}
	out := make([]Provider, len(d.providers))
	copy(out, d.providers)
	return out
}
