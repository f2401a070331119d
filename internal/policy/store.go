package policy

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v2"
)

// Store is the read side of the policy store consumed by the engine.
type Store interface {
	Snapshot(ctx context.Context) (*Policy, error)
}

// MemoryStore publishes validated snapshots behind an atomic pointer.
type MemoryStore struct {
	current atomic.Pointer[Policy]
}

// NewMemoryStore validates p and returns a store serving it.
func NewMemoryStore(p *Policy) (*MemoryStore, error) {
	s := &MemoryStore{}
	if err := s.Replace(p); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current policy.
func (s *MemoryStore) Snapshot(ctx context.Context) (*Policy, error) {
	p := s.current.Load()
	if p == nil {
		return nil, fmt.Errorf("policy not loaded")
	}
	return p, nil
}

// Replace validates p and swaps it in. Invalid policies leave the current
// snapshot untouched.
func (s *MemoryStore) Replace(p *Policy) error {
	if p == nil {
		return fmt.Errorf("%w: nil policy", ErrInvariantViolation)
	}
	if err := Validate(p); err != nil {
		return err
	}
	s.current.Store(p)
	return nil
}

// File is the on-disk YAML layout of a policy.
type File struct {
	WorkHours   *WorkHours       `yaml:"work_hours"`
	Geofences   []GeofenceFile   `yaml:"geofences"`
	WorkWindows []WorkWindowFile `yaml:"work_windows"`
	Rules       []AccessRule     `yaml:"rules"`
}

// GeofenceFile nests allowed networks under their geofence.
type GeofenceFile struct {
	ID        int64         `yaml:"id"`
	Name      string        `yaml:"name"`
	Latitude  float64       `yaml:"latitude"`
	Longitude float64       `yaml:"longitude"`
	RadiusKm  float64       `yaml:"radius_km"`
	Active    *bool         `yaml:"active"`
	Networks  []NetworkFile `yaml:"networks"`
}

type NetworkFile struct {
	SSID   string `yaml:"ssid"`
	BSSID  string `yaml:"bssid"`
	Active *bool  `yaml:"active"`
}

type WorkWindowFile struct {
	Weekday int       `yaml:"weekday"`
	Start   TimeOfDay `yaml:"start"`
	End     TimeOfDay `yaml:"end"`
	Active  *bool     `yaml:"active"`
}

// Active flags default to true when omitted.
func flag(b *bool) bool {
	return b == nil || *b
}

// Policy converts the file layout to a snapshot. Networks get sequential
// IDs in file order.
func (f *File) Policy(fallback WorkHours) *Policy {
	p := &Policy{WorkHours: fallback, Rules: f.Rules}
	if f.WorkHours != nil {
		p.WorkHours = *f.WorkHours
	}
	var networkID int64
	for _, g := range f.Geofences {
		p.Geofences = append(p.Geofences, Geofence{
			ID:        g.ID,
			Name:      g.Name,
			Latitude:  g.Latitude,
			Longitude: g.Longitude,
			RadiusKm:  g.RadiusKm,
			Active:    flag(g.Active),
		})
		for _, n := range g.Networks {
			networkID++
			p.Networks = append(p.Networks, AllowedNetwork{
				ID:         networkID,
				GeofenceID: g.ID,
				SSID:       n.SSID,
				BSSID:      n.BSSID,
				Active:     flag(n.Active),
			})
		}
	}
	for _, w := range f.WorkWindows {
		p.WorkWindows = append(p.WorkWindows, WorkWindow{
			Weekday: w.Weekday,
			Start:   w.Start,
			End:     w.End,
			Active:  flag(w.Active),
		})
	}
	return p
}

// Parse decodes and validates a YAML policy document.
func Parse(data []byte, fallback WorkHours) (*Policy, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	p := f.Policy(fallback)
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadFile reads a YAML policy file.
func LoadFile(path string, fallback WorkHours) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data, fallback)
}
