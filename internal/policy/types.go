// Package policy holds the administrative access policy consulted by the
// decision engine: geofences, allowed networks, work hours and access rules.
//
// Policy data is read-mostly. Stores hand out immutable *Policy snapshots so
// that a single evaluation always sees one consistent configuration.
package policy

import (
	"fmt"
	"sort"
	"time"
)

// Geofence is a named circular area used as a location policy unit.
type Geofence struct {
	ID        int64   `json:"id" yaml:"id"`
	Name      string  `json:"name" yaml:"name"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	RadiusKm  float64 `json:"radius_km" yaml:"radius_km"`
	Active    bool    `json:"active" yaml:"active"`
}

// AllowedNetwork is a network identifier (SSID) admitted under a geofence.
// BSSID is informational and not matched by the engine.
type AllowedNetwork struct {
	ID         int64  `json:"id" yaml:"id"`
	GeofenceID int64  `json:"geofence_id" yaml:"geofence_id"`
	SSID       string `json:"ssid" yaml:"ssid"`
	BSSID      string `json:"bssid,omitempty" yaml:"bssid"`
	Active     bool   `json:"active" yaml:"active"`
}

// TimeOfDay is a same-day wall-clock time stored as minutes after midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// UnmarshalYAML accepts "HH:MM" strings.
func (t *TimeOfDay) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// WorkWindow is the work period configured for one weekday (0 = Monday).
type WorkWindow struct {
	Weekday int       `json:"weekday" yaml:"weekday"`
	Start   TimeOfDay `json:"start" yaml:"start"`
	End     TimeOfDay `json:"end" yaml:"end"`
	Active  bool      `json:"active" yaml:"active"`
}

// WorkHours is the global daily window the time factor checks:
// access passes when StartHour <= hour < EndHour.
type WorkHours struct {
	StartHour int `json:"start_hour" yaml:"start"`
	EndHour   int `json:"end_hour" yaml:"end"`
}

// Contains reports whether hour falls within the window.
func (w WorkHours) Contains(hour int) bool {
	return w.StartHour <= hour && hour < w.EndHour
}

// DefaultWorkHours matches the deployment defaults of 06:00 to 23:00.
var DefaultWorkHours = WorkHours{StartHour: 6, EndHour: 23}

// AccessRule names which factors are mandatory.
type AccessRule struct {
	ID              int64  `json:"id" yaml:"id"`
	Name            string `json:"name" yaml:"name"`
	RequireLocation bool   `json:"require_location" yaml:"require_location"`
	RequireNetwork  bool   `json:"require_network" yaml:"require_network"`
	RequireTime     bool   `json:"require_time" yaml:"require_time"`
	IsDefault       bool   `json:"is_default" yaml:"is_default"`
}

// StrictRule is applied when no default rule is configured.
var StrictRule = AccessRule{Name: "strict", RequireLocation: true, RequireNetwork: true, RequireTime: true}

// RemoteOverride is an administrator-granted, time-boxed bypass of all
// standard factors for one principal.
type RemoteOverride struct {
	Principal string    `json:"principal"`
	Enabled   bool      `json:"enabled"`
	Expiry    time.Time `json:"expiry"`
}

// Active reports whether the override bypasses the standard factors at now.
func (o *RemoteOverride) Active(now time.Time) bool {
	return o != nil && o.Enabled && now.Before(o.Expiry)
}

// Policy is an immutable snapshot of the whole policy surface.
type Policy struct {
	Geofences   []Geofence
	Networks    []AllowedNetwork
	WorkWindows []WorkWindow
	WorkHours   WorkHours
	Rules       []AccessRule
}

// ActiveGeofences returns the active geofences ordered by ID, which fixes
// first-match-wins iteration.
func (p *Policy) ActiveGeofences() []Geofence {
	out := make([]Geofence, 0, len(p.Geofences))
	for _, g := range p.Geofences {
		if g.Active {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveNetworks returns active networks that belong to an active geofence,
// ordered by geofence ID and then network ID.
func (p *Policy) ActiveNetworks() []AllowedNetwork {
	active := make(map[int64]bool, len(p.Geofences))
	for _, g := range p.Geofences {
		if g.Active {
			active[g.ID] = true
		}
	}
	out := make([]AllowedNetwork, 0, len(p.Networks))
	for _, n := range p.Networks {
		if n.Active && active[n.GeofenceID] {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GeofenceID != out[j].GeofenceID {
			return out[i].GeofenceID < out[j].GeofenceID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Geofence looks up a geofence by ID.
func (p *Policy) Geofence(id int64) (Geofence, bool) {
	for _, g := range p.Geofences {
		if g.ID == id {
			return g, true
		}
	}
	return Geofence{}, false
}

// EffectiveRule returns the default rule, or StrictRule when none is set.
func (p *Policy) EffectiveRule() AccessRule {
	for _, r := range p.Rules {
		if r.IsDefault {
			return r
		}
	}
	return StrictRule
}

// WorkWindowFor returns the active window for a weekday (0 = Monday).
func (p *Policy) WorkWindowFor(weekday int) (WorkWindow, bool) {
	for _, w := range p.WorkWindows {
		if w.Active && w.Weekday == weekday {
			return w, true
		}
	}
	return WorkWindow{}, false
}
