package policy

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvariantViolation wraps every configuration rejected by Validate.
var ErrInvariantViolation = errors.New("policy invariant violation")

// Validate checks the structural invariants of a policy. Stores call it
// before publishing a snapshot so the engine only ever reads valid data.
func Validate(p *Policy) error {
	var problems []string

	geofences := make(map[int64]bool, len(p.Geofences))
	for _, g := range p.Geofences {
		if geofences[g.ID] {
			problems = append(problems, fmt.Sprintf("duplicate geofence id %d", g.ID))
		}
		geofences[g.ID] = true
		switch {
		case !finite(g.RadiusKm):
			problems = append(problems, fmt.Sprintf("geofence %q: radius is not a finite number", g.Name))
		case g.RadiusKm < 0:
			problems = append(problems, fmt.Sprintf("geofence %q: negative radius", g.Name))
		case g.Active && g.RadiusKm <= 0:
			problems = append(problems, fmt.Sprintf("geofence %q: active geofence needs radius > 0", g.Name))
		}
		if !finite(g.Latitude) || !finite(g.Longitude) ||
			g.Latitude < -90 || g.Latitude > 90 || g.Longitude < -180 || g.Longitude > 180 {
			problems = append(problems, fmt.Sprintf("geofence %q: center out of range", g.Name))
		}
	}

	type networkKey struct {
		geofence int64
		ssid     string
	}
	networks := make(map[networkKey]bool, len(p.Networks))
	for _, n := range p.Networks {
		if !geofences[n.GeofenceID] {
			problems = append(problems, fmt.Sprintf("network %q: unknown geofence %d", n.SSID, n.GeofenceID))
		}
		if n.SSID == "" {
			problems = append(problems, fmt.Sprintf("network under geofence %d: empty identifier", n.GeofenceID))
		}
		key := networkKey{n.GeofenceID, n.SSID}
		if networks[key] {
			problems = append(problems, fmt.Sprintf("network %q duplicated under geofence %d", n.SSID, n.GeofenceID))
		}
		networks[key] = true
	}

	activeDays := make(map[int]bool, 7)
	for _, w := range p.WorkWindows {
		if w.Weekday < 0 || w.Weekday > 6 {
			problems = append(problems, fmt.Sprintf("work window weekday %d out of range", w.Weekday))
		}
		if w.Start > w.End {
			problems = append(problems, fmt.Sprintf("work window weekday %d: start %s after end %s", w.Weekday, w.Start, w.End))
		}
		if w.Active {
			if activeDays[w.Weekday] {
				problems = append(problems, fmt.Sprintf("more than one active work window for weekday %d", w.Weekday))
			}
			activeDays[w.Weekday] = true
		}
	}

	wh := p.WorkHours
	if wh.StartHour < 0 || wh.EndHour > 24 || wh.StartHour > wh.EndHour {
		problems = append(problems, fmt.Sprintf("work hours %d-%d invalid", wh.StartHour, wh.EndHour))
	}

	defaults := 0
	for _, r := range p.Rules {
		if r.IsDefault {
			defaults++
		}
	}
	if defaults > 1 {
		problems = append(problems, fmt.Sprintf("%d default access rules, at most one allowed", defaults))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvariantViolation, strings.Join(problems, "; "))
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
