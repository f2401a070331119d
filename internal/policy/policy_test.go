package policy

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const officePolicy = `
work_hours:
  start: 6
  end: 23
geofences:
  - id: 2
    name: Annex
    latitude: 9.40
    longitude: 76.70
    radius_km: 0.5
    active: false
    networks:
      - ssid: Annex-Guest
  - id: 1
    name: Office
    latitude: 9.358667
    longitude: 76.677297
    radius_km: 1.0
    networks:
      - ssid: GNXS-92f598
      - ssid: Company-Secure
        bssid: "aa:bb:cc:dd:ee:ff"
work_windows:
  - weekday: 0
    start: "09:00"
    end: "17:00"
rules:
  - name: default
    require_location: true
    require_network: true
    require_time: false
    is_default: true
`

func TestParse_OfficePolicy(t *testing.T) {
	p, err := Parse([]byte(officePolicy), DefaultWorkHours)
	require.NoError(t, err)

	active := p.ActiveGeofences()
	require.Len(t, active, 1)
	assert.Equal(t, "Office", active[0].Name)

	nets := p.ActiveNetworks()
	require.Len(t, nets, 2, "networks of inactive geofences are excluded")
	assert.Equal(t, "GNXS-92f598", nets[0].SSID)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", nets[1].BSSID)

	w, ok := p.WorkWindowFor(0)
	require.True(t, ok)
	assert.Equal(t, "09:00", w.Start.String())
	assert.Equal(t, "17:00", w.End.String())

	rule := p.EffectiveRule()
	assert.Equal(t, "default", rule.Name)
	assert.False(t, rule.RequireTime)
	assert.Equal(t, WorkHours{StartHour: 6, EndHour: 23}, p.WorkHours)
}

func TestParse_FallbackWorkHours(t *testing.T) {
	p, err := Parse([]byte("geofences: []\n"), WorkHours{StartHour: 9, EndHour: 17})
	require.NoError(t, err)
	assert.Equal(t, 9, p.WorkHours.StartHour)
	assert.Equal(t, StrictRule, p.EffectiveRule())
}

func TestActiveGeofences_StableOrder(t *testing.T) {
	p := &Policy{
		WorkHours: DefaultWorkHours,
		Geofences: []Geofence{
			{ID: 7, Name: "c", RadiusKm: 1, Active: true},
			{ID: 3, Name: "a", RadiusKm: 1, Active: true},
			{ID: 5, Name: "b", RadiusKm: 1, Active: true},
		},
	}
	got := p.ActiveGeofences()
	assert.Equal(t, []int64{3, 5, 7}, []int64{got[0].ID, got[1].ID, got[2].ID})
}

func TestValidate_Invariants(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
	}{
		{"active geofence with zero radius", Policy{
			WorkHours: DefaultWorkHours,
			Geofences: []Geofence{{ID: 1, Name: "x", Active: true}},
		}},
		{"duplicate network under geofence", Policy{
			WorkHours: DefaultWorkHours,
			Geofences: []Geofence{{ID: 1, Name: "x", RadiusKm: 1, Active: true}},
			Networks: []AllowedNetwork{
				{ID: 1, GeofenceID: 1, SSID: "corp", Active: true},
				{ID: 2, GeofenceID: 1, SSID: "corp", Active: true},
			},
		}},
		{"network of unknown geofence", Policy{
			WorkHours: DefaultWorkHours,
			Networks:  []AllowedNetwork{{ID: 1, GeofenceID: 9, SSID: "corp"}},
		}},
		{"two active windows on one weekday", Policy{
			WorkHours: DefaultWorkHours,
			WorkWindows: []WorkWindow{
				{Weekday: 2, Start: 540, End: 1020, Active: true},
				{Weekday: 2, Start: 600, End: 900, Active: true},
			},
		}},
		{"window start after end", Policy{
			WorkHours:   DefaultWorkHours,
			WorkWindows: []WorkWindow{{Weekday: 1, Start: 1020, End: 540, Active: true}},
		}},
		{"two default rules", Policy{
			WorkHours: DefaultWorkHours,
			Rules:     []AccessRule{{Name: "a", IsDefault: true}, {Name: "b", IsDefault: true}},
		}},
		{"inverted work hours", Policy{WorkHours: WorkHours{StartHour: 20, EndHour: 8}}},
		{"NaN radius", Policy{
			WorkHours: DefaultWorkHours,
			Geofences: []Geofence{{ID: 1, Name: "x", RadiusKm: math.NaN(), Active: true}},
		}},
		{"infinite radius on inactive geofence", Policy{
			WorkHours: DefaultWorkHours,
			Geofences: []Geofence{{ID: 1, Name: "x", RadiusKm: math.Inf(1)}},
		}},
		{"NaN latitude", Policy{
			WorkHours: DefaultWorkHours,
			Geofences: []Geofence{{ID: 1, Name: "x", Latitude: math.NaN(), RadiusKm: 1, Active: true}},
		}},
		{"NaN longitude", Policy{
			WorkHours: DefaultWorkHours,
			Geofences: []Geofence{{ID: 1, Name: "x", Longitude: math.NaN(), RadiusKm: 1, Active: true}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.policy)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvariantViolation)
		})
	}
}

func TestValidate_InactiveDuplicateWindowAllowed(t *testing.T) {
	p := &Policy{
		WorkHours: DefaultWorkHours,
		WorkWindows: []WorkWindow{
			{Weekday: 2, Start: 540, End: 1020, Active: true},
			{Weekday: 2, Start: 600, End: 900, Active: false},
		},
	}
	assert.NoError(t, Validate(p))
}

func TestMemoryStore_ReplaceKeepsSnapshotOnInvalid(t *testing.T) {
	good := &Policy{WorkHours: DefaultWorkHours}
	store, err := NewMemoryStore(good)
	require.NoError(t, err)

	bad := &Policy{WorkHours: WorkHours{StartHour: 10, EndHour: 2}}
	require.ErrorIs(t, store.Replace(bad), ErrInvariantViolation)

	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Same(t, good, snap)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(officePolicy), 0o600))

	p, err := LoadFile(path, DefaultWorkHours)
	require.NoError(t, err)
	assert.Len(t, p.Geofences, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), DefaultWorkHours)
	assert.Error(t, err)
}

func TestRemoteOverride_Active(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	assert.True(t, (&RemoteOverride{Enabled: true, Expiry: now.Add(time.Hour)}).Active(now))
	assert.False(t, (&RemoteOverride{Enabled: true, Expiry: now.Add(-time.Hour)}).Active(now))
	assert.False(t, (&RemoteOverride{Enabled: true, Expiry: now}).Active(now), "expiry is exclusive")
	assert.False(t, (&RemoteOverride{Enabled: false, Expiry: now.Add(time.Hour)}).Active(now))

	var none *RemoteOverride
	assert.False(t, none.Active(now))
}
