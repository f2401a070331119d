package access

import (
	"fmt"
	"time"
)

// FactorKind is one dimension of an access decision.
type FactorKind int

const (
	FactorLocation FactorKind = iota
	FactorNetwork
	FactorTime
	FactorOverride
)

// standardFactors is the fixed evaluation order when no override applies.
var standardFactors = [...]FactorKind{FactorLocation, FactorNetwork, FactorTime}

func (k FactorKind) String() string {
	switch k {
	case FactorLocation:
		return "location"
	case FactorNetwork:
		return "network"
	case FactorTime:
		return "time"
	case FactorOverride:
		return "override"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name in JSON.
func (k FactorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts the names MarshalText produces.
func (k *FactorKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "location":
		*k = FactorLocation
	case "network":
		*k = FactorNetwork
	case "time":
		*k = FactorTime
	case "override":
		*k = FactorOverride
	default:
		return fmt.Errorf("unknown factor kind %q", text)
	}
	return nil
}

// FactorStatus is the outcome of one factor.
type FactorStatus string

const (
	StatusPassed  FactorStatus = "PASSED"
	StatusFailed  FactorStatus = "FAILED"
	StatusGranted FactorStatus = "GRANTED" // override in force
	StatusSkipped FactorStatus = "SKIPPED" // not evaluated
)

// Reason strings surfaced to callers and audit logs.
const (
	ReasonLocationMissing   = "location data not provided"
	ReasonLocationInvalid   = "location data invalid"
	ReasonLocationOutside   = "location not within allowed areas"
	ReasonNetworkMissing    = "network data not provided"
	ReasonOverrideGranted   = "remote access granted"
	ReasonNoOverride        = "no active remote access grant"
	ReasonPolicyUnavailable = "access policy unavailable"
)

// FactorResult is the detail reported for one factor.
type FactorResult struct {
	Kind     FactorKind   `json:"kind"`
	Status   FactorStatus `json:"status"`
	Required bool         `json:"required"`
	Reason   string       `json:"reason,omitempty"`

	// Location
	Geofence   string  `json:"geofence,omitempty"`
	DistanceKm float64 `json:"distance_km,omitempty"`

	// Network
	Network string `json:"network,omitempty"`

	// Time
	LocalTime string `json:"local_time,omitempty"`

	// Override
	Expiry *time.Time `json:"expiry,omitempty"`
}

// Passed reports whether the factor admits the request.
func (r FactorResult) Passed() bool {
	return r.Status == StatusPassed || r.Status == StatusGranted
}

func skipped(kind FactorKind) FactorResult {
	return FactorResult{Kind: kind, Status: StatusSkipped}
}
