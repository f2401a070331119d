// Package access implements the access decision engine.
//
// A decision combines three factors evaluated in a fixed order (location,
// network, time). An active remote override short-circuits evaluation and
// grants access without consulting the other factors. The engine holds no
// mutable state; concurrent evaluations need no locking.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/geocrypt/backend/internal/core"
	"github.com/geocrypt/backend/internal/policy"
)

// ErrPolicyUnavailable is returned when the policy store cannot be read.
// The accompanying verdict always denies.
var ErrPolicyUnavailable = errors.New("access policy unavailable")

// OverrideLookup resolves a principal's remote override, returning nil when
// the principal has none.
type OverrideLookup interface {
	Lookup(ctx context.Context, principal string) (*policy.RemoteOverride, error)
}

// Request carries the already-authenticated request attributes.
// A nil Coordinates or empty NetworkID means the input was not supplied.
type Request struct {
	Principal   string
	Coordinates *core.Coordinates
	NetworkID   string
	Now         time.Time
}

// Verdict is the auditable result of an evaluation.
type Verdict struct {
	Principal   string       `json:"principal"`
	Allowed     bool         `json:"allowed"`
	Location    FactorResult `json:"location"`
	Network     FactorResult `json:"network"`
	Time        FactorResult `json:"time"`
	Override    FactorResult `json:"override"`
	Reasons     []string     `json:"reasons"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}

// Factor returns the result recorded for kind.
func (v *Verdict) Factor(kind FactorKind) FactorResult {
	switch kind {
	case FactorLocation:
		return v.Location
	case FactorNetwork:
		return v.Network
	case FactorTime:
		return v.Time
	case FactorOverride:
		return v.Override
	}
	return skipped(kind)
}

func (v *Verdict) set(r FactorResult) {
	switch r.Kind {
	case FactorLocation:
		v.Location = r
	case FactorNetwork:
		v.Network = r
	case FactorTime:
		v.Time = r
	case FactorOverride:
		v.Override = r
	}
}

// FailedFactors lists the evaluated factors that did not pass, in
// evaluation order.
func (v *Verdict) FailedFactors() []FactorKind {
	var out []FactorKind
	for _, kind := range standardFactors {
		if r := v.Factor(kind); r.Status == StatusFailed {
			out = append(out, kind)
		}
	}
	return out
}

// EngineConfig tunes the engine. Zero values select defaults.
type EngineConfig struct {
	// Location is the timezone the time factor reads the wall clock in.
	// Defaults to UTC.
	Location *time.Location
	Logger   *slog.Logger
}

// Engine evaluates access requests against the policy store.
type Engine struct {
	policies  policy.Store
	overrides OverrideLookup
	location  *time.Location
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an engine. overrides may be nil when remote access is
// not offered.
func NewEngine(policies policy.Store, overrides OverrideLookup, cfg ...EngineConfig) *Engine {
	e := &Engine{
		policies:  policies,
		overrides: overrides,
		location:  time.UTC,
		logger:    slog.Default(),
		now:       time.Now,
	}
	if len(cfg) > 0 {
		if cfg[0].Location != nil {
			e.location = cfg[0].Location
		}
		if cfg[0].Logger != nil {
			e.logger = cfg[0].Logger
		}
	}
	return e
}

// Evaluate decides whether req is authorized. Missing inputs fail their
// factor rather than erroring. The only error is ErrPolicyUnavailable,
// returned together with a denying verdict.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Verdict, error) {
	now := req.Now
	if now.IsZero() {
		now = e.now()
	}

	v := &Verdict{
		Principal:   req.Principal,
		Location:    skipped(FactorLocation),
		Network:     skipped(FactorNetwork),
		Time:        skipped(FactorTime),
		Reasons:     []string{},
		EvaluatedAt: now,
	}

	override := e.checkOverride(ctx, req.Principal, now)
	v.Override = override
	if override.Status == StatusGranted {
		v.Allowed = true
		return v, nil
	}

	snap, err := e.policies.Snapshot(ctx)
	if err != nil {
		v.Allowed = false
		v.Reasons = append(v.Reasons, ReasonPolicyUnavailable)
		e.logger.Error("Policy store read failed, denying", "principal", req.Principal, "error", err)
		return v, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}

	rule := snap.EffectiveRule()
	v.Allowed = true
	for _, kind := range standardFactors {
		var r FactorResult
		switch kind {
		case FactorLocation:
			r = evaluateLocation(snap, req.Coordinates)
			r.Required = rule.RequireLocation
		case FactorNetwork:
			r = evaluateNetwork(snap, req.NetworkID)
			r.Required = rule.RequireNetwork
		case FactorTime:
			r = evaluateTime(snap.WorkHours, now.In(e.location))
			r.Required = rule.RequireTime
		}
		v.set(r)
		if r.Required && !r.Passed() {
			v.Allowed = false
			v.Reasons = append(v.Reasons, r.Reason)
		}
	}
	return v, nil
}

// checkOverride never grants on a lookup failure; standard evaluation
// proceeds instead.
func (e *Engine) checkOverride(ctx context.Context, principal string, now time.Time) FactorResult {
	r := FactorResult{Kind: FactorOverride, Status: StatusSkipped, Reason: ReasonNoOverride}
	if e.overrides == nil || principal == "" {
		return r
	}
	o, err := e.overrides.Lookup(ctx, principal)
	if err != nil {
		e.logger.Warn("Remote override lookup failed, evaluating standard factors",
			"principal", principal, "error", err)
		return r
	}
	if o.Active(now) {
		expiry := o.Expiry
		return FactorResult{
			Kind:   FactorOverride,
			Status: StatusGranted,
			Reason: ReasonOverrideGranted,
			Expiry: &expiry,
		}
	}
	return r
}

// evaluateLocation passes on the first active geofence, by ID, whose
// center lies within its radius. The boundary is inclusive.
func evaluateLocation(p *policy.Policy, coords *core.Coordinates) FactorResult {
	r := FactorResult{Kind: FactorLocation, Status: StatusFailed}
	if coords == nil {
		r.Reason = ReasonLocationMissing
		return r
	}
	if !coords.Valid() {
		r.Reason = ReasonLocationInvalid
		return r
	}
	for _, g := range p.ActiveGeofences() {
		d := DistanceKm(*coords, core.Coordinates{Latitude: g.Latitude, Longitude: g.Longitude})
		if d <= g.RadiusKm {
			r.Status = StatusPassed
			r.Geofence = g.Name
			r.DistanceKm = d
			return r
		}
	}
	r.Reason = ReasonLocationOutside
	return r
}

// evaluateNetwork matches against the networks of every active geofence,
// independent of which geofence the location factor matched.
func evaluateNetwork(p *policy.Policy, networkID string) FactorResult {
	r := FactorResult{Kind: FactorNetwork, Status: StatusFailed, Network: networkID}
	if networkID == "" {
		r.Reason = ReasonNetworkMissing
		return r
	}
	for _, n := range p.ActiveNetworks() {
		if n.SSID == networkID {
			r.Status = StatusPassed
			if g, ok := p.Geofence(n.GeofenceID); ok {
				r.Geofence = g.Name
			}
			return r
		}
	}
	r.Reason = fmt.Sprintf("network %q not allowed", networkID)
	return r
}

func evaluateTime(wh policy.WorkHours, local time.Time) FactorResult {
	r := FactorResult{Kind: FactorTime, LocalTime: local.Format("15:04:05")}
	if wh.Contains(local.Hour()) {
		r.Status = StatusPassed
		return r
	}
	r.Status = StatusFailed
	r.Reason = fmt.Sprintf("access allowed only between %02d:00 and %02d:00", wh.StartHour, wh.EndHour)
	return r
}
