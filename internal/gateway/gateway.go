// Package gateway orchestrates an access attempt end to end: it asks the
// decision engine, releases the object on allow, scores the attempt for
// anomalies and writes exactly one access log entry, on every path.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/geocrypt/backend/internal/access"
	"github.com/geocrypt/backend/internal/anomaly"
	"github.com/geocrypt/backend/internal/audit"
	"github.com/geocrypt/backend/internal/core"
	"github.com/geocrypt/backend/internal/envelope"
	"github.com/geocrypt/backend/internal/metrics"
	"github.com/geocrypt/backend/internal/overrides"
	"github.com/geocrypt/backend/internal/policy"
	"github.com/geocrypt/backend/internal/vault"
)

// Reasons recorded for release failures after an allow.
const (
	ReasonDecryptionFailed = "decryption failed"
	ReasonObjectNotFound   = "object not found"
	ReasonReleaseFailed    = "object could not be released"
	ReasonIngestFailed     = "object could not be stored"
)

// ErrAuditUnavailable is returned when the access log rejects an entry.
// Content is never released without its audit record.
var ErrAuditUnavailable = errors.New("access log unavailable")

// Evaluator is satisfied by *access.Engine.
type Evaluator interface {
	Evaluate(ctx context.Context, req access.Request) (*access.Verdict, error)
}

// Detector is the anomaly surface the gateway drives. *anomaly.Detector
// satisfies it.
type Detector interface {
	anomaly.Scorer
	Train(ctx context.Context, events []core.ActivityEvent) error
	Model() *anomaly.Model
}

// Config wires the gateway's collaborators. AccessLog, Activity and Alerts
// are commonly the same audit store.
type Config struct {
	Engine     Evaluator
	Vault      *vault.Vault
	Detector   Detector
	Overrides  overrides.Store
	AccessLog  audit.AccessLog
	Activity   audit.ActivityLog
	Alerts     audit.AlertStore
	Metrics    *metrics.Metrics
	UsualHours anomaly.UsualHours
	// Location is the timezone events are scored in. Defaults to UTC.
	Location *time.Location
	Logger   *slog.Logger
}

// Gateway is the audit/decision orchestrator.
type Gateway struct {
	engine     Evaluator
	vault      *vault.Vault
	detector   Detector
	overrides  overrides.Store
	accessLog  audit.AccessLog
	activity   audit.ActivityLog
	alerts     audit.AlertStore
	metrics    *metrics.Metrics
	usualHours anomaly.UsualHours
	location   *time.Location
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	g := &Gateway{
		engine:     cfg.Engine,
		vault:      cfg.Vault,
		detector:   cfg.Detector,
		overrides:  cfg.Overrides,
		accessLog:  cfg.AccessLog,
		activity:   cfg.Activity,
		alerts:     cfg.Alerts,
		metrics:    cfg.Metrics,
		usualHours: cfg.UsualHours,
		location:   cfg.Location,
		logger:     cfg.Logger,
		now:        time.Now,
	}
	if g.usualHours == (anomaly.UsualHours{}) {
		g.usualHours = anomaly.DefaultUsualHours
	}
	if g.location == nil {
		g.location = time.UTC
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// ============================================================================
// ACCESS
// ============================================================================

// AccessRequest is one attempt to reach a protected object. An empty
// ObjectID evaluates the context only.
type AccessRequest struct {
	Principal   string
	ObjectID    string
	Action      core.ActionKind
	Coordinates *core.Coordinates
	NetworkID   string
	Now         time.Time
}

// AccessResult is the outcome of an attempt. Plaintext is set only when
// the entry outcome is GRANTED and an object was requested.
type AccessResult struct {
	Verdict    *access.Verdict        `json:"verdict"`
	Object     *vault.ProtectedObject `json:"object,omitempty"`
	Plaintext  []byte                 `json:"-"`
	Entry      core.AccessLogEntry    `json:"entry"`
	Assessment anomaly.Assessment     `json:"assessment"`
	Alert      *core.SecurityAlert    `json:"alert,omitempty"`
}

// Granted reports whether the attempt succeeded.
func (r *AccessResult) Granted() bool {
	return r.Entry.Outcome == core.OutcomeGranted
}

// Access evaluates req, releases the object on allow and records the
// attempt. A denial is not an error: it is reported through the result.
// ErrPolicyUnavailable, envelope.ErrDecryptionFailed, vault.ErrObjectNotFound
// and ErrAuditUnavailable are returned as errors alongside a DENIED result.
func (g *Gateway) Access(ctx context.Context, req AccessRequest) (*AccessResult, error) {
	if req.Principal == "" {
		return nil, fmt.Errorf("principal is required")
	}
	now := req.Now
	if now.IsZero() {
		now = g.now()
	}
	action := req.Action
	if action == "" {
		action = core.ActionView
		if req.ObjectID != "" {
			action = core.ActionDownload
		}
	}

	entry := core.AccessLogEntry{
		Principal:   req.Principal,
		ObjectID:    req.ObjectID,
		Action:      action,
		Timestamp:   now,
		NetworkID:   req.NetworkID,
		Coordinates: req.Coordinates,
		Outcome:     core.OutcomeDenied,
	}
	res := &AccessResult{}

	verdict, evalErr := g.engine.Evaluate(ctx, access.Request{
		Principal:   req.Principal,
		Coordinates: req.Coordinates,
		NetworkID:   req.NetworkID,
		Now:         now,
	})
	res.Verdict = verdict
	if verdict != nil {
		entry.Reasons = append(entry.Reasons, verdict.Reasons...)
	}
	g.metrics.RecordDecision(decisionOutcome(verdict, evalErr), failedFactors(verdict))

	var opErr error
	switch {
	case evalErr != nil:
		opErr = evalErr
	case !verdict.Allowed:
	case req.ObjectID == "":
		entry.Outcome = core.OutcomeGranted
	default:
		plaintext, obj, err := g.vault.Open(ctx, req.ObjectID)
		switch {
		case err == nil:
			entry.Outcome = core.OutcomeGranted
			res.Plaintext, res.Object = plaintext, obj
			g.metrics.RecordRelease(true)
		case errors.Is(err, envelope.ErrDecryptionFailed):
			entry.Action = core.ActionDecrypt
			entry.Reasons = append(entry.Reasons, ReasonDecryptionFailed)
			g.metrics.RecordRelease(false)
			opErr = err
		case errors.Is(err, vault.ErrObjectNotFound):
			entry.Reasons = append(entry.Reasons, ReasonObjectNotFound)
			opErr = err
		default:
			entry.Reasons = append(entry.Reasons, ReasonReleaseFailed)
			opErr = err
		}
	}

	event := g.accessEvent(req, entry, now)
	if req.ObjectID != "" {
		event = g.recordActivity(ctx, event)
	}
	res.Assessment = anomaly.Assess(event, g.detector, g.usualHours)
	if res.Assessment.Suspicious() {
		entry.Suspicious = true
		res.Alert = g.raise(ctx, event, res.Assessment)
	}

	stored, err := g.accessLog.Append(ctx, entry)
	if err != nil {
		g.logger.Error("Access log append failed, withholding content",
			"principal", req.Principal, "object_id", req.ObjectID, "error", err)
		res.Plaintext, res.Object = nil, nil
		res.Entry = entry
		res.Entry.Outcome = core.OutcomeDenied
		return res, fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	res.Entry = stored
	if res.Object != nil {
		g.vault.MarkReleased(ctx, res.Object)
	}

	g.logger.Info("Access attempt",
		"principal", req.Principal,
		"object_id", req.ObjectID,
		"action", entry.Action,
		"outcome", stored.Outcome,
		"suspicious", stored.Suspicious,
		"reasons", strings.Join(stored.Reasons, "; "))
	return res, opErr
}

func decisionOutcome(v *access.Verdict, err error) string {
	if err != nil || v == nil || !v.Allowed {
		return string(core.OutcomeDenied)
	}
	return string(core.OutcomeGranted)
}

func failedFactors(v *access.Verdict) []string {
	if v == nil {
		return nil
	}
	var out []string
	for _, f := range v.FailedFactors() {
		out = append(out, f.String())
	}
	return out
}

// accessEvent builds the activity event describing an attempt, stamped in
// the configured timezone.
func (g *Gateway) accessEvent(req AccessRequest, entry core.AccessLogEntry, now time.Time) core.ActivityEvent {
	kind := core.ActivityFileAccess
	if entry.Action == core.ActionDownload {
		kind = core.ActivityFileDownload
	}
	ctx := map[string]string{core.ContextOutcome: string(entry.Outcome)}
	if req.Coordinates != nil {
		ctx[core.ContextLocation] = req.Coordinates.String()
	}
	if req.NetworkID != "" {
		ctx[core.ContextNetwork] = req.NetworkID
	}
	if req.ObjectID != "" {
		ctx[core.ContextObjectID] = req.ObjectID
	}
	return core.ActivityEvent{
		Principal: req.Principal,
		Kind:      kind,
		Timestamp: now.In(g.location),
		Context:   ctx,
	}
}

// recordActivity appends e to the activity log. A failure is logged and
// the unsaved event returned; the access log entry stays authoritative.
func (g *Gateway) recordActivity(ctx context.Context, e core.ActivityEvent) core.ActivityEvent {
	if g.activity == nil {
		return e
	}
	stored, err := g.activity.Record(ctx, e)
	if err != nil {
		g.logger.Warn("Failed to record activity", "principal", e.Principal, "kind", e.Kind, "error", err)
		return e
	}
	return stored
}

func (g *Gateway) raise(ctx context.Context, e core.ActivityEvent, a anomaly.Assessment) *core.SecurityAlert {
	alert := core.SecurityAlert{
		Principal:   e.Principal,
		ActivityID:  e.ID,
		Description: strings.Join(a.Reasons, "; "),
		Severity:    a.Severity,
		Score:       a.Score,
		DetectedAt:  g.now().UTC(),
	}
	g.metrics.RecordAlert(string(a.Severity))
	if g.alerts == nil {
		return &alert
	}
	stored, err := g.alerts.Raise(ctx, alert)
	if err != nil {
		g.logger.Error("Failed to store security alert", "principal", e.Principal, "error", err)
		return &alert
	}
	g.logger.Warn("Suspicious activity",
		"principal", e.Principal,
		"severity", stored.Severity,
		"score", stored.Score,
		"description", stored.Description)
	return &stored
}

// ============================================================================
// INGEST
// ============================================================================

// Ingest encrypts and stores an upload, recording an ENCRYPT entry either
// way.
func (g *Gateway) Ingest(ctx context.Context, req vault.IngestRequest) (*vault.ProtectedObject, error) {
	if req.UploadedBy == "" {
		return nil, fmt.Errorf("uploader is required")
	}
	now := g.now()
	entry := core.AccessLogEntry{
		Principal: req.UploadedBy,
		Action:    core.ActionEncrypt,
		Timestamp: now,
		Outcome:   core.OutcomeDenied,
	}

	obj, ingestErr := g.vault.Ingest(ctx, req)
	if ingestErr != nil {
		entry.Reasons = []string{ReasonIngestFailed}
	} else {
		entry.ObjectID = obj.ID
		entry.Outcome = core.OutcomeGranted
		g.metrics.RecordIngest()
		g.recordActivity(ctx, core.ActivityEvent{
			Principal: req.UploadedBy,
			Kind:      core.ActivityFileUpload,
			Timestamp: now.In(g.location),
			Context: map[string]string{
				core.ContextObjectID: obj.ID,
				core.ContextOutcome:  string(core.OutcomeGranted),
			},
		})
	}

	if _, err := g.accessLog.Append(ctx, entry); err != nil {
		g.logger.Error("Access log append failed for ingest", "principal", req.UploadedBy, "error", err)
		if ingestErr == nil {
			ingestErr = fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
		}
	}
	return obj, ingestErr
}

// ============================================================================
// ACTIVITY, TRAINING AND PROFILES
// ============================================================================

// RecordActivity stores a collaborator-reported event (login, logout,
// profile changes) and raises an alert when it looks suspicious.
func (g *Gateway) RecordActivity(ctx context.Context, e core.ActivityEvent) (core.ActivityEvent, anomaly.Assessment, error) {
	if e.Principal == "" {
		return e, anomaly.Assessment{}, fmt.Errorf("principal is required")
	}
	if !e.Kind.Valid() {
		return e, anomaly.Assessment{}, fmt.Errorf("unknown activity kind %q", e.Kind)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = g.now()
	}
	e.Timestamp = e.Timestamp.In(g.location)
	if g.activity != nil {
		stored, err := g.activity.Record(ctx, e)
		if err != nil {
			return e, anomaly.Assessment{}, fmt.Errorf("record activity: %w", err)
		}
		e = stored
	}
	a := anomaly.Assess(e, g.detector, g.usualHours)
	if a.Suspicious() {
		g.raise(ctx, e, a)
	}
	return e, a, nil
}

// events loads activity history in the configured timezone so features
// read local wall-clock time regardless of how the store returns it.
func (g *Gateway) events(ctx context.Context, principal string, since time.Time) ([]core.ActivityEvent, error) {
	if g.activity == nil {
		return nil, nil
	}
	events, err := g.activity.Events(ctx, principal, since)
	if err != nil {
		return nil, fmt.Errorf("load activity: %w", err)
	}
	for i := range events {
		events[i].Timestamp = events[i].Timestamp.In(g.location)
	}
	return events, nil
}

// Train fits a new anomaly model on all activity since the given time.
// An *anomaly.InsufficientDataError leaves the serving model in place.
func (g *Gateway) Train(ctx context.Context, since time.Time) (*anomaly.Model, error) {
	events, err := g.events(ctx, "", since)
	if err != nil {
		return nil, err
	}
	if err := g.detector.Train(ctx, events); err != nil {
		return g.detector.Model(), err
	}
	return g.detector.Model(), nil
}

// Model returns the serving anomaly model, or nil while untrained.
func (g *Gateway) Model() *anomaly.Model {
	return g.detector.Model()
}

// Profile derives the behaviour profile of principal from its full history.
func (g *Gateway) Profile(ctx context.Context, principal string) (anomaly.BehaviorProfile, error) {
	events, err := g.events(ctx, principal, time.Time{})
	if err != nil {
		return anomaly.BehaviorProfile{}, err
	}
	return anomaly.AnalyzeBehavior(principal, events), nil
}

// ============================================================================
// REMOTE ACCESS
// ============================================================================

// GrantRemote approves remote access for days (DefaultGrantDays when <= 0).
func (g *Gateway) GrantRemote(ctx context.Context, principal string, days int) (*policy.RemoteOverride, error) {
	if principal == "" {
		return nil, fmt.Errorf("principal is required")
	}
	o, err := overrides.GrantFor(ctx, g.overrides, principal, days, g.now())
	if err != nil {
		return nil, err
	}
	g.logger.Info("Remote access granted", "principal", principal, "expiry", o.Expiry)
	return o, nil
}

// RevokeRemote withdraws a remote-access grant.
func (g *Gateway) RevokeRemote(ctx context.Context, principal string) error {
	if err := g.overrides.Revoke(ctx, principal); err != nil {
		return err
	}
	g.logger.Info("Remote access revoked", "principal", principal)
	return nil
}

// ============================================================================
// AUDIT READS
// ============================================================================

func (g *Gateway) AccessLogs(ctx context.Context, q audit.Query) ([]core.AccessLogEntry, error) {
	return g.accessLog.Query(ctx, q)
}

// VerifyLog returns -1 when the access log chain is intact.
func (g *Gateway) VerifyLog(ctx context.Context) (int, error) {
	return g.accessLog.Verify(ctx)
}

func (g *Gateway) Alerts(ctx context.Context, unresolvedOnly bool) ([]core.SecurityAlert, error) {
	if g.alerts == nil {
		return nil, nil
	}
	return g.alerts.Alerts(ctx, unresolvedOnly)
}

func (g *Gateway) ResolveAlert(ctx context.Context, id string) error {
	if g.alerts == nil {
		return fmt.Errorf("%w: %s", audit.ErrAlertNotFound, id)
	}
	return g.alerts.Resolve(ctx, id)
}

// Objects lists protected objects, newest first.
func (g *Gateway) Objects(ctx context.Context) ([]vault.ProtectedObject, error) {
	return g.vault.List(ctx)
}

func (g *Gateway) Object(ctx context.Context, id string) (*vault.ProtectedObject, error) {
	return g.vault.Get(ctx, id)
}
