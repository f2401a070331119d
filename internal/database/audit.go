package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/geocrypt/backend/internal/audit"
	"github.com/geocrypt/backend/internal/core"
)

// accessLogLock is the advisory lock key serializing chain appends.
const accessLogLock = 0x67656f6c6f67 // "geolog"

// AuditStore implements audit.AccessLog, audit.ActivityLog and
// audit.AlertStore.
type AuditStore struct {
	db *DB
}

func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append links the entry to the current chain head under a transaction
// scoped advisory lock, so concurrent appends cannot fork the chain.
func (s *AuditStore) Append(ctx context.Context, e core.AccessLogEntry) (core.AccessLogEntry, error) {
	if e.Principal == "" {
		return core.AccessLogEntry{}, fmt.Errorf("access log entry: principal is required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Timestamp = audit.Normalize(e.Timestamp)

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return core.AccessLogEntry{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, accessLogLock); err != nil {
		return core.AccessLogEntry{}, fmt.Errorf("failed to lock access log: %w", err)
	}
	var prev string
	err = tx.QueryRowContext(ctx, `SELECT hash FROM access_logs ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return core.AccessLogEntry{}, fmt.Errorf("failed to read chain head: %w", err)
	}
	audit.Link(&e, prev)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO access_logs
			(id, principal, object_id, action, ts, network_id, latitude, longitude, outcome, reasons, suspicious, hash, previous_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		accessLogArgs(e)...)
	if err != nil {
		return core.AccessLogEntry{}, fmt.Errorf("failed to insert access log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.AccessLogEntry{}, fmt.Errorf("failed to commit access log: %w", err)
	}
	return e, nil
}

// accessLogArgs binds e in access_logs column order. Only latitude and
// longitude may bind as NULL.
func accessLogArgs(e core.AccessLogEntry) []any {
	var lat, lon sql.NullFloat64
	if e.Coordinates != nil {
		lat = sql.NullFloat64{Float64: e.Coordinates.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: e.Coordinates.Longitude, Valid: true}
	}
	reasons := pq.StringArray(e.Reasons)
	if reasons == nil {
		reasons = pq.StringArray{}
	}
	return []any{
		e.ID, e.Principal, e.ObjectID, string(e.Action), e.Timestamp, e.NetworkID, lat, lon,
		string(e.Outcome), reasons, e.Suspicious, e.Hash, e.PreviousHash,
	}
}

const accessLogColumns = `id, principal, object_id, action, ts, network_id, latitude, longitude,
	outcome, reasons, suspicious, hash, previous_hash`

func scanAccessLog(row rowScanner) (core.AccessLogEntry, error) {
	var e core.AccessLogEntry
	var action, outcome string
	var lat, lon sql.NullFloat64
	var reasons pq.StringArray
	err := row.Scan(&e.ID, &e.Principal, &e.ObjectID, &action, &e.Timestamp, &e.NetworkID, &lat, &lon,
		&outcome, &reasons, &e.Suspicious, &e.Hash, &e.PreviousHash)
	if err != nil {
		return e, err
	}
	e.Action = core.ActionKind(action)
	e.Outcome = core.Outcome(outcome)
	e.Timestamp = e.Timestamp.UTC()
	if lat.Valid && lon.Valid {
		e.Coordinates = &core.Coordinates{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	if len(reasons) > 0 {
		e.Reasons = []string(reasons)
	}
	return e, nil
}

// queryFilter renders the WHERE clause and arguments for q.
func queryFilter(q audit.Query) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.Principal != "" {
		add("principal = $%d", q.Principal)
	}
	if q.ObjectID != "" {
		add("object_id = $%d", q.ObjectID)
	}
	if q.Outcome != "" {
		add("outcome = $%d", string(q.Outcome))
	}
	if !q.Since.IsZero() {
		add("ts >= $%d", q.Since)
	}
	if !q.Until.IsZero() {
		add("ts <= $%d", q.Until)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *AuditStore) Query(ctx context.Context, q audit.Query) ([]core.AccessLogEntry, error) {
	where, args := queryFilter(q)
	query := `SELECT ` + accessLogColumns + ` FROM access_logs` + where + ` ORDER BY seq DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query access logs: %w", err)
	}
	defer rows.Close()

	var out []core.AccessLogEntry
	for rows.Next() {
		e, err := scanAccessLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan access log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *AuditStore) Verify(ctx context.Context) (int, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT `+accessLogColumns+` FROM access_logs ORDER BY seq`)
	if err != nil {
		return 0, fmt.Errorf("failed to read access logs: %w", err)
	}
	defer rows.Close()

	var entries []core.AccessLogEntry
	for rows.Next() {
		e, err := scanAccessLog(rows)
		if err != nil {
			return 0, fmt.Errorf("failed to scan access log: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return audit.VerifyChain(entries), nil
}

func (s *AuditStore) Record(ctx context.Context, e core.ActivityEvent) (core.ActivityEvent, error) {
	if !e.Kind.Valid() {
		return core.ActivityEvent{}, fmt.Errorf("activity event: unknown kind %q", e.Kind)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	args, err := activityArgs(e)
	if err != nil {
		return core.ActivityEvent{}, err
	}
	_, err = s.db.db.ExecContext(ctx,
		`INSERT INTO activity_events (id, principal, kind, ts, context) VALUES ($1, $2, $3, $4, $5)`,
		args...)
	if err != nil {
		return core.ActivityEvent{}, fmt.Errorf("failed to insert activity: %w", err)
	}
	return e, nil
}

// activityArgs binds e in activity_events column order. A nil context is
// stored as an empty JSON object.
func activityArgs(e core.ActivityEvent) ([]any, error) {
	ctxJSON := []byte("{}")
	if e.Context != nil {
		var err error
		if ctxJSON, err = json.Marshal(e.Context); err != nil {
			return nil, fmt.Errorf("failed to encode activity context: %w", err)
		}
	}
	return []any{e.ID, e.Principal, string(e.Kind), e.Timestamp, ctxJSON}, nil
}

func (s *AuditStore) Events(ctx context.Context, principal string, since time.Time) ([]core.ActivityEvent, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, principal, kind, ts, context FROM activity_events
		WHERE ($1 = '' OR principal = $1) AND ($2::timestamptz IS NULL OR ts >= $2)
		ORDER BY ts, id`, principal, nullTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var out []core.ActivityEvent
	for rows.Next() {
		var e core.ActivityEvent
		var kind string
		var raw []byte
		if err := rows.Scan(&e.ID, &e.Principal, &kind, &e.Timestamp, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		e.Kind = core.ActivityKind(kind)
		if err := json.Unmarshal(raw, &e.Context); err != nil {
			return nil, fmt.Errorf("failed to decode activity context: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *AuditStore) Raise(ctx context.Context, a core.SecurityAlert) (core.SecurityAlert, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now().UTC()
	}
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO security_alerts (id, principal, activity_id, description, severity, score, detected_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Principal, a.ActivityID, a.Description, string(a.Severity), a.Score, a.DetectedAt, a.Resolved)
	if err != nil {
		return core.SecurityAlert{}, fmt.Errorf("failed to insert alert: %w", err)
	}
	return a, nil
}

func (s *AuditStore) Alerts(ctx context.Context, unresolvedOnly bool) ([]core.SecurityAlert, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, principal, activity_id, description, severity, score, detected_at, resolved
		FROM security_alerts WHERE NOT ($1 AND resolved)
		ORDER BY detected_at DESC, id`, unresolvedOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []core.SecurityAlert
	for rows.Next() {
		var a core.SecurityAlert
		var severity string
		if err := rows.Scan(&a.ID, &a.Principal, &a.ActivityID, &a.Description, &severity, &a.Score, &a.DetectedAt, &a.Resolved); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Severity = core.Severity(severity)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *AuditStore) Resolve(ctx context.Context, id string) error {
	res, err := s.db.db.ExecContext(ctx, `UPDATE security_alerts SET resolved = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", audit.ErrAlertNotFound, id)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
