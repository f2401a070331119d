package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/geocrypt/backend/internal/policy"
)

// PolicyStore implements policy.Store over the administrative tables. Each
// Snapshot reads all tables in one read-only transaction and validates the
// result before handing it to the engine.
type PolicyStore struct {
	db       *DB
	fallback policy.WorkHours
}

// NewPolicyStore returns a store that uses fallback when the work_hours
// table is empty.
func NewPolicyStore(db *DB, fallback policy.WorkHours) *PolicyStore {
	return &PolicyStore{db: db, fallback: fallback}
}

func (s *PolicyStore) Snapshot(ctx context.Context) (*policy.Policy, error) {
	tx, err := s.db.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("failed to begin policy read: %w", err)
	}
	defer tx.Rollback()

	p := &policy.Policy{WorkHours: s.fallback}

	if err := queryRows(ctx, tx, `SELECT id, name, latitude, longitude, radius_km, active FROM geofences ORDER BY id`,
		func(r rowScanner) error {
			var g policy.Geofence
			if err := r.Scan(&g.ID, &g.Name, &g.Latitude, &g.Longitude, &g.RadiusKm, &g.Active); err != nil {
				return err
			}
			p.Geofences = append(p.Geofences, g)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("failed to read geofences: %w", err)
	}

	if err := queryRows(ctx, tx, `SELECT id, geofence_id, ssid, bssid, active FROM allowed_networks ORDER BY geofence_id, id`,
		func(r rowScanner) error {
			var n policy.AllowedNetwork
			if err := r.Scan(&n.ID, &n.GeofenceID, &n.SSID, &n.BSSID, &n.Active); err != nil {
				return err
			}
			p.Networks = append(p.Networks, n)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("failed to read networks: %w", err)
	}

	if err := queryRows(ctx, tx, `SELECT weekday, start_min, end_min, active FROM work_windows ORDER BY weekday, id`,
		func(r rowScanner) error {
			var w policy.WorkWindow
			var start, end int
			if err := r.Scan(&w.Weekday, &start, &end, &w.Active); err != nil {
				return err
			}
			w.Start, w.End = policy.TimeOfDay(start), policy.TimeOfDay(end)
			p.WorkWindows = append(p.WorkWindows, w)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("failed to read work windows: %w", err)
	}

	if err := queryRows(ctx, tx, `SELECT id, name, require_location, require_network, require_time, is_default FROM access_rules ORDER BY id`,
		func(r rowScanner) error {
			var a policy.AccessRule
			if err := r.Scan(&a.ID, &a.Name, &a.RequireLocation, &a.RequireNetwork, &a.RequireTime, &a.IsDefault); err != nil {
				return err
			}
			p.Rules = append(p.Rules, a)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("failed to read access rules: %w", err)
	}

	var wh policy.WorkHours
	err = tx.QueryRowContext(ctx, `SELECT start_hour, end_hour FROM work_hours WHERE id = 1`).Scan(&wh.StartHour, &wh.EndHour)
	switch {
	case err == nil:
		p.WorkHours = wh
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to read work hours: %w", err)
	}

	if err := policy.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Import replaces the policy tables with p in one transaction. It is used
// to seed a database from a YAML policy file.
func (s *PolicyStore) Import(ctx context.Context, p *policy.Policy) error {
	if err := policy.Validate(p); err != nil {
		return err
	}
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin policy import: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM allowed_networks`,
		`DELETE FROM geofences`,
		`DELETE FROM work_windows`,
		`DELETE FROM access_rules`,
		`DELETE FROM work_hours`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear policy: %w", err)
		}
	}
	for _, g := range p.Geofences {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO geofences (id, name, latitude, longitude, radius_km, active) VALUES ($1, $2, $3, $4, $5, $6)`,
			g.ID, g.Name, g.Latitude, g.Longitude, g.RadiusKm, g.Active); err != nil {
			return fmt.Errorf("failed to insert geofence %q: %w", g.Name, err)
		}
	}
	for _, n := range p.Networks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO allowed_networks (id, geofence_id, ssid, bssid, active) VALUES ($1, $2, $3, $4, $5)`,
			n.ID, n.GeofenceID, n.SSID, n.BSSID, n.Active); err != nil {
			return fmt.Errorf("failed to insert network %q: %w", n.SSID, err)
		}
	}
	for _, w := range p.WorkWindows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO work_windows (weekday, start_min, end_min, active) VALUES ($1, $2, $3, $4)`,
			w.Weekday, int(w.Start), int(w.End), w.Active); err != nil {
			return fmt.Errorf("failed to insert work window: %w", err)
		}
	}
	for _, r := range p.Rules {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO access_rules (name, require_location, require_network, require_time, is_default) VALUES ($1, $2, $3, $4, $5)`,
			r.Name, r.RequireLocation, r.RequireNetwork, r.RequireTime, r.IsDefault); err != nil {
			return fmt.Errorf("failed to insert access rule %q: %w", r.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO work_hours (id, start_hour, end_hour) VALUES (1, $1, $2)`,
		p.WorkHours.StartHour, p.WorkHours.EndHour); err != nil {
		return fmt.Errorf("failed to insert work hours: %w", err)
	}
	// Explicit ids bypass the sequences; move them past the imported rows.
	for _, table := range []string{"geofences", "allowed_networks"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`SELECT setval(pg_get_serial_sequence('%s', 'id'), COALESCE((SELECT MAX(id) FROM %s), 0) + 1, false)`,
			table, table)); err != nil {
			return fmt.Errorf("failed to reset %s sequence: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit policy import: %w", err)
	}
	s.db.logger.Info("Policy imported",
		"geofences", len(p.Geofences),
		"networks", len(p.Networks),
		"rules", len(p.Rules))
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryRows(ctx context.Context, q queryer, query string, scan func(rowScanner) error) error {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
