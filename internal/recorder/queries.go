package recorder

import (
	"context"
	"database/sql"
	"time"

	"github.com/banshee-data/aimlink/internal/frame"
)

// Session describes one recorded run.
type Session struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time // zero while the session is open
	Variant   string
	Device    string
}

// TelemetryRow is a stored telemetry sample.
type TelemetryRow struct {
	At        time.Time
	State     frame.StateFrame
	Exhausted bool
}

// CommandRow is a stored command.
type CommandRow struct {
	At      time.Time
	Command frame.CommandFrame
}

// LinkEvent is a stored link state transition.
type LinkEvent struct {
	At       time.Time
	From, To string
	Path     string
	Error    string
}

// Sessions lists recorded sessions, newest first.
func (r *Recorder) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id, started_at, ended_at, variant, COALESCE(device, '') FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var started float64
		var ended sql.NullFloat64
		if err := rows.Scan(&s.ID, &started, &ended, &s.Variant, &s.Device); err != nil {
			return nil, err
		}
		s.StartedAt = fromUnixSeconds(started)
		if ended.Valid {
			s.EndedAt = fromUnixSeconds(ended.Float64)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecentTelemetry returns up to limit telemetry rows of session, oldest
// first.
func (r *Recorder) RecentTelemetry(ctx context.Context, session string, limit int) ([]TelemetryRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT received_at, yaw, pitch, state, autoaim, enemy_color, exhausted FROM (
			SELECT rowid, * FROM telemetry WHERE session_id = ? ORDER BY received_at DESC, rowid DESC LIMIT ?
		) ORDER BY received_at ASC, rowid ASC`, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TelemetryRow
	for rows.Next() {
		var row TelemetryRow
		var at float64
		if err := rows.Scan(&at, &row.State.Yaw, &row.State.Pitch, &row.State.State,
			&row.State.Autoaim, &row.State.EnemyColor, &row.Exhausted); err != nil {
			return nil, err
		}
		row.At = fromUnixSeconds(at)
		out = append(out, row)
	}
	return out, rows.Err()
}

// RecentCommands returns up to limit commands of session, oldest first.
func (r *Recorder) RecentCommands(ctx context.Context, session string, limit int) ([]CommandRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sent_at, yaw, pitch, fire, target_id, avg_speed, aux FROM (
			SELECT rowid, * FROM commands WHERE session_id = ? ORDER BY sent_at DESC, rowid DESC LIMIT ?
		) ORDER BY sent_at ASC, rowid ASC`, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRow
	for rows.Next() {
		var row CommandRow
		var at float64
		c := &row.Command
		if err := rows.Scan(&at, &c.Yaw, &c.Pitch, &c.Fire, &c.TargetID, &c.AvgSpeed, &c.Aux); err != nil {
			return nil, err
		}
		row.At = fromUnixSeconds(at)
		out = append(out, row)
	}
	return out, rows.Err()
}

// LinkEvents returns the state transitions of session in order.
func (r *Recorder) LinkEvents(ctx context.Context, session string) ([]LinkEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT at, from_state, to_state, COALESCE(path, ''), COALESCE(error, '')
		FROM link_events WHERE session_id = ? ORDER BY at ASC, rowid ASC`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LinkEvent
	for rows.Next() {
		var ev LinkEvent
		var at float64
		if err := rows.Scan(&at, &ev.From, &ev.To, &ev.Path, &ev.Error); err != nil {
			return nil, err
		}
		ev.At = fromUnixSeconds(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}
