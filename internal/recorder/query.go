// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package recorder

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/autorec_blackbox/internal/eventlog"
	"github.com/relabs-tech/autorec_blackbox/internal/imu"
)

const sessionColumns = `s.id, s.name, s.started_at, s.stopped_at,
	(SELECT COUNT(*) FROM frames f WHERE f.session_id = s.id),
	(SELECT COUNT(*) FROM events e WHERE e.session_id = s.id)`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (Session, error) {
	var (
		s       Session
		started int64
		stopped sql.NullInt64
	)
	if err := sc.Scan(&s.ID, &s.Name, &started, &stopped, &s.Frames, &s.Events); err != nil {
		return Session{}, err
	}
	s.StartedAt = time.Unix(0, started)
	if stopped.Valid {
		s.StoppedAt = time.Unix(0, stopped.Int64)
	}
	return s, nil
}

// Session returns one session by id.
func (r *Recorder) Session(id int64) (Session, error) {
	s, err := scanSession(r.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("recorder: session %d: %w", id, err)
	}
	return s, nil
}

// Sessions lists every session, newest first.
func (r *Recorder) Sessions() ([]Session, error) {
	rows, err := r.db.Query(`SELECT ` + sessionColumns + ` FROM sessions s ORDER BY s.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("recorder: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("recorder: list sessions: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Frames returns the frames of a session in recording order.
func (r *Recorder) Frames(id int64) ([]imu.SensorFrame, error) {
	if _, err := r.Session(id); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(`SELECT seq, device_millis, ts, ax, ay, az, gx, gy, gz, has_gyro, distance
		FROM frames WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("recorder: frames of %d: %w", id, err)
	}
	defer rows.Close()

	var out []imu.SensorFrame
	for rows.Next() {
		var (
			f      imu.SensorFrame
			seq    int64
			millis int64
			ts     int64
		)
		if err := rows.Scan(&seq, &millis, &ts,
			&f.Accel.X, &f.Accel.Y, &f.Accel.Z,
			&f.Gyro.X, &f.Gyro.Y, &f.Gyro.Z,
			&f.HasGyro, &f.UltrasoundDistance); err != nil {
			return nil, fmt.Errorf("recorder: frames of %d: %w", id, err)
		}
		f.SequenceID = uint64(seq)
		f.DeviceMillis = uint32(millis)
		f.Timestamp = time.Unix(0, ts)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Events returns the event log lines captured during a session.
func (r *Recorder) Events(id int64) ([]eventlog.Entry, error) {
	if _, err := r.Session(id); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(`SELECT ts, severity, message FROM events WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("recorder: events of %d: %w", id, err)
	}
	defer rows.Close()

	var out []eventlog.Entry
	for rows.Next() {
		var (
			e   eventlog.Entry
			ts  int64
			sev string
		)
		if err := rows.Scan(&ts, &sev, &e.Message); err != nil {
			return nil, fmt.Errorf("recorder: events of %d: %w", id, err)
		}
		e.Timestamp = time.Unix(0, ts)
		e.Severity, _ = eventlog.ParseSeverity(sev)
		out = append(out, e)
	}
	return out, rows.Err()
}
