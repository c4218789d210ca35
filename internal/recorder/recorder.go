// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package recorder persists logging sessions (frames plus the event log
// lines raised while recording) to a SQLite database.
package recorder

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/autorec_blackbox/internal/eventlog"
	"github.com/relabs-tech/autorec_blackbox/internal/imu"
)

var (
	ErrAlreadyRecording = errors.New("recorder: already recording")
	ErrNotRecording     = errors.New("recorder: not recording")
	ErrClosed           = errors.New("recorder: closed")
	ErrNoSession        = errors.New("recorder: no such session")
	ErrQueueFull        = errors.New("recorder: queue full, row dropped")
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	name       TEXT    NOT NULL,
	started_at INTEGER NOT NULL,
	stopped_at INTEGER
);
CREATE TABLE IF NOT EXISTS frames (
	id            INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	session_id    INTEGER NOT NULL REFERENCES sessions(id),
	seq           INTEGER NOT NULL,
	device_millis INTEGER NOT NULL,
	ts            INTEGER NOT NULL,
	ax REAL, ay REAL, az REAL,
	gx REAL, gy REAL, gz REAL,
	has_gyro      INTEGER NOT NULL,
	distance      REAL
);
CREATE INDEX IF NOT EXISTS frames_session ON frames(session_id, id);
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	ts         INTEGER NOT NULL,
	severity   TEXT    NOT NULL,
	message    TEXT    NOT NULL
);
`

// Session is one start/stop interval.
type Session struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"` // zero while recording
	Frames    int64     `json:"frames"`
	Events    int64     `json:"events"`
}

// Active reports whether the session is still recording.
func (s Session) Active() bool { return s.StoppedAt.IsZero() }

// Options tune the background writer.
type Options struct {
	BatchSize     int           // rows per transaction before an early flush
	FlushInterval time.Duration // longest a row waits in memory
	QueueSize     int           // rows buffered between Record and the writer
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 10240
	}
	return o
}

type row struct {
	session int64
	frame   imu.SensorFrame
	entry   eventlog.Entry
	isEntry bool
}

// Recorder writes rows from a single background goroutine in batched
// transactions.
type Recorder struct {
	db  *sql.DB
	opt Options
	now func() time.Time

	mu     sync.Mutex
	active *Session
	closed bool

	rows    chan row
	flushes chan chan error
	quit    chan struct{}
	done    chan struct{}

	recorded atomic.Uint64
	dropped  atomic.Uint64
}

// Open opens or creates the database at path.
func Open(path string, opt Options) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("recorder: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	// a single connection serializes the writer and readers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: create schema: %w", err)
	}
	// sessions left open by a crash are closed at their last frame
	if _, err := db.Exec(`UPDATE sessions SET stopped_at = COALESCE(
		(SELECT MAX(ts) FROM frames WHERE frames.session_id = sessions.id), started_at)
		WHERE stopped_at IS NULL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: close stale sessions: %w", err)
	}

	opt = opt.withDefaults()
	r := &Recorder{
		db:      db,
		opt:     opt,
		now:     time.Now,
		rows:    make(chan row, opt.QueueSize),
		flushes: make(chan chan error),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.writer()
	return r, nil
}

// Start begins a new session. An empty name is replaced by the start time.
func (r *Recorder) Start(name string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Session{}, ErrClosed
	}
	if r.active != nil {
		return *r.active, ErrAlreadyRecording
	}

	started := r.now()
	if name == "" {
		name = started.Format("2006-01-02 15:04:05")
	}
	res, err := r.db.Exec(`INSERT INTO sessions (name, started_at) VALUES (?, ?)`, name, started.UnixNano())
	if err != nil {
		return Session{}, fmt.Errorf("recorder: start session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Session{}, fmt.Errorf("recorder: start session: %w", err)
	}
	r.active = &Session{ID: id, Name: name, StartedAt: started}
	log.Infof("recorder: session %d %q started", id, name)
	return *r.active, nil
}

// Active returns the session being recorded.
func (r *Recorder) Active() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return Session{}, false
	}
	return *r.active, true
}

// Record queues f for the active session. When the queue is full the frame
// is counted as dropped and ErrQueueFull is returned rather than stalling
// the caller.
func (r *Recorder) Record(f imu.SensorFrame) error {
	return r.enqueue(row{frame: f}, false)
}

// RecordWait is Record for sources without a real-time deadline: it waits
// for room in the queue instead of dropping f.
func (r *Recorder) RecordWait(f imu.SensorFrame) error {
	return r.enqueue(row{frame: f}, true)
}

// RecordEvent queues an event log line for the active session.
func (r *Recorder) RecordEvent(e eventlog.Entry) error {
	return r.enqueue(row{entry: e, isEntry: true}, false)
}

func (r *Recorder) enqueue(rw row, wait bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.active == nil {
		return ErrNotRecording
	}
	rw.session = r.active.ID
	if wait {
		// the writer never takes mu, so it keeps draining
		select {
		case r.rows <- rw:
			return nil
		case <-r.done:
			return ErrClosed
		}
	}
	select {
	case r.rows <- rw:
		return nil
	default:
		r.dropped.Add(1)
		return ErrQueueFull
	}
}

// Stop flushes pending rows and closes the active session.
func (r *Recorder) Stop() (Session, error) {
	r.mu.Lock()
	if r.active == nil {
		r.mu.Unlock()
		return Session{}, ErrNotRecording
	}
	id := r.active.ID
	r.active = nil
	r.mu.Unlock()

	if err := r.Flush(); err != nil {
		log.Warnf("recorder: flush on stop: %v", err)
	}
	if _, err := r.db.Exec(`UPDATE sessions SET stopped_at = ? WHERE id = ?`, r.now().UnixNano(), id); err != nil {
		return Session{}, fmt.Errorf("recorder: stop session %d: %w", id, err)
	}
	s, err := r.Session(id)
	if err == nil {
		log.Infof("recorder: session %d stopped after %d frames", id, s.Frames)
	}
	return s, err
}

// Flush writes every queued row before returning.
func (r *Recorder) Flush() error {
	ack := make(chan error, 1)
	select {
	case r.flushes <- ack:
		return <-ack
	case <-r.done:
		return ErrClosed
	}
}

// Recorded counts frames committed to the database.
func (r *Recorder) Recorded() uint64 { return r.recorded.Load() }

// Dropped counts rows discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close stops any active session and the writer, then closes the database.
func (r *Recorder) Close() error {
	if _, err := r.Stop(); err != nil && !errors.Is(err, ErrNotRecording) {
		log.Warnf("recorder: %v", err)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.quit)
	<-r.done
	return r.db.Close()
}

func (r *Recorder) writer() {
	defer close(r.done)

	ticker := time.NewTicker(r.opt.FlushInterval)
	defer ticker.Stop()

	var pending []row
	flush := func() error {
		pending = r.drain(pending)
		err := r.write(pending)
		pending = pending[:0]
		return err
	}

	for {
		select {
		case rw := <-r.rows:
			pending = append(pending, rw)
			if len(pending) >= r.opt.BatchSize {
				if err := flush(); err != nil {
					log.Errorf("recorder: %v", err)
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				log.Errorf("recorder: %v", err)
			}
		case ack := <-r.flushes:
			ack <- flush()
		case <-r.quit:
			if err := flush(); err != nil {
				log.Errorf("recorder: %v", err)
			}
			return
		}
	}
}

// drain moves rows already queued into pending without blocking.
func (r *Recorder) drain(pending []row) []row {
	for {
		select {
		case rw := <-r.rows:
			pending = append(pending, rw)
		default:
			return pending
		}
	}
}

func (r *Recorder) write(rows []row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("flush: begin: %w", err)
	}
	frameStmt, err := tx.Prepare(`INSERT INTO frames
		(session_id, seq, device_millis, ts, ax, ay, az, gx, gy, gz, has_gyro, distance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("flush: %w", err)
	}
	defer frameStmt.Close()
	eventStmt, err := tx.Prepare(`INSERT INTO events (session_id, ts, severity, message) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("flush: %w", err)
	}
	defer eventStmt.Close()

	var frames uint64
	for _, rw := range rows {
		if rw.isEntry {
			_, err = eventStmt.Exec(rw.session, rw.entry.Timestamp.UnixNano(), rw.entry.Severity.String(), rw.entry.Message)
		} else {
			f := rw.frame
			_, err = frameStmt.Exec(rw.session, int64(f.SequenceID), int64(f.DeviceMillis), f.Timestamp.UnixNano(),
				f.Accel.X, f.Accel.Y, f.Accel.Z, f.Gyro.X, f.Gyro.Y, f.Gyro.Z, f.HasGyro, f.UltrasoundDistance)
			frames++
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("flush: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("flush: commit: %w", err)
	}
	r.recorded.Add(frames)
	return nil
}
