// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package eventlog keeps the operator-facing event history: connects,
// disconnects, logging start/stop, decode warnings and detected events.
//
// The log is a bounded ring; when full, the oldest entry is evicted.
// Entries are mirrored to logrus and to any attached sinks (see FileSink).
package eventlog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultCapacity is used when New is called with a non-positive capacity.
const DefaultCapacity = 500

// Severity of a log entry.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
)

var severityNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (s Severity) String() string {
	if s >= 0 && int(s) < len(severityNames) {
		return severityNames[s]
	}
	return "UNKNOWN"
}

// MarshalText encodes the severity by name so JSON payloads stay readable.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity accepts the names produced by String (case-insensitive)
// plus "warning".
func ParseSeverity(name string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return Debug, nil
	case "INFO":
		return Info, nil
	case "WARN", "WARNING":
		return Warning, nil
	case "ERROR":
		return Error, nil
	}
	return Info, fmt.Errorf("unknown severity %q", name)
}

// Entry is one timestamped event.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
}

// String renders the entry in the persisted log file format.
func (e Entry) String() string {
	return fmt.Sprintf("%s %s %s", e.Timestamp.Format(time.RFC3339Nano), e.Severity, e.Message)
}

// Sink receives every appended entry.
type Sink interface {
	Write(Entry) error
}

// Log is a bounded, append-only event log safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	ring    []Entry
	start   int // index of the oldest entry
	count   int
	sinks   []Sink
	subs    map[int]chan Entry
	nextSub int

	now func() time.Time
}

// New returns an empty log holding at most capacity entries.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		ring: make([]Entry, capacity),
		subs: make(map[int]chan Entry),
		now:  time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Capacity returns the maximum number of retained entries.
func (l *Log) Capacity() int {
	return len(l.ring)
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// AddSink attaches s; it receives entries appended from now on.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

// Append records message at the given severity and returns the stored entry.
func (l *Log) Append(message string, sev Severity) Entry {
	l.mu.Lock()
	e := Entry{Timestamp: l.now(), Message: message, Severity: sev}
	capacity := len(l.ring)
	if l.count < capacity {
		l.ring[(l.start+l.count)%capacity] = e
		l.count++
	} else {
		// full: overwrite the oldest
		l.ring[l.start] = e
		l.start = (l.start + 1) % capacity
	}
	sinks := l.sinks
	l.mu.Unlock()

	mirror(e)
	for _, s := range sinks {
		if err := s.Write(e); err != nil {
			log.Warnf("eventlog: sink write failed: %v", err)
		}
	}

	// cancel closes channels under the write lock, so sends hold the read lock
	l.mu.RLock()
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber; it can catch up through Recent
		}
	}
	l.mu.RUnlock()
	return e
}

// Appendf is Append with fmt.Sprintf formatting.
func (l *Log) Appendf(sev Severity, format string, args ...any) Entry {
	return l.Append(fmt.Sprintf(format, args...), sev)
}

// Recent returns up to n of the newest entries, oldest first (most recent
// last). n <= 0 returns every retained entry.
func (l *Log) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > l.count {
		n = l.count
	}
	out := make([]Entry, n)
	capacity := len(l.ring)
	first := l.start + l.count - n
	for i := 0; i < n; i++ {
		out[i] = l.ring[(first+i)%capacity]
	}
	return out
}

// Subscribe returns a channel receiving entries as they are appended and a
// cancel function that must be called to release it. Entries are dropped
// for a subscriber whose buffer is full.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

func mirror(e Entry) {
	switch e.Severity {
	case Debug:
		log.Debugf("event: %s", e.Message)
	case Warning:
		log.Warnf("event: %s", e.Message)
	case Error:
		log.Errorf("event: %s", e.Message)
	default:
		log.Infof("event: %s", e.Message)
	}
}
