// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ricochet2200/go-disk-usage/du"
	log "github.com/sirupsen/logrus"
)

// FileOptions controls rotation of the persisted event log.
type FileOptions struct {
	MaxBytes  int64  // rotate when the active file would exceed this; 0 disables rotation
	Keep      int    // rotated files kept (path.1 .. path.Keep)
	MinFreeMB uint64 // delete the oldest rotated files while free space is below this
}

// FileSink appends one line per entry to a text file:
//
//	2026-01-02T15:04:05.123Z WARN checksum mismatch, frame discarded
type FileSink struct {
	mu   sync.Mutex
	path string
	opt  FileOptions
	f    *os.File
	size int64

	// freeBytes reports free space for the log directory; swapped in tests.
	freeBytes func(dir string) uint64
}

// OpenFile opens (or creates) path for appending.
func OpenFile(path string, opt FileOptions) (*FileSink, error) {
	if opt.Keep <= 0 {
		opt.Keep = 9
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create log dir: %w", err)
	}
	s := &FileSink{
		path: path,
		opt:  opt,
		freeBytes: func(dir string) uint64 {
			return du.NewDiskUsage(dir).Available()
		},
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	s.pruneForSpace()
	return s, nil
}

func (s *FileSink) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: open %s: %w", s.path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("eventlog: stat %s: %w", s.path, err)
	}
	s.f = f
	s.size = st.Size()
	return nil
}

// Write implements Sink.
func (s *FileSink) Write(e Entry) error {
	line := e.String() + "\n"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return fmt.Errorf("eventlog: %s is closed", s.path)
	}
	if s.opt.MaxBytes > 0 && s.size > 0 && s.size+int64(len(line)) > s.opt.MaxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	n, err := s.f.WriteString(line)
	s.size += int64(n)
	return err
}

// Path returns the active log file path.
func (s *FileSink) Path() string {
	return s.path
}

// Close closes the active file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// rotate shifts path.N to path.N+1, dropping anything past Keep, then moves
// the active file to path.1 and reopens. Caller holds s.mu.
func (s *FileSink) rotate() error {
	if err := s.f.Close(); err != nil {
		log.Warnf("eventlog: close before rotate: %v", err)
	}
	s.f = nil

	rotated := s.rotatedFiles()
	for i := len(rotated) - 1; i >= 0; i-- {
		num := rotated[i].num
		if num >= s.opt.Keep {
			_ = os.Remove(rotated[i].path)
			continue
		}
		_ = os.Rename(rotated[i].path, s.path+"."+strconv.Itoa(num+1))
	}
	if err := os.Rename(s.path, s.path+".1"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("eventlog: rotate %s: %w", s.path, err)
	}
	if err := s.open(); err != nil {
		return err
	}
	s.pruneForSpace()
	return nil
}

type rotatedFile struct {
	path string
	num  int
}

// rotatedFiles returns path.N files sorted by N ascending (newest first).
func (s *FileSink) rotatedFiles() []rotatedFile {
	matches, err := filepath.Glob(s.path + ".*")
	if err != nil {
		return nil
	}
	var out []rotatedFile
	for _, m := range matches {
		suffix := strings.TrimPrefix(m, s.path+".")
		num, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		out = append(out, rotatedFile{path: m, num: num})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].num < out[j].num })
	return out
}

// pruneForSpace deletes the oldest rotated files while the volume holding
// the log is below the free space floor.
func (s *FileSink) pruneForSpace() {
	if s.opt.MinFreeMB == 0 {
		return
	}
	floor := s.opt.MinFreeMB * 1024 * 1024
	dir := filepath.Dir(s.path)
	rotated := s.rotatedFiles()
	for s.freeBytes(dir) < floor && len(rotated) > 0 {
		oldest := rotated[len(rotated)-1]
		rotated = rotated[:len(rotated)-1]
		if err := os.Remove(oldest.path); err != nil {
			log.Warnf("eventlog: remove %s: %v", oldest.path, err)
			return
		}
		log.Infof("eventlog: removed %s to free disk space", oldest.path)
	}
}
