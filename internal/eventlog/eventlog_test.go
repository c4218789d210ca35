package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestRecentMostRecentLast(t *testing.T) {
	l := New(10)
	l.SetClock(fixedClock())
	for i := 0; i < 4; i++ {
		l.Append(fmt.Sprintf("msg %d", i), Info)
	}

	got := l.Recent(2)
	if len(got) != 2 {
		t.Fatalf("Recent(2) returned %d entries", len(got))
	}
	if got[0].Message != "msg 2" || got[1].Message != "msg 3" {
		t.Errorf("Recent(2) = %q, %q; want msg 2, msg 3", got[0].Message, got[1].Message)
	}
	if !got[0].Timestamp.Before(got[1].Timestamp) {
		t.Errorf("entries not in chronological order")
	}

	if all := l.Recent(0); len(all) != 4 {
		t.Errorf("Recent(0) returned %d entries, want 4", len(all))
	}
	if all := l.Recent(100); len(all) != 4 {
		t.Errorf("Recent(100) returned %d entries, want 4", len(all))
	}
}

func TestOverflowEvictsOldest(t *testing.T) {
	l := New(3)
	for i := 0; i < 7; i++ {
		l.Append(fmt.Sprintf("msg %d", i), Warning)
	}
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}
	got := l.Recent(0)
	want := []string{"msg 4", "msg 5", "msg 6"}
	for i := range want {
		if got[i].Message != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i].Message, want[i])
		}
	}
}

func TestEmptyLog(t *testing.T) {
	l := New(0)
	if l.Capacity() != DefaultCapacity {
		t.Errorf("Capacity = %d, want %d", l.Capacity(), DefaultCapacity)
	}
	if got := l.Recent(5); len(got) != 0 {
		t.Errorf("Recent on empty log returned %d entries", len(got))
	}
}

func TestSubscribe(t *testing.T) {
	l := New(5)
	ch, cancel := l.Subscribe(4)

	l.Append("connected", Info)
	select {
	case e := <-ch:
		if e.Message != "connected" {
			t.Errorf("got %q", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive entry")
	}

	cancel()
	cancel() // idempotent
	l.Append("after cancel", Info)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
}

func TestSeverityText(t *testing.T) {
	for _, sev := range []Severity{Debug, Info, Warning, Error} {
		b, err := json.Marshal(sev)
		if err != nil {
			t.Fatal(err)
		}
		var back Severity
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if back != sev {
			t.Errorf("%s decoded as %s", sev, back)
		}
	}
	if _, err := ParseSeverity("loud"); err == nil {
		t.Error("expected error for unknown severity")
	}
	if s, _ := ParseSeverity("warning"); s != Warning {
		t.Errorf("ParseSeverity(warning) = %s", s)
	}
}

type memSink struct{ lines []string }

func (m *memSink) Write(e Entry) error {
	m.lines = append(m.lines, e.String())
	return nil
}

func TestSinkReceivesEntries(t *testing.T) {
	l := New(2)
	l.SetClock(fixedClock())
	s := &memSink{}
	l.AddSink(s)
	l.Append("logging started", Info)
	l.Append("checksum mismatch", Warning)

	if len(s.lines) != 2 {
		t.Fatalf("sink got %d lines", len(s.lines))
	}
	if !strings.HasSuffix(s.lines[1], " WARN checksum mismatch") {
		t.Errorf("line = %q", s.lines[1])
	}
}

func TestFileSinkAppendsAndRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")

	fs, err := OpenFile(path, FileOptions{MaxBytes: 120, Keep: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	l := New(50)
	l.SetClock(fixedClock())
	l.AddSink(fs)
	for i := 0; i < 12; i++ {
		l.Appendf(Info, "entry number %02d", i)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) > 120 {
		t.Errorf("active file is %d bytes, limit 120", len(data))
	}
	if !strings.Contains(string(data), "INFO entry number 11") {
		t.Errorf("active file missing last entry: %q", data)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected %s.1: %v", path, err)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Errorf("rotation kept more than 2 files")
	}
}

func TestFileSinkPrunesWhenDiskLow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")
	for _, n := range []string{".1", ".2"} {
		if err := os.WriteFile(path+n, []byte("old\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	fs, err := OpenFile(path, FileOptions{MaxBytes: 1 << 20, MinFreeMB: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	fs.freeBytes = func(string) uint64 { return 0 }
	fs.mu.Lock()
	fs.pruneForSpace()
	fs.mu.Unlock()

	for _, n := range []string{".1", ".2"} {
		if _, err := os.Stat(path + n); !os.IsNotExist(err) {
			t.Errorf("%s%s should have been pruned", path, n)
		}
	}
}
