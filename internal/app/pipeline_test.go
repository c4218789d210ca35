package app

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/relabs-tech/autorec_blackbox/internal/detect"
	"github.com/relabs-tech/autorec_blackbox/internal/eventlog"
	"github.com/relabs-tech/autorec_blackbox/internal/imu"
	"github.com/relabs-tech/autorec_blackbox/internal/metrics"
	"github.com/relabs-tech/autorec_blackbox/internal/orientation"
	"github.com/relabs-tech/autorec_blackbox/internal/protocol"
	"github.com/relabs-tech/autorec_blackbox/internal/recorder"
	"github.com/relabs-tech/autorec_blackbox/internal/telemetry"
	"github.com/relabs-tech/autorec_blackbox/internal/transport"
)

type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return len(b), nil }
func (p *pipePort) Close() error                { return p.r.Close() }

// send writes raw bytes as the device would; it returns once the
// transport has read them.
func (p *pipePort) send(t *testing.T, b []byte) {
	t.Helper()
	if _, err := p.w.Write(b); err != nil {
		t.Fatalf("device write: %v", err)
	}
}

type portOpener struct {
	mu    sync.Mutex
	ports []*pipePort
}

func (o *portOpener) Open(string) (io.ReadWriteCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.ports) == 0 {
		return nil, &fs.PathError{Op: "open", Path: "/dev/ttyACM0", Err: syscall.ENOENT}
	}
	p := o.ports[0]
	o.ports = o.ports[1:]
	return p, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	topics map[string]int
	closed bool
}

func (f *fakePublisher) Publish(topic string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.topics == nil {
		f.topics = make(map[string]int)
	}
	f.topics[topic]++
	return nil
}

func (f *fakePublisher) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakePublisher) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topics[topic]
}

var testEpoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func gyroFrame(seq uint64, gx, gy, gz float64) imu.SensorFrame {
	return imu.SensorFrame{
		DeviceMillis:       uint32(seq * 20),
		Accel:              imu.Vec3{X: 0.1, Y: 0.2, Z: 9.81},
		Gyro:               imu.Vec3{X: gx, Y: gy, Z: gz},
		HasGyro:            true,
		UltrasoundDistance: 120,
		SequenceID:         seq,
	}
}

func newTestPipeline(t *testing.T, ports []*pipePort, edit func(*Deps)) *Pipeline {
	t.Helper()
	deps := Deps{
		Opener: &portOpener{ports: ports},
		Policy: transport.Policy{
			InitialInterval:   time.Millisecond,
			MaxInterval:       2 * time.Millisecond,
			Multiplier:        2,
			MaxRetries:        3,
			DisconnectTimeout: time.Second,
		},
		Device:  "/dev/ttyACM0",
		Events:  eventlog.New(200),
		Store:   telemetry.NewStore(64, orientation.Direct),
		Metrics: metrics.New(),
		Now:     func() time.Time { return testEpoch },
	}
	if edit != nil {
		edit(&deps)
	}
	p := NewPipeline(deps)
	t.Cleanup(func() { p.Close() })
	return p
}

func openRecorder(t *testing.T) *recorder.Recorder {
	t.Helper()
	r, err := recorder.Open(filepath.Join(t.TempDir(), "blackbox.db"), recorder.Options{FlushInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("recorder.Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func hasEntry(l *eventlog.Log, sev eventlog.Severity, substr string) bool {
	for _, e := range l.Recent(0) {
		if e.Severity == sev && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestPipelineFeedsStore(t *testing.T) {
	dev := newPipePort()
	p := newTestPipeline(t, []*pipePort{dev}, nil)
	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var stream []byte
	stream = append(stream, protocol.Encode(gyroFrame(1, 10, 20, 30))...)
	stream = append(stream, protocol.Encode(gyroFrame(2, 15, 25, 35))...)
	stream = append(stream, protocol.Encode(gyroFrame(3, 0, 0, 0))...)
	// split mid-frame
	dev.send(t, stream[:17])
	dev.send(t, stream[17:90])
	dev.send(t, stream[90:])

	waitFor(t, "three frames", func() bool { return p.Store().Current().Received == 3 })

	snap := p.Store().Snapshot()
	if snap.Orientation != (orientation.OrientationState{}) {
		t.Errorf("orientation = %+v, want origin after (0,0,0)", snap.Orientation)
	}
	if len(snap.History) != 3 || snap.History[0].SequenceID != 1 {
		t.Errorf("history = %+v", snap.History)
	}
	if !snap.Latest.Timestamp.Equal(testEpoch) {
		t.Errorf("timestamp = %v", snap.Latest.Timestamp)
	}
	if got := testutil.ToFloat64(p.Metrics().FramesDecoded); got != 3 {
		t.Errorf("frames_decoded_total = %v", got)
	}
	if got := testutil.ToFloat64(p.Metrics().ConnStatus); got != float64(transport.Connected) {
		t.Errorf("connection_status = %v", got)
	}
}

func TestSequenceChecks(t *testing.T) {
	dev := newPipePort()
	p := newTestPipeline(t, []*pipePort{dev}, nil)
	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	for _, seq := range []uint64{1, 2, 5, 4, 6} {
		dev.send(t, protocol.Encode(gyroFrame(seq, 1, 2, 3)))
	}
	waitFor(t, "frame 6", func() bool { return p.Store().Current().Latest.SequenceID == 6 })

	cur := p.Store().Current()
	if cur.Received != 4 {
		t.Errorf("received = %d, want 4 (frame 4 discarded)", cur.Received)
	}
	if cur.Dropped != 2 {
		t.Errorf("dropped = %d, want 2", cur.Dropped)
	}
	if !hasEntry(p.Events(), eventlog.Warning, "sequence gap: 2 frame(s) missing before 5") {
		t.Error("no gap warning")
	}
	if !hasEntry(p.Events(), eventlog.Warning, "discarding frame 4") {
		t.Error("no out-of-order warning")
	}
	m := p.Metrics()
	if testutil.ToFloat64(m.SequenceGaps) != 1 || testutil.ToFloat64(m.DroppedFrames) != 2 {
		t.Errorf("gaps = %v, dropped = %v", testutil.ToFloat64(m.SequenceGaps), testutil.ToFloat64(m.DroppedFrames))
	}
}

func TestCorruptFrameIsLoggedAndSkipped(t *testing.T) {
	dev := newPipePort()
	p := newTestPipeline(t, []*pipePort{dev}, nil)
	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	corrupt := protocol.Encode(gyroFrame(2, 50, 50, 50))
	corrupt[7] ^= 1 // sequence digit, checksum now wrong

	dev.send(t, protocol.Encode(gyroFrame(1, 10, 10, 10)))
	dev.send(t, corrupt)
	dev.send(t, protocol.Encode(gyroFrame(2, 20, 20, 20)))
	waitFor(t, "frame 2", func() bool { return p.Store().Current().Latest.SequenceID == 2 })

	cur := p.Store().Current()
	if cur.Orientation.RotationX != 20 {
		t.Errorf("orientation = %+v, corrupt frame leaked through", cur.Orientation)
	}
	if cur.Received != 2 {
		t.Errorf("received = %d", cur.Received)
	}
	if got := testutil.ToFloat64(p.Metrics().DecodeErrors.WithLabelValues("checksum")); got != 1 {
		t.Errorf("checksum errors = %v", got)
	}
	if !hasEntry(p.Events(), eventlog.Warning, "checksum") {
		t.Error("no checksum warning in event log")
	}
	waitFor(t, "decoder stats", func() bool { return p.Status().Decoder.Checksum == 1 })
}

func TestReconnectStartsNewLink(t *testing.T) {
	first, second := newPipePort(), newPipePort()
	p := newTestPipeline(t, []*pipePort{first, second}, nil)
	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	first.send(t, protocol.Encode(gyroFrame(7, 1, 1, 1)))
	waitFor(t, "first link frame", func() bool { return p.Store().Current().Received == 1 })

	// half a frame, then the cable is pulled
	partial := protocol.Encode(gyroFrame(8, 2, 2, 2))
	first.send(t, partial[:20])
	first.w.Close()

	waitFor(t, "reconnect", func() bool {
		return p.Transport().State().Status == transport.Connected &&
			testutil.ToFloat64(p.Metrics().Reconnects) == 1
	})

	// the device restarted its counter; the stale partial must not merge
	second.send(t, protocol.Encode(gyroFrame(1, 3, 3, 3)))
	waitFor(t, "second link frame", func() bool { return p.Store().Current().Received == 2 })

	if hasEntry(p.Events(), eventlog.Warning, "discarding frame") {
		t.Error("frame from new link treated as out of order")
	}
	if got := testutil.ToFloat64(p.Metrics().DecodeErrors.WithLabelValues("malformed")); got != 0 {
		t.Errorf("malformed = %v, partial frame crossed links", got)
	}
	if p.Store().Current().Orientation.RotationX != 3 {
		t.Errorf("orientation = %+v", p.Store().Current().Orientation)
	}
}

func TestDisconnect(t *testing.T) {
	dev := newPipePort()
	p := newTestPipeline(t, []*pipePort{dev}, nil)
	if err := p.Disconnect(); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Disconnect while idle = %v", err)
	}
	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if err := p.Connect(context.Background(), ""); !errors.Is(err, transport.ErrAlreadyConnected) {
		t.Errorf("second Connect = %v", err)
	}
	if err := p.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if st := p.Status().Connection.Status; st != transport.Disconnected {
		t.Errorf("status = %s", st)
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Errorf("Wait = %v", err)
	}
}

func TestManualLogging(t *testing.T) {
	dev := newPipePort()
	rec := openRecorder(t)
	p := newTestPipeline(t, []*pipePort{dev}, func(d *Deps) { d.Recorder = rec })

	if _, err := p.StopLogging(); !errors.Is(err, recorder.ErrNotRecording) {
		t.Errorf("StopLogging while idle = %v", err)
	}
	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	s, err := p.StartLogging("test drive")
	if err != nil {
		t.Fatalf("StartLogging: %v", err)
	}
	if _, err := p.StartLogging(""); !errors.Is(err, recorder.ErrAlreadyRecording) {
		t.Errorf("second StartLogging = %v", err)
	}
	if st := p.Status(); st.Recording == nil || st.Recording.ID != s.ID || st.AutoRecord {
		t.Errorf("status = %+v", st)
	}

	for seq := uint64(1); seq <= 5; seq++ {
		dev.send(t, protocol.Encode(gyroFrame(seq, 1, 2, 3)))
	}
	waitFor(t, "recorded frames", func() bool { return testutil.ToFloat64(p.Metrics().RecordedFrames) == 5 })

	done, err := p.StopLogging()
	if err != nil {
		t.Fatalf("StopLogging: %v", err)
	}
	if done.Frames != 5 || done.Active() {
		t.Errorf("session = %+v", done)
	}
	entries, err := rec.Events(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 || !strings.Contains(entries[0].Message, "logging started") {
		t.Errorf("session log = %+v", entries)
	}
}

func TestLoggingWithoutRecorder(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	if _, err := p.StartLogging(""); !errors.Is(err, ErrRecorderDisabled) {
		t.Errorf("StartLogging = %v", err)
	}
	if _, err := p.StopLogging(); !errors.Is(err, ErrRecorderDisabled) {
		t.Errorf("StopLogging = %v", err)
	}
}

func TestDetectionStartsTimedRecording(t *testing.T) {
	dev := newPipePort()
	rec := openRecorder(t)
	p := newTestPipeline(t, []*pipePort{dev}, func(d *Deps) {
		d.Recorder = rec
		d.Detector = detect.New(detect.DefaultThresholds())
		d.AutoRecord = 300 * time.Millisecond
	})
	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	crash := gyroFrame(1, 1, 1, 1)
	crash.Accel = imu.Vec3{X: 40, Z: 9.81}
	dev.send(t, protocol.Encode(crash))

	waitFor(t, "auto session", func() bool { _, ok := rec.Active(); return ok })
	st := p.Status()
	if !st.AutoRecord || st.LastEvent == nil || st.LastEvent.Kind != detect.HighAcceleration {
		t.Errorf("status = %+v", st)
	}
	if got := testutil.ToFloat64(p.Metrics().Events.WithLabelValues("high_acceleration")); got != 1 {
		t.Errorf("events = %v", got)
	}
	if !hasEntry(p.Events(), eventlog.Warning, "detected high_acceleration") {
		t.Error("no detection warning")
	}

	waitFor(t, "auto session to end", func() bool { _, ok := rec.Active(); return !ok })
	sessions, err := rec.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || !strings.HasPrefix(sessions[0].Name, "auto high_acceleration") || sessions[0].Active() {
		t.Errorf("sessions = %+v", sessions)
	}
	if p.Status().AutoRecord {
		t.Error("auto-record still flagged after stop")
	}
}

func TestDetectionLeavesManualSession(t *testing.T) {
	dev := newPipePort()
	rec := openRecorder(t)
	p := newTestPipeline(t, []*pipePort{dev}, func(d *Deps) {
		d.Recorder = rec
		d.Detector = detect.New(detect.DefaultThresholds())
		d.AutoRecord = 20 * time.Millisecond
	})
	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	s, err := p.StartLogging("manual")
	if err != nil {
		t.Fatal(err)
	}

	crash := gyroFrame(1, 1, 1, 1)
	crash.Accel = imu.Vec3{X: 40}
	dev.send(t, protocol.Encode(crash))
	waitFor(t, "detection", func() bool { return p.Status().LastEvent != nil })
	time.Sleep(50 * time.Millisecond)

	active, ok := rec.Active()
	if !ok || active.ID != s.ID {
		t.Errorf("manual session replaced: %+v, %v", active, ok)
	}
	if p.Status().AutoRecord {
		t.Error("auto-record armed during manual session")
	}
}

func TestPublisherTopics(t *testing.T) {
	dev := newPipePort()
	pub := &fakePublisher{}
	p := newTestPipeline(t, []*pipePort{dev}, func(d *Deps) { d.Publisher = pub })
	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	noGyro := gyroFrame(2, 0, 0, 0)
	noGyro.HasGyro = false

	dev.send(t, protocol.Encode(gyroFrame(1, 5, 5, 5)))
	dev.send(t, protocol.Encode(noGyro))
	waitFor(t, "frames", func() bool { return pub.count(TopicFrame) == 2 })

	if n := pub.count(TopicOrientation); n != 1 {
		t.Errorf("orientation published %d times, want 1", n)
	}
	if pub.count(TopicState) < 2 || pub.count(TopicLog) < 2 {
		t.Errorf("topics = %v", pub.topics)
	}

	p.Close()
	if !pub.closed {
		t.Error("publisher not closed")
	}
}

func TestConnectAfterReconnectExhausted(t *testing.T) {
	first := newPipePort()
	p := newTestPipeline(t, []*pipePort{first}, nil)
	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	first.send(t, protocol.Encode(gyroFrame(1, 1, 1, 1)))
	waitFor(t, "first frame", func() bool { return p.Store().Current().Received == 1 })

	p.mu.Lock()
	firstLoop := p.consuming
	p.mu.Unlock()

	// no ports left: every reconnect attempt fails
	first.w.Close()
	waitFor(t, "retries exhausted", func() bool { return !p.Transport().Active() })

	second := newPipePort()
	opener := p.deps.Opener.(*portOpener)
	opener.mu.Lock()
	opener.ports = append(opener.ports, second)
	opener.mu.Unlock()

	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect after exhaustion: %v", err)
	}
	select {
	case <-firstLoop:
	default:
		t.Fatal("decode loop of the exhausted link still running after Connect")
	}

	second.send(t, protocol.Encode(gyroFrame(1, 2, 2, 2)))
	waitFor(t, "second link frame", func() bool { return p.Store().Current().Received == 2 })
	if hasEntry(p.Events(), eventlog.Warning, "discarding frame") {
		t.Error("frame from the new link treated as out of order")
	}
}

// stuckPort ignores Close, like a driver blocked in a kernel read.
type stuckPort struct{ release chan struct{} }

func (p *stuckPort) Read([]byte) (int, error) {
	<-p.release
	return 0, io.EOF
}
func (p *stuckPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *stuckPort) Close() error                { return nil }

func TestConnectWaitsForStuckReader(t *testing.T) {
	stuck := &stuckPort{release: make(chan struct{})}
	next := newPipePort()
	var opened int
	p := newTestPipeline(t, nil, func(d *Deps) {
		d.Opener = transport.OpenerFunc(func(string) (io.ReadWriteCloser, error) {
			opened++
			if opened == 1 {
				return stuck, nil
			}
			return next, nil
		})
		d.Policy.DisconnectTimeout = 20 * time.Millisecond
	})

	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if err := p.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if p.Transport().Active() {
		t.Fatal("transport still holds the link after Disconnect")
	}
	if err := p.Connect(context.Background(), ""); !errors.Is(err, ErrLinkDraining) {
		t.Fatalf("Connect with a stuck reader = %v", err)
	}

	close(stuck.release)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect after the reader stopped: %v", err)
	}
	next.send(t, protocol.Encode(gyroFrame(1, 1, 1, 1)))
	waitFor(t, "frame on the new link", func() bool { return p.Store().Current().Received == 1 })
}

func TestRecordedFramesCountsQueuedOnly(t *testing.T) {
	dev := newPipePort()
	rec := openRecorder(t)
	p := newTestPipeline(t, []*pipePort{dev}, func(d *Deps) { d.Recorder = rec })
	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := p.StartLogging(""); err != nil {
		t.Fatal(err)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		dev.send(t, protocol.Encode(gyroFrame(seq, 0, 0, 0)))
	}
	waitFor(t, "recorded frames", func() bool { return testutil.ToFloat64(p.Metrics().RecordedFrames) == 3 })

	// a closed recorder rejects frames
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}
	for seq := uint64(4); seq <= 5; seq++ {
		dev.send(t, protocol.Encode(gyroFrame(seq, 0, 0, 0)))
	}
	waitFor(t, "frames after close", func() bool { return p.Store().Current().Received == 5 })

	if got := testutil.ToFloat64(p.Metrics().RecordedFrames); got != 3 {
		t.Errorf("recorded_frames_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(p.Metrics().RecorderDrops); got != 0 {
		t.Errorf("recorder_dropped_frames_total = %v", got)
	}
	if st := p.Status(); st.RecorderDropped != 0 {
		t.Errorf("status recorder_dropped = %d", st.RecorderDropped)
	}
}
