package app

import (
	"strings"
	"testing"
	"time"

	"github.com/relabs-tech/autorec_blackbox/internal/eventlog"
	"github.com/relabs-tech/autorec_blackbox/internal/imu"
	"github.com/relabs-tech/autorec_blackbox/internal/recorder"
	"github.com/relabs-tech/autorec_blackbox/internal/telemetry"
	"github.com/relabs-tech/autorec_blackbox/internal/transport"
)

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"localhost:8080":           "ws://localhost:8080/ws",
		"http://10.0.0.2:8080":     "ws://10.0.0.2:8080/ws",
		"https://box.local":        "wss://box.local/ws",
		"ws://box.local:9000/feed": "ws://box.local:9000/feed",
	}
	for in, want := range cases {
		if got := WebsocketURL(in); got != want {
			t.Errorf("WebsocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDashboardModel(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 10, 0, time.UTC)
	latest := imu.SensorFrame{
		Timestamp:          now.Add(-2 * time.Second),
		Accel:              imu.Vec3{X: 3, Y: 4},
		UltrasoundDistance: 150,
		SequenceID:         1200,
	}
	view := newOrientationView(telemetry.TelemetryState{})
	frame := WSFrame{
		Type:        "frame",
		Latest:      &latest,
		Orientation: &view,
		Status: &Status{
			Connection: transport.ConnectionState{Status: transport.Connected, Device: "/dev/ttyACM0"},
			Received:   1200,
			Dropped:    3,
			Recording:  &recorder.Session{ID: 4, StartedAt: now.Add(-time.Minute)},
		},
		Log: []eventlog.Entry{{Timestamp: now, Message: "connected to /dev/ttyACM0", Severity: eventlog.Info}},
	}

	var m dashboardModel
	m.apply(frame, now)

	for _, want := range []string{"1,200", "gyro     n/a", centimetres(150)} {
		if !strings.Contains(m.values, want) {
			t.Errorf("values missing %q:\n%s", want, m.values)
		}
	}
	for _, want := range []string{"connected (/dev/ttyACM0)", "1,200 received, 3 dropped", "manual session 4"} {
		if !strings.Contains(m.status, want) {
			t.Errorf("status missing %q:\n%s", want, m.status)
		}
	}
	if len(m.accel) != 1 || m.accel[0] != 5 {
		t.Errorf("accel series = %v", m.accel)
	}
	if len(m.log) != 1 || !strings.Contains(m.log[0], "[INFO] connected") {
		t.Errorf("log = %v", m.log)
	}

	// 50 frames later, one second on
	next := latest
	next.SequenceID = 1250
	frame.Latest = &next
	frame.Log = nil
	m.apply(frame, now.Add(time.Second))
	if !strings.Contains(m.values, "50Hz") {
		t.Errorf("rate not shown:\n%s", m.values)
	}

	m.apply(WSFrame{Type: "error", Message: "connect /dev/ttyACM0: device not found"}, now)
	if last := m.log[len(m.log)-1]; !strings.HasPrefix(last, "[ERROR]") {
		t.Errorf("error reply logged as %q", last)
	}
}

func TestAppendBounded(t *testing.T) {
	var lines []string
	for i := 0; i < dashboardLogLines+10; i++ {
		lines = appendBounded(lines, "x")
	}
	if len(lines) != dashboardLogLines {
		t.Errorf("len = %d", len(lines))
	}
}
