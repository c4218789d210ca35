// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"

	"github.com/relabs-tech/autorec_blackbox/internal/eventlog"
	"github.com/relabs-tech/autorec_blackbox/internal/transport"
)

const dashboardLogLines = 200

// dashboardModel is the text behind the widgets, kept separate from
// termui so it can be exercised without a terminal.
type dashboardModel struct {
	status    string
	values    string
	accel     []float64
	log       []string
	lastFrame time.Time
	rate      physic.Frequency

	prevSeq  uint64
	prevTime time.Time
}

func (m *dashboardModel) apply(f WSFrame, now time.Time) {
	if f.Type == "error" {
		m.log = appendBounded(m.log, fmt.Sprintf("[ERROR] %s", f.Message))
		return
	}
	if f.Type != "frame" {
		m.log = appendBounded(m.log, fmt.Sprintf("[ack] %s", f.Message))
		return
	}
	for _, e := range f.Log {
		m.log = appendBounded(m.log, formatEntry(e))
	}
	if f.Status != nil {
		m.status = formatStatus(*f.Status, m.lastFrame, now)
	}
	if f.Latest == nil {
		return
	}

	l := f.Latest
	if l.SequenceID != m.prevSeq {
		if !m.prevTime.IsZero() && l.SequenceID > m.prevSeq {
			if dt := now.Sub(m.prevTime); dt > 0 {
				hz := float64(l.SequenceID-m.prevSeq) / dt.Seconds()
				m.rate = physic.Frequency(hz * float64(physic.Hertz))
			}
		}
		m.prevSeq, m.prevTime = l.SequenceID, now
		m.lastFrame = l.Timestamp
		m.accel = append(m.accel, l.Accel.Norm())
		if len(m.accel) > 120 {
			m.accel = m.accel[len(m.accel)-120:]
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "seq      %s @ %s\n", humanize.Comma(int64(l.SequenceID)), m.rate)
	fmt.Fprintf(&b, "accel    x %7.2f  y %7.2f  z %7.2f  m/s²\n", l.Accel.X, l.Accel.Y, l.Accel.Z)
	if l.HasGyro {
		fmt.Fprintf(&b, "gyro     x %7.2f  y %7.2f  z %7.2f  °/s\n", l.Gyro.X, l.Gyro.Y, l.Gyro.Z)
	} else {
		b.WriteString("gyro     n/a\n")
	}
	fmt.Fprintf(&b, "distance %s\n", centimetres(l.UltrasoundDistance))
	if o := f.Orientation; o != nil {
		fmt.Fprintf(&b, "rotation x %s  y %s  z %s\n", degrees(o.X), degrees(o.Y), degrees(o.Z))
		fmt.Fprintf(&b, "tilt     roll %s  pitch %s\n", degrees(o.Tilt.Roll), degrees(o.Tilt.Pitch))
	}
	m.values = b.String()
}

func formatStatus(st Status, lastFrame, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "link     %s", st.Connection.Status)
	if st.Connection.Device != "" {
		fmt.Fprintf(&b, " (%s)", st.Connection.Device)
	}
	if st.Connection.Status == transport.Error && st.Connection.Reason != "" {
		fmt.Fprintf(&b, ": %s", st.Connection.Reason)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "frames   %s received, %s dropped\n", humanize.Comma(int64(st.Received)), humanize.Comma(int64(st.Dropped)))
	if !lastFrame.IsZero() {
		fmt.Fprintf(&b, "last     %s\n", humanize.RelTime(lastFrame, now, "ago", "from now"))
	}
	d := st.Decoder
	fmt.Fprintf(&b, "errors   %d checksum, %d malformed, %d oversize\n", d.Checksum, d.Malformed, d.Oversize)
	switch {
	case st.Recording != nil:
		kind := "manual"
		if st.AutoRecord {
			kind = "auto"
		}
		fmt.Fprintf(&b, "logging  %s session %d since %s\n", kind, st.Recording.ID, humanize.Time(st.Recording.StartedAt))
	default:
		b.WriteString("logging  off\n")
	}
	if e := st.LastEvent; e != nil {
		fmt.Fprintf(&b, "event    %s (%s, %s)\n", e.Kind, e.Priority(), humanize.Time(e.Time))
	}
	return b.String()
}

func formatEntry(e eventlog.Entry) string {
	return fmt.Sprintf("%s [%s] %s", e.Timestamp.Local().Format("15:04:05"), e.Severity, e.Message)
}

func centimetres(cm float64) string {
	return physic.Distance(cm * float64(10*physic.MilliMetre)).String()
}

func degrees(deg float64) string {
	return physic.Angle(deg * float64(physic.Degree)).String()
}

func appendBounded(lines []string, s string) []string {
	lines = append(lines, s)
	if len(lines) > dashboardLogLines {
		lines = lines[len(lines)-dashboardLogLines:]
	}
	return lines
}

// WebsocketURL turns a server address such as "localhost:8080" into the
// feed URL.
func WebsocketURL(addr string) string {
	if strings.Contains(addr, "://") {
		if u, err := url.Parse(addr); err == nil {
			switch u.Scheme {
			case "http":
				u.Scheme = "ws"
			case "https":
				u.Scheme = "wss"
			}
			if u.Path == "" || u.Path == "/" {
				u.Path = "/ws"
			}
			return u.String()
		}
	}
	return (&url.URL{Scheme: "ws", Host: addr, Path: "/ws"}).String()
}

// RunDashboard renders the feed of the server at addr in the terminal.
// Keys: c connect, d disconnect, l toggle logging, q quit.
func RunDashboard(ctx context.Context, addr, device string) error {
	wsURL := WebsocketURL(addr)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dashboard: dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	if err := ui.Init(); err != nil {
		return fmt.Errorf("dashboard: failed to initialize termui: %w", err)
	}
	defer ui.Close()

	status := widgets.NewParagraph()
	status.Title = " Black Box "
	values := widgets.NewParagraph()
	values.Title = " Sensors "
	accel := widgets.NewSparkline()
	accel.LineColor = ui.ColorYellow
	accelGroup := widgets.NewSparklineGroup(accel)
	accelGroup.Title = " |accel| "
	logList := widgets.NewList()
	logList.Title = " Events "
	logList.TextStyle = ui.NewStyle(ui.ColorWhite)

	grid := ui.NewGrid()
	w, h := ui.TerminalDimensions()
	grid.SetRect(0, 0, w, h)
	grid.Set(
		ui.NewRow(0.35,
			ui.NewCol(0.5, status),
			ui.NewCol(0.5, values),
		),
		ui.NewRow(0.2, ui.NewCol(1.0, accelGroup)),
		ui.NewRow(0.45, ui.NewCol(1.0, logList)),
	)

	frames := make(chan WSFrame, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			var f WSFrame
			if err := conn.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
			frames <- f
		}
	}()

	send := func(msg WSMessage) {
		if err := conn.WriteJSON(msg); err != nil {
			log.Debugf("dashboard: send %s: %v", msg.Action, err)
		}
	}

	var model dashboardModel
	recording := false
	uiEvents := ui.PollEvents()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return fmt.Errorf("dashboard: feed closed: %w", err)
		case e := <-uiEvents:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "c":
				send(WSMessage{Action: "connect", Device: device})
			case "d":
				send(WSMessage{Action: "disconnect"})
			case "l":
				if recording {
					send(WSMessage{Action: "stop_logging"})
				} else {
					send(WSMessage{Action: "start_logging"})
				}
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Clear()
			}
		case f := <-frames:
			model.apply(f, time.Now())
			if f.Status != nil {
				recording = f.Status.Recording != nil
			}
		}

		status.Text = model.status
		values.Text = model.values
		accel.Data = model.accel
		logList.Rows = model.log
		logList.ScrollBottom()
		ui.Render(grid)
	}
}
