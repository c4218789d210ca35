// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/autorec_blackbox/internal/eventlog"
	"github.com/relabs-tech/autorec_blackbox/internal/imu"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the UI may be served from another origin
	},
}

// WSMessage is a command sent by a websocket client.
type WSMessage struct {
	Action string `json:"action"` // connect, disconnect, start_logging, stop_logging
	Device string `json:"device,omitempty"`
	Name   string `json:"name,omitempty"`
}

// WSFrame is one message pushed to websocket clients: either a periodic
// "frame" update or the "ack"/"error" reply to a WSMessage.
type WSFrame struct {
	Type        string           `json:"type"`
	Time        time.Time        `json:"time"`
	Latest      *imu.SensorFrame `json:"latest,omitempty"`
	Orientation *orientationView `json:"orientation,omitempty"`
	Status      *Status          `json:"status,omitempty"`
	Log         []eventlog.Entry `json:"log,omitempty"` // entries since the previous push
	Message     string           `json:"message,omitempty"`
}

const wsWriteTimeout = time.Second

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("web: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	entries, cancel := s.p.Events().Subscribe(256)
	defer cancel()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	replies := make(chan WSFrame, 8)
	go s.readCommands(ctx, stop, conn, replies)

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		var out WSFrame
		select {
		case <-ctx.Done():
			return
		case out = <-replies:
		case <-ticker.C:
			out = s.frameUpdate(entries)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(out); err != nil {
			log.Debugf("web: websocket write error: %v", err)
			return
		}
	}
}

func (s *Server) frameUpdate(entries <-chan eventlog.Entry) WSFrame {
	cur := s.p.Store().Current()
	status := s.p.Status()
	view := newOrientationView(cur)
	out := WSFrame{
		Type:        "frame",
		Time:        time.Now(),
		Orientation: &view,
		Status:      &status,
	}
	if cur.HasFrame {
		out.Latest = &cur.Latest
	}
	for {
		select {
		case e := <-entries:
			out.Log = append(out.Log, e)
		default:
			return out
		}
	}
}

// readCommands runs the client's commands and queues their replies. It
// cancels the connection when the client goes away.
func (s *Server) readCommands(ctx context.Context, stop context.CancelFunc, conn *websocket.Conn, replies chan<- WSFrame) {
	defer stop()
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("web: websocket read error: %v", err)
			}
			return
		}

		reply := WSFrame{Type: "ack", Time: time.Now(), Message: msg.Action}
		if err := s.runCommand(ctx, msg); err != nil {
			reply.Type = "error"
			reply.Message = err.Error()
		}
		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) runCommand(ctx context.Context, msg WSMessage) error {
	var err error
	switch msg.Action {
	case "connect":
		err = s.p.Connect(ctx, msg.Device)
	case "disconnect":
		err = s.p.Disconnect()
	case "start_logging":
		_, err = s.p.StartLogging(msg.Name)
	case "stop_logging":
		_, err = s.p.StopLogging()
	default:
		err = fmt.Errorf("unknown action %q", msg.Action)
	}
	return err
}
