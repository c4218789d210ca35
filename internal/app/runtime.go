// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/autorec_blackbox/internal/config"
	"github.com/relabs-tech/autorec_blackbox/internal/detect"
	"github.com/relabs-tech/autorec_blackbox/internal/eventlog"
	"github.com/relabs-tech/autorec_blackbox/internal/metrics"
	"github.com/relabs-tech/autorec_blackbox/internal/recorder"
	"github.com/relabs-tech/autorec_blackbox/internal/telemetry"
	"github.com/relabs-tech/autorec_blackbox/internal/transport"
)

// Runtime is a pipeline and web server built from a Config, together with
// the files and connections they own.
type Runtime struct {
	Config   config.Config
	Pipeline *Pipeline
	Server   *Server

	closers []func() error
}

// Build opens every resource named in cfg. On error nothing is left open.
func Build(cfg config.Config) (rt *Runtime, err error) {
	built := &Runtime{Config: cfg}
	defer func() {
		if err != nil {
			built.closeAll()
		}
	}()
	rt = built

	events := eventlog.New(cfg.EventLog.Capacity)
	if cfg.EventLog.File != "" {
		sink, err := eventlog.OpenFile(cfg.EventLog.File, cfg.FileOptions())
		if err != nil {
			return nil, err
		}
		events.AddSink(sink)
		rt.closers = append(rt.closers, sink.Close)
		log.Infof("app: event log file %s", sink.Path())
	}

	opener, err := transport.NewOpener(cfg.DriverOptions())
	if err != nil {
		return nil, err
	}

	deps := Deps{
		Opener:      opener,
		Policy:      cfg.Policy(),
		Device:      cfg.Device.Port,
		Events:      events,
		Store:       telemetry.NewStore(cfg.Store.HistorySize, cfg.OrientationMode()),
		Metrics:     metrics.New(),
		MaxFrameLen: cfg.Decoder.MaxFrameLen,
	}

	if cfg.Detect.Enabled {
		deps.Detector = detect.New(cfg.Thresholds())
		deps.AutoRecord = time.Duration(cfg.Detect.AutoRecordSeconds) * time.Second
	}

	if cfg.Recorder.Path != "" {
		rec, err := recorder.Open(cfg.Recorder.Path, cfg.RecorderOptions())
		if err != nil {
			return nil, err
		}
		deps.Recorder = rec
		rt.closers = append(rt.closers, rec.Close)
		log.Infof("app: recording sessions to %s", cfg.Recorder.Path)
	}

	if cfg.MQTT.Broker != "" {
		pub, err := NewMQTTPublisher(cfg.MQTT)
		if err != nil {
			return nil, err
		}
		deps.Publisher = pub
	}

	rt.Pipeline = NewPipeline(deps)
	// the pipeline stops logging and closes the publisher before the
	// recorder and log file go away
	rt.closers = append(rt.closers, rt.Pipeline.Close)
	rt.Server = NewServer(rt.Pipeline, time.Duration(cfg.Web.RefreshMS)*time.Millisecond)
	return rt, nil
}

// Run connects when configured to and serves HTTP until ctx is canceled.
func (rt *Runtime) Run(ctx context.Context) error {
	if rt.Config.Device.Autoconnect {
		if err := rt.Pipeline.Connect(ctx, ""); err != nil {
			// the UI can retry; the server still comes up
			log.Warnf("app: autoconnect to %s failed: %v", rt.Config.Device.Port, err)
		}
	}
	return rt.Server.ListenAndServe(ctx, rt.Config.Address())
}

// Close releases everything Build opened, newest first.
func (rt *Runtime) Close() error {
	return rt.closeAll()
}

func (rt *Runtime) closeAll() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: close: %w", err)
	}
	return nil
}
