// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/autorec_blackbox/internal/detect"
	"github.com/relabs-tech/autorec_blackbox/internal/protocol"
	"github.com/relabs-tech/autorec_blackbox/internal/recorder"
)

// ReplayOptions control Replay.
type ReplayOptions struct {
	MaxFrameLen int
	ChunkSize   int              // read size, defaults to 1024
	Detector    *detect.Detector // optional
	Recorder    *recorder.Recorder
	SessionName string
	JSON        bool // write every frame as a JSON line to out
}

// ReplayResult summarises a replayed capture.
type ReplayResult struct {
	Decoder protocol.Stats    `json:"decoder"`
	Events  []detect.Event    `json:"events"`
	Session *recorder.Session `json:"session,omitempty"`
}

// Replay decodes a raw serial capture as if it came from the device,
// optionally running detection and storing the frames as a session.
func Replay(r io.Reader, out io.Writer, opt ReplayOptions) (ReplayResult, error) {
	var res ReplayResult
	if opt.ChunkSize <= 0 {
		opt.ChunkSize = 1024
	}

	dec := protocol.NewDecoder(protocol.Options{
		MaxFrameLen: opt.MaxFrameLen,
		OnError: func(err *protocol.DecodeError) {
			log.Warnf("replay: discarded %v", err)
		},
	})

	if opt.Recorder != nil {
		s, err := opt.Recorder.Start(opt.SessionName)
		if err != nil {
			return res, err
		}
		res.Session = &s
	}

	enc := json.NewEncoder(out)
	buf := make([]byte, opt.ChunkSize)
	var readErr error
	for readErr == nil {
		var n int
		n, readErr = r.Read(buf)
		for _, f := range dec.Feed(buf[:n]) {
			if opt.JSON {
				if err := enc.Encode(f); err != nil {
					return res, fmt.Errorf("replay: write: %w", err)
				}
			}
			if opt.Detector != nil {
				res.Events = append(res.Events, opt.Detector.Check(f)...)
			}
			if opt.Recorder != nil {
				if err := opt.Recorder.RecordWait(f); err != nil {
					return res, err
				}
			}
		}
	}
	res.Decoder = dec.Stats()
	if dec.Buffered() > 0 {
		log.Warnf("replay: %d trailing bytes without a terminator", dec.Buffered())
	}

	if opt.Recorder != nil {
		s, err := opt.Recorder.Stop()
		if err != nil {
			return res, err
		}
		res.Session = &s
	}
	if !errors.Is(readErr, io.EOF) {
		return res, fmt.Errorf("replay: read: %w", readErr)
	}
	return res, nil
}
