// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/relabs-tech/autorec_blackbox/internal/imu"
)

// DefaultMaxFrameLen bounds a sentence (without the line terminator). A full
// frame with generous float precision fits well inside it.
const DefaultMaxFrameLen = 160

// ErrorKind classifies a discarded frame.
type ErrorKind int

const (
	KindChecksum ErrorKind = iota
	KindMalformed
	KindOversize
	KindUnsupported // valid NMEA, but not a PARBB sentence
)

func (k ErrorKind) String() string {
	switch k {
	case KindChecksum:
		return "checksum"
	case KindMalformed:
		return "malformed"
	case KindOversize:
		return "oversize"
	case KindUnsupported:
		return "unsupported"
	}
	return "unknown"
}

// DecodeError describes a frame the decoder discarded. It is reported via
// Options.OnError and never returned to the caller of Feed.
type DecodeError struct {
	Kind  ErrorKind
	Frame string // offending bytes, truncated for logging
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s frame %q: %v", e.Kind, e.Frame, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	errTruncated       = errors.New("start delimiter before end of frame")
	errTooLong         = errors.New("frame exceeds maximum length")
	errMissingChecksum = errors.New("missing checksum")
)

// Options configures a Decoder.
type Options struct {
	MaxFrameLen int
	Now         func() time.Time   // stamps decoded frames; defaults to time.Now
	OnError     func(*DecodeError) // called for every discarded frame
}

// Stats counts decoder activity since creation.
type Stats struct {
	Frames      uint64 `json:"frames"`
	Checksum    uint64 `json:"checksum_errors"`
	Malformed   uint64 `json:"malformed"`
	Oversize    uint64 `json:"oversize"`
	Unsupported uint64 `json:"unsupported"`
	NoiseBytes  uint64 `json:"noise_bytes"`
}

// Decoder turns an arbitrarily chunked byte stream into SensorFrames.
// Partial frames are buffered across Feed calls, so the output never
// depends on where the stream was split. A Decoder is not safe for
// concurrent use.
type Decoder struct {
	opt      Options
	parser   nmea.SentenceParser
	buf      []byte
	skipping bool // dropping an oversize frame until the next '$'
	stats    Stats
}

// NewDecoder returns a decoder with an empty buffer.
func NewDecoder(opt Options) *Decoder {
	if opt.MaxFrameLen <= 0 {
		opt.MaxFrameLen = DefaultMaxFrameLen
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Decoder{
		opt: opt,
		parser: nmea.SentenceParser{
			CustomParsers: map[string]nmea.ParserFunc{
				SentenceType: newSentence,
			},
		},
	}
}

// Reset drops any buffered partial frame, e.g. when the link is re-opened.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.skipping = false
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Stats returns a copy of the counters.
func (d *Decoder) Stats() Stats {
	return d.stats
}

// Feed consumes chunk and returns every frame completed by it, in order.
func (d *Decoder) Feed(chunk []byte) []imu.SensorFrame {
	d.buf = append(d.buf, chunk...)

	var out []imu.SensorFrame
	for len(d.buf) > 0 {
		if d.skipping {
			i := bytes.IndexByte(d.buf, '$')
			if i < 0 {
				d.buf = d.buf[:0]
				break
			}
			d.buf = d.buf[i:]
			d.skipping = false
		}

		start := bytes.IndexByte(d.buf, '$')
		if start < 0 {
			d.stats.NoiseBytes += uint64(countNoise(d.buf))
			d.buf = d.buf[:0]
			break
		}
		if start > 0 {
			d.stats.NoiseBytes += uint64(countNoise(d.buf[:start]))
			d.buf = d.buf[start:]
		}

		end := bytes.IndexByte(d.buf, '\n')
		next := bytes.IndexByte(d.buf[1:], '$')
		if next >= 0 {
			next++
		}

		// a new start delimiter before the terminator means the current
		// frame lost bytes; resync on the new one
		if next >= 0 && (end < 0 || next < end) {
			d.fail(KindMalformed, d.buf[:next], errTruncated)
			d.buf = d.buf[next:]
			continue
		}

		if end < 0 {
			// measured like a complete line, without the CR of a CRLF
			// split before its LF
			if len(bytes.TrimRight(d.buf, "\r")) > d.opt.MaxFrameLen {
				d.fail(KindOversize, d.buf, errTooLong)
				d.buf = d.buf[:0]
				d.skipping = true
			}
			break
		}

		line := bytes.TrimRight(d.buf[:end], "\r")
		d.buf = d.buf[end+1:]
		if len(line) > d.opt.MaxFrameLen {
			d.fail(KindOversize, line, errTooLong)
			continue
		}
		if f, ok := d.decodeLine(line); ok {
			out = append(out, f)
		}
	}

	// release the consumed prefix of the backing array
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

func (d *Decoder) decodeLine(line []byte) (imu.SensorFrame, bool) {
	raw := string(line)

	star := strings.LastIndexByte(raw, '*')
	if star < 0 || len(raw)-star-1 != 2 {
		d.fail(KindMalformed, line, errMissingChecksum)
		return imu.SensorFrame{}, false
	}
	if want, got := nmea.Checksum(raw[1:star]), strings.ToUpper(raw[star+1:]); want != got {
		d.fail(KindChecksum, line, fmt.Errorf("checksum mismatch: computed %s, frame %s", want, got))
		return imu.SensorFrame{}, false
	}

	s, err := d.parser.Parse(raw)
	if err != nil {
		d.fail(KindMalformed, line, err)
		return imu.SensorFrame{}, false
	}
	m, ok := s.(Sentence)
	if !ok {
		d.fail(KindUnsupported, line, fmt.Errorf("sentence type %s", s.DataType()))
		return imu.SensorFrame{}, false
	}

	d.stats.Frames++
	return imu.SensorFrame{
		Timestamp:          d.opt.Now(),
		DeviceMillis:       m.Millis,
		Accel:              m.Accel,
		Gyro:               m.Gyro,
		HasGyro:            m.HasGyro,
		UltrasoundDistance: m.Distance,
		SequenceID:         m.Seq,
	}, true
}

func (d *Decoder) fail(kind ErrorKind, frame []byte, err error) {
	switch kind {
	case KindChecksum:
		d.stats.Checksum++
	case KindMalformed:
		d.stats.Malformed++
	case KindOversize:
		d.stats.Oversize++
	case KindUnsupported:
		d.stats.Unsupported++
	}
	if d.opt.OnError == nil {
		return
	}
	const maxShown = 48
	shown := string(frame)
	if len(shown) > maxShown {
		shown = shown[:maxShown] + "..."
	}
	d.opt.OnError(&DecodeError{Kind: kind, Frame: shown, Err: err})
}

// countNoise counts bytes between frames that are not line padding.
func countNoise(b []byte) int {
	n := 0
	for _, c := range b {
		if c != '\r' && c != '\n' && c != ' ' && c != 0 {
			n++
		}
	}
	return n
}
