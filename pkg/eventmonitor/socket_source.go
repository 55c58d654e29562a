// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package eventmonitor

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/secagent/pkg/memdump"
	"github.com/DataDog/secagent/pkg/security/model"
)

const (
	sourceReadTimeout = time.Second
	maxFrameLen       = 1 << 20
)

// SocketSource reads length-prefixed event frames from the system probe's
// unix socket. Partial frames survive read deadlines: bytes accumulate
// until a full frame is buffered.
type SocketSource struct {
	conn net.Conn
	acc  []byte
}

var _ EventSource = (*SocketSource)(nil)

// NewSocketSource connects to the probe socket.
func NewSocketSource(path string) (*SocketSource, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to event socket `%s`", path)
	}
	return &SocketSource{conn: conn}, nil
}

// Next returns the next event. ErrTimeout is only reported between frames,
// so the producer loop stays responsive to shutdown without losing frame
// sync.
func (s *SocketSource) Next() (*model.Event, error) {
	var chunk [1 << 14]byte

	for {
		if ev, ok, err := s.takeFrame(); ok {
			return ev, err
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(sourceReadTimeout)); err != nil {
			return nil, s.mapError(err)
		}
		n, err := s.conn.Read(chunk[:])
		if n > 0 {
			s.acc = append(s.acc, chunk[:n]...)
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if len(s.acc) == 0 {
					return nil, ErrTimeout
				}
				// Mid-frame: keep reading so the stream stays in sync.
				continue
			}
			return nil, s.mapError(err)
		}
	}
}

// takeFrame pops one complete frame off the accumulator.
func (s *SocketSource) takeFrame() (*model.Event, bool, error) {
	if len(s.acc) < 4 {
		return nil, false, nil
	}

	frameLen := binary.LittleEndian.Uint32(s.acc[:4])
	if frameLen == 0 || frameLen > maxFrameLen {
		// A bogus length means the stream is unrecoverable; drop the buffer
		// and resync on whatever comes next.
		s.acc = nil
		return nil, true, ErrMalformedEvent
	}

	total := 4 + int(frameLen)
	if len(s.acc) < total {
		return nil, false, nil
	}

	ev, _, err := memdump.DecodeEvent(s.acc[:total])
	s.acc = append(s.acc[:0], s.acc[total:]...)
	if err != nil {
		return nil, true, ErrMalformedEvent
	}
	return ev, true, nil
}

func (s *SocketSource) mapError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	return err
}

// Close closes the socket; a blocked Next returns io.EOF.
func (s *SocketSource) Close() error {
	return s.conn.Close()
}
