// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package memdump

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/DataDog/secagent/pkg/security/model"
)

var errSegmentFull = errors.New("segment full")

const (
	segmentMagic   = 0x4d444153 // "SADM"
	segmentVersion = 1
	// segmentHeaderSize is magic(4) + version(2) + reserved(2) + creation
	// ts(8).
	segmentHeaderSize = 16
)

type segmentState int32

const (
	segmentOpen segmentState = iota
	segmentSealed
	segmentRecycled
)

// segment is one shared-memory backed chunk of the capture ring. The
// producer is the only writer; readers open their own read-only view and
// never read past the written counter snapshot they take before scanning.
type segment struct {
	name string
	path string

	file *os.File
	data []byte
	size uint64

	// written is the serialized byte count, header included. Stored with
	// release semantics by the writer; readers must load it before reading
	// the frames it covers.
	written atomic.Uint64
	// endTs is the largest event timestamp appended.
	endTs atomic.Uint64
	// events counts appended events. Writer-owned.
	events uint64

	state segmentState
}

// newSegment creates the backing file under runRoot and maps it.
func newSegment(runRoot string, id uint64, size uint64) (*segment, error) {
	name := fmt.Sprintf("dragent-memdumper-%d", id)
	path := filepath.Join(runRoot, name)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open segment file `%s`", path)
	}

	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "could not size segment file `%s`", path)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "could not map segment file `%s`", path)
	}

	return &segment{
		name: name,
		path: path,
		file: file,
		data: data,
		size: size,
	}, nil
}

// open resets the segment to a zeroed accepting state.
func (s *segment) open(creationTs uint64) error {
	binary.LittleEndian.PutUint32(s.data[0:4], segmentMagic)
	binary.LittleEndian.PutUint16(s.data[4:6], segmentVersion)
	binary.LittleEndian.PutUint16(s.data[6:8], 0)
	binary.LittleEndian.PutUint64(s.data[8:16], creationTs)

	s.endTs.Store(0)
	s.events = 0
	s.state = segmentOpen
	s.written.Store(segmentHeaderSize)
	return nil
}

// append writes one event frame. Returns errSegmentFull when the frame does
// not fit, leaving the segment untouched.
func (s *segment) append(ev *model.Event) error {
	written := s.written.Load()
	n, err := EncodeEvent(s.data[written:], ev)
	if err != nil {
		return err
	}

	s.events++
	if ts := ev.TimestampNs; ts > s.endTs.Load() {
		s.endTs.Store(ts)
	}
	// Publish the frame: readers load written before touching the bytes it
	// covers.
	s.written.Store(written + uint64(n))
	return nil
}

// seal stops appends. The segment stays readable.
func (s *segment) seal() {
	s.state = segmentSealed
}

// flush pushes the mapped pages to the backing file and returns the
// consistent tail a reader may scan to.
func (s *segment) flush() uint64 {
	written := s.written.Load()
	_ = unix.Msync(s.data, unix.MS_ASYNC)
	return written
}

// headerBytes returns the size of the segment header.
func (s *segment) headerBytes() uint64 {
	return segmentHeaderSize
}

// close unmaps the segment and optionally removes its file.
func (s *segment) close(unlink bool) error {
	var firstErr error
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil && firstErr == nil {
			firstErr = err
		}
		s.data = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	if unlink {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	s.state = segmentRecycled
	return firstErr
}

// segmentReader is a fresh read view over a segment, bounded by the written
// snapshot taken at open time.
type segmentReader struct {
	data  []byte
	limit uint64
	off   uint64
}

// openReader maps a read-only view of the segment file starting at offset
// zero, bounded by limit.
func (s *segment) openReader(limit uint64) (*segmentReader, error) {
	fd, err := unix.Open(s.path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open segment `%s` for reading", s.name)
	}
	defer unix.Close(fd)

	data, err := unix.Mmap(fd, 0, int(s.size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "could not map segment `%s` for reading", s.name)
	}

	if limit > s.size {
		limit = s.size
	}

	if binary.LittleEndian.Uint32(data[0:4]) != segmentMagic {
		unix.Munmap(data) //nolint:errcheck
		return nil, errors.Errorf("segment `%s` has a bad header", s.name)
	}

	return &segmentReader{
		data:  data,
		limit: limit,
		off:   segmentHeaderSize,
	}, nil
}

// advance moves the reader's limit forward to a newer snapshot.
func (r *segmentReader) advance(limit uint64) {
	if limit > uint64(len(r.data)) {
		limit = uint64(len(r.data))
	}
	if limit > r.limit {
		r.limit = limit
	}
}

// next decodes the next event, or returns nil when the snapshot is
// exhausted.
func (r *segmentReader) next() (*model.Event, error) {
	if r.off >= r.limit {
		return nil, nil
	}
	ev, n, err := DecodeEvent(r.data[r.off:r.limit])
	if err != nil {
		return nil, err
	}
	r.off += uint64(n)
	return ev, nil
}

// close unmaps the read view.
func (r *segmentReader) close() {
	if r.data != nil {
		unix.Munmap(r.data) //nolint:errcheck
		r.data = nil
	}
}
