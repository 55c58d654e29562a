// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package memdump implements the rotating shared-memory event ring and its
// retrospective capture jobs.
package memdump

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/benbjohnson/clock"
	"golang.org/x/sys/unix"

	"github.com/DataDog/secagent/pkg/config"
	"github.com/DataDog/secagent/pkg/security/metrics"
	"github.com/DataDog/secagent/pkg/security/model"
	"github.com/DataDog/secagent/pkg/util/log"
)

// memTestName is probed at init to verify allocation feasibility.
const memTestName = "dragent-mem-test"

// autodisableHitLimit is the number of consecutive threshold hits that
// disables the dumper.
const autodisableHitLimit = 10

// Dumper owns the capture ring: it appends live events, rotates segments at
// sample boundaries and serves capture jobs over the buffered history.
//
// Concurrency: appends are single-producer. appendMu serializes the append
// path with the active-segment handoff of a reader; stateMu protects the
// segment list and the reader flag and is held only for list mutations.
type Dumper struct {
	cfg     config.MemdumpConfig
	runRoot string

	statsdClient statsd.ClientInterface
	clk          clock.Clock

	appendMu sync.Mutex
	stateMu  sync.Mutex

	// segments is ordered oldest to newest; the last element is the active
	// segment. At most three exist at any time.
	segments    []*segment
	fileID      uint64
	segmentSize uint64

	readerActive bool

	delayedRotationNeeded bool
	delayedRotationReady  bool
	delayedRotationMissed uint64

	disabled              bool
	disabledByAutodisable bool
	lastAutodisableNs     uint64
	autodisableHits       uint32
	lastRotationNs        int64
	sealedHeaderBytes     uint64

	// followers are the jobs teeing the live tail. Guarded by appendMu.
	followers []*Job

	missedEvents  atomic.Uint64
	droppedEvents atomic.Uint64
	rotations     atomic.Uint64
}

// NewDumper initializes the ring under runRoot. An allocation failure at
// init disables the dumper for the process lifetime; this is not an error.
func NewDumper(cfg config.MemdumpConfig, runRoot string, statsdClient statsd.ClientInterface, clk clock.Clock) (*Dumper, error) {
	d := &Dumper{
		cfg:          cfg,
		runRoot:      runRoot,
		statsdClient: statsdClient,
		clk:          clk,
		segmentSize:  cfg.BufsizeBytes / 3,
	}

	if !cfg.Enabled {
		d.disabled = true
		return d, nil
	}

	if err := os.MkdirAll(runRoot, 0o700); err != nil {
		log.Errorf("memdump: could not create run root `%s`: %v. Memory dump disabled", runRoot, err)
		d.disabled = true
		return d, nil
	}

	log.Infof("memdump: initializing, bufsize=%d max_disk_size=%d", cfg.BufsizeBytes, cfg.MaxDiskSizeBytes)

	// Probe that a full buffer worth of storage can be allocated before
	// creating the real segments.
	if err := d.probeAllocation(); err != nil {
		log.Errorf("memdump: %v. Memory dump disabled", err)
		d.disabled = true
		return d, nil
	}

	for i := 0; i < 2; i++ {
		seg, err := d.newOpenSegment(0)
		if err != nil {
			log.Errorf("memdump: could not open segment: %v. Memory dump disabled", err)
			d.disabled = true
			d.closeSegments(true)
			return d, nil
		}
		d.segments = append(d.segments, seg)
	}

	return d, nil
}

func (d *Dumper) probeAllocation() error {
	path := filepath.Join(d.runRoot, memTestName)
	os.Remove(path)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o700)
	if err != nil {
		return log.Errorf("could not open mem test file %s: %v", path, err)
	}
	defer func() {
		unix.Close(fd)
		os.Remove(path)
	}()

	// Fallocate can return EINTR; retry up to the configured number of
	// times.
	err = unix.EINTR
	for attempts := uint64(1); err == unix.EINTR && attempts <= d.cfg.MaxInitAttempts; attempts++ {
		err = unix.Fallocate(fd, 0, 0, int64(d.cfg.BufsizeBytes))
	}
	if err != nil {
		return log.Errorf("could not allocate %d bytes of shared memory: %v", d.cfg.BufsizeBytes, err)
	}
	return nil
}

func (d *Dumper) newOpenSegment(creationTs uint64) (*segment, error) {
	seg, err := newSegment(d.runRoot, d.fileID, d.segmentSize)
	if err != nil {
		return nil, err
	}
	d.fileID++
	if err := seg.open(creationTs); err != nil {
		seg.close(true)
		return nil, err
	}
	return seg, nil
}

// Disabled reports whether the dumper is currently disabled.
func (d *Dumper) Disabled() bool {
	d.appendMu.Lock()
	defer d.appendMu.Unlock()
	return d.disabled
}

// NumSegments returns the current segment count.
func (d *Dumper) NumSegments() int {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return len(d.segments)
}

// MissedEvents returns the number of events dropped while a rotation was
// stalled behind a reader.
func (d *Dumper) MissedEvents() uint64 {
	return d.missedEvents.Load()
}

func (d *Dumper) active() *segment {
	return d.segments[len(d.segments)-1]
}

// ProcessEvent appends the event to the active segment and tees it to any
// live-following job. Never blocks on readers beyond the segment handoff.
func (d *Dumper) ProcessEvent(ev *model.Event) {
	d.appendMu.Lock()
	defer d.appendMu.Unlock()

	if d.disabled {
		if d.disabledByAutodisable && ev.TimestampNs-d.lastAutodisableNs >= uint64(d.cfg.ReEnableInterval) {
			log.Infof("memdump: re-enabling after autodisable interval")
			d.disabled = false
			d.disabledByAutodisable = false
			if d.statsdClient != nil {
				_ = d.statsdClient.Gauge(metrics.MetricMemdumpAutodisabled, 0, nil, 1.0)
			}
		} else {
			return
		}
	}

	if d.delayedRotationNeeded {
		if !d.delayedRotationReady {
			d.delayedRotationMissed++
			d.missedEvents.Add(1)
			return
		}
		d.switchStatesLocked(ev.TimestampNs)
		if d.disabled || d.delayedRotationNeeded {
			return
		}
	}

	if err := d.active().append(ev); err == errSegmentFull {
		d.switchStatesLocked(ev.TimestampNs)
		if d.disabled || d.delayedRotationNeeded {
			d.missedEvents.Add(1)
			return
		}
		if err := d.active().append(ev); err != nil {
			// The event does not fit an empty segment.
			d.droppedEvents.Add(1)
			return
		}
	}

	d.teeToFollowers(ev)
}

func (d *Dumper) teeToFollowers(ev *model.Event) {
	if len(d.followers) == 0 {
		return
	}

	kept := d.followers[:0]
	for _, job := range d.followers {
		if job.State() != JobRunning {
			continue
		}
		if ev.TimestampNs > job.endTime {
			job.Finish()
			continue
		}
		if job.selects(ev) {
			if err := job.dump(ev); err == errDumpTooBig {
				log.Infof("memdump: dump %s closed because too big", job.filename)
				job.Finish()
				continue
			} else if err != nil {
				job.fail("error writing dump file " + job.filename + ": " + err.Error())
				continue
			}
		}
		kept = append(kept, job)
	}
	d.followers = kept
}

// SwitchStates rotates the ring at a sample boundary.
func (d *Dumper) SwitchStates(ts uint64) {
	d.appendMu.Lock()
	defer d.appendMu.Unlock()
	if d.disabled {
		return
	}
	d.switchStatesLocked(ts)
}

func (d *Dumper) checkAutodisable(evtTs uint64, sysTs int64) {
	if !d.cfg.Autodisable {
		return
	}

	sinceLast := sysTs - d.lastRotationNs
	if d.lastRotationNs != 0 && sinceLast < int64(d.cfg.MinTimeBetweenRotations) {
		log.Warnf("memdump: rotations %dms apart, expected > %dms",
			sinceLast/1e6, int64(d.cfg.MinTimeBetweenRotations)/1e6)
		d.autodisableHits++
	} else if d.segmentSize > 0 && (d.sealedHeaderBytes*100)/d.segmentSize > d.cfg.HeadersPctThreshold {
		log.Warnf("memdump: unread header bytes at %d%% of segment size, expected < %d%%",
			(d.sealedHeaderBytes*100)/d.segmentSize, d.cfg.HeadersPctThreshold)
		d.autodisableHits++
	} else {
		d.autodisableHits = 0
	}

	if d.autodisableHits >= autodisableHitLimit {
		d.disabled = true
		d.disabledByAutodisable = true
		// Re-enabling is driven by event timestamps, so record the event
		// clock rather than the system clock.
		d.lastAutodisableNs = evtTs
		d.autodisableHits = 0
		log.Errorf("memdump: disabling, rotations too frequent for readers to keep up")
		if d.statsdClient != nil {
			_ = d.statsdClient.Gauge(metrics.MetricMemdumpAutodisabled, 1, nil, 1.0)
		}
	}
}

// switchStatesLocked rotates the ring. Callers hold appendMu.
func (d *Dumper) switchStatesLocked(ts uint64) {
	sysTs := d.clk.Now().UnixNano()
	d.checkAutodisable(ts, sysTs)
	d.lastRotationNs = sysTs

	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	log.Debugf("memdump: switching memory buffer states")

	if d.delayedRotationNeeded {
		log.Warnf("memdump: missed %d events waiting for job creation to finish", d.delayedRotationMissed)
		d.delayedRotationNeeded = false
		d.delayedRotationReady = false
		d.delayedRotationMissed = 0
	}

	if d.disabled {
		return
	}

	prevActive := d.active()

	if d.readerActive {
		if len(d.segments) < 3 {
			log.Debugf("memdump: creating temporary additional state while reader is active")
			seg, err := d.newOpenSegment(ts)
			if err != nil {
				log.Errorf("memdump: could not open temporary segment: %v. Memory dump disabled", err)
				d.disabled = true
				return
			}
			prevActive.seal()
			d.sealedHeaderBytes += prevActive.headerBytes()
			d.segments = append(d.segments, seg)
		} else {
			log.Warnf("memdump: stopping event processing while new job creation is active")
			d.delayedRotationNeeded = true
			d.delayedRotationReady = false
			d.delayedRotationMissed = 0
			return
		}
	} else {
		oldest := d.segments[0]
		d.segments = append(d.segments[1:], oldest)

		prevActive.seal()
		d.sealedHeaderBytes += prevActive.headerBytes()
		if hdr := oldest.headerBytes(); d.sealedHeaderBytes >= hdr {
			d.sealedHeaderBytes -= hdr
		} else {
			d.sealedHeaderBytes = 0
		}

		if err := oldest.open(ts); err != nil {
			log.Errorf("memdump: could not reopen swapped state: %v. Memory dump disabled", err)
			d.disabled = true
			return
		}
	}

	d.rotations.Add(1)
	if d.statsdClient != nil {
		_ = d.statsdClient.Count(metrics.MetricMemdumpRotations, 1, nil, 1.0)
	}
}

// AddJob scans the buffered history into a new capture job, walking the
// segments oldest to newest. The call blocks until the scan reaches the
// live tail; with a future window the job then follows the tail until its
// end time. Inspect the returned job's state: a failed setup is reported
// there, as jobs outlive this call.
func (d *Dumper) AddJob(ts uint64, filename, filter string, pastNs, futureNs uint64) *Job {
	job, err := newJob(ts, filename, filter, pastNs, futureNs)
	if err != nil {
		job = &Job{filename: filename, filterStr: filter}
		job.fail(err.Error())
		return job
	}
	job.maxBytes = d.cfg.MaxDiskSizeBytes

	if d.Disabled() {
		job.fail("memory dump disabled")
		return job
	}

	if d.statsdClient != nil {
		_ = d.statsdClient.Count(metrics.MetricMemdumpJobs, 1, nil, 1.0)
	}

	d.beginReader()

	idx := 0
	for {
		d.stateMu.Lock()
		if idx >= len(d.segments) {
			d.stateMu.Unlock()
			break
		}
		seg := d.segments[idx]
		d.stateMu.Unlock()

		if !d.scanSegment(seg, job) {
			break
		}
		idx++
	}

	d.endReader()

	if futureNs == 0 {
		job.Finish()
	}

	return job
}

func (d *Dumper) beginReader() {
	d.stateMu.Lock()
	d.readerActive = true
	d.stateMu.Unlock()
}

// endReader retires the reader: temporary third buffers are dropped and a
// stalled rotation is released. Both locks are taken because the
// delayed-rotation flags are read from the append path.
func (d *Dumper) endReader() {
	d.appendMu.Lock()
	d.stateMu.Lock()
	d.readerActive = false

	for len(d.segments) > 2 {
		log.Debugf("memdump: removing temporary additional state while reader was active")
		oldest := d.segments[0]
		d.segments = d.segments[1:]
		if hdr := oldest.headerBytes(); d.sealedHeaderBytes >= hdr {
			d.sealedHeaderBytes -= hdr
		} else {
			d.sealedHeaderBytes = 0
		}
		oldest.close(true)
	}

	if d.delayedRotationNeeded {
		d.delayedRotationReady = true
	}
	d.stateMu.Unlock()
	d.appendMu.Unlock()
}

// scanSegment reads one segment into the job: a first pass to the flushed
// snapshot, then a catch-up pass under the append lock when the segment is
// the active one, attaching the job as a live follower before the lock is
// released. Returns false when scanning must stop.
func (d *Dumper) scanSegment(seg *segment, job *Job) bool {
	hasData := seg.written.Load() > segmentHeaderSize
	if endTs := seg.endTs.Load(); hasData && job.startTime != 0 && endTs != 0 && endTs < job.startTime && !d.isActive(seg) {
		// The segment's time range ends before the job window starts.
		return true
	}

	var reader *segmentReader
	if hasData {
		limit := seg.flush()
		var err error
		reader, err = seg.openReader(limit)
		if err != nil {
			job.fail(err.Error())
			return false
		}
		defer reader.close()

		if !d.readSnapshot(reader, seg, job) {
			return false
		}
	}

	// Catch up with the tail under the append lock so the writer cannot
	// rotate underneath the reader. An empty active segment still takes
	// this path: a job with a future window must attach as a follower
	// before the lock is released.
	d.appendMu.Lock()
	if !d.isActive(seg) {
		d.appendMu.Unlock()
		return job.State() == JobRunning
	}

	log.Debugf("memdump: approaching end of state %s, holding append lock", seg.name)
	if reader == nil && seg.written.Load() > segmentHeaderSize {
		// Events landed between the initial check and the lock.
		var err error
		reader, err = seg.openReader(seg.flush())
		if err != nil {
			d.appendMu.Unlock()
			job.fail(err.Error())
			return false
		}
		defer reader.close()
	}
	if reader != nil {
		reader.advance(seg.flush())
		if !d.readSnapshot(reader, seg, job) {
			d.appendMu.Unlock()
			return false
		}
	}

	if job.futureNs > 0 && job.State() == JobRunning {
		d.followers = append(d.followers, job)
	}
	d.appendMu.Unlock()

	return job.State() == JobRunning
}

func (d *Dumper) isActive(seg *segment) bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return len(d.segments) > 0 && d.segments[len(d.segments)-1] == seg
}

// readSnapshot drains the reader up to its limit, applying the job window
// and filter. Returns false when the job can no longer accept events.
func (d *Dumper) readSnapshot(reader *segmentReader, seg *segment, job *Job) bool {
	for {
		if job.State() == JobStopped {
			return false
		}
		ev, err := reader.next()
		if err != nil {
			job.fail("error reading events from " + seg.name + ": " + err.Error())
			return false
		}
		if ev == nil {
			return true
		}
		if !job.selects(ev) {
			continue
		}
		if err := job.dump(ev); err == errDumpTooBig {
			log.Infof("memdump: dump %s closed because too big", job.filename)
			job.Finish()
			return false
		} else if err != nil {
			job.fail("error writing dump file " + job.filename + ": " + err.Error())
			return false
		}
	}
}

func (d *Dumper) closeSegments(unlink bool) {
	for _, seg := range d.segments {
		seg.close(unlink)
	}
	d.segments = nil
}

// Close stops all jobs and removes the segment files.
func (d *Dumper) Close() {
	d.appendMu.Lock()
	defer d.appendMu.Unlock()

	for _, job := range d.followers {
		job.Finish()
	}
	d.followers = nil

	d.stateMu.Lock()
	d.closeSegments(true)
	d.stateMu.Unlock()

	d.disabled = true
}
