// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package memdump

import (
	"bufio"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/DataDog/secagent/pkg/security/model"
)

// errDumpTooBig stops a job whose output file reached its size bound.
var errDumpTooBig = errors.New("dump file too big")

// JobState is the lifecycle state of a capture job.
type JobState int32

const (
	// JobRunning means the job is scanning or following the live tail.
	JobRunning JobState = iota
	// JobDoneOk means the job completed and its file is closed.
	JobDoneOk
	// JobDoneError means the job failed; LastError holds the reason.
	JobDoneError
	// JobStopped means the job was cancelled.
	JobStopped
)

// Job is one retrospective capture: a time window, an optional filter and an
// output file. The job owns its output file.
type Job struct {
	startTime uint64
	endTime   uint64
	futureNs  uint64

	filterStr string
	filter    FilterFunc

	filename string
	file     *os.File
	bufw     *bufio.Writer
	writeMu  sync.Mutex

	// maxBytes bounds the output file; zero means unbounded.
	maxBytes     uint64
	bytesWritten uint64

	nEvents atomic.Uint64
	state   atomic.Int32

	errMu   sync.Mutex
	lastErr string
}

func newJob(ts uint64, filename, filter string, pastNs, futureNs uint64) (*Job, error) {
	job := &Job{
		endTime:   ts + futureNs,
		futureNs:  futureNs,
		filterStr: filter,
		filename:  filename,
	}
	if pastNs != 0 {
		job.startTime = ts - pastNs
	}

	if filter != "" {
		filterFunc, err := CompileFilter(filter)
		if err != nil {
			return nil, errors.Wrapf(err, "error compiling capture job filter (%s)", filter)
		}
		job.filter = filterFunc
	}

	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open dump file `%s`", filename)
	}
	job.file = file
	job.bufw = bufio.NewWriter(file)

	return job, nil
}

// Filename returns the output file path.
func (j *Job) Filename() string {
	return j.filename
}

// EndTime returns the timestamp past which the job accepts no events.
func (j *Job) EndTime() uint64 {
	return j.endTime
}

// NumEvents returns the number of events written so far.
func (j *Job) NumEvents() uint64 {
	return j.nEvents.Load()
}

// State returns the job state.
func (j *Job) State() JobState {
	return JobState(j.state.Load())
}

// LastError returns the failure reason of a JobDoneError job.
func (j *Job) LastError() string {
	j.errMu.Lock()
	defer j.errMu.Unlock()
	return j.lastErr
}

// Stop cancels the job cooperatively: the reader and the live tee observe
// the state at each event boundary.
func (j *Job) Stop() {
	if j.state.CompareAndSwap(int32(JobRunning), int32(JobStopped)) {
		j.closeFile()
	}
}

// selects reports whether the job wants this event.
func (j *Job) selects(ev *model.Event) bool {
	if j.startTime != 0 && ev.TimestampNs < j.startTime {
		return false
	}
	if ev.TimestampNs > j.endTime {
		return false
	}
	if j.filter != nil && !j.filter(ev) {
		return false
	}
	return true
}

// dump appends one event to the output file.
func (j *Job) dump(ev *model.Event) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	if j.State() != JobRunning {
		return nil
	}

	var frame [64]byte
	buf := frame[:]
	if need := frameSize(ev); need > len(buf) {
		buf = make([]byte, need)
	}
	n, err := EncodeEvent(buf, ev)
	if err != nil {
		return err
	}
	if _, err := j.bufw.Write(buf[:n]); err != nil {
		return err
	}
	j.bytesWritten += uint64(n)
	j.nEvents.Add(1)

	if j.maxBytes != 0 && j.bytesWritten >= j.maxBytes {
		return errDumpTooBig
	}
	return nil
}

func (j *Job) fail(msg string) {
	j.errMu.Lock()
	j.lastErr = msg
	j.errMu.Unlock()
	j.state.Store(int32(JobDoneError))
	j.closeFile()
}

// Finish completes a running job successfully and closes its file.
func (j *Job) Finish() {
	if j.state.CompareAndSwap(int32(JobRunning), int32(JobDoneOk)) {
		j.closeFile()
	}
}

func (j *Job) closeFile() {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	if j.file == nil {
		return
	}
	if err := j.bufw.Flush(); err != nil {
		j.errMu.Lock()
		if j.lastErr == "" {
			j.lastErr = err.Error()
		}
		j.errMu.Unlock()
	}
	j.file.Close()
	j.file = nil
}
