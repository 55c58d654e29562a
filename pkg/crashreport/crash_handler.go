// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package crashreport writes a crash dump before the process dies. Fault
// signals that the Go runtime turns into panics are covered by
// RecoverAndDump on the worker goroutines; asynchronously delivered crash
// signals are covered by the signal handler, which re-raises with the
// default disposition after dumping.
package crashreport

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

var crashSignals = []os.Signal{
	unix.SIGSEGV,
	unix.SIGABRT,
	unix.SIGFPE,
	unix.SIGILL,
	unix.SIGBUS,
}

// Handler owns the crash signal subscription.
type Handler struct {
	path   string
	sigCh  chan os.Signal
	doneCh chan struct{}
	once   sync.Once
}

// Setup installs the crash signal handler writing dumps to path. A
// non-writable path disables dumping but not the process.
func Setup(path string) *Handler {
	h := &Handler{
		path:   path,
		sigCh:  make(chan os.Signal, 1),
		doneCh: make(chan struct{}),
	}

	signal.Notify(h.sigCh, crashSignals...)
	go h.run()

	return h
}

func (h *Handler) run() {
	for {
		select {
		case sig, ok := <-h.sigCh:
			if !ok {
				return
			}
			WriteDump(h.path, fmt.Sprintf("Received signal %d\n", sig))

			// Restore the default disposition and re-raise: no clean
			// shutdown is attempted with the process in an unknown state.
			signal.Reset(sig)
			if s, ok := sig.(unix.Signal); ok {
				unix.Kill(os.Getpid(), s) //nolint:errcheck
			}
		case <-h.doneCh:
			return
		}
	}
}

// Stop removes the signal subscription.
func (h *Handler) Stop() {
	h.once.Do(func() {
		signal.Stop(h.sigCh)
		close(h.doneCh)
	})
}

// WriteDump appends the reason and the stacks of every goroutine to the
// crash dump file. Best effort: errors are reported on stderr only, the
// logger may be unusable at this point.
func WriteDump(path, reason string) {
	if path == "" {
		return
	}

	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not write crash dump: %v\n", err)
		return
	}
	defer fd.Close()

	fd.WriteString(reason) //nolint:errcheck

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	fd.Write(buf[:n])        //nolint:errcheck
	os.Stderr.Write(buf[:n]) //nolint:errcheck
}

// RecoverAndDump is deferred at the top of worker goroutines: it writes a
// dump for the panic, then re-panics so the default runtime handling still
// applies.
func RecoverAndDump(path string) {
	if r := recover(); r != nil {
		WriteDump(path, fmt.Sprintf("Panic: %v\n", r))
		panic(r)
	}
}
