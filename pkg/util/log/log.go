// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package log provides the agent logger, a thin wrapper around seelog.
package log

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *agentLogger

	// Lines logged before the logger is configured are buffered here and
	// replayed on setup. Loading the configuration happens before logger
	// setup, so this buffer should be very short lived.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
)

// agentLogger wraps a seelog logger behind a lock so the backend can be
// swapped on configuration reload.
type agentLogger struct {
	sync.RWMutex
	inner seelog.LoggerInterface
	level seelog.LogLevel
}

// SetupLogger configures the logger singleton with a seelog backend.
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(level)
	if !ok {
		lvl = seelog.InfoLvl
	}

	l.SetAdditionalStackDepth(3) //nolint:errcheck

	logger = &agentLogger{
		inner: l,
		level: lvl,
	}

	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	bufferLogsBeforeInit = false
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

// SetupDefaultLogger configures a console logger at the given level. Used by
// tests and as a fallback when no log file is configured.
func SetupDefaultLogger(level string) error {
	l, err := seelog.LoggerFromWriterWithMinLevelAndFormat(os.Stderr, seelog.TraceLvl,
		"%Date(2006-01-02 15:04:05 MST) | %LEVEL | %Msg%n")
	if err != nil {
		return err
	}
	SetupLogger(l, level)
	return nil
}

// SetupFileLogger configures a file-backed logger at the given level.
func SetupFileLogger(path, level string) error {
	config := `<seelog minlevel="trace">
  <outputs formatid="common"><rollingfile type="size" filename="` + path + `" maxsize="10000000" maxrolls="5"/></outputs>
  <formats><format id="common" format="%Date(2006-01-02 15:04:05 MST) | %LEVEL | %Msg%n"/></formats>
</seelog>`
	l, err := seelog.LoggerFromConfigAsString(config)
	if err != nil {
		return err
	}
	SetupLogger(l, level)
	return nil
}

// ChangeLogLevel changes the minimum level of the running logger.
func ChangeLogLevel(level string) error {
	if logger == nil {
		return fmt.Errorf("cannot change the log level of an uninitialized logger")
	}
	lvl, ok := seelog.LogLevelFromString(level)
	if !ok {
		return fmt.Errorf("unknown log level: %s", level)
	}
	logger.Lock()
	defer logger.Unlock()
	logger.level = lvl
	return nil
}

// Flush flushes the underlying logger. Call before exiting.
func Flush() {
	if logger == nil {
		return
	}
	logger.RLock()
	defer logger.RUnlock()
	logger.inner.Flush()
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	logsBuffer = append(logsBuffer, logHandle)
}

func (l *agentLogger) shouldLog(level seelog.LogLevel) bool {
	l.RLock()
	defer l.RUnlock()
	return level >= l.level
}

func logf(level seelog.LogLevel, bufferFunc func(), logFunc func(string, ...interface{}), format string, params ...interface{}) {
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(bufferFunc)
	} else if logger != nil && logger.shouldLog(level) {
		logger.RLock()
		defer logger.RUnlock()
		logFunc(format, params...)
	}
}

func logb(level seelog.LogLevel, bufferFunc func(), logFunc func(...interface{}), v ...interface{}) {
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(bufferFunc)
	} else if logger != nil && logger.shouldLog(level) {
		logger.RLock()
		defer logger.RUnlock()
		logFunc(v...)
	}
}

// Trace logs at the trace level.
func Trace(v ...interface{}) {
	logb(seelog.TraceLvl, func() { Trace(v...) }, func(v ...interface{}) { logger.inner.Trace(v...) }, v...)
}

// Tracef formats a message and logs it at the trace level.
func Tracef(format string, params ...interface{}) {
	logf(seelog.TraceLvl, func() { Tracef(format, params...) }, func(f string, p ...interface{}) { logger.inner.Tracef(f, p...) }, format, params...)
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	logb(seelog.DebugLvl, func() { Debug(v...) }, func(v ...interface{}) { logger.inner.Debug(v...) }, v...)
}

// Debugf formats a message and logs it at the debug level.
func Debugf(format string, params ...interface{}) {
	logf(seelog.DebugLvl, func() { Debugf(format, params...) }, func(f string, p ...interface{}) { logger.inner.Debugf(f, p...) }, format, params...)
}

// Info logs at the info level.
func Info(v ...interface{}) {
	logb(seelog.InfoLvl, func() { Info(v...) }, func(v ...interface{}) { logger.inner.Info(v...) }, v...)
}

// Infof formats a message and logs it at the info level.
func Infof(format string, params ...interface{}) {
	logf(seelog.InfoLvl, func() { Infof(format, params...) }, func(f string, p ...interface{}) { logger.inner.Infof(f, p...) }, format, params...)
}

// Warn logs at the warn level and returns an error containing the message.
func Warn(v ...interface{}) error {
	logb(seelog.WarnLvl, func() { Warn(v...) }, func(v ...interface{}) { logger.inner.Warn(v...) }, v...) //nolint:errcheck
	return errors.New(fmt.Sprint(v...))
}

// Warnf formats a message, logs it at the warn level and returns an error
// containing the formatted message.
func Warnf(format string, params ...interface{}) error {
	logf(seelog.WarnLvl, func() { Warnf(format, params...) }, func(f string, p ...interface{}) { logger.inner.Warnf(f, p...) }, format, params...) //nolint:errcheck
	return fmt.Errorf(format, params...)
}

// Error logs at the error level and returns an error containing the message.
func Error(v ...interface{}) error {
	logb(seelog.ErrorLvl, func() { Error(v...) }, func(v ...interface{}) { logger.inner.Error(v...) }, v...) //nolint:errcheck
	return errors.New(fmt.Sprint(v...))
}

// Errorf formats a message, logs it at the error level and returns an error
// containing the formatted message.
func Errorf(format string, params ...interface{}) error {
	logf(seelog.ErrorLvl, func() { Errorf(format, params...) }, func(f string, p ...interface{}) { logger.inner.Errorf(f, p...) }, format, params...) //nolint:errcheck
	return fmt.Errorf(format, params...)
}

// Critical logs at the critical level and returns an error containing the message.
func Critical(v ...interface{}) error {
	logb(seelog.CriticalLvl, func() { Critical(v...) }, func(v ...interface{}) { logger.inner.Critical(v...) }, v...) //nolint:errcheck
	return errors.New(fmt.Sprint(v...))
}

// Criticalf formats a message, logs it at the critical level and returns an
// error containing the formatted message.
func Criticalf(format string, params ...interface{}) error {
	logf(seelog.CriticalLvl, func() { Criticalf(format, params...) }, func(f string, p ...interface{}) { logger.inner.Criticalf(f, p...) }, format, params...) //nolint:errcheck
	return fmt.Errorf(format, params...)
}
