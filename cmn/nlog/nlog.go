// Package nlog is a small severity-leveled logger with size-based file
// rotation. Each line is written straight to its destination as it is
// logged; there is no in-memory buffer, and Flush only syncs the log
// file. Adapted from the teacher's hand-rolled logger: the mem-pool,
// out-of-band flush bookkeeping and per-severity buffers are dropped
// (not warranted at this project's log volume) but the severity/rotate
// shape is kept.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}

// MaxSize is the size, in bytes, after which the active log file is rotated.
var MaxSize int64 = 4 * 1024 * 1024

type nlogger struct {
	mu       sync.Mutex
	file     *os.File
	written  int64
	toStderr bool
	alsoFile bool
	dir      string
	tag      string
	erred    atomic.Bool
}

var (
	once sync.Once
	lg   *nlogger
)

func initDefault() {
	lg = &nlogger{toStderr: true}
}

// SetOutput directs subsequent log lines to dir/<tag>.log, in addition to
// (or instead of) stderr. Call once during process startup.
func SetOutput(dir, tag string, alsoStderr bool) error {
	once.Do(initDefault)
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if dir == "" {
		lg.toStderr = true
		lg.alsoFile = false
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	lg.dir, lg.tag = dir, tag
	lg.toStderr = alsoStderr
	lg.alsoFile = true
	return lg.rotate()
}

// under lg.mu
func (l *nlogger) rotate() error {
	if l.file != nil {
		l.file.Close()
	}
	name := fmt.Sprintf("%s.%s.log", l.tag, time.Now().Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.erred.Store(true)
		return err
	}
	l.file = f
	l.written = 0
	l.erred.Store(false)
	return nil
}

func log(sev severity, depth int, format string, args ...any) {
	once.Do(initDefault)

	line := formatLine(sev, depth+1, format, args...)

	lg.mu.Lock()
	defer lg.mu.Unlock()

	if lg.toStderr || !lg.alsoFile {
		os.Stderr.WriteString(line)
	}
	if lg.alsoFile && !lg.erred.Load() {
		n, err := lg.file.WriteString(line)
		if err != nil {
			lg.erred.Store(true)
			return
		}
		lg.written += int64(n)
		if lg.written >= MaxSize {
			lg.rotate()
		}
	}
}

func formatLine(sev severity, depth int, format string, args ...any) string {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(depth + 1); ok {
		if idx := strings.LastIndexByte(fn, filepath.Separator); idx >= 0 {
			fn = fn[idx+1:]
		}
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	return b.String()
}

func Infof(format string, args ...any)    { log(sevInfo, 1, format, args...) }
func Infoln(args ...any)                  { log(sevInfo, 1, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 1, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 1, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 1, format, args...) }
func Errorln(args ...any)                 { log(sevErr, 1, "", args...) }

// Flush syncs the active log file to disk, if any.
func Flush() {
	once.Do(initDefault)
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.file != nil {
		lg.file.Sync()
	}
}
