// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the leveled, structured logger used across the
// binary: a thin severity-gated wrapper around log/slog, with optional
// file rotation through lumberjack.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"

	"github.com/hostreflect/passthroughfs/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

// severityKey is the structured attribute name each log line carries.
const severityKey = "severity"

var (
	mu      sync.RWMutex
	current = New(cfg.LoggingConfig{Severity: cfg.InfoLogSeverity, Format: cfg.LogFormatText})
)

// Logger is a severity-gated structured logger.
type Logger struct {
	slog     *slog.Logger
	minRank  int
	writer   io.Writer
	rotating *lumberjack.Logger
}

// New builds a Logger from the resolved logging config. An empty File
// writes to stderr; a non-empty File rotates through lumberjack.
func New(c cfg.LoggingConfig) *Logger {
	var w io.Writer = os.Stderr
	var rotating *lumberjack.Logger
	if c.File != "" {
		rotating = &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    512,
			MaxBackups: 10,
			Compress:   true,
		}
		w = rotating
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	switch c.Format {
	case cfg.LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	severity := c.Severity
	if severity == "" {
		severity = cfg.InfoLogSeverity
	}

	return &Logger{
		slog:     slog.New(handler),
		minRank:  severity.Rank(),
		writer:   w,
		rotating: rotating,
	}
}

// SetDefault installs l as the process-wide default logger returned by
// package-level helpers (Tracef, Debugf, ...).
func SetDefault(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

func slogLevel(severity cfg.LogSeverity) slog.Level {
	switch severity {
	case cfg.TraceLogSeverity, cfg.DebugLogSeverity:
		return slog.LevelDebug
	case cfg.WarningLogSeverity:
		return slog.LevelWarn
	case cfg.ErrorLogSeverity:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) log(severity cfg.LogSeverity, format string, args ...interface{}) {
	if severity.Rank() < l.minRank {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	l.slog.LogAttrs(context.Background(), slogLevel(severity), msg,
		slog.String(severityKey, string(severity)))
}

func (l *Logger) Tracef(format string, args ...interface{}) {
	l.log(cfg.TraceLogSeverity, format, args...)
}
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(cfg.DebugLogSeverity, format, args...)
}
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(cfg.InfoLogSeverity, format, args...)
}
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(cfg.WarningLogSeverity, format, args...)
}
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(cfg.ErrorLogSeverity, format, args...)
}

// NewStandardLogger adapts the current default logger's writer into a
// stdlib *log.Logger with the given prefix, the shape
// cmd/mount.go's getFuseMountConfig needs to populate
// fuse.MountConfig.DebugLogger/ErrorLogger, which are defined in terms of
// *log.Logger rather than this package's own Logger type.
func NewStandardLogger(prefix string) *log.Logger {
	return log.New(get().writer, prefix, log.LstdFlags)
}

// Close releases the rotating file handle, if any.
func (l *Logger) Close() error {
	if l.rotating != nil {
		return l.rotating.Close()
	}
	return nil
}

// Package-level convenience wrappers operating on the current default logger.

func get() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Tracef(format string, args ...interface{}) { get().Tracef(format, args...) }
func Debugf(format string, args ...interface{}) { get().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { get().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { get().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { get().Errorf(format, args...) }
