// Copyright 2024 Google Inc. All Rights Reserved.
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

package cfg

import (
	"fmt"
	"strings"
	"time"
)

// CacheMode selects the kernel attribute/entry cache timeout policy for the
// mount. It is the datatype for the "cache" CLI option.
type CacheMode string

const (
	CacheNone   CacheMode = "none"
	CacheAuto   CacheMode = "auto"
	CacheAlways CacheMode = "always"
)

func (m *CacheMode) UnmarshalText(text []byte) error {
	v := CacheMode(strings.ToLower(string(text)))
	switch v {
	case CacheNone, CacheAuto, CacheAlways:
		*m = v
		return nil
	default:
		return fmt.Errorf("invalid cache mode: %q (want one of none, auto, always)", text)
	}
}

func (m CacheMode) MarshalText() ([]byte, error) {
	return []byte(m), nil
}

// DefaultTimeout returns the attribute/entry cache timeout implied by the
// cache mode when the user has not set --timeout explicitly.
func (m CacheMode) DefaultTimeout() time.Duration {
	switch m {
	case CacheNone:
		return 0
	case CacheAlways:
		return 86400 * time.Second
	default:
		return 1 * time.Second
	}
}

// LogSeverity represents the logging severity and can accept the following
// values: "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF".
type LogSeverity string

const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

var severityRanking = map[LogSeverity]int{
	TraceLogSeverity:   0,
	DebugLogSeverity:   1,
	InfoLogSeverity:    2,
	WarningLogSeverity: 3,
	ErrorLogSeverity:   4,
	OffLogSeverity:     5,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	v := LogSeverity(strings.ToUpper(string(text)))
	if _, ok := severityRanking[v]; !ok {
		return fmt.Errorf("invalid log severity: %s (must be one of TRACE, DEBUG, INFO, WARNING, ERROR, OFF)", text)
	}
	*l = v
	return nil
}

// Rank returns the integer rank of the severity, used to decide whether a
// given log call should be emitted. Returns -1 for an unknown severity.
func (l LogSeverity) Rank() int {
	if r, ok := severityRanking[l]; ok {
		return r
	}
	return -1
}

// LogFormat selects the encoding used for log lines.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

func (f *LogFormat) UnmarshalText(text []byte) error {
	v := LogFormat(strings.ToLower(string(text)))
	if v != LogFormatText && v != LogFormatJSON {
		return fmt.Errorf("invalid log format: %q (want text or json)", text)
	}
	*f = v
	return nil
}
