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

// Package cfg holds the typed configuration for a passthroughfs mount,
// bound from CLI flags and, through viper, environment variables.
package cfg

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved configuration for one mount.
type Config struct {
	// Source is the host directory reflected by the mount. Defaults to "/".
	Source string `yaml:"source"`

	// MountPoint is the directory the kernel-side view is attached to.
	MountPoint string `yaml:"mount-point"`

	FileSystem FileSystemConfig `yaml:"file-system"`
	Logging    LoggingConfig    `yaml:"logging"`
	Shared     SharedConfig     `yaml:"shared"`
	Transport  TransportConfig  `yaml:"transport"`
}

// FileSystemConfig holds the per-mount behavior options.
type FileSystemConfig struct {
	Cache CacheMode `yaml:"cache"`

	// TimeoutSeconds is the raw --timeout flag value; negative means the
	// flag was not given. Timeout is the resolved duration filled in by
	// Rationalize, defaulting from the cache mode.
	TimeoutSeconds float64       `yaml:"timeout"`
	Timeout        time.Duration `yaml:"-"`

	Writeback   bool `yaml:"writeback"`
	Flock       bool `yaml:"flock"`
	Xattr       bool `yaml:"xattr"`
	ReaddirPlus bool `yaml:"readdirplus"`
	NoRace      bool `yaml:"norace"`
}

// SharedConfig configures the optional out-of-process inode registry (C4).
type SharedConfig struct {
	Enabled      bool   `yaml:"enabled"`
	SocketPath   string `yaml:"socket-path"`
	VersionTable string `yaml:"version-table-path"`
}

// LoggingConfig configures internal/logger.
type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity"`
	Format   LogFormat   `yaml:"format"`
	File     string      `yaml:"file"`
}

// TransportConfig mirrors the transport's own flags. Only Debug reaches
// fuse.MountConfig (as its DebugLogger); Foreground, CloneFd and
// SingleThread are parsed and not read anywhere else.
type TransportConfig struct {
	Debug        bool `yaml:"debug"`
	Foreground   bool `yaml:"foreground"`
	CloneFd      bool `yaml:"clone-fd"`
	SingleThread bool `yaml:"single-thread"`
}

const (
	DefaultSharedSocketPath   = "/tmp/ireg.sock"
	DefaultSharedVersionTable = "/dev/shm/fuse_shared_versions"
)

// BindFlags registers every CLI flag this package understands on flagSet and
// binds the rest into viper under the matching config key. The no_* halves of each
// boolean pair are plain flags with no viper key: Rationalize resolves them
// against their positive twin. readdirplus has no viper key either;
// Rationalize reads it from flagSet directly.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.String("source", "/", "Host directory tree to reflect through the mount.")
	flagSet.String("cache", string(CacheAuto), "Attribute/entry cache policy: none, auto, or always.")
	flagSet.Float64("timeout", -1, "Attribute/entry cache timeout in seconds. Defaults from --cache when unset.")
	flagSet.Bool("writeback", false, "Enable the kernel's writeback cache.")
	flagSet.Bool("no_writeback", false, "Disable the kernel's writeback cache (default).")
	flagSet.Bool("flock", false, "Accepted for compatibility; flock(2) locking is negotiated by the transport and this flag does not change it.")
	flagSet.Bool("no_flock", false, "Accepted for compatibility; has no effect.")
	flagSet.Bool("xattr", false, "Enable extended attribute operations.")
	flagSet.Bool("no_xattr", false, "Disable extended attribute operations (default).")
	flagSet.Bool("readdirplus", false, "Force READDIRPLUS support on.")
	flagSet.Bool("no_readdirplus", false, "Force READDIRPLUS support off.")
	flagSet.Bool("norace", false, "Fail symlink operations that would otherwise race a concurrent rename instead of resolving them.")
	flagSet.Bool("shared", false, "Register inodes with the external shared-version registry.")
	flagSet.Bool("no_shared", false, "Disable the shared-version registry (default).")
	flagSet.String("log-file", "", "Write logs to this file instead of stderr.")
	flagSet.String("log-format", string(LogFormatText), "Log line format: text or json.")
	flagSet.String("log-severity", string(InfoLogSeverity), "Minimum log severity to emit.")
	flagSet.Bool("debug", false, "Enable transport-level debug logging.")
	flagSet.Bool("foreground", false, "Do not daemonize; run in the foreground.")
	flagSet.Bool("clone_fd", false, "Accepted for compatibility; has no effect.")
	flagSet.Bool("singlethread", false, "Accepted for compatibility; has no effect.")

	keys := map[string]string{
		"source":                  "source",
		"file-system.cache":       "cache",
		"file-system.timeout":     "timeout",
		"file-system.writeback":   "writeback",
		"file-system.flock":       "flock",
		"file-system.xattr":       "xattr",
		"file-system.norace":      "norace",
		"shared.enabled":          "shared",
		"logging.file":            "log-file",
		"logging.format":          "log-format",
		"logging.severity":        "log-severity",
		"transport.debug":         "debug",
		"transport.foreground":    "foreground",
		"transport.clone-fd":      "clone_fd",
		"transport.single-thread": "singlethread",
	}
	for key, flag := range keys {
		if err := viper.BindPFlag(key, flagSet.Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}
