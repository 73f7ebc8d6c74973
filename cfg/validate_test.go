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
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rationalized parses args through a fresh flag set and runs Rationalize
// over a config seeded the way viper unmarshalling would have seeded it.
func rationalized(t *testing.T, c Config, args ...string) Config {
	t.Helper()

	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(flagSet))
	require.NoError(t, flagSet.Parse(args))

	if c.FileSystem.Cache == "" {
		c.FileSystem.Cache = CacheAuto
	}
	if c.FileSystem.TimeoutSeconds == 0 {
		c.FileSystem.TimeoutSeconds = -1
	}
	require.NoError(t, Rationalize(flagSet, &c))
	return c
}

func TestRationalizeDefaults(t *testing.T) {
	c := rationalized(t, Config{})

	assert.Equal(t, "/", c.Source)
	assert.Equal(t, CacheAuto, c.FileSystem.Cache)
	assert.Equal(t, time.Second, c.FileSystem.Timeout)
	assert.True(t, c.FileSystem.ReaddirPlus)
	assert.Equal(t, DefaultSharedSocketPath, c.Shared.SocketPath)
	assert.Equal(t, DefaultSharedVersionTable, c.Shared.VersionTable)
}

func TestRationalizeTimeoutFollowsCacheMode(t *testing.T) {
	none := rationalized(t, Config{FileSystem: FileSystemConfig{Cache: CacheNone}})
	assert.Equal(t, time.Duration(0), none.FileSystem.Timeout)

	always := rationalized(t, Config{FileSystem: FileSystemConfig{Cache: CacheAlways}})
	assert.Equal(t, 86400*time.Second, always.FileSystem.Timeout)
}

func TestRationalizeExplicitTimeoutWins(t *testing.T) {
	c := Config{FileSystem: FileSystemConfig{Cache: CacheAlways, TimeoutSeconds: 2.5}}
	got := rationalized(t, c)
	assert.Equal(t, 2500*time.Millisecond, got.FileSystem.Timeout)
}

// Readdirplus negotiation: cache=none and shared mode disable it by
// default, and the explicit flags always win.
func TestRationalizeReaddirplusRules(t *testing.T) {
	cacheNone := rationalized(t, Config{FileSystem: FileSystemConfig{Cache: CacheNone}})
	assert.False(t, cacheNone.FileSystem.ReaddirPlus)

	shared := rationalized(t, Config{Shared: SharedConfig{Enabled: true}}, "--shared")
	assert.False(t, shared.FileSystem.ReaddirPlus)

	forcedOn := rationalized(t, Config{FileSystem: FileSystemConfig{Cache: CacheNone}}, "--readdirplus")
	assert.True(t, forcedOn.FileSystem.ReaddirPlus)

	forcedOff := rationalized(t, Config{}, "--no_readdirplus")
	assert.False(t, forcedOff.FileSystem.ReaddirPlus)
}

// The no_* half of each boolean pair wins over the positive half when both
// are given, matching the "last writer is the disabling flag" convention.
func TestRationalizeBooleanPairs(t *testing.T) {
	c := rationalized(t,
		Config{FileSystem: FileSystemConfig{Writeback: true, Flock: true}},
		"--writeback", "--no_writeback", "--flock", "--no_flock")
	assert.False(t, c.FileSystem.Writeback)
	assert.False(t, c.FileSystem.Flock)

	on := rationalized(t, Config{}, "--xattr", "--shared")
	assert.True(t, on.FileSystem.Xattr)
	assert.True(t, on.Shared.Enabled)
}

func TestValidate(t *testing.T) {
	ok := Config{
		MountPoint: "/mnt/x",
		FileSystem: FileSystemConfig{Cache: CacheAuto, TimeoutSeconds: -1},
	}
	assert.NoError(t, Validate(&ok))

	noMount := ok
	noMount.MountPoint = ""
	assert.Error(t, Validate(&noMount))

	badCache := ok
	badCache.FileSystem.Cache = CacheMode("bogus")
	assert.Error(t, Validate(&badCache))

	badTimeout := ok
	badTimeout.FileSystem.TimeoutSeconds = -3
	assert.Error(t, Validate(&badTimeout))
}

func TestCacheModeUnmarshalText(t *testing.T) {
	var m CacheMode
	require.NoError(t, m.UnmarshalText([]byte("ALWAYS")))
	assert.Equal(t, CacheAlways, m)

	assert.Error(t, m.UnmarshalText([]byte("sometimes")))
}

func TestLogSeverityRanking(t *testing.T) {
	var s LogSeverity
	require.NoError(t, s.UnmarshalText([]byte("warning")))
	assert.Equal(t, WarningLogSeverity, s)
	assert.Greater(t, ErrorLogSeverity.Rank(), InfoLogSeverity.Rank())
	assert.Equal(t, -1, LogSeverity("nope").Rank())
}

func TestLogFormatUnmarshalText(t *testing.T) {
	var f LogFormat
	require.NoError(t, f.UnmarshalText([]byte("JSON")))
	assert.Equal(t, LogFormatJSON, f)
	assert.Error(t, f.UnmarshalText([]byte("xml")))
}
