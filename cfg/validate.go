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
	"time"

	"github.com/spf13/pflag"
)

// Rationalize resolves the paired boolean flags (writeback/no_writeback,
// etc.) and fills in defaults that depend on other fields, after flag
// binding and before validation.
func Rationalize(flagSet *pflag.FlagSet, c *Config) error {
	negate := func(enableFlag, disableFlag string, cur *bool) {
		if flagSet.Changed(disableFlag) {
			if v, _ := flagSet.GetBool(disableFlag); v {
				*cur = false
				return
			}
		}
		if flagSet.Changed(enableFlag) {
			if v, _ := flagSet.GetBool(enableFlag); v {
				*cur = true
			}
		}
	}

	negate("writeback", "no_writeback", &c.FileSystem.Writeback)
	negate("flock", "no_flock", &c.FileSystem.Flock)
	negate("xattr", "no_xattr", &c.FileSystem.Xattr)
	negate("shared", "no_shared", &c.Shared.Enabled)

	// Readdirplus resolution: explicit flags always win; absent one,
	// readdirplus defaults off under cache=none (there is nothing to
	// prime the attribute cache with) and under shared mode (another
	// instance may invalidate the entry between the plus-LOOKUP and the
	// reply), and on otherwise.
	switch {
	case flagSet.Changed("readdirplus"):
		v, _ := flagSet.GetBool("readdirplus")
		c.FileSystem.ReaddirPlus = v
	case flagSet.Changed("no_readdirplus"):
		v, _ := flagSet.GetBool("no_readdirplus")
		c.FileSystem.ReaddirPlus = !v
	case c.FileSystem.Cache == CacheNone:
		c.FileSystem.ReaddirPlus = false
	case c.Shared.Enabled:
		c.FileSystem.ReaddirPlus = false
	default:
		c.FileSystem.ReaddirPlus = true
	}

	if c.Shared.SocketPath == "" {
		c.Shared.SocketPath = DefaultSharedSocketPath
	}
	if c.Shared.VersionTable == "" {
		c.Shared.VersionTable = DefaultSharedVersionTable
	}

	if c.Source == "" {
		c.Source = "/"
	}

	if c.FileSystem.TimeoutSeconds >= 0 {
		c.FileSystem.Timeout = time.Duration(c.FileSystem.TimeoutSeconds * float64(time.Second))
	} else {
		c.FileSystem.Timeout = c.FileSystem.Cache.DefaultTimeout()
	}

	return nil
}

// Validate checks the config for internally-inconsistent values,
// returning the first problem found.
func Validate(c *Config) error {
	switch c.FileSystem.Cache {
	case CacheNone, CacheAuto, CacheAlways:
	default:
		return fmt.Errorf("invalid cache mode %q", c.FileSystem.Cache)
	}

	if s := c.FileSystem.TimeoutSeconds; s < 0 && s != -1 {
		return fmt.Errorf("timeout must be >= 0 seconds, got %v", s)
	}

	if c.MountPoint == "" {
		return fmt.Errorf("a mount point is required")
	}

	return nil
}
