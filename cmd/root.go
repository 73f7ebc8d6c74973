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

// Package cmd wires the cobra/viper CLI around the passthrough core: a
// single root command binds every cfg flag, rationalizes and validates
// the result, then hands off to mountAndJoin.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hostreflect/passthroughfs/cfg"
)

var (
	bindErr      error
	unmarshalErr error
	resolvedCfg  cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "passthroughfs [flags] mount_point",
	Short: "Mount a host directory tree through a passthrough FUSE server",
	Long: `passthroughfs reflects a host source directory tree onto a FUSE
mount point: every operation the kernel sends is serviced by the
corresponding syscall against the source tree, preserving host
permissions, ownership and extended attributes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}

		mountPoint, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving mount point: %w", err)
		}
		resolvedCfg.MountPoint = mountPoint

		if err := cfg.Rationalize(c.Flags(), &resolvedCfg); err != nil {
			return fmt.Errorf("rationalizing config: %w", err)
		}
		if err := cfg.Validate(&resolvedCfg); err != nil {
			return err
		}

		return mountAndJoin(&resolvedCfg)
	},
}

// Execute runs the root command, printing any error to stderr and exiting
// with status 1 on any startup or serve failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() {
		// The Config struct is tagged for yaml, so point mapstructure at
		// those tags and let enum values decode through their
		// UnmarshalText methods.
		unmarshalErr = viper.Unmarshal(&resolvedCfg,
			viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.TextUnmarshallerHookFunc(),
			)),
			func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" },
		)
	})
	bindErr = cfg.BindFlags(rootCmd.Flags())
}
