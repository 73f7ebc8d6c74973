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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/hostreflect/passthroughfs/cfg"
	"github.com/hostreflect/passthroughfs/clock"
	"github.com/hostreflect/passthroughfs/internal/logger"
	"github.com/hostreflect/passthroughfs/internal/passthrough"
	"github.com/hostreflect/passthroughfs/internal/passthrough/registry"
	"github.com/hostreflect/passthroughfs/internal/perms"
)

// registerSIGINTHandler spawns a goroutine that unmounts mountPoint on the
// first SIGINT, retrying until it succeeds.
func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	go func() {
		for range signalChan {
			logger.Infof("Received SIGINT, attempting to unmount %s...", mountPoint)
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("Failed to unmount in response to SIGINT: %v", err)
				continue
			}
			logger.Infof("Successfully unmounted in response to SIGINT.")
			return
		}
	}()
}

// getFuseMountConfig builds the transport's mount options: the
// readdirplus and writeback-cache toggles are the capability-negotiation
// knobs resolved before the transport's event loop starts. Export support is
// negotiated by the transport itself during its FUSE_INIT handshake and
// has no corresponding field to set here; the transport defines no flock
// request type at all, so --flock/--no_flock are accepted for CLI-surface
// compatibility but cannot change what the kernel is offered.
func getFuseMountConfig(c *cfg.Config) *fuse.MountConfig {
	mountCfg := &fuse.MountConfig{
		FSName:                  "passthroughfs",
		Subtype:                 "passthroughfs",
		VolumeName:              "passthroughfs",
		Options:                 map[string]string{},
		EnableReaddirplus:       c.FileSystem.ReaddirPlus,
		DisableWritebackCaching: !c.FileSystem.Writeback,
		DebugLogger:             nil,
		ErrorLogger:             nil,
	}

	if c.Transport.Debug {
		mountCfg.DebugLogger = logger.NewStandardLogger("fuse_debug: ")
	}
	mountCfg.ErrorLogger = logger.NewStandardLogger("fuse: ")

	return mountCfg
}

// buildFileSystem assembles the passthrough core from the resolved
// config, dialing the shared-version registry first when requested.
func buildFileSystem(c *cfg.Config) (*passthrough.FileSystem, func(), error) {
	var regClient *registry.Client
	var versions *registry.VersionTable
	cleanup := func() {
		if regClient != nil {
			regClient.Close()
		}
		if versions != nil {
			versions.Close()
		}
	}

	if c.Shared.Enabled {
		var err error
		versions, err = registry.OpenVersionTable(c.Shared.VersionTable)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("opening shared version table: %w", err)
		}

		// A missing registry degrades to version_offset=0 everywhere rather
		// than failing the mount; Dial logs and returns nil in that case.
		regClient = registry.Dial(c.Shared.SocketPath)
	}

	uid, gid, err := perms.MyUserAndGroup()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("resolving process credentials: %w", err)
	}
	if uid == 0 {
		logger.Warnf("running as root; created files will be owned by root")
	}

	fs, err := passthrough.New(passthrough.Config{
		Source:        c.Source,
		Clock:         clock.RealClock{},
		AttrTimeout:   c.FileSystem.Timeout,
		EntryTimeout:  c.FileSystem.Timeout,
		Xattr:         c.FileSystem.Xattr,
		NoRace:        c.FileSystem.NoRace,
		DirectIO:      c.FileSystem.Cache == cfg.CacheNone,
		KeepPageCache: c.FileSystem.Cache == cfg.CacheAlways,
		DefaultUID:    uid,
		DefaultGID:    gid,
		Registry:      regClient,
		Versions:      versions,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("building passthrough file system: %w", err)
	}

	return fs, cleanup, nil
}

// mountAndJoin is the session bootstrap: build the core, negotiate
// transport capabilities, mount, register the SIGINT handler, and block
// until unmounted.
func mountAndJoin(c *cfg.Config) error {
	logger.SetDefault(logger.New(c.Logging))

	logger.Infof("mounting %s at %s (cache=%s writeback=%v xattr=%v shared=%v readdirplus=%v)",
		c.Source, c.MountPoint, c.FileSystem.Cache, c.FileSystem.Writeback,
		c.FileSystem.Xattr, c.Shared.Enabled, c.FileSystem.ReaddirPlus)

	fs, cleanup, err := buildFileSystem(c)
	if err != nil {
		return err
	}
	defer cleanup()

	server := fuseutil.NewFileSystemServer(fs)
	mountCfg := getFuseMountConfig(c)

	mfs, err := fuse.Mount(c.MountPoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	logger.Infof("file system has been successfully mounted at %s", c.MountPoint)
	registerSIGINTHandler(mfs.Dir())

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("serving file system: %w", err)
	}
	return nil
}
