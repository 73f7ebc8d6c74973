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

package perms

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMyUserAndGroup(t *testing.T) {
	uid, gid, err := MyUserAndGroup()
	require.NoError(t, err)
	assert.Equal(t, uint32(os.Getuid()), uid)
	assert.Equal(t, uint32(os.Getgid()), gid)
}

// Switching to the identity the thread already holds is always permitted,
// so the switch-restore round trip can be exercised unprivileged.
func TestSetCallerRoundTrip(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	uid := uint32(os.Geteuid())
	gid := uint32(os.Getegid())

	restore, err := SetCaller(uid, gid)
	require.NoError(t, err)
	assert.Equal(t, int(uid), os.Geteuid())
	assert.Equal(t, int(gid), os.Getegid())

	require.NoError(t, restore())
	assert.Equal(t, int(uid), os.Geteuid())
	assert.Equal(t, int(gid), os.Getegid())
}
