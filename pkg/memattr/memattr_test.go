// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package memattr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/memreg/pkg/memattr"
)

func TestHostClassifier(t *testing.T) {
	attr, err := memattr.HostClassifier{}.Classify(0x1000, 0x1000)
	require.NoError(t, err)
	require.Equal(t, memattr.HostAttr, attr)
	require.Equal(t, memattr.Host, attr.Type())
	require.True(t, attr.Equal(memattr.HostAttr))
}

func TestDeviceRegistry(t *testing.T) {
	r := memattr.NewDeviceRegistry()

	attr, err := r.Classify(0x10000, 0x1000)
	require.NoError(t, err)
	require.Equal(t, memattr.HostAttr, attr, "unknown range is host memory")

	dev1, err := r.Add(0x10000, 0x4000)
	require.NoError(t, err)
	require.Equal(t, memattr.Device, dev1.Type())

	attr, err = r.Classify(0x11000, 0x1000)
	require.NoError(t, err)
	require.True(t, attr.Equal(dev1), "address inside the allocation")

	attr, err = r.Classify(0x14000, 0x1000)
	require.NoError(t, err)
	require.Equal(t, memattr.HostAttr, attr, "end of the allocation is exclusive")

	_, err = r.Add(0x12000, 0x1000)
	require.Error(t, err, "overlapping device allocations")

	_, err = r.Add(0x10000, 0)
	require.Error(t, err, "zero-length device allocation")
}

func TestDeviceReallocationIsDistinct(t *testing.T) {
	r := memattr.NewDeviceRegistry()

	dev1, err := r.Add(0x10000, 0x4000)
	require.NoError(t, err)
	require.NoError(t, r.Remove(0x10000))
	require.Error(t, r.Remove(0x10000), "double remove")

	dev2, err := r.Add(0x10000, 0x4000)
	require.NoError(t, err)
	require.False(t, dev1.Equal(dev2),
		"reallocation at the same address is different memory")

	attr, err := r.Classify(0x10000, 0x4000)
	require.NoError(t, err)
	require.True(t, attr.Equal(dev2))
}

func TestAttrString(t *testing.T) {
	require.Equal(t, "host", memattr.HostAttr.String())

	r := memattr.NewDeviceRegistry()
	dev, err := r.Add(0x1000, 0x1000)
	require.NoError(t, err)
	require.Contains(t, dev.String(), "device#")
}
