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

package vmevents_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/memreg/pkg/vmevents"
)

func TestSubscribeValidation(t *testing.T) {
	bus := vmevents.NewBus()

	_, err := bus.Subscribe(0, func(vmevents.Event) {})
	require.Error(t, err, "empty mask")

	_, err = bus.Subscribe(vmevents.EventType(1<<30), func(vmevents.Event) {})
	require.Error(t, err, "unknown mask bits")

	_, err = bus.Subscribe(vmevents.VMUnmap, nil)
	require.Error(t, err, "nil handler")

	require.Error(t, bus.Unsubscribe(vmevents.Token(42)), "unknown token")
}

func TestDeliveryMaskFiltering(t *testing.T) {
	bus := vmevents.NewBus()

	var unmaps, frees, all []vmevents.Event
	tok1, err := bus.Subscribe(vmevents.VMUnmap, func(e vmevents.Event) {
		unmaps = append(unmaps, e)
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(vmevents.MemTypeFree, func(e vmevents.Event) {
		frees = append(frees, e)
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(vmevents.EventMaskAll, func(e vmevents.Event) {
		all = append(all, e)
	})
	require.NoError(t, err)

	bus.NotifyUnmap(0x1000, 0x1000)
	bus.NotifyFree(0x8000, 0x2000)
	bus.NotifyUnmap(0x3000, 0) // empty, dropped

	require.Equal(t, []vmevents.Event{
		{Type: vmevents.VMUnmap, Start: 0x1000, End: 0x2000},
	}, unmaps)
	require.Equal(t, []vmevents.Event{
		{Type: vmevents.MemTypeFree, Start: 0x8000, End: 0xa000},
	}, frees)
	require.Len(t, all, 2)

	require.NoError(t, bus.Unsubscribe(tok1))
	bus.NotifyUnmap(0x1000, 0x1000)
	require.Len(t, unmaps, 1, "no delivery after unsubscribe")
	require.Len(t, all, 3)
}

func TestEventTypeString(t *testing.T) {
	require.Equal(t, "vm-unmap", vmevents.VMUnmap.String())
	require.Equal(t, "vm-unmap|mem-type-free", vmevents.EventMaskAll.String())
	require.Equal(t, "<none>", vmevents.EventType(0).String())
	require.Contains(t, vmevents.EventType(1<<30).String(), "unknown")
}
