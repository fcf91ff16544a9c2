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

package memprot_test

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/containers/memreg/pkg/memprot"
)

func TestProtString(t *testing.T) {
	require.Equal(t, "---", memprot.Prot(0).String())
	require.Equal(t, "r--", memprot.Read.String())
	require.Equal(t, "rw-", (memprot.Read | memprot.Write).String())
	require.Equal(t, "rwx", (memprot.Read | memprot.Write | memprot.Exec).String())
}

func TestProtContains(t *testing.T) {
	rw := memprot.Read | memprot.Write
	require.True(t, rw.Contains(memprot.Read))
	require.True(t, rw.Contains(rw))
	require.True(t, rw.Contains(0))
	require.False(t, memprot.Read.Contains(rw))
	require.False(t, rw.Contains(memprot.Exec))
}

func TestAlignment(t *testing.T) {
	pg := memprot.PageSize()
	require.True(t, memprot.IsPowerOfTwo(pg))
	require.False(t, memprot.IsPowerOfTwo(0))
	require.False(t, memprot.IsPowerOfTwo(pg+1))

	require.Equal(t, uintptr(0), memprot.AlignDown(pg-1, pg))
	require.Equal(t, pg, memprot.AlignDown(pg, pg))
	require.Equal(t, pg, memprot.AlignUp(1, pg))
	require.Equal(t, pg, memprot.AlignUp(pg, pg))
}

// fixtureProber writes a maps fixture and returns a prober parsing it.
func fixtureProber(t *testing.T, content string) memprot.Prober {
	t.Helper()

	path := filepath.Join(t.TempDir(), "maps")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return &memprot.MapsProber{Path: path}
}

func TestQueryFixture(t *testing.T) {
	p := fixtureProber(t, ""+
		"00001000-00004000 rw-p 00000000 00:00 0\n"+
		"00004000-00005000 r--p 00000000 00:00 0\n"+
		"00006000-00008000 r-xp 00000000 08:01 12345   /usr/lib/libc.so\n")

	prot, err := p.Query(0x1000, 0x4000)
	require.NoError(t, err)
	require.Equal(t, memprot.Read|memprot.Write, prot)

	prot, err = p.Query(0x2000, 0x5000)
	require.NoError(t, err, "query spanning two mappings")
	require.Equal(t, memprot.Read, prot, "protection is the common subset")

	_, err = p.Query(0x4000, 0x7000)
	require.Error(t, err, "hole between mappings")

	_, err = p.Query(0x0, 0x1000)
	require.Error(t, err, "unmapped low range")

	_, err = p.Query(0x7000, 0x9000)
	require.Error(t, err, "range past the last mapping")

	_, err = p.Query(0x2000, 0x2000)
	require.Error(t, err, "empty range")

	prot, err = p.Query(0x6000, 0x8000)
	require.NoError(t, err)
	require.Equal(t, memprot.Read|memprot.Exec, prot)
}

func TestQueryMalformedFixture(t *testing.T) {
	for _, content := range []string{
		"garbage\n",
		"00001000+00002000 rw-p 00000000 00:00 0\n",
		"zzzz-00002000 rw-p 00000000 00:00 0\n",
	} {
		p := fixtureProber(t, content)
		_, err := p.Query(0x1000, 0x2000)
		require.Error(t, err, "content %q", content)
	}
}

func TestQueryLiveMappings(t *testing.T) {
	pg := int(memprot.PageSize())
	buf, err := unix.Mmap(-1, 0, 4*pg, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	require.NoError(t, err)
	defer unix.Munmap(buf)

	addr := uintptr(unsafe.Pointer(&buf[0]))
	p := memprot.Default()

	prot, err := p.Query(addr, addr+uintptr(4*pg))
	require.NoError(t, err)
	require.True(t, prot.Contains(memprot.Read|memprot.Write))

	require.NoError(t, unix.Mprotect(buf[:pg], unix.PROT_READ))

	prot, err = p.Query(addr, addr+uintptr(4*pg))
	require.NoError(t, err)
	require.True(t, prot.Contains(memprot.Read))
	require.False(t, prot.Contains(memprot.Write),
		"write dropped from the common subset after mprotect")

	prot, err = p.Query(addr+uintptr(pg), addr+uintptr(4*pg))
	require.NoError(t, err)
	require.True(t, prot.Contains(memprot.Read|memprot.Write))
}
