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

// Package memprot probes the protection the OS reports for ranges of the
// process' own virtual address space, using /proc/self/maps.
package memprot

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	logger "github.com/containers/memreg/pkg/log"
)

const (
	// procSelfMaps is the default mappings file we probe.
	procSelfMaps = "/proc/self/maps"
)

// Our logger instance.
var log = logger.NewLogger("memprot")

// Prober answers protection queries for address ranges.
type Prober interface {
	// Query returns the access modes supported by every page in
	// [start, end). It returns an error if any page in the range
	// is not mapped.
	Query(start, end uintptr) (Prot, error)
}

// MapsProber implements Prober by parsing a proc mappings file.
type MapsProber struct {
	// Path is the mappings file to parse, /proc/self/maps if empty.
	Path string
}

var (
	defaultProber = &MapsProber{}
	pageSize      uintptr
	pageSizeOnce  sync.Once
)

// Default returns a Prober for the current process.
func Default() Prober {
	return defaultProber
}

// PageSize returns the system page size.
func PageSize() uintptr {
	pageSizeOnce.Do(func() {
		pageSize = uintptr(os.Getpagesize())
	})
	return pageSize
}

// AlignDown rounds addr down to a multiple of align.
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// AlignUp rounds addr up to a multiple of align.
func AlignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// IsPowerOfTwo returns true if x is a non-zero power of two.
func IsPowerOfTwo(x uintptr) bool {
	return x != 0 && x&(x-1) == 0
}

// Query returns the access modes common to every mapped page of
// [start, end), failing if the range has unmapped holes.
func (p *MapsProber) Query(start, end uintptr) (Prot, error) {
	if start >= end {
		return 0, memprotError("invalid range 0x%x..0x%x", start, end)
	}

	path := p.Path
	if path == "" {
		path = procSelfMaps
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	var (
		prot  = Read | Write | Exec
		next  = start
		lines = bufio.NewScanner(f)
	)

	for lines.Scan() && next < end {
		lo, hi, vmaProt, err := parseMapsLine(lines.Text())
		if err != nil {
			return 0, err
		}
		if hi <= next {
			continue
		}
		if lo > next {
			break
		}
		prot &= vmaProt
		next = hi
	}
	if err := lines.Err(); err != nil {
		return 0, errors.Wrapf(err, "failed to read %s", path)
	}

	if next < end {
		log.Debug("range 0x%x..0x%x unmapped at 0x%x", start, end, next)
		return 0, memprotError("range 0x%x..0x%x not fully mapped", start, end)
	}

	return prot, nil
}

// parseMapsLine parses one line of a proc mappings file.
func parseMapsLine(line string) (uintptr, uintptr, Prot, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, 0, 0, memprotError("malformed maps line %q", line)
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return 0, 0, 0, memprotError("malformed maps range %q", fields[0])
	}
	lo, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return 0, 0, 0, memprotError("malformed maps address %q: %v", addrs[0], err)
	}
	hi, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return 0, 0, 0, memprotError("malformed maps address %q: %v", addrs[1], err)
	}

	return uintptr(lo), uintptr(hi), parseProt(fields[1]), nil
}

// memprotError returns a package-specific formatted error.
func memprotError(format string, args ...interface{}) error {
	return errors.Errorf("memprot: "+format, args...)
}
