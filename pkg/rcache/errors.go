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

package rcache

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument indicates a malformed request or parameters.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoResource indicates a failed allocation or event subscription.
	ErrNoResource = errors.New("no resource")
	// ErrIO indicates a failed registration.
	ErrIO = errors.New("input/output error")
	// ErrPermission indicates the OS does not support the requested
	// protection for every page of the range. It is an ErrIO.
	ErrPermission = fmt.Errorf("%w: permission mismatch", ErrIO)
)

// rcacheError returns a package-specific formatted error of the given kind.
func rcacheError(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("rcache: %w: %s", kind, fmt.Sprintf(format, args...))
}
