// Copyright 2024 pngfs Authors
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

package vfs

import (
	"errors"
	"syscall"

	"pngfs/internal/common"
)

// VFS error codes mapped to syscall errors
var (
	ENOENT    = syscall.ENOENT    // No such file or directory
	EEXIST    = syscall.EEXIST    // File exists
	ENOTDIR   = syscall.ENOTDIR   // Not a directory
	EISDIR    = syscall.EISDIR    // Is a directory
	EINVAL    = syscall.EINVAL    // Invalid argument
	EIO       = syscall.EIO       // I/O error
	ENOTEMPTY = syscall.ENOTEMPTY // Directory not empty
	EFBIG     = syscall.EFBIG     // File too large
)

// toErrno maps storage errors onto the errno reported to the kernel.
// Anything unrecognized becomes EIO.
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, common.ErrNotFound):
		return ENOENT
	case errors.Is(err, common.ErrExists):
		return EEXIST
	case errors.Is(err, common.ErrNotDir):
		return ENOTDIR
	case errors.Is(err, common.ErrIsDir):
		return EISDIR
	case errors.Is(err, common.ErrNotEmpty):
		return ENOTEMPTY
	case errors.Is(err, common.ErrInvalidPath):
		return EINVAL
	case errors.Is(err, common.ErrIO):
		return EIO
	}
	return EIO
}
