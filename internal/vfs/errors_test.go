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
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"pngfs/internal/common"
)

func TestErrorMappings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"ENOENT", ENOENT, syscall.ENOENT},
		{"EEXIST", EEXIST, syscall.EEXIST},
		{"ENOTDIR", ENOTDIR, syscall.ENOTDIR},
		{"EISDIR", EISDIR, syscall.EISDIR},
		{"EINVAL", EINVAL, syscall.EINVAL},
		{"EIO", EIO, syscall.EIO},
		{"ENOTEMPTY", ENOTEMPTY, syscall.ENOTEMPTY},
		{"EFBIG", EFBIG, syscall.EFBIG},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err, "%s should map to syscall.%s", tt.name, tt.name)
		})
	}
}

func TestToErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"not found", common.ErrNotFound, ENOENT},
		{"wrapped not found", fmt.Errorf("parent 7: %w", common.ErrNotFound), ENOENT},
		{"exists", common.ErrExists, EEXIST},
		{"not dir", common.ErrNotDir, ENOTDIR},
		{"is dir", common.ErrIsDir, EISDIR},
		{"not empty", common.ErrNotEmpty, ENOTEMPTY},
		{"invalid path", common.ErrInvalidPath, EINVAL},
		{"errno passes through", syscall.EROFS, syscall.EROFS},
		{"format", common.ErrFormat, EIO},
		{"io", common.ErrIO, EIO},
		{"wrapped io", fmt.Errorf("%w: write image x.png: %w", common.ErrIO, errors.New("disk gone")), EIO},
		{"unknown", errors.New("boom"), EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, toErrno(tt.err))
		})
	}
}
