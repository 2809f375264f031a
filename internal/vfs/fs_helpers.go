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
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"

	"pngfs/internal/common"
	"pngfs/internal/storage"
)

// recoverPngFSPanic recovers from panics in PngFS operations
// and converts them to EIO errors
func recoverPngFSPanic(operation string, err *error) {
	if r := recover(); r != nil {
		log.Errorf("[VFS] PANIC RECOVERED in %s: %v\nStack:\n%s", operation, r, debug.Stack())
		if err != nil {
			*err = EIO
		}
	}
}

// addNode validates the name and registers n. Caller holds fs.mu.
func (fs *PngFS) addNode(n *storage.Node) (*storage.Node, error) {
	if !common.ValidName(n.Name) {
		return nil, EINVAL
	}
	parent, err := fs.table.Get(n.Parent)
	if err != nil {
		return nil, ENOENT
	}
	if !parent.IsDir() {
		return nil, ENOTDIR
	}
	if _, exists := parent.Child(n.Name); exists {
		return nil, EEXIST
	}
	if _, err := fs.table.Add(n); err != nil {
		return nil, toErrno(err)
	}
	fs.scheduleFlush()
	return n, nil
}

// scheduleFlush rearms the debounced save. Caller holds fs.mu.
func (fs *PngFS) scheduleFlush() {
	if fs.closed {
		return
	}
	fs.flusher.Arm()
}

// timedFlush is the debounced save. It takes fs.mu like any operation.
func (fs *PngFS) timedFlush() {
	var err error
	defer recoverPngFSPanic("timedFlush", &err)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return
	}
	start := time.Now()
	if err = fs.bridge.Save(fs.table); err != nil {
		log.Errorf("[VFS] scheduled save failed, keeping state in memory: %v", err)
		return
	}
	log.Debugf("[VFS] scheduled save done (%v)", time.Since(start))
}

// persist repairs the table and saves it synchronously. Caller holds fs.mu.
func (fs *PngFS) persist() error {
	if removed := fs.table.RepairOrphans(); len(removed) > 0 {
		log.Warnf("[VFS] dropped %d orphaned entries before save: %v", len(removed), removed)
	}
	if err := fs.bridge.Save(fs.table); err != nil {
		log.Errorf("[VFS] save failed: %v", err)
		return err
	}
	return nil
}

// splice copies buf into data at off, growing data with zero bytes when
// the write ends past its length. off must not exceed len(data) unless
// zero fill is wanted for the gap.
func splice(data []byte, off int, buf []byte) []byte {
	end := off + len(buf)
	if end > len(data) {
		data = resize(data, end)
	}
	copy(data[off:end], buf)
	return data
}

// resize shortens data or extends it with zero bytes
func resize(data []byte, size int) []byte {
	if size <= len(data) {
		return data[:size]
	}
	return append(data, make([]byte, size-len(data))...)
}
