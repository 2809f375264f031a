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

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNode_Kind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		node   *Node
		isDir  bool
		isFile bool
		mode   uint32
	}{
		{"directory", NewDir(RootIno, "d"), true, false, DefaultDirMode},
		{"file", NewFile(RootIno, "f"), false, true, DefaultFileMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.isDir, tt.node.IsDir())
			assert.Equal(t, tt.isFile, tt.node.IsFile())
			assert.Equal(t, tt.mode, tt.node.Mode(), "mode=%o", tt.node.Mode())
		})
	}
}

func TestNode_Size(t *testing.T) {
	t.Parallel()

	f := NewFile(RootIno, "f")
	assert.Equal(t, uint64(0), f.Size())
	f.Data = []byte("hello")
	assert.Equal(t, uint64(5), f.Size())

	d := NewDir(RootIno, "d")
	d.Data = []byte("ignored")
	assert.Equal(t, uint64(0), d.Size(), "directories never report a byte payload")
}

func TestNode_Children(t *testing.T) {
	t.Parallel()

	d := NewDir(RootIno, "d")
	d.addChild("b", 3)
	d.addChild("a", 4)
	d.addChild("c", 5)
	assert.Equal(t, []string{"b", "a", "c"}, d.ChildNames(), "insertion order")

	d.addChild("a", 9)
	assert.Equal(t, []string{"b", "a", "c"}, d.ChildNames(), "re-adding keeps position")
	ino, ok := d.Child("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(9), ino)

	d.removeChild("b")
	d.removeChild("missing")
	assert.Equal(t, []string{"a", "c"}, d.ChildNames())
	assert.Equal(t, 2, d.ChildCount())
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "dir", KindDir.String())
	assert.Equal(t, "file", KindFile.String())
	assert.Equal(t, "unknown", Kind(0).String())
}

func TestAttr_Permissions(t *testing.T) {
	t.Parallel()

	a := &Attr{Mode: DefaultDirMode}
	assert.True(t, a.IsDir())
	assert.Equal(t, uint32(0755), a.Permissions())

	a = &Attr{Mode: DefaultFileMode}
	assert.False(t, a.IsDir())
	assert.Equal(t, uint32(0644), a.Permissions())
}
