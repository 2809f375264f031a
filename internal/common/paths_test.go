package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"root", "/", ""},
		{"dot", ".", ""},
		{"simple", "foo", "foo"},
		{"leading_slash", "/foo", "foo"},
		{"trailing_slash", "foo/", "foo"},
		{"nested", "/foo/bar/", "foo/bar"},
		{"dot_middle", "foo/./bar", "foo/bar"},
		{"dotdot_middle", "foo/../bar", "bar"},
		{"multiple_slashes", "/foo//bar//", "foo/bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizePath(tt.input), "NormalizePath(%q)", tt.input)
		})
	}
}

func TestSplitPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"root", "/", nil},
		{"simple", "foo", []string{"foo"}},
		{"nested", "/docs/notes/a.txt", []string{"docs", "notes", "a.txt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SplitPath(tt.input))
		})
	}
}

func TestValidName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"plain", "a.txt", true},
		{"hidden", ".bashrc", true},
		{"spaces", "my notes", true},
		{"empty", "", false},
		{"dot", ".", false},
		{"dotdot", "..", false},
		{"slash", "a/b", false},
		{"nul", "a\x00b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ValidName(tt.input), "ValidName(%q)", tt.input)
		})
	}
}
