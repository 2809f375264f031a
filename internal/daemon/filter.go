package daemon

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// FileFilter returns true if the file/dir at relPath should be imported
type FileFilter func(relPath string, isDir bool) bool

// BuildFileFilter creates a FileFilter function that:
// 1. Always excludes the .git directory
// 2. Checks excludes list (force-exclude, highest priority)
// 3. Checks includes list (force-include, overrides gitignore)
// 4. Applies gitignore rules
func BuildFileFilter(projectDir string, gitignoreEnabled bool, includes, excludes []string) FileFilter {
	var matcher *gitignoreMatcher
	if gitignoreEnabled {
		var err error
		matcher, err = newGitignoreMatcher(projectDir)
		if err != nil {
			log.Warnf("[Daemon] failed to build gitignore matcher: %v", err)
		}
	}

	return func(relPath string, isDir bool) bool {
		if hasPathPrefix(relPath, ".git") {
			return false
		}

		// Check excludes (force-exclude, takes precedence over includes)
		for _, exc := range excludes {
			if hasPathPrefix(relPath, exc) {
				return false
			}
		}

		// Check includes override (force-include even if gitignored)
		for _, inc := range includes {
			if hasPathPrefix(relPath, inc) {
				return true
			}
		}

		if matcher != nil && matcher.isIgnored(relPath, isDir) {
			return false
		}

		return true
	}
}

// hasPathPrefix reports whether relPath is prefix or lies below it
func hasPathPrefix(relPath, prefix string) bool {
	prefix = strings.TrimSuffix(filepath.ToSlash(prefix), "/")
	if prefix == "" {
		return false
	}
	relPath = filepath.ToSlash(relPath)
	return relPath == prefix || strings.HasPrefix(relPath, prefix+"/")
}

// gitignoreMatcher collects .gitignore rules from a project tree
type gitignoreMatcher struct {
	matchers []scopedMatcher
}

type scopedMatcher struct {
	dirPrefix string
	ignore    *ignore.GitIgnore
}

func newGitignoreMatcher(projectDir string) (*gitignoreMatcher, error) {
	m := &gitignoreMatcher{}

	err := filepath.Walk(projectDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			base := filepath.Base(path)
			if base == ".git" && path != projectDir {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Base(path) != ".gitignore" {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}

		dir := filepath.Dir(path)
		relDir, relErr := filepath.Rel(projectDir, dir)
		if relErr != nil {
			return nil
		}
		if relDir == "." {
			relDir = ""
		}

		lines := strings.Split(string(data), "\n")
		gi := ignore.CompileIgnoreLines(lines...)
		m.matchers = append(m.matchers, scopedMatcher{
			dirPrefix: relDir,
			ignore:    gi,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *gitignoreMatcher) isIgnored(relPath string, isDir bool) bool {
	if m == nil || len(m.matchers) == 0 {
		return false
	}

	checkPath := relPath
	if isDir {
		checkPath = relPath + "/"
	}

	for _, sm := range m.matchers {
		var pathToCheck string
		if sm.dirPrefix == "" {
			pathToCheck = checkPath
		} else {
			prefix := sm.dirPrefix + "/"
			if !strings.HasPrefix(relPath, prefix) {
				continue
			}
			pathToCheck = strings.TrimPrefix(checkPath, prefix)
		}

		if sm.ignore.MatchesPath(pathToCheck) {
			return true
		}
	}
	return false
}
