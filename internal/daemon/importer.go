package daemon

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"

	"pngfs/internal/imagecodec"
	"pngfs/internal/storage"
	"pngfs/internal/vfs"
)

// ImportStats summarizes an Import run
type ImportStats struct {
	Dirs    int
	Files   int
	Bytes   int64
	Skipped int
}

// Import copies the tree under srcDir into the root of pfs. Existing
// directories are reused and existing files are overwritten. Entries
// rejected by filter and anything that is not a regular file or a
// directory are skipped.
func Import(pfs *vfs.PngFS, srcDir string, filter FileFilter) (ImportStats, error) {
	var stats ImportStats

	info, err := os.Stat(srcDir)
	if err != nil {
		return stats, err
	}
	if !info.IsDir() {
		return stats, fmt.Errorf("%s is not a directory", srcDir)
	}

	inodes := map[string]uint64{".": storage.RootIno}

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if filter != nil && !filter(relPath, d.IsDir()) {
			stats.Skipped++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		parent, ok := inodes[filepath.ToSlash(filepath.Dir(relPath))]
		if !ok {
			return fmt.Errorf("parent of %s was not imported", relPath)
		}

		switch {
		case d.IsDir():
			ino, err := importDir(pfs, parent, d.Name())
			if err != nil {
				return fmt.Errorf("%s: %w", relPath, err)
			}
			inodes[relPath] = ino
			stats.Dirs++
		case d.Type().IsRegular():
			n, err := importFile(pfs, parent, d.Name(), path)
			if err != nil {
				return fmt.Errorf("%s: %w", relPath, err)
			}
			stats.Files++
			stats.Bytes += n
		default:
			log.Debugf("[Daemon] import: skipping %s (%v)", relPath, d.Type())
			stats.Skipped++
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	log.Infof("[Daemon] imported %s: %d dirs, %d files, %d bytes, %d skipped",
		srcDir, stats.Dirs, stats.Files, stats.Bytes, stats.Skipped)
	return stats, nil
}

func importDir(pfs *vfs.PngFS, parent uint64, name string) (uint64, error) {
	attrs, err := pfs.Lookup(parent, name)
	if err == nil {
		if !attrs.IsDir() {
			return 0, vfs.ENOTDIR
		}
		return attrs.Ino, nil
	}
	attrs, err = pfs.Mkdir(parent, name, 0o755)
	if err != nil {
		return 0, err
	}
	return attrs.Ino, nil
}

func importFile(pfs *vfs.PngFS, parent uint64, name, hostPath string) (int64, error) {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return 0, err
	}

	var ino uint64
	if attrs, err := pfs.Lookup(parent, name); err == nil {
		if attrs.IsDir() {
			return 0, vfs.EISDIR
		}
		if ino, err = pfs.Open(attrs.Ino, syscall.O_WRONLY|syscall.O_TRUNC); err != nil {
			return 0, err
		}
	} else if ino, _, err = pfs.Create(parent, name, 0o644, syscall.O_WRONLY); err != nil {
		return 0, err
	}

	if len(data) == 0 {
		return 0, nil
	}
	n, err := pfs.Write(ino, 0, data)
	return int64(n), err
}

// ImportImage seeds image with the tree under srcDir. The image keeps its
// current content; it must not be mounted while the import runs. A failed
// import leaves the image untouched.
func ImportImage(image, srcDir string, filter FileFilter) (ImportStats, error) {
	unlock, err := lockImage(image)
	if err != nil {
		return ImportStats{}, err
	}
	defer unlock()

	bridge := storage.NewBridge(imagecodec.New(), image)
	pfs := vfs.New(bridge, vfs.Options{DeferFlush: true})
	stats, err := Import(pfs, srcDir, filter)
	if err != nil {
		return stats, err
	}
	return stats, pfs.Close()
}
