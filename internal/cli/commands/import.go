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

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pngfs/internal/daemon"
)

var importCmd = &cobra.Command{
	Use:   "import <dir> <image>",
	Short: "Copy a host directory into an image",
	Long: `Copies the files under a host directory into the root of the
filesystem stored in an image, creating the image if needed. Existing
directories are merged and existing files are overwritten.

.gitignore rules found in the tree are honored unless --no-gitignore is
given. The .git directory is never imported.

Examples:
  pngfs import ./notes ./cat.png
  pngfs import ./project ./cat.png --exclude node_modules --include .env`,
	Args: cobra.ExactArgs(2),
	RunE: runImport,
}

var (
	importNoGitignore bool
	importIncludes    []string
	importExcludes    []string
)

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().BoolVar(&importNoGitignore, "no-gitignore", false, "Import files matched by .gitignore rules")
	importCmd.Flags().StringSliceVar(&importIncludes, "include", nil, "Paths to import even if gitignored")
	importCmd.Flags().StringSliceVar(&importExcludes, "exclude", nil, "Paths to never import")
}

func runImport(cmd *cobra.Command, args []string) error {
	srcDir, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve source path: %w", err)
	}
	image, err := filepath.Abs(args[1])
	if err != nil {
		return fmt.Errorf("failed to resolve image path: %w", err)
	}

	info, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("source not found: %s", srcDir)
	}
	if !info.IsDir() {
		return fmt.Errorf("source is not a directory: %s", srcDir)
	}

	excludes := append([]string{}, importExcludes...)
	// Never import the image into itself
	if rel, err := filepath.Rel(srcDir, image); err == nil && filepath.IsLocal(rel) {
		excludes = append(excludes, filepath.ToSlash(rel), filepath.ToSlash(rel)+".lock")
	}

	filter := daemon.BuildFileFilter(srcDir, !importNoGitignore, importIncludes, excludes)
	stats, err := daemon.ImportImage(image, srcDir, filter)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d directories and %d files (%d bytes) into %s\n",
		stats.Dirs, stats.Files, stats.Bytes, image)
	if stats.Skipped > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Skipped %d entries\n", stats.Skipped)
	}
	return nil
}
