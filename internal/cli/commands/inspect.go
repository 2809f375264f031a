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
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pngfs/internal/common"
	"pngfs/internal/imagecodec"
	"pngfs/internal/storage"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <image>",
	Short: "List the filesystem stored in an image",
	Long: `Reads the filesystem blob from a PNG image without mounting it and
prints every node, depth-first in directory order.

Examples:
  pngfs inspect ./cat.png
  pngfs inspect ./cat.png --cat /docs/notes.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var inspectCat string

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectCat, "cat", "", "Print the content of the file at this path instead of the listing")
}

func runInspect(cmd *cobra.Command, args []string) error {
	image, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve image path: %w", err)
	}
	table, err := storage.NewBridge(imagecodec.New(), image).Read()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if inspectCat != "" {
		return catFile(out, table, inspectCat)
	}
	printTable(out, image, table)
	return nil
}

// resolvePath walks p from the root one component at a time
func resolvePath(table *storage.Table, p string) (*storage.Node, error) {
	ino := storage.RootIno
	for _, name := range common.SplitPath(p) {
		next, err := table.Resolve(ino, name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		ino = next
	}
	return table.Get(ino)
}

func catFile(out io.Writer, table *storage.Table, p string) error {
	n, err := resolvePath(table, p)
	if err != nil {
		return err
	}
	if n.IsDir() {
		return fmt.Errorf("%s: %w", p, common.ErrIsDir)
	}
	_, err = out.Write(n.Data)
	return err
}

func printTable(out io.Writer, image string, table *storage.Table) {
	var dirs, files, bytes uint64
	table.Walk(func(_ string, n *storage.Node) bool {
		if n.IsDir() {
			dirs++
		} else {
			files++
			bytes += n.Size()
		}
		return true
	})

	fmt.Fprintf(out, "Image: %s\n", image)
	fmt.Fprintf(out, "Filesystem: %s\n", table.FSID())
	fmt.Fprintf(out, "Nodes: %d (%d dirs, %d files, %d bytes)\n", dirs+files, dirs, files, bytes)
	fmt.Fprintf(out, "Next inode: %d\n", table.NextIno())
	tmpl := table.Template()
	fmt.Fprintf(out, "Owner: %d:%d\n", tmpl.Uid, tmpl.Gid)
	fmt.Fprintf(out, "Loaded: %s\n\n", tmpl.Time.Format(time.RFC3339))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INO\tKIND\tMODE\tSIZE\tPATH")
	table.Walk(func(p string, n *storage.Node) bool {
		if n.IsDir() && p != "/" {
			p += "/"
		}
		attrs := table.Attributes(n)
		fmt.Fprintf(w, "%d\t%s\t%04o\t%d\t%s\n", n.Ino, n.Kind, attrs.Permissions(), n.Size(), p)
		return true
	})
	w.Flush()
}
