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
	"strings"

	"github.com/spf13/cobra"

	"pngfs/internal/daemon"
)

var mountCmd = &cobra.Command{
	Use:   "mount <image> <mount-point>",
	Short: "Mount a PNG image as a filesystem",
	Long: `Mounts the filesystem stored in a PNG image and serves it until
interrupted or unmounted. A missing or unreadable image starts an empty
filesystem; the image is (re)written on the first save.

Changes are saved a short while after the last write (--flush-delay), or
only at unmount with --defer-flush.

Examples:
  pngfs mount ./cat.png ./mnt
  pngfs mount ./cat.png ./mnt --flush-delay 5s --log-level debug`,
	Args: cobra.ExactArgs(2),
	RunE: runMount,
}

func init() {
	rootCmd.AddCommand(mountCmd)
	addMountFlags(mountCmd)
}

// addMountFlags registers the per-mount overrides of the settings file
func addMountFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Duration("flush-delay", 0, "Delay between the last change and the image save")
	flags.Bool("defer-flush", false, "Only save the image at unmount")
	flags.Bool("zero-fill-gaps", false, "Fill the gap of a write past end of file with zero bytes")
	flags.Bool("debug", false, "Log every FUSE request")
	flags.String("log-level", "", "Log level: trace, debug, info, warn, error or none")
	flags.String("log-file", "", "Write logs to this file instead of stderr")
	flags.Bool("allow-other", false, "Let other users access the mount")
}

// applyMountFlags overrides s with the flags set on the command line
func applyMountFlags(cmd *cobra.Command, s *daemon.Settings) error {
	flags := cmd.Flags()
	var err error
	if flags.Changed("flush-delay") {
		if s.FlushDelay, err = flags.GetDuration("flush-delay"); err != nil {
			return err
		}
	}
	if flags.Changed("defer-flush") {
		if s.DeferFlush, err = flags.GetBool("defer-flush"); err != nil {
			return err
		}
	}
	if flags.Changed("zero-fill-gaps") {
		if s.ZeroFillGaps, err = flags.GetBool("zero-fill-gaps"); err != nil {
			return err
		}
	}
	if flags.Changed("debug") {
		if s.Debug, err = flags.GetBool("debug"); err != nil {
			return err
		}
	}
	if flags.Changed("log-level") {
		if s.LogLevel, err = flags.GetString("log-level"); err != nil {
			return err
		}
	}
	if flags.Changed("log-file") {
		if s.LogFile, err = flags.GetString("log-file"); err != nil {
			return err
		}
	}
	if flags.Changed("allow-other") {
		if s.AllowOther, err = flags.GetBool("allow-other"); err != nil {
			return err
		}
	}
	s.ApplyDefaults()
	return nil
}

// buildMountConfig resolves the arguments and merges flags over settings
func buildMountConfig(cmd *cobra.Command, image, mountPoint string, settings *daemon.Settings) (*daemon.MountConfig, error) {
	absImage, err := filepath.Abs(image)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve image path: %w", err)
	}
	absMountPoint, err := filepath.Abs(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mount point: %w", err)
	}
	if absMountPoint == absImage || strings.HasPrefix(absImage, absMountPoint+string(filepath.Separator)) {
		return nil, fmt.Errorf("image %s must not be inside the mount point", absImage)
	}

	// Check target is a directory if it exists
	if info, err := os.Stat(absMountPoint); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("target exists and is not a directory: %s", absMountPoint)
	}

	cfg := &daemon.MountConfig{
		Image:      absImage,
		Mountpoint: absMountPoint,
		Settings:   *settings,
	}
	if err := applyMountFlags(cmd, &cfg.Settings); err != nil {
		return nil, err
	}
	if err := daemon.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runMount(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	cfg, err := buildMountConfig(cmd, args[0], args[1], settings)
	if err != nil {
		return err
	}

	d := daemon.New(cfg)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-d.Ready():
			fmt.Fprintf(cmd.OutOrStdout(), "Mounted %s at %s (Ctrl-C to unmount)\n", cfg.Image, cfg.Mountpoint)
		case <-done:
		}
	}()
	if err := d.Run(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unmounted %s, image saved\n", cfg.Mountpoint)
	return nil
}
