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
	"slices"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pngfs/internal/daemon"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show the effective settings",
	Long: `Prints the settings every mount starts from: the embedded defaults
overlaid with the settings file in the config directory. Flags given to
"pngfs mount" override them per mount.`,
	Args: cobra.NoArgs,
	RunE: runSettings,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one value in the settings file",
	Long: `Writes one value to the settings file. Keys are the ones printed by
"pngfs settings"; values use YAML syntax.

Examples:
  pngfs settings set flush_delay 5s
  pngfs settings set log_level debug`,
	Args: cobra.ExactArgs(2),
	RunE: runSettingsSet,
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

func runSettings(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadSettings()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", daemon.GlobalSettingsPath())
	return printSettings(cmd.OutOrStdout(), settings)
}

func printSettings(out io.Writer, settings *daemon.Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadSettings()
	if err != nil {
		return err
	}
	if err := setSetting(settings, args[0], args[1]); err != nil {
		return err
	}
	if err := daemon.SaveSettings(settings); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s set to %s\n", args[0], args[1])
	return nil
}

// setSetting decodes value into the field tagged key
func setSetting(settings *daemon.Settings, key, value string) error {
	keys, err := settingKeys(settings)
	if err != nil {
		return err
	}
	if !slices.Contains(keys, key) {
		return fmt.Errorf("unknown setting %q (valid: %v)", key, keys)
	}

	updated := *settings
	if err := yaml.Unmarshal([]byte(key+": "+value), &updated); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	updated.ApplyDefaults()
	if err := daemon.Validate(&updated); err != nil {
		return err
	}
	*settings = updated
	return nil
}

func settingKeys(settings *daemon.Settings) ([]string, error) {
	var node yaml.Node
	if err := node.Encode(settings); err != nil {
		return nil, err
	}
	var keys []string
	for i := 0; i+1 < len(node.Content); i += 2 {
		keys = append(keys, node.Content[i].Value)
	}
	return keys, nil
}
