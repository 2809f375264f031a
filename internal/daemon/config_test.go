package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("PNGFS_CONFIG_DIR", "")

		dir := ConfigDir()
		assert.NotEmpty(t, dir)
		assert.True(t, strings.HasSuffix(dir, ".pngfs"), "should end with .pngfs")
	})

	t.Run("override with PNGFS_CONFIG_DIR", func(t *testing.T) {
		t.Setenv("PNGFS_CONFIG_DIR", "/tmp/test-pngfs-config")

		assert.Equal(t, "/tmp/test-pngfs-config", ConfigDir())
		assert.Equal(t, "/tmp/test-pngfs-config/settings.yaml", GlobalSettingsPath())
	})
}

func TestLockPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/data/cat.png.lock", LockPath("/data/cat.png"))
}

func TestInitConfigDir(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "nested")
	t.Setenv("PNGFS_CONFIG_DIR", tmpDir)

	require.NoError(t, InitConfigDir())

	info, err := os.Stat(ConfigDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = os.Stat(GlobalSettingsPath())
	assert.NoError(t, err, "settings file should be created")

	// An existing file is left alone.
	require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("log_level: debug\n"), 0600))
	require.NoError(t, InitConfigDir())
	data, err := os.ReadFile(GlobalSettingsPath())
	require.NoError(t, err)
	assert.Equal(t, "log_level: debug\n", string(data))
}

func TestSettings(t *testing.T) {
	t.Run("defaults from embedded artifact", func(t *testing.T) {
		t.Setenv("PNGFS_CONFIG_DIR", t.TempDir())

		settings, err := LoadSettings()
		require.NoError(t, err)

		assert.Equal(t, time.Second, settings.FlushDelay)
		assert.False(t, settings.DeferFlush)
		assert.Equal(t, "none", settings.LogLevel)
		assert.False(t, settings.LoggingEnabled())
		assert.False(t, settings.ZeroFillGaps)
		assert.False(t, settings.AllowOther)
	})

	t.Run("file overrides only what it names", func(t *testing.T) {
		t.Setenv("PNGFS_CONFIG_DIR", t.TempDir())
		require.NoError(t, EnsureConfigDir())
		require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("flush_delay: 250ms\nlog_level: DEBUG\n"), 0600))

		settings, err := LoadSettings()
		require.NoError(t, err)
		assert.Equal(t, 250*time.Millisecond, settings.FlushDelay)
		assert.Equal(t, "debug", settings.Level())
		assert.True(t, settings.LoggingEnabled())
		assert.False(t, settings.DeferFlush)
	})

	t.Run("save and load", func(t *testing.T) {
		t.Setenv("PNGFS_CONFIG_DIR", t.TempDir())

		settings := &Settings{
			FlushDelay:   3 * time.Second,
			DeferFlush:   true,
			LogLevel:     "trace",
			LogFile:      "/tmp/pngfs.log",
			AllowOther:   true,
			ZeroFillGaps: true,
		}
		require.NoError(t, SaveSettings(settings))

		loaded, err := LoadSettings()
		require.NoError(t, err)
		assert.Equal(t, settings, loaded)

		data, err := os.ReadFile(GlobalSettingsPath())
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "# pngfs settings"))
		assert.Contains(t, string(data), "flush_delay: 3s")
	})

	t.Run("invalid file", func(t *testing.T) {
		tests := []struct {
			name    string
			content string
		}{
			{"bad yaml", "flush_delay: [\n"},
			{"bad duration", "flush_delay: soon\n"},
			{"negative duration", "flush_delay: -1s\n"},
			{"too long", "flush_delay: 2h\n"},
			{"unknown level", "log_level: loud\n"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				path := filepath.Join(t.TempDir(), "settings.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

				_, err := LoadSettingsFromPath(path)
				assert.Error(t, err)
			})
		}
	})

	t.Run("FSOptions", func(t *testing.T) {
		s := Settings{FlushDelay: 5 * time.Second, DeferFlush: true, ZeroFillGaps: true}
		opts := s.FSOptions()
		assert.Equal(t, 5*time.Second, opts.FlushDelay)
		assert.True(t, opts.DeferFlush)
		assert.True(t, opts.ZeroFillGaps)
	})
}

func TestValidateMountConfig(t *testing.T) {
	t.Parallel()

	valid := MountConfig{Image: "cat.png", Mountpoint: "/mnt/cat", Settings: Settings{FlushDelay: time.Second}}
	assert.NoError(t, Validate(&valid))

	missingImage := valid
	missingImage.Image = ""
	err := Validate(&missingImage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Image")

	missingMount := valid
	missingMount.Mountpoint = ""
	assert.Error(t, Validate(&missingMount))

	badLevel := valid
	badLevel.LogLevel = "chatty"
	err = Validate(&badLevel)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oneof")
}
