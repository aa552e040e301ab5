package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigDir_NonEmpty(t *testing.T) {
	dir := DefaultConfigDir()
	assert.NotEmpty(t, dir)
	assert.True(t, strings.Contains(dir, appName))
}

func TestDefaultDataDir_NonEmpty(t *testing.T) {
	dir := DefaultDataDir()
	assert.NotEmpty(t, dir)
	assert.True(t, strings.Contains(dir, appName))
}

func TestDefaultConfigPath_EndsWithConfigToml(t *testing.T) {
	path := DefaultConfigPath()
	assert.NotEmpty(t, path)
	assert.True(t, strings.HasSuffix(path, "config.toml"))
}

func TestDefaultLedgerPath_InDataDir(t *testing.T) {
	assert.Equal(t, filepath.Join(DefaultDataDir(), "history.db"), DefaultLedgerPath())
}

func TestDefaultConfigDir_MacOS(t *testing.T) {
	if runtime.GOOS != platformDarwin {
		t.Skip("macOS-only test")
	}

	assert.Contains(t, DefaultConfigDir(), "Library/Application Support")
}

func TestDefaultConfigDir_XDGOverride(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("Linux-only test")
	}

	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/b2-go", DefaultConfigDir())
}

func TestDefaultDataDir_XDGOverride(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("Linux-only test")
	}

	t.Setenv("XDG_DATA_HOME", "/custom/data")
	assert.Equal(t, "/custom/data/b2-go", DefaultDataDir())
}

func TestDefaultConfigDir_XDGUnset(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("Linux-only test")
	}

	t.Setenv("XDG_CONFIG_HOME", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	assert.Equal(t, filepath.Join(home, ".config", "b2-go"), DefaultConfigDir())
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	assert.Equal(t, filepath.Join(home, "b2", "history.db"), expandTilde("~/b2/history.db"))
	assert.Equal(t, "/abs/path", expandTilde("/abs/path"))
	assert.Equal(t, "~user/x", expandTilde("~user/x"))
}
