package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveCredentials_CreatesFromTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	require.NoError(t, SaveCredentials(path, "0012345", "K001secret"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	content := string(data)
	assert.True(t, strings.HasPrefix(content, "# b2-go configuration\n"))
	assert.Contains(t, content, `account_id = "0012345"`)
	assert.Contains(t, content, `application_key = "K001secret"`)
	assert.Contains(t, content, `# upload_workers = 12`)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0012345", cfg.AccountID)
	assert.Equal(t, "K001secret", cfg.ApplicationKey)
}

func TestSaveCredentials_ReplacesExistingKeys(t *testing.T) {
	path := writeTestConfig(t, `# mine
account_id = "old"
upload_workers = 3
application_key="old-key"
`)

	require.NoError(t, SaveCredentials(path, "new", "new-key"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "new", cfg.AccountID)
	assert.Equal(t, "new-key", cfg.ApplicationKey)
	assert.Equal(t, 3, cfg.UploadWorkers)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "account_id"))
	assert.Contains(t, string(data), "# mine")
}

func TestSetTopLevelKey_InsertsBeforeTable(t *testing.T) {
	lines := []string{"# header", "", "timeout = \"1m\"", "[extra]", "account_id = \"nested\""}

	got := setTopLevelKey(lines, "account_id", "top")

	assert.Equal(t, []string{
		"# header", "", `account_id = "top"`, "timeout = \"1m\"", "[extra]", "account_id = \"nested\"",
	}, got)
}

func TestAtomicWriteFile_NoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	require.NoError(t, atomicWriteFile(path, []byte("log_level = \"info\"\n")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "config.toml", entries[0].Name())
}
