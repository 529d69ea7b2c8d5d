package scripts

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
}

func TestGet(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "hardware.ps1", "Get-CimInstance Win32_OperatingSystem")

	lib := NewLibrary(dir, "ps1", zerolog.Nop())

	text, err := lib.Get(Hardware)
	require.NoError(t, err)
	assert.Equal(t, "Get-CimInstance Win32_OperatingSystem", text)

	// Cached copy survives removal of the file.
	require.NoError(t, os.Remove(filepath.Join(dir, "hardware.ps1")))
	text, err = lib.Get(Hardware)
	require.NoError(t, err)
	assert.NotEmpty(t, text)
}

func TestGetNotFound(t *testing.T) {
	lib := NewLibrary(t.TempDir(), ".ps1", zerolog.Nop())

	_, err := lib.Get(Roles)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = lib.Get("../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPreload(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "hardware.ps1", "a")
	writeScript(t, dir, "disks.ps1", "b")
	writeScript(t, dir, "README.md", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.ps1"), 0755))

	lib := NewLibrary(dir, ".ps1", zerolog.Nop())
	assert.Equal(t, 2, lib.Preload())

	names := lib.Names()
	sort.Strings(names)
	assert.Equal(t, []string{Disks, Hardware}, names)

	assert.ElementsMatch(t, []string{SoftwareFull, SoftwareIncremental, Roles}, lib.Missing())
}

func TestPreloadMissingDir(t *testing.T) {
	lib := NewLibrary(filepath.Join(t.TempDir(), "absent"), ".ps1", zerolog.Nop())
	assert.Equal(t, 0, lib.Preload())
}
