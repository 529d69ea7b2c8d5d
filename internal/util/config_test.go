package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "winrm", cfg.RemoteTransport)
	assert.Equal(t, 10, cfg.ScanMaxWorkers)
	assert.Equal(t, ".ps1", cfg.ScriptExtension)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "zero workers", mutate: func(c *Config) { c.ScanMaxWorkers = 0 }, wantErr: errInvalidWorkers},
		{name: "unknown transport", mutate: func(c *Config) { c.RemoteTransport = "telnet" }, wantErr: errInvalidTransport},
		{name: "unknown driver", mutate: func(c *Config) { c.DBDriver = "mysql" }, wantErr: errInvalidDriver},
		{name: "ssh transport", mutate: func(c *Config) { c.RemoteTransport = "ssh" }},
		{name: "pgx driver", mutate: func(c *Config) { c.DBDriver = "pgx" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateNormalizesExtension(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScriptExtension = "ps1"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ".ps1", cfg.ScriptExtension)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("FLEETSCAN_SCAN_MAX_WORKERS", "3")
	t.Setenv("FLEETSCAN_REMOTE_TRANSPORT", "ssh")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.ScanMaxWorkers)
	assert.Equal(t, "ssh", cfg.RemoteTransport)
	assert.Equal(t, filepath.Join(home, ".fleetscan"), cfg.DataDir)
}

func TestInitLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fleetscan.log")
	require.NoError(t, InitLogger("debug", path))
	t.Cleanup(func() {
		_ = CloseLogger()
		SetLogger(zerolog.Nop())
	})

	l := WithComponent("test")
	l.Info().Msg("hello")
	Debug("value %d", 42)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), "value 42")
}

func TestLoadConfigExplicitFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "fleetscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scan_max_workers: 7\nhost_timeout: 45s\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ScanMaxWorkers)
	assert.Equal(t, 45*time.Second, cfg.HostTimeout)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
