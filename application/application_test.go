package application

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/warp-hub-go/internal/hub"
	"github.com/lk2023060901/warp-hub-go/internal/storage"
	"github.com/lk2023060901/warp-hub-go/internal/types"
)

func TestResolveConfigPath(t *testing.T) {
	cases := []struct {
		name     string
		args     []string
		env      string
		want     string
		explicit bool
	}{
		{"default", nil, "", DefaultConfigPath, false},
		{"env", nil, "/etc/warp.yaml", "/etc/warp.yaml", true},
		{"flag wins", []string{"--config", "a.yaml"}, "/etc/warp.yaml", "a.yaml", true},
		{"flag with equals", []string{"-v", "--config=b.json"}, "", "b.json", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path, explicit, err := resolveConfigPath(c.args, c.env)
			require.NoError(t, err)
			assert.Equal(t, c.want, path)
			assert.Equal(t, c.explicit, explicit)
		})
	}

	_, _, err := resolveConfigPath([]string{"--config"}, "")
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	_, cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), false)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:49152", cfg.Server.Listen)
	assert.Equal(t, 10*time.Second, cfg.Server.HandshakeTimeout)
	assert.Equal(t, storage.DriverMemory, cfg.Storage.Driver)

	hc := cfg.HubConfig()
	assert.Equal(t, hub.DefaultServerUIN, hc.ServerUIN)
	assert.Equal(t, hub.DefaultSystemUIN, hc.SystemUIN)
	assert.Equal(t, hub.DefaultSpooledChannels, hc.SpooledChannels)
	assert.Zero(t, cfg.SessionConfig().PingTimeout)
	assert.Nil(t, cfg.SessionConfig().MinClientVersion)

	_, _, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), true)
	assert.Error(t, err)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: 127.0.0.1:5000
  minClientVersion: "1.2"
hub:
  systemUIN: {id: 7, kind: 0}
  pingTimeout: 30s
storage:
  driver: bolt
  boltPath: /tmp/hub.db
`), 0o600))
	t.Setenv("WARP_SERVER_MAXUSERS", "42")

	_, cfg, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5000", cfg.Server.Listen)
	assert.Equal(t, 42, cfg.HubConfig().MaxUsers)
	assert.Equal(t, types.NewUIN(7, types.KindSystem), cfg.HubConfig().SystemUIN)
	assert.Equal(t, 30*time.Second, cfg.SessionConfig().PingTimeout)
	assert.Equal(t, "/tmp/hub.db", cfg.Storage.BoltPath)

	v := cfg.SessionConfig().MinClientVersion
	require.NotNil(t, v)
	assert.Equal(t, "1.2.0", v.String())
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hub:\n  systemUIN: {id: 1, kind: 0}\n"), 0o600))
	_, _, err := Load(path, true)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: sqlite\n"), 0o600))
	_, _, err = Load(path, true)
	assert.Error(t, err)
}
