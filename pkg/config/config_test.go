package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithNoFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().WorkerCount, cfg.WorkerCount)
	assert.Equal(t, "memory", cfg.KVBackend)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"worker": {"count": 8},
		"kv": {"backend": "leveldb", "path": "/var/lib/imagevault/kv"},
		"job": {"watchdog": "1m"}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, "leveldb", cfg.KVBackend)
	assert.Equal(t, "/var/lib/imagevault/kv", cfg.KVPath)
	assert.Equal(t, time.Minute, cfg.JobWatchdog)
}

func TestLoadFileRejectsUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bogusKey": true}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"worker": {"count": 2}}`), 0o644))

	t.Setenv("IMAGEVAULT_WORKER_COUNT", "16")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.WorkerCount)
}

func TestApplyFlagsOverridesEverything(t *testing.T) {
	cfg := Defaults()
	cfg.ApplyFlags(Flags{WorkerCount: 99, KVBackend: "leveldb", KVPath: "/data"})
	assert.Equal(t, 99, cfg.WorkerCount)
	assert.Equal(t, "leveldb", cfg.KVBackend)
}

func TestValidateRejectsLeveldbWithoutPath(t *testing.T) {
	cfg := Defaults()
	cfg.KVBackend = "leveldb"
	require.Error(t, cfg.Validate())
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestLoadFileParsesGroupcacheL2Settings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"cache": {"l2": {
			"enabled": true,
			"backend": "groupcache",
			"groupcache": {"selfAddr": "http://10.0.0.1:8080", "peers": ["http://10.0.0.2:8080", "http://10.0.0.3:8080"]}
		}}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "groupcache", cfg.CacheL2Backend)
	assert.Equal(t, "http://10.0.0.1:8080", cfg.GroupcacheSelfAddr)
	assert.Equal(t, []string{"http://10.0.0.2:8080", "http://10.0.0.3:8080"}, cfg.GroupcachePeers)
}

func TestEnvOverridesGroupcacheL2Settings(t *testing.T) {
	t.Setenv("IMAGEVAULT_CACHE_L2_BACKEND", "groupcache")
	t.Setenv("IMAGEVAULT_CACHE_L2_GROUPCACHE_SELF_ADDR", "http://self:9090")
	t.Setenv("IMAGEVAULT_CACHE_L2_GROUPCACHE_PEERS", "http://a:9090,http://b:9090")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "groupcache", cfg.CacheL2Backend)
	assert.Equal(t, "http://self:9090", cfg.GroupcacheSelfAddr)
	assert.Equal(t, []string{"http://a:9090", "http://b:9090"}, cfg.GroupcachePeers)
}

func TestValidateRejectsUnknownL2Backend(t *testing.T) {
	cfg := Defaults()
	cfg.CacheL2Enabled = true
	cfg.CacheL2Backend = "memcached"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsGroupcacheBackendWithoutSelfAddr(t *testing.T) {
	cfg := Defaults()
	cfg.CacheL2Enabled = true
	cfg.CacheL2Backend = "groupcache"
	cfg.GroupcacheSelfAddr = ""
	require.Error(t, cfg.Validate())
}

func TestValidateAcceptsGroupcacheBackendWithSelfAddr(t *testing.T) {
	cfg := Defaults()
	cfg.CacheL2Enabled = true
	cfg.CacheL2Backend = "groupcache"
	cfg.GroupcacheSelfAddr = "http://self:9090"
	require.NoError(t, cfg.Validate())
}
