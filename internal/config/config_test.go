package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.SelfID)
	assert.NotEmpty(t, cfg.SelfAddr)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, []string{"http://etcd:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, 5*time.Second, cfg.BootstrapTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFlagsAndEnv(t *testing.T) {
	t.Setenv("ZEPHYR_SELF_ID", "env-node")
	t.Setenv("ZEPHYR_COORDINATOR", "node-0")
	t.Setenv("ZEPHYR_ETCD_ENDPOINTS", "http://e1:2379, http://e2:2379")

	cfg, err := Load([]string{"--self-id", "flag-node", "--self-addr", "10.0.0.5:9000", "--bootstrap-timeout", "250ms"})
	require.NoError(t, err)
	assert.Equal(t, "flag-node", cfg.SelfID)
	assert.Equal(t, "node-0", cfg.Coordinator)
	assert.Equal(t, "10.0.0.5:9000", cfg.SelfAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.BootstrapTimeout)
	assert.Equal(t, []string{"http://e1:2379", "http://e2:2379"}, cfg.EtcdEndpoints)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load([]string{"--bootstrap-timeout", "0s", "--self-addr", "x:1"})
	assert.ErrorContains(t, err, "bootstrap-timeout")

	_, err = Load([]string{"--listen", "nonsense", "--self-addr", "x:1"})
	assert.ErrorContains(t, err, "listen")

	_, err = Load([]string{"--no-such-flag"})
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitList([]string{"a,b", " c ", ""}))
	assert.Nil(t, splitList(nil))
}
