package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		name     string
		flag     string
		envValue string
		want     string
	}{
		{"flag takes precedence", "/path/from/flag", "/path/from/env", "/path/from/flag"},
		{"env when no flag", "", "/path/from/env", "/path/from/env"},
		{"empty when neither", "", "", ""},
		{"whitespace flag", "  ", "/path/from/env", "/path/from/env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("VECDNS_CONFIG", tt.envValue)
			assert.Equal(t, tt.want, ResolveConfigPath(tt.flag))
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.UDP.Enable)
	assert.Equal(t, 53, cfg.UDP.ListenerPort)
	assert.Equal(t, 8, cfg.UDP.ConnVectorLen)
	assert.True(t, cfg.TCP.Enable)
	assert.Equal(t, 3, cfg.TCP.ConnSimultaneousQueriesCount)
	assert.Equal(t, 10000, cfg.TCP.KeepaliveMS)
	assert.Equal(t, 1, cfg.Process.ThreadCount)
	assert.Equal(t, []int{0}, cfg.ThreadMaskCPUs)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1", cfg.API.Host)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vecdns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
udp:
  listener_port: 1053
  conn_vector_len: 16
tcp:
  keepalive: 30000
process:
  thread_count: 4
  thread_masks: "1,2,3,4"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1053, cfg.UDP.ListenerPort)
	assert.Equal(t, 16, cfg.UDP.ConnVectorLen)
	assert.Equal(t, 30000, cfg.TCP.KeepaliveMS)
	assert.Equal(t, 4, cfg.Process.ThreadCount)
	assert.Equal(t, []int{1, 2, 3, 4}, cfg.ThreadMaskCPUs)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("VECDNS_UDP_LISTENER_PORT", "5300")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5300, cfg.UDP.ListenerPort)
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"port too high", "VECDNS_UDP_LISTENER_PORT", "70000"},
		{"port zero", "VECDNS_TCP_LISTENER_PORT", "0"},
		{"vector zero", "VECDNS_UDP_CONN_VECTOR_LEN", "0"},
		{"recvbuff small", "VECDNS_UDP_SOCKET_RECVBUFF_SIZE", "100"},
		{"simultaneous high", "VECDNS_TCP_CONN_SIMULTANEOUS_QUERIES_COUNT", "300"},
		{"keepalive low", "VECDNS_TCP_KEEPALIVE", "100"},
		{"epoll low", "VECDNS_EPOLL_NUM_EVENTS_UDP", "2"},
		{"threads high", "VECDNS_PROCESS_THREAD_COUNT", "2000"},
		{"slowdown high", "VECDNS_LOOP_SLOWDOWN_ONE", "20000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsBothListenersDisabled(t *testing.T) {
	t.Setenv("VECDNS_UDP_ENABLE", "false")
	t.Setenv("VECDNS_TCP_ENABLE", "false")
	_, err := Load("")
	assert.Error(t, err)
}

func TestParseThreadMasks(t *testing.T) {
	masks, err := ParseThreadMasks("1,3,5", 4)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5, 0}, masks)

	masks, err = ParseThreadMasks("", 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, masks)

	_, err = ParseThreadMasks("1,2,3", 2)
	assert.Error(t, err, "more masks than threads")

	_, err = ParseThreadMasks("0", 1)
	assert.Error(t, err, "cpu ids are 1-based")

	_, err = ParseThreadMasks("x", 1)
	assert.Error(t, err)
}
