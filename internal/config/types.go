// Package config provides configuration loading for vecdns using Viper.
// Configuration is loaded from YAML files with automatic environment variable binding.
//
// Environment variables use the VECDNS_ prefix and underscore-separated keys:
//   - VECDNS_UDP_LISTENER_PORT -> udp.listener_port
//   - VECDNS_TCP_KEEPALIVE -> tcp.keepalive
//   - VECDNS_PROCESS_THREAD_COUNT -> process.thread_count
//
// All option ranges are validated during Load() so bad values fail at startup
// rather than inside a shard loop.
package config

import (
	"os"
	"strings"
)

// UDPConfig controls the UDP listener family.
type UDPConfig struct {
	Enable             bool `yaml:"enable"              mapstructure:"enable"`
	ListenerPort       int  `yaml:"listener_port"       mapstructure:"listener_port"`
	SocketRecvbuffSize int  `yaml:"socket_recvbuff_size" mapstructure:"socket_recvbuff_size"`
	SocketSendbuffSize int  `yaml:"socket_sendbuff_size" mapstructure:"socket_sendbuff_size"`
	ConnVectorLen      int  `yaml:"conn_vector_len"     mapstructure:"conn_vector_len"`
}

// TCPConfig controls the TCP listener family and established-connection limits.
// Keepalive and the query timeouts are in milliseconds.
type TCPConfig struct {
	Enable                       bool `yaml:"enable"                          mapstructure:"enable"`
	ListenerPort                 int  `yaml:"listener_port"                   mapstructure:"listener_port"`
	ListenerPendingConnsMax      int  `yaml:"listener_pending_conns_max"      mapstructure:"listener_pending_conns_max"`
	ListenerMaxAcceptNewConn     int  `yaml:"listener_max_accept_new_conn"    mapstructure:"listener_max_accept_new_conn"`
	ConnSocketRecvbuffSize       int  `yaml:"conn_socket_recvbuff_size"       mapstructure:"conn_socket_recvbuff_size"`
	ConnSocketSendbuffSize       int  `yaml:"conn_socket_sendbuff_size"       mapstructure:"conn_socket_sendbuff_size"`
	ConnSimultaneousQueriesCount int  `yaml:"conn_simultaneous_queries_count" mapstructure:"conn_simultaneous_queries_count"`
	KeepaliveMS                  int  `yaml:"keepalive"                       mapstructure:"keepalive"`
	QueryRecvTimeoutMS           int  `yaml:"query_recv_timeout"              mapstructure:"query_recv_timeout"`
	QuerySendTimeoutMS           int  `yaml:"query_send_timeout"              mapstructure:"query_send_timeout"`
	ConnsPerVlMax                int  `yaml:"conns_per_vl_max"                mapstructure:"conns_per_vl_max"`
}

// EpollConfig caps the number of readiness events drained per set per iteration.
type EpollConfig struct {
	NumEventsUDP int `yaml:"num_events_udp" mapstructure:"num_events_udp"`
	NumEventsTCP int `yaml:"num_events_tcp" mapstructure:"num_events_tcp"`
}

// ProcessConfig controls shard threads and CPU pinning.
// ThreadMasks is a CSV of 1-based CPU ids; index = shard id.
type ProcessConfig struct {
	ThreadCount int    `yaml:"thread_count" mapstructure:"thread_count"`
	ThreadMasks string `yaml:"thread_masks" mapstructure:"thread_masks"`
}

// LoopConfig holds the idle back-off stages in microseconds.
type LoopConfig struct {
	SlowdownOne   int `yaml:"slowdown_one"   mapstructure:"slowdown_one"`
	SlowdownTwo   int `yaml:"slowdown_two"   mapstructure:"slowdown_two"`
	SlowdownThree int `yaml:"slowdown_three" mapstructure:"slowdown_three"`
}

// AppLogConfig points at the application log sink.
type AppLogConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	Path string `yaml:"path" mapstructure:"path"`
}

// QueryLogConfig controls the per-shard query log buffers and the on-disk sink.
type QueryLogConfig struct {
	BufferSize int    `yaml:"buffer_size" mapstructure:"buffer_size"`
	BaseName   string `yaml:"base_name"   mapstructure:"base_name"`
	Path       string `yaml:"path"        mapstructure:"path"`
	RotateSize int64  `yaml:"rotate_size" mapstructure:"rotate_size"`
}

// ResourcesConfig controls the periodic resource loader.
// CheckIntervalMS is the per-resource change-detection frequency.
type ResourcesConfig struct {
	RecordsFile     string `yaml:"records_file"   mapstructure:"records_file"`
	CheckIntervalMS int    `yaml:"check_interval" mapstructure:"check_interval"`
}

// LoggingConfig contains process-level (slog) logging settings.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"`
}

// APIConfig contains management API settings.
//
// Note: APIKey is intentionally treated as a secret and is redacted from the
// config endpoint.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// Config is the root configuration structure.
type Config struct {
	UDP       UDPConfig       `yaml:"udp"       mapstructure:"udp"`
	TCP       TCPConfig       `yaml:"tcp"       mapstructure:"tcp"`
	Epoll     EpollConfig     `yaml:"epoll"     mapstructure:"epoll"`
	Process   ProcessConfig   `yaml:"process"   mapstructure:"process"`
	Loop      LoopConfig      `yaml:"loop"      mapstructure:"loop"`
	AppLog    AppLogConfig    `yaml:"app_log"   mapstructure:"app_log"`
	QueryLog  QueryLogConfig  `yaml:"query_log" mapstructure:"query_log"`
	Resources ResourcesConfig `yaml:"resources" mapstructure:"resources"`
	Logging   LoggingConfig   `yaml:"logging"   mapstructure:"logging"`
	API       APIConfig       `yaml:"api"       mapstructure:"api"`

	// ThreadMaskCPUs is derived from Process.ThreadMasks during Load().
	// Entry i is the 1-based CPU id for shard i, or 0 for "not pinned".
	ThreadMaskCPUs []int `yaml:"-" mapstructure:"-"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("VECDNS_CONFIG")); v != "" {
		return v
	}
	return ""
}
