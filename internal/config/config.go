// Package config provides configuration loading and validation for vecdns.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Environment variables (VECDNS_* prefix)
//  2. YAML config file (if specified with --config)
//  3. Hardcoded defaults
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Option ranges. Out-of-range values are load errors, not clamps: a shard
// sized from a bad value would misbehave long after startup.
const (
	minSocketRecvbuff = 518
	minSocketSendbuff = 512
	maxSocketBuff     = 0xFFFFFF
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variable binding.
	// Uses VECDNS_ prefix: VECDNS_UDP_LISTENER_PORT -> udp.listener_port
	v.SetEnvPrefix("VECDNS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	// UDP listener defaults
	v.SetDefault("udp.enable", true)
	v.SetDefault("udp.listener_port", 53)
	v.SetDefault("udp.socket_recvbuff_size", 1048576)
	v.SetDefault("udp.socket_sendbuff_size", 1048576)
	v.SetDefault("udp.conn_vector_len", 8)

	// TCP listener defaults
	v.SetDefault("tcp.enable", true)
	v.SetDefault("tcp.listener_port", 53)
	v.SetDefault("tcp.listener_pending_conns_max", 1024)
	v.SetDefault("tcp.listener_max_accept_new_conn", 8)
	v.SetDefault("tcp.conn_socket_recvbuff_size", 65536)
	v.SetDefault("tcp.conn_socket_sendbuff_size", 65536)
	v.SetDefault("tcp.conn_simultaneous_queries_count", 3)
	v.SetDefault("tcp.keepalive", 10000)
	v.SetDefault("tcp.query_recv_timeout", 2000)
	v.SetDefault("tcp.query_send_timeout", 2000)
	v.SetDefault("tcp.conns_per_vl_max", 1024)

	// Readiness batching defaults
	v.SetDefault("epoll.num_events_udp", 8)
	v.SetDefault("epoll.num_events_tcp", 64)

	// Process defaults
	v.SetDefault("process.thread_count", 1)
	v.SetDefault("process.thread_masks", "")

	// Idle back-off defaults (microseconds)
	v.SetDefault("loop.slowdown_one", 10)
	v.SetDefault("loop.slowdown_two", 100)
	v.SetDefault("loop.slowdown_three", 1000)

	// Application log defaults
	v.SetDefault("app_log.name", "vecdns.log")
	v.SetDefault("app_log.path", ".")

	// Query log defaults
	v.SetDefault("query_log.buffer_size", 1048576)
	v.SetDefault("query_log.base_name", "query")
	v.SetDefault("query_log.path", ".")
	v.SetDefault("query_log.rotate_size", int64(104857600))

	// Resource loader defaults
	v.SetDefault("resources.records_file", "")
	v.SetDefault("resources.check_interval", 1000)

	// Logging defaults
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})

	// Management API defaults.
	// Default to disabled and bound to localhost for safety.
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.api_key", "")
}

// Load loads configuration from a YAML file with environment variable overrides.
// This is the main entry point for loading configuration.
func Load(path string) (*Config, error) {
	v, err := initConfig(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	loadUDPConfig(v, cfg)
	loadTCPConfig(v, cfg)
	loadEpollConfig(v, cfg)
	loadProcessConfig(v, cfg)
	loadLoopConfig(v, cfg)
	loadLogSinkConfig(v, cfg)
	loadResourcesConfig(v, cfg)
	loadLoggingConfig(v, cfg)
	loadAPIConfig(v, cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	masks, err := ParseThreadMasks(cfg.Process.ThreadMasks, cfg.Process.ThreadCount)
	if err != nil {
		return nil, err
	}
	cfg.ThreadMaskCPUs = masks

	return cfg, nil
}

func loadUDPConfig(v *viper.Viper, cfg *Config) {
	cfg.UDP.Enable = v.GetBool("udp.enable")
	cfg.UDP.ListenerPort = v.GetInt("udp.listener_port")
	cfg.UDP.SocketRecvbuffSize = v.GetInt("udp.socket_recvbuff_size")
	cfg.UDP.SocketSendbuffSize = v.GetInt("udp.socket_sendbuff_size")
	cfg.UDP.ConnVectorLen = v.GetInt("udp.conn_vector_len")
}

func loadTCPConfig(v *viper.Viper, cfg *Config) {
	cfg.TCP.Enable = v.GetBool("tcp.enable")
	cfg.TCP.ListenerPort = v.GetInt("tcp.listener_port")
	cfg.TCP.ListenerPendingConnsMax = v.GetInt("tcp.listener_pending_conns_max")
	cfg.TCP.ListenerMaxAcceptNewConn = v.GetInt("tcp.listener_max_accept_new_conn")
	cfg.TCP.ConnSocketRecvbuffSize = v.GetInt("tcp.conn_socket_recvbuff_size")
	cfg.TCP.ConnSocketSendbuffSize = v.GetInt("tcp.conn_socket_sendbuff_size")
	cfg.TCP.ConnSimultaneousQueriesCount = v.GetInt("tcp.conn_simultaneous_queries_count")
	cfg.TCP.KeepaliveMS = v.GetInt("tcp.keepalive")
	cfg.TCP.QueryRecvTimeoutMS = v.GetInt("tcp.query_recv_timeout")
	cfg.TCP.QuerySendTimeoutMS = v.GetInt("tcp.query_send_timeout")
	cfg.TCP.ConnsPerVlMax = v.GetInt("tcp.conns_per_vl_max")
}

func loadEpollConfig(v *viper.Viper, cfg *Config) {
	cfg.Epoll.NumEventsUDP = v.GetInt("epoll.num_events_udp")
	cfg.Epoll.NumEventsTCP = v.GetInt("epoll.num_events_tcp")
}

func loadProcessConfig(v *viper.Viper, cfg *Config) {
	cfg.Process.ThreadCount = v.GetInt("process.thread_count")
	cfg.Process.ThreadMasks = v.GetString("process.thread_masks")
}

func loadLoopConfig(v *viper.Viper, cfg *Config) {
	cfg.Loop.SlowdownOne = v.GetInt("loop.slowdown_one")
	cfg.Loop.SlowdownTwo = v.GetInt("loop.slowdown_two")
	cfg.Loop.SlowdownThree = v.GetInt("loop.slowdown_three")
}

func loadLogSinkConfig(v *viper.Viper, cfg *Config) {
	cfg.AppLog.Name = v.GetString("app_log.name")
	cfg.AppLog.Path = v.GetString("app_log.path")
	cfg.QueryLog.BufferSize = v.GetInt("query_log.buffer_size")
	cfg.QueryLog.BaseName = v.GetString("query_log.base_name")
	cfg.QueryLog.Path = v.GetString("query_log.path")
	cfg.QueryLog.RotateSize = v.GetInt64("query_log.rotate_size")
}

func loadResourcesConfig(v *viper.Viper, cfg *Config) {
	cfg.Resources.RecordsFile = v.GetString("resources.records_file")
	cfg.Resources.CheckIntervalMS = v.GetInt("resources.check_interval")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")
}

func loadAPIConfig(v *viper.Viper, cfg *Config) {
	cfg.API.Enabled = v.GetBool("api.enabled")
	cfg.API.Host = v.GetString("api.host")
	cfg.API.Port = v.GetInt("api.port")
	cfg.API.APIKey = v.GetString("api.api_key")
}

// rangeError reports an out-of-range option.
func rangeError(name string, lo, hi int) error {
	return fmt.Errorf("config: %s must be %d..%d", name, lo, hi)
}

func checkRange(name string, v, lo, hi int) error {
	if v < lo || v > hi {
		return rangeError(name, lo, hi)
	}
	return nil
}

// validateConfig enforces the recognized option ranges.
func validateConfig(cfg *Config) error {
	checks := []struct {
		name   string
		v      int
		lo, hi int
	}{
		{"udp.listener_port", cfg.UDP.ListenerPort, 1, 65535},
		{"udp.socket_recvbuff_size", cfg.UDP.SocketRecvbuffSize, minSocketRecvbuff, maxSocketBuff},
		{"udp.socket_sendbuff_size", cfg.UDP.SocketSendbuffSize, minSocketSendbuff, maxSocketBuff},
		{"udp.conn_vector_len", cfg.UDP.ConnVectorLen, 1, 65535},
		{"tcp.listener_port", cfg.TCP.ListenerPort, 1, 65535},
		{"tcp.listener_pending_conns_max", cfg.TCP.ListenerPendingConnsMax, 1, 65535},
		{"tcp.listener_max_accept_new_conn", cfg.TCP.ListenerMaxAcceptNewConn, 1, 1024},
		{"tcp.conn_socket_recvbuff_size", cfg.TCP.ConnSocketRecvbuffSize, minSocketRecvbuff, maxSocketBuff},
		{"tcp.conn_socket_sendbuff_size", cfg.TCP.ConnSocketSendbuffSize, minSocketSendbuff, maxSocketBuff},
		{"tcp.conn_simultaneous_queries_count", cfg.TCP.ConnSimultaneousQueriesCount, 1, 255},
		{"tcp.keepalive", cfg.TCP.KeepaliveMS, 1000, 600000},
		{"tcp.query_recv_timeout", cfg.TCP.QueryRecvTimeoutMS, 1, 600000},
		{"tcp.query_send_timeout", cfg.TCP.QuerySendTimeoutMS, 1, 600000},
		{"tcp.conns_per_vl_max", cfg.TCP.ConnsPerVlMax, 1, 1048576},
		{"epoll.num_events_udp", cfg.Epoll.NumEventsUDP, 3, 1024},
		{"epoll.num_events_tcp", cfg.Epoll.NumEventsTCP, 3, 1024},
		{"process.thread_count", cfg.Process.ThreadCount, 1, 1024},
		{"loop.slowdown_one", cfg.Loop.SlowdownOne, 1, 10000},
		{"loop.slowdown_two", cfg.Loop.SlowdownTwo, 1, 10000},
		{"loop.slowdown_three", cfg.Loop.SlowdownThree, 1, 10000},
	}
	for _, c := range checks {
		if err := checkRange(c.name, c.v, c.lo, c.hi); err != nil {
			return err
		}
	}

	if !cfg.UDP.Enable && !cfg.TCP.Enable {
		return fmt.Errorf("config: at least one of udp.enable, tcp.enable must be true")
	}
	if cfg.QueryLog.BufferSize < 4096 {
		return fmt.Errorf("config: query_log.buffer_size must be >= 4096")
	}
	if cfg.QueryLog.RotateSize < 1 {
		return fmt.Errorf("config: query_log.rotate_size must be positive")
	}
	if cfg.Resources.CheckIntervalMS < 1 {
		return fmt.Errorf("config: resources.check_interval must be positive")
	}
	if cfg.API.Enabled {
		if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
			return rangeError("api.port", 1, 65535)
		}
	}
	return nil
}

// ParseThreadMasks parses the CSV of 1-based CPU ids. Index = shard id.
// Empty entries (or a short list) leave the corresponding shard unpinned.
func ParseThreadMasks(csv string, threadCount int) ([]int, error) {
	out := make([]int, threadCount)
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return out, nil
	}
	parts := strings.Split(csv, ",")
	if len(parts) > threadCount {
		return nil, fmt.Errorf("config: process.thread_masks has %d entries for %d threads", len(parts), threadCount)
	}
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		cpu, err := strconv.Atoi(p)
		if err != nil || cpu < 1 {
			return nil, fmt.Errorf("config: process.thread_masks entry %d: want 1-based CPU id, got %q", i, p)
		}
		out[i] = cpu
	}
	return out, nil
}
