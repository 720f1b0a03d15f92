package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/retry"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/tlsutil"
)

// Storage backend names
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageRedis  = "redis"
	StorageNATS   = "nats"
)

// Settings is the host-side configuration of a pull client. It is distinct
// from the server-issued connection config, which the client fetches at runtime.
type Settings struct {
	REST      RESTConfig      `yaml:"rest" json:"rest"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" json:"heartbeat"`
	RPC       RPCConfig       `yaml:"rpc" json:"rpc"`
	Status    StatusConfig    `yaml:"status" json:"status"`
	Dedup     DedupConfig     `yaml:"dedup" json:"dedup"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Revision  RevisionConfig  `yaml:"revision" json:"revision"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	TLS       TLSConfig       `yaml:"tls" json:"tls"`
}

// RESTConfig points at the REST endpoint used for config loads, watch
// extension and channel listing.
type RESTConfig struct {
	BaseURL           string        `yaml:"base_url" json:"base_url"`
	AuthToken         string        `yaml:"auth_token" json:"auth_token"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	ConfigMethod      string        `yaml:"config_method" json:"config_method"`
	WatchMethod       string        `yaml:"watch_method" json:"watch_method"`
	ChannelListMethod string        `yaml:"channel_list_method" json:"channel_list_method"`

	// RateLimit caps REST calls per second; zero disables it.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" json:"rate_burst"`
}

// TransportConfig controls transport selection and connection limits.
type TransportConfig struct {
	// SocketEnabled is the host's permission to use the socket transport.
	// The server config must allow it as well.
	SocketEnabled         bool          `yaml:"socket_enabled" json:"socket_enabled"`
	Secure                bool          `yaml:"secure" json:"secure"`
	HandshakeTimeout      time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	PollTimeout           time.Duration `yaml:"poll_timeout" json:"poll_timeout"`
	SocketBlockThreshold  int           `yaml:"socket_block_threshold" json:"socket_block_threshold"`
	SocketBlockTTL        time.Duration `yaml:"socket_block_ttl" json:"socket_block_ttl"`
	RestoreSocketInterval time.Duration `yaml:"restore_socket_interval" json:"restore_socket_interval"`
	UserAgent             string        `yaml:"user_agent" json:"user_agent"`
	ClientID              string        `yaml:"client_id" json:"client_id"`
}

// ReconnectConfig is the reconnect backoff schedule.
type ReconnectConfig struct {
	InitialDelay          time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay              time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier            float64       `yaml:"multiplier" json:"multiplier"`
	JitterFraction        float64       `yaml:"jitter_fraction" json:"jitter_fraction"`
	ServerRestartMaxDelay time.Duration `yaml:"server_restart_max_delay" json:"server_restart_max_delay"`
}

// Backoff converts the section into a retry schedule.
func (r ReconnectConfig) Backoff() retry.Backoff {
	return retry.Backoff{
		Initial:        r.InitialDelay,
		Max:            r.MaxDelay,
		Multiplier:     r.Multiplier,
		JitterFraction: r.JitterFraction,
	}
}

// HeartbeatConfig holds the liveness and watch timers.
type HeartbeatConfig struct {
	PingTimeout        time.Duration `yaml:"ping_timeout" json:"ping_timeout"`
	WatchInterval      time.Duration `yaml:"watch_interval" json:"watch_interval"`
	WatchForceInterval time.Duration `yaml:"watch_force_interval" json:"watch_force_interval"`
}

// RPCConfig holds JSON-RPC defaults.
type RPCConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// StatusConfig controls status broadcasts.
type StatusConfig struct {
	Debounce time.Duration `yaml:"debounce" json:"debounce"`
}

// DedupConfig sizes the recent message id window.
type DedupConfig struct {
	Size int `yaml:"size" json:"size"`
}

// QueueConfig controls buffering of sends issued while offline.
type QueueConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Size    int  `yaml:"size" json:"size"`
}

// StorageConfig selects the key/value backend for config and session state.
type StorageConfig struct {
	Backend       string        `yaml:"backend" json:"backend"`
	Prefix        string        `yaml:"prefix" json:"prefix"`
	Path          string        `yaml:"path" json:"path"`
	RedisAddr     string        `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" json:"redis_password"`
	RedisDB       int           `yaml:"redis_db" json:"redis_db"`
	NATSURL       string        `yaml:"nats_url" json:"nats_url"`
	NATSBucket    string        `yaml:"nats_bucket" json:"nats_bucket"`
	SessionSave   time.Duration `yaml:"session_save" json:"session_save"`
	WriteQueue    int           `yaml:"write_queue" json:"write_queue"`
}

// TLSConfig is the client TLS used by the socket, polling and REST
// connections. The zero value keeps the system defaults.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file" json:"ca_file"`
	CertFile           string `yaml:"cert_file" json:"cert_file"`
	KeyFile            string `yaml:"key_file" json:"key_file"`
	MinVersion         string `yaml:"min_version" json:"min_version"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// Client converts the settings into a tlsutil configuration.
func (t TLSConfig) Client() tlsutil.ClientConfig {
	cfg := tlsutil.ClientConfig{
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		MinVersion:         t.MinVersion,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	if t.CAFile != "" {
		cfg.CAFiles = []string{t.CAFile}
	}
	return cfg
}

// RevisionConfig is the client revision compared against the server's.
// A zero Client skips the outdated-client check.
type RevisionConfig struct {
	Client    int  `yaml:"client" json:"client"`
	SkipCheck bool `yaml:"skip_check" json:"skip_check"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// Default returns settings with every timer at its documented default.
func Default() *Settings {
	return &Settings{
		REST: RESTConfig{
			Timeout:           30 * time.Second,
			ConfigMethod:      "pull.config.get",
			WatchMethod:       "pull.watch.extend",
			ChannelListMethod: "pull.channel.public.list",
			RateLimit:         2,
			RateBurst:         4,
		},
		Transport: TransportConfig{
			SocketEnabled:         true,
			Secure:                true,
			HandshakeTimeout:      10 * time.Second,
			PollTimeout:           60 * time.Second,
			SocketBlockThreshold:  2,
			SocketBlockTTL:        24 * time.Hour,
			RestoreSocketInterval: 5 * time.Minute,
			UserAgent:             "pullclient",
		},
		Reconnect: ReconnectConfig{
			InitialDelay:          time.Second,
			MaxDelay:              10 * time.Minute,
			Multiplier:            2.0,
			JitterFraction:        0.2,
			ServerRestartMaxDelay: 15 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			PingTimeout:        10 * time.Second,
			WatchInterval:      29 * time.Minute,
			WatchForceInterval: 5 * time.Second,
		},
		RPC:    RPCConfig{Timeout: 5 * time.Second},
		Status: StatusConfig{Debounce: 100 * time.Millisecond},
		Dedup:  DedupConfig{Size: 1000},
		Queue:  QueueConfig{Enabled: false, Size: 100},
		Storage: StorageConfig{
			Backend:     StorageMemory,
			Prefix:      "pull",
			NATSBucket:  "PULL_STATE",
			SessionSave: time.Second,
			WriteQueue:  64,
		},
		Revision: RevisionConfig{},
		Metrics:  MetricsConfig{Addr: ":9090", Path: "/metrics"},
	}
}

// Clone returns a deep copy. Settings hold only value types.
func (s *Settings) Clone() *Settings {
	if s == nil {
		return Default()
	}
	c := *s
	return &c
}

// Validate checks that the settings are usable.
func (s *Settings) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if s.REST.BaseURL == "" {
		add("rest.base_url is required")
	} else if u, err := url.Parse(s.REST.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("rest.base_url %q is not an absolute URL", s.REST.BaseURL)
	}
	if s.REST.Timeout <= 0 {
		add("rest.timeout must be positive")
	}
	if s.REST.RateLimit < 0 || s.REST.RateBurst < 0 {
		add("rest.rate_limit and rest.rate_burst must not be negative")
	}
	if s.Transport.HandshakeTimeout <= 0 {
		add("transport.handshake_timeout must be positive")
	}
	if s.Transport.PollTimeout <= 0 {
		add("transport.poll_timeout must be positive")
	}
	if s.Transport.SocketBlockThreshold < 1 {
		add("transport.socket_block_threshold must be at least 1")
	}
	if s.Reconnect.InitialDelay <= 0 {
		add("reconnect.initial_delay must be positive")
	}
	if s.Reconnect.MaxDelay < s.Reconnect.InitialDelay {
		add("reconnect.max_delay must be >= reconnect.initial_delay")
	}
	if s.Reconnect.Multiplier < 1 {
		add("reconnect.multiplier must be >= 1")
	}
	if s.Reconnect.JitterFraction < 0 || s.Reconnect.JitterFraction > 1 {
		add("reconnect.jitter_fraction must be within [0,1]")
	}
	if s.Transport.RestoreSocketInterval <= 0 || s.Transport.RestoreSocketInterval >= s.Reconnect.MaxDelay {
		add("transport.restore_socket_interval must be positive and shorter than reconnect.max_delay")
	}
	if s.Heartbeat.PingTimeout <= 0 {
		add("heartbeat.ping_timeout must be positive")
	}
	if s.Heartbeat.WatchInterval <= 0 || s.Heartbeat.WatchForceInterval <= 0 {
		add("heartbeat watch intervals must be positive")
	}
	if s.RPC.Timeout <= 0 {
		add("rpc.timeout must be positive")
	}
	if s.Status.Debounce < 0 {
		add("status.debounce cannot be negative")
	}
	if s.Dedup.Size < 1 {
		add("dedup.size must be at least 1")
	}
	if s.Queue.Enabled && s.Queue.Size < 1 {
		add("queue.size must be at least 1 when the queue is enabled")
	}

	switch s.Storage.Backend {
	case StorageMemory:
	case StorageFile:
		if s.Storage.Path == "" {
			add("storage.path is required for the file backend")
		}
	case StorageRedis:
		if s.Storage.RedisAddr == "" {
			add("storage.redis_addr is required for the redis backend")
		}
	case StorageNATS:
		if s.Storage.NATSURL == "" || s.Storage.NATSBucket == "" {
			add("storage.nats_url and storage.nats_bucket are required for the nats backend")
		}
	default:
		add("storage.backend %q is not one of memory, file, redis, nats", s.Storage.Backend)
	}

	if s.Metrics.Enabled && (s.Metrics.Addr == "" || !strings.HasPrefix(s.Metrics.Path, "/")) {
		add("metrics.addr and an absolute metrics.path are required when metrics are enabled")
	}

	switch s.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		add("tls.min_version %q is not one of 1.2, 1.3", s.TLS.MinVersion)
	}
	if (s.TLS.CertFile == "") != (s.TLS.KeyFile == "") {
		add("tls.cert_file and tls.key_file must be set together")
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"config", "Validate", "check settings")
	}
	return nil
}

// String renders the settings as YAML with secrets masked.
func (s *Settings) String() string {
	c := s.Clone()
	if c.REST.AuthToken != "" {
		c.REST.AuthToken = "***"
	}
	if c.Storage.RedisPassword != "" {
		c.Storage.RedisPassword = "***"
	}
	data, _ := yaml.Marshal(c)
	return string(data)
}
