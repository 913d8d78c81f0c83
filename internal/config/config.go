package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ClientConfig drives one tunnel client process: where to dial, what to
// expose, and the reconnect/heartbeat tunables.
type ClientConfig struct {
	BrokerURL string
	Transport string
	Name      string
	Subdomain string
	LocalHost string
	LocalPort int

	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int
	ConnectTimeout     time.Duration
	AckTimeout         time.Duration

	BackoffBase         time.Duration
	BackoffCap          time.Duration
	BackoffJitter       float64
	StabilityWindow     time.Duration
	RegisterRejectLimit int

	InsecureSkipVerify bool
	LogLevel           string
}

// BrokerConfig drives the broker process: listeners, registry timing, the
// proxy admin endpoint, and the journal.
type BrokerConfig struct {
	ListenAddr   string
	QUICAddr     string
	EndpointHost string
	DBPath       string

	ProxyAdminURL string
	SyncAttempts  int
	SyncDelay     time.Duration
	SyncMaxDelay  time.Duration

	GracePeriod      time.Duration
	SweepInterval    time.Duration
	HeartbeatTimeout time.Duration
	ClosedRetention  time.Duration
	JournalRetention time.Duration
	JanitorInterval  time.Duration

	SubdomainAlphabet string
	SubdomainLength   int
	SubdomainAttempts int
	PortMin           int
	PortMax           int

	TLSCertFile     string
	TLSKeyFile      string
	LogLevel        string
	ShutdownTimeout time.Duration
}

const defaultHeartbeatInterval = 15 * time.Second
const defaultHeartbeatMissLimit = 3
const defaultConnectTimeout = 10 * time.Second
const defaultAckTimeout = 5 * time.Second
const defaultBackoffBase = 500 * time.Millisecond
const defaultBackoffCap = 30 * time.Second
const defaultBackoffJitter = 0.2
const defaultStabilityWindow = 60 * time.Second
const defaultRegisterRejectLimit = 3

const defaultBrokerListen = ":8470"
const defaultBrokerDBPath = "./burrow.db"
const defaultGracePeriod = 2 * time.Minute
const defaultHeartbeatTimeout = 45 * time.Second
const defaultSweepInterval = 10 * time.Second
const defaultClosedRetention = time.Hour
const defaultJournalRetention = 7 * 24 * time.Hour
const defaultJanitorInterval = 10 * time.Minute
const defaultSubdomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const defaultSubdomainLength = 8
const defaultSubdomainAttempts = 16
const defaultPortMin = 20000
const defaultPortMax = 20999
const defaultSyncAttempts = 5
const defaultSyncDelay = 200 * time.Millisecond
const defaultSyncMaxDelay = 5 * time.Second
const defaultShutdownTimeout = 10 * time.Second

// ParseClientFlags builds a ClientConfig from, in order of increasing
// precedence: compiled defaults, BURROW_* environment, an optional TOML
// file named by -config, and command line flags.
func ParseClientFlags(args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		BrokerURL:           envOrDefault("BURROW_BROKER_URL", ""),
		Transport:           envOrDefault("BURROW_TRANSPORT", "ws"),
		Name:                envOrDefault("BURROW_NAME", ""),
		Subdomain:           envOrDefault("BURROW_SUBDOMAIN", ""),
		LocalHost:           envOrDefault("BURROW_LOCAL_HOST", "127.0.0.1"),
		LocalPort:           envIntOrDefault("BURROW_LOCAL_PORT", 0),
		HeartbeatInterval:   envDurationOrDefault("BURROW_HEARTBEAT_INTERVAL", defaultHeartbeatInterval),
		HeartbeatMissLimit:  envIntOrDefault("BURROW_HEARTBEAT_MISS_LIMIT", defaultHeartbeatMissLimit),
		ConnectTimeout:      defaultConnectTimeout,
		AckTimeout:          defaultAckTimeout,
		BackoffBase:         envDurationOrDefault("BURROW_BACKOFF_BASE", defaultBackoffBase),
		BackoffCap:          envDurationOrDefault("BURROW_BACKOFF_CAP", defaultBackoffCap),
		BackoffJitter:       defaultBackoffJitter,
		StabilityWindow:     defaultStabilityWindow,
		RegisterRejectLimit: defaultRegisterRejectLimit,
		LogLevel:            envOrDefault("BURROW_LOG_LEVEL", "info"),
	}

	if path := configFileArg(args); path != "" {
		if err := loadClientFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.String("config", "", "TOML config file")
	fs.StringVar(&cfg.BrokerURL, "broker", cfg.BrokerURL, "Broker URL (e.g. wss://broker.example.com/v1/tunnel)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Tunnel transport: ws|quic")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "Human readable binding name")
	fs.StringVar(&cfg.Subdomain, "subdomain", cfg.Subdomain, "Requested subdomain label (optional)")
	fs.StringVar(&cfg.LocalHost, "local-host", cfg.LocalHost, "Local upstream host")
	fs.IntVar(&cfg.LocalPort, "port", cfg.LocalPort, "Local upstream port")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Heartbeat send interval")
	fs.IntVar(&cfg.HeartbeatMissLimit, "heartbeat-miss-limit", cfg.HeartbeatMissLimit, "Missed acks before reconnect")
	fs.DurationVar(&cfg.BackoffBase, "backoff-base", cfg.BackoffBase, "Initial reconnect backoff delay")
	fs.DurationVar(&cfg.BackoffCap, "backoff-cap", cfg.BackoffCap, "Maximum reconnect backoff delay")
	fs.Float64Var(&cfg.BackoffJitter, "backoff-jitter", cfg.BackoffJitter, "Backoff jitter fraction (0..1)")
	fs.BoolVar(&cfg.InsecureSkipVerify, "insecure", cfg.InsecureSkipVerify, "Skip TLS certificate verification")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	switch cfg.Transport {
	case "ws", "quic":
	default:
		return cfg, errors.New("transport must be one of: ws, quic")
	}
	if strings.TrimSpace(cfg.BrokerURL) == "" {
		return cfg, errors.New("missing --broker or BURROW_BROKER_URL")
	}
	if cfg.LocalPort == 0 {
		return cfg, errors.New("missing --port or BURROW_LOCAL_PORT")
	}
	if cfg.LocalPort < 0 || cfg.LocalPort > 65535 {
		return cfg, errors.New("local port must be between 1 and 65535")
	}
	if cfg.HeartbeatInterval <= 0 {
		return cfg, errors.New("heartbeat interval must be > 0")
	}
	if cfg.HeartbeatMissLimit <= 0 {
		return cfg, errors.New("heartbeat miss limit must be > 0")
	}
	if cfg.BackoffBase <= 0 {
		return cfg, errors.New("backoff base must be > 0")
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		return cfg, errors.New("backoff cap must be >= backoff base")
	}
	if cfg.BackoffJitter < 0 || cfg.BackoffJitter > 1 {
		return cfg, errors.New("backoff jitter must be between 0 and 1")
	}

	return cfg, nil
}

// ParseBrokerFlags builds a BrokerConfig with the same layering as
// ParseClientFlags.
func ParseBrokerFlags(args []string) (BrokerConfig, error) {
	cfg := BrokerConfig{
		ListenAddr:        envOrDefault("BURROW_LISTEN", defaultBrokerListen),
		QUICAddr:          envOrDefault("BURROW_QUIC_LISTEN", ""),
		EndpointHost:      envOrDefault("BURROW_DOMAIN", ""),
		DBPath:            envOrDefault("BURROW_DB_PATH", defaultBrokerDBPath),
		ProxyAdminURL:     envOrDefault("BURROW_PROXY_ADMIN_URL", ""),
		SyncAttempts:      defaultSyncAttempts,
		SyncDelay:         defaultSyncDelay,
		SyncMaxDelay:      defaultSyncMaxDelay,
		GracePeriod:       envDurationOrDefault("BURROW_GRACE_PERIOD", defaultGracePeriod),
		SweepInterval:     envDurationOrDefault("BURROW_SWEEP_INTERVAL", defaultSweepInterval),
		HeartbeatTimeout:  envDurationOrDefault("BURROW_HEARTBEAT_TIMEOUT", defaultHeartbeatTimeout),
		ClosedRetention:   defaultClosedRetention,
		JournalRetention:  envDurationOrDefault("BURROW_JOURNAL_RETENTION", defaultJournalRetention),
		JanitorInterval:   defaultJanitorInterval,
		SubdomainAlphabet: envOrDefault("BURROW_SUBDOMAIN_ALPHABET", defaultSubdomainAlphabet),
		SubdomainLength:   envIntOrDefault("BURROW_SUBDOMAIN_LENGTH", defaultSubdomainLength),
		SubdomainAttempts: envIntOrDefault("BURROW_SUBDOMAIN_ATTEMPTS", defaultSubdomainAttempts),
		PortMin:           envIntOrDefault("BURROW_PORT_MIN", defaultPortMin),
		PortMax:           envIntOrDefault("BURROW_PORT_MAX", defaultPortMax),
		TLSCertFile:       envOrDefault("BURROW_TLS_CERT_FILE", ""),
		TLSKeyFile:        envOrDefault("BURROW_TLS_KEY_FILE", ""),
		LogLevel:          envOrDefault("BURROW_LOG_LEVEL", "info"),
		ShutdownTimeout:   defaultShutdownTimeout,
	}

	if path := configFileArg(args); path != "" {
		if err := loadBrokerFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	fs := flag.NewFlagSet("broker", flag.ContinueOnError)
	fs.String("config", "", "TOML config file")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address (control API + ws tunnels)")
	fs.StringVar(&cfg.QUICAddr, "quic-listen", cfg.QUICAddr, "QUIC tunnel listen address (optional)")
	fs.StringVar(&cfg.EndpointHost, "domain", cfg.EndpointHost, "Public base domain, e.g. example.com")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite journal path")
	fs.StringVar(&cfg.ProxyAdminURL, "proxy-admin", cfg.ProxyAdminURL, "Proxy admin API base URL")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Disconnect grace period before closing a binding")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Expiry sweep interval")
	fs.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "Silence after which a binding is degraded")
	fs.StringVar(&cfg.SubdomainAlphabet, "subdomain-alphabet", cfg.SubdomainAlphabet, "Character set for generated subdomains")
	fs.IntVar(&cfg.SubdomainLength, "subdomain-length", cfg.SubdomainLength, "Length of generated subdomain labels")
	fs.IntVar(&cfg.SubdomainAttempts, "subdomain-attempts", cfg.SubdomainAttempts, "Collision retries when generating a subdomain")
	fs.IntVar(&cfg.PortMin, "port-min", cfg.PortMin, "Lowest assignable endpoint port")
	fs.IntVar(&cfg.PortMax, "port-max", cfg.PortMax, "Highest assignable endpoint port")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "TLS cert PEM file (enables TLS and QUIC)")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "TLS key PEM file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.EndpointHost = normalizeHost(cfg.EndpointHost)
	if cfg.EndpointHost == "" {
		return cfg, errors.New("missing --domain or BURROW_DOMAIN")
	}
	if strings.TrimSpace(cfg.ProxyAdminURL) == "" {
		return cfg, errors.New("missing --proxy-admin or BURROW_PROXY_ADMIN_URL")
	}
	if cfg.GracePeriod <= 0 {
		return cfg, errors.New("grace period must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return cfg, errors.New("sweep interval must be > 0")
	}
	if cfg.HeartbeatTimeout <= 0 {
		return cfg, errors.New("heartbeat timeout must be > 0")
	}
	if cfg.SubdomainAlphabet == "" {
		return cfg, errors.New("subdomain alphabet must not be empty")
	}
	if cfg.SubdomainLength <= 0 || cfg.SubdomainLength > 63 {
		return cfg, errors.New("subdomain length must be in 1-63")
	}
	if cfg.SubdomainAttempts <= 0 {
		return cfg, errors.New("subdomain attempts must be > 0")
	}
	if cfg.PortMin <= 0 || cfg.PortMax > 65535 || cfg.PortMin > cfg.PortMax {
		return cfg, errors.New("port range must satisfy 0 < min <= max <= 65535")
	}
	if cfg.QUICAddr != "" && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return cfg, errors.New("quic listener requires --tls-cert-file and --tls-key-file")
	}

	return cfg, nil
}

// duration lets TOML files use human strings like "30s".
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

type clientFile struct {
	BrokerURL          string   `toml:"broker_url"`
	Transport          string   `toml:"transport"`
	Name               string   `toml:"name"`
	Subdomain          string   `toml:"subdomain"`
	LocalHost          string   `toml:"local_host"`
	LocalPort          int      `toml:"local_port"`
	HeartbeatInterval  duration `toml:"heartbeat_interval"`
	HeartbeatMissLimit int      `toml:"heartbeat_miss_limit"`
	BackoffBase        duration `toml:"backoff_base"`
	BackoffCap         duration `toml:"backoff_cap"`
	BackoffJitter      float64  `toml:"backoff_jitter"`
	LogLevel           string   `toml:"log_level"`
}

type brokerFile struct {
	Listen            string   `toml:"listen"`
	QUICListen        string   `toml:"quic_listen"`
	Domain            string   `toml:"domain"`
	DBPath            string   `toml:"db_path"`
	ProxyAdminURL     string   `toml:"proxy_admin_url"`
	GracePeriod       duration `toml:"grace_period"`
	SweepInterval     duration `toml:"sweep_interval"`
	HeartbeatTimeout  duration `toml:"heartbeat_timeout"`
	JournalRetention  duration `toml:"journal_retention"`
	SubdomainAlphabet string   `toml:"subdomain_alphabet"`
	SubdomainLength   int      `toml:"subdomain_length"`
	SubdomainAttempts int      `toml:"subdomain_attempts"`
	PortMin           int      `toml:"port_min"`
	PortMax           int      `toml:"port_max"`
	TLSCertFile       string   `toml:"tls_cert_file"`
	TLSKeyFile        string   `toml:"tls_key_file"`
	LogLevel          string   `toml:"log_level"`
}

func loadClientFile(path string, cfg *ClientConfig) error {
	var f clientFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	setString(&cfg.BrokerURL, f.BrokerURL)
	setString(&cfg.Transport, f.Transport)
	setString(&cfg.Name, f.Name)
	setString(&cfg.Subdomain, f.Subdomain)
	setString(&cfg.LocalHost, f.LocalHost)
	setInt(&cfg.LocalPort, f.LocalPort)
	setDuration(&cfg.HeartbeatInterval, f.HeartbeatInterval)
	setInt(&cfg.HeartbeatMissLimit, f.HeartbeatMissLimit)
	setDuration(&cfg.BackoffBase, f.BackoffBase)
	setDuration(&cfg.BackoffCap, f.BackoffCap)
	if f.BackoffJitter > 0 {
		cfg.BackoffJitter = f.BackoffJitter
	}
	setString(&cfg.LogLevel, f.LogLevel)
	return nil
}

func loadBrokerFile(path string, cfg *BrokerConfig) error {
	var f brokerFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	setString(&cfg.ListenAddr, f.Listen)
	setString(&cfg.QUICAddr, f.QUICListen)
	setString(&cfg.EndpointHost, f.Domain)
	setString(&cfg.DBPath, f.DBPath)
	setString(&cfg.ProxyAdminURL, f.ProxyAdminURL)
	setDuration(&cfg.GracePeriod, f.GracePeriod)
	setDuration(&cfg.SweepInterval, f.SweepInterval)
	setDuration(&cfg.HeartbeatTimeout, f.HeartbeatTimeout)
	setDuration(&cfg.JournalRetention, f.JournalRetention)
	setString(&cfg.SubdomainAlphabet, f.SubdomainAlphabet)
	setInt(&cfg.SubdomainLength, f.SubdomainLength)
	setInt(&cfg.SubdomainAttempts, f.SubdomainAttempts)
	setInt(&cfg.PortMin, f.PortMin)
	setInt(&cfg.PortMax, f.PortMax)
	setString(&cfg.TLSCertFile, f.TLSCertFile)
	setString(&cfg.TLSKeyFile, f.TLSKeyFile)
	setString(&cfg.LogLevel, f.LogLevel)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}

// configFileArg pre-scans args for -config so the file can seed defaults
// before flag parsing overrides them.
func configFileArg(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") {
			continue
		}
		a = strings.TrimLeft(a, "-")
		if a == "config" {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		if v, ok := strings.CutPrefix(a, "config="); ok {
			return v
		}
	}
	return ""
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if idx := strings.Index(v, ":"); idx >= 0 {
		v = v[:idx]
	}
	return strings.TrimSuffix(v, ".")
}
