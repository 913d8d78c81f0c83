package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseClientFlags(t *testing.T) {
	cfg, err := ParseClientFlags([]string{"--broker", "wss://broker.example.com/v1/tunnel", "--port", "3000"})
	if err != nil {
		t.Fatalf("ParseClientFlags: %v", err)
	}
	if cfg.BrokerURL != "wss://broker.example.com/v1/tunnel" {
		t.Fatalf("broker url = %q", cfg.BrokerURL)
	}
	if cfg.LocalPort != 3000 || cfg.LocalHost != "127.0.0.1" {
		t.Fatalf("target = %s:%d", cfg.LocalHost, cfg.LocalPort)
	}
	if cfg.Transport != "ws" {
		t.Fatalf("transport = %q, want ws default", cfg.Transport)
	}
	if cfg.HeartbeatInterval != defaultHeartbeatInterval {
		t.Fatalf("heartbeat interval = %v, want default", cfg.HeartbeatInterval)
	}
}

func TestParseClientFlagsValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"missing broker", []string{"--port", "3000"}, "missing --broker"},
		{"missing port", []string{"--broker", "wss://x/v1/tunnel"}, "missing --port"},
		{"bad transport", []string{"--broker", "wss://x", "--port", "3000", "--transport", "tcp"}, "transport"},
		{"bad jitter", []string{"--broker", "wss://x", "--port", "3000", "--backoff-jitter", "1.5"}, "jitter"},
		{"cap below base", []string{"--broker", "wss://x", "--port", "3000", "--backoff-base", "10s", "--backoff-cap", "1s"}, "cap"},
	}
	for _, tc := range cases {
		if _, err := ParseClientFlags(tc.args); err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: err = %v, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestParseClientFlagsEnvFallback(t *testing.T) {
	t.Setenv("BURROW_BROKER_URL", "wss://env.example.com/v1/tunnel")
	t.Setenv("BURROW_LOCAL_PORT", "8080")
	t.Setenv("BURROW_SUBDOMAIN", "envapp")

	cfg, err := ParseClientFlags(nil)
	if err != nil {
		t.Fatalf("ParseClientFlags: %v", err)
	}
	if cfg.BrokerURL != "wss://env.example.com/v1/tunnel" || cfg.LocalPort != 8080 || cfg.Subdomain != "envapp" {
		t.Fatalf("env fallback not applied: %+v", cfg)
	}

	// Flags beat the environment.
	cfg, err = ParseClientFlags([]string{"--port", "9090"})
	if err != nil {
		t.Fatalf("ParseClientFlags: %v", err)
	}
	if cfg.LocalPort != 9090 {
		t.Fatalf("port = %d, want flag to override env", cfg.LocalPort)
	}
}

func TestParseClientFlagsTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.toml")
	content := `
broker_url = "wss://file.example.com/v1/tunnel"
local_port = 4000
heartbeat_interval = "30s"
backoff_cap = "2m"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := ParseClientFlags([]string{"--config", path})
	if err != nil {
		t.Fatalf("ParseClientFlags: %v", err)
	}
	if cfg.BrokerURL != "wss://file.example.com/v1/tunnel" || cfg.LocalPort != 4000 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.HeartbeatInterval != 30*time.Second || cfg.BackoffCap != 2*time.Minute {
		t.Fatalf("durations not parsed: %v, %v", cfg.HeartbeatInterval, cfg.BackoffCap)
	}

	// Flags beat the file.
	cfg, err = ParseClientFlags([]string{"--config", path, "--port", "5000"})
	if err != nil {
		t.Fatalf("ParseClientFlags: %v", err)
	}
	if cfg.LocalPort != 5000 {
		t.Fatalf("port = %d, want flag to override file", cfg.LocalPort)
	}
}

func TestParseBrokerFlags(t *testing.T) {
	cfg, err := ParseBrokerFlags([]string{"--domain", "https://Example.COM/path", "--proxy-admin", "http://127.0.0.1:2019"})
	if err != nil {
		t.Fatalf("ParseBrokerFlags: %v", err)
	}
	if cfg.EndpointHost != "example.com" {
		t.Fatalf("endpoint host = %q, want normalized example.com", cfg.EndpointHost)
	}
	if cfg.ListenAddr != defaultBrokerListen || cfg.GracePeriod != defaultGracePeriod {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.SubdomainAlphabet != defaultSubdomainAlphabet || cfg.SubdomainLength != defaultSubdomainLength || cfg.SubdomainAttempts != defaultSubdomainAttempts {
		t.Fatalf("subdomain defaults not applied: %+v", cfg)
	}
}

func TestParseBrokerFlagsSubdomainKnobs(t *testing.T) {
	cfg, err := ParseBrokerFlags([]string{
		"--domain", "example.com", "--proxy-admin", "http://127.0.0.1:2019",
		"--subdomain-alphabet", "abcdef", "--subdomain-length", "12", "--subdomain-attempts", "4",
	})
	if err != nil {
		t.Fatalf("ParseBrokerFlags: %v", err)
	}
	if cfg.SubdomainAlphabet != "abcdef" || cfg.SubdomainLength != 12 || cfg.SubdomainAttempts != 4 {
		t.Fatalf("subdomain knobs not applied: %+v", cfg)
	}
}

func TestParseBrokerFlagsValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"missing domain", []string{"--proxy-admin", "http://x"}, "missing --domain"},
		{"missing proxy", []string{"--domain", "example.com"}, "missing --proxy-admin"},
		{"zero grace", []string{"--domain", "example.com", "--proxy-admin", "http://x", "--grace-period", "0s"}, "grace period"},
		{"zero heartbeat timeout", []string{"--domain", "example.com", "--proxy-admin", "http://x", "--heartbeat-timeout", "0s"}, "heartbeat timeout"},
		{"bad port range", []string{"--domain", "example.com", "--proxy-admin", "http://x", "--port-min", "30000", "--port-max", "20000"}, "port range"},
		{"empty alphabet", []string{"--domain", "example.com", "--proxy-admin", "http://x", "--subdomain-alphabet", ""}, "subdomain alphabet"},
		{"bad subdomain length", []string{"--domain", "example.com", "--proxy-admin", "http://x", "--subdomain-length", "64"}, "subdomain length"},
		{"zero subdomain attempts", []string{"--domain", "example.com", "--proxy-admin", "http://x", "--subdomain-attempts", "0"}, "subdomain attempts"},
		{"quic without tls", []string{"--domain", "example.com", "--proxy-admin", "http://x", "--quic-listen", ":8471"}, "quic"},
	}
	for _, tc := range cases {
		if _, err := ParseBrokerFlags(tc.args); err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: err = %v, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestConfigFileArg(t *testing.T) {
	t.Parallel()

	cases := []struct {
		args []string
		want string
	}{
		{[]string{"--config", "a.toml"}, "a.toml"},
		{[]string{"-config", "a.toml"}, "a.toml"},
		{[]string{"--config=a.toml"}, "a.toml"},
		{[]string{"--port", "3000"}, ""},
		{[]string{"--config"}, ""},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := configFileArg(tc.args); got != tc.want {
			t.Errorf("configFileArg(%v) = %q, want %q", tc.args, got, tc.want)
		}
	}
}
