package cli

import (
	"fmt"
	"strings"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	// GoReleaser's {{.Version}} template strips the "v" prefix; put it back.
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("burrow", Version)
}

func printUsage() {
	fmt.Println(`burrow - expose local services through your own broker

Usage:
  burrow client --broker URL --port 3000    Expose a local port
  burrow client --subdomain myapp ...        Request a specific subdomain
  burrow client --transport quic ...         Tunnel over QUIC instead of websocket
  burrow broker --domain example.com \
                --proxy-admin URL            Start the tunnel broker
  burrow version                             Print version
  burrow help                                Show this help

Client flags:
  --broker URL         Broker tunnel endpoint (wss://... or host:port for quic)
  --port N             Local upstream port
  --local-host HOST    Local upstream host (default 127.0.0.1)
  --subdomain NAME     Requested subdomain label (optional)
  --config FILE        TOML config file
  --heartbeat-interval, --backoff-base, --backoff-cap, --backoff-jitter

Broker flags:
  --domain HOST        Public base domain for tunnel endpoints
  --proxy-admin URL    Reverse proxy admin API base URL
  --listen ADDR        HTTP listen address (default :8470)
  --quic-listen ADDR   Optional QUIC tunnel listener (requires TLS files)
  --db PATH            SQLite journal path (default ./burrow.db)
  --grace-period, --sweep-interval, --heartbeat-timeout, --port-min, --port-max,
  --subdomain-alphabet, --subdomain-length, --subdomain-attempts

Environment Variables:
  BURROW_BROKER_URL       Broker tunnel endpoint
  BURROW_LOCAL_PORT       Local port to expose
  BURROW_SUBDOMAIN        Requested subdomain label
  BURROW_DOMAIN           Broker public base domain
  BURROW_PROXY_ADMIN_URL  Reverse proxy admin API base URL
  BURROW_DB_PATH          SQLite journal path
  BURROW_LOG_LEVEL        Log level: debug|info|warn|error (default: info)`)
}
