package proxy

import (
	"net/url"
	"time"
)

// defaultIdleTimeout is how long an upstream connection sits in a
// pool's idle list before the reaper closes it, unless overridden.
const defaultIdleTimeout = 5 * time.Second

// defaultListenAddress and defaultListenPort match the historical
// default of the broker this proxy normally shields: reachable only
// from the same host unless explicitly reconfigured.
const (
	defaultListenAddress = "localhost"
	defaultListenPort    = 5673
)

// Config holds every externally configurable aspect of the proxy. It
// is built once at startup from CLI flags, environment variables and
// configuration files (see cmd/amqproxy) and then treated as
// read-only for the remainder of the process lifetime.
type Config struct {
	// UpstreamURL is the amqp:// or amqps:// URL of the broker every
	// pooled connection is dialed against.
	UpstreamURL string

	// ListenAddress and ListenPort describe the proxy's own listener.
	ListenAddress string
	ListenPort    int

	// IdleConnectionTimeout bounds how long an unused upstream
	// connection is kept open in a pool before being closed.
	IdleConnectionTimeout time.Duration

	// LogLevel controls the verbosity of the proxy's structured logs.
	LogLevel string

	// StatsdHost and StatsdPort locate an optional statsd collector.
	// When StatsdHost is empty, metrics are discarded.
	StatsdHost string
	StatsdPort int
}

// DefaultConfig returns a Config with every field set to its documented
// default, apart from UpstreamURL which has no sensible default and
// must always be supplied explicitly.
func DefaultConfig() Config {
	return Config{
		ListenAddress:         defaultListenAddress,
		ListenPort:            defaultListenPort,
		IdleConnectionTimeout: defaultIdleTimeout,
		LogLevel:              "info",
	}
}

// Validate reports whether c is complete and internally consistent
// enough to start a Server from.
func (c Config) Validate() error {
	if c.UpstreamURL == "" {
		return newConfigErrorf("upstream_url is required")
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return newConfigErrorf("upstream_url is not a valid URL: " + err.Error())
	}
	switch u.Scheme {
	case "amqp", "amqps":
	default:
		return newConfigErrorf("upstream_url scheme must be amqp or amqps, got " + u.Scheme)
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return newConfigErrorf("listen_port out of range")
	}
	if c.IdleConnectionTimeout <= 0 {
		return newConfigErrorf("idle_connection_timeout_seconds must be positive")
	}
	if c.StatsdHost != "" && c.StatsdPort == 0 {
		return newConfigErrorf("statsd_port is required when statsd_host is set")
	}
	return nil
}

// IsTLS reports whether the upstream URL requests a TLS connection
// (the amqps scheme).
func (c Config) IsTLS() bool {
	u, err := url.Parse(c.UpstreamURL)
	return err == nil && u.Scheme == "amqps"
}
