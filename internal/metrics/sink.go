/*
Package metrics abstracts the statsd sink the proxy reports operational
counters and gauges to, so that the rest of the codebase never imports
a concrete metrics client directly.
*/
package metrics

// Sink is the subset of a statsd client the proxy relies on.
type Sink interface {
	// Incr increments a counter by one.
	Incr(name string, tags ...string)
	// Gauge reports an absolute value for a gauge metric.
	Gauge(name string, value float64, tags ...string)
	// Timing reports a duration, in milliseconds.
	Timing(name string, millis float64, tags ...string)
	// Close releases any resources held by the sink.
	Close() error
}

// Metric name constants shared by every Sink implementation.
const (
	MetricSessionsActive   = "amqproxy.sessions.active"
	MetricSessionsTotal    = "amqproxy.sessions.total"
	MetricUpstreamsActive  = "amqproxy.upstreams.active"
	MetricUpstreamsIdle    = "amqproxy.upstreams.idle"
	MetricUpstreamsDialed  = "amqproxy.upstreams.dialed"
	MetricUpstreamsReaped  = "amqproxy.upstreams.reaped"
	MetricHandshakeLatency = "amqproxy.handshake.latency_ms"
	MetricFramesForwarded  = "amqproxy.frames.forwarded"
	MetricNegotiationError = "amqproxy.errors.negotiation"
	MetricProtocolError    = "amqproxy.errors.protocol"
)

// noop implements Sink by discarding every call. It is the default
// used when no statsd host is configured.
type noop struct{}

// Noop returns a Sink that does nothing.
func Noop() Sink { return noop{} }

func (noop) Incr(string, ...string)              {}
func (noop) Gauge(string, float64, ...string)     {}
func (noop) Timing(string, float64, ...string)    {}
func (noop) Close() error                         { return nil }
