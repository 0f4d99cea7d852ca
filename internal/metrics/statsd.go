package metrics

import (
	"fmt"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/Spreetail/amqproxy/errors"
)

// statsdSink adapts a DataDog statsd client to the Sink interface.
type statsdSink struct {
	client *statsd.Client
}

// NewStatsd dials a UDP statsd client at host:port. The connection is
// fire-and-forget, as is typical for statsd: a misconfigured or
// unreachable collector never blocks or fails proxy traffic.
func NewStatsd(host string, port int) (Sink, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client, err := statsd.New(addr, statsd.WithNamespace(""))
	if err != nil {
		return nil, errors.Wrapf(err, "dial statsd at %s", addr)
	}
	return &statsdSink{client: client}, nil
}

func (s *statsdSink) Incr(name string, tags ...string) {
	_ = s.client.Incr(name, tags, 1)
}

func (s *statsdSink) Gauge(name string, value float64, tags ...string) {
	_ = s.client.Gauge(name, value, tags, 1)
}

func (s *statsdSink) Timing(name string, millis float64, tags ...string) {
	_ = s.client.TimeInMilliseconds(name, millis, tags, 1)
}

func (s *statsdSink) Close() error {
	return s.client.Close()
}
