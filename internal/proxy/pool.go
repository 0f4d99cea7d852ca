package proxy

import (
	"sync"
	"time"

	"github.com/Spreetail/amqproxy/internal/metrics"
	"github.com/Spreetail/amqproxy/log"
)

// idleUpstream pairs an Upstream sitting in a pool's idle list with the
// time it was returned, so the reaper can tell how long it has been
// unused.
type idleUpstream struct {
	upstream *Upstream
	since    time.Time
}

// UpstreamPool owns every upstream connection opened for one set of
// credentials and hands them out to client sessions on demand. It is
// an explicit, per-credentials object rather than a singleton: a
// Server holds one UpstreamPool per distinct (vhost, user, password)
// tuple it has seen, so that two sessions logging in as different
// users never share a socket.
type UpstreamPool struct {
	cfg   Config
	creds Credentials
	log   log.Logger
	mets  metrics.Sink

	mu     sync.Mutex
	idle   []idleUpstream
	active int
	closed bool

	reaperHalt chan struct{}
	reaperDone chan struct{}
}

// NewUpstreamPool builds a pool for creds and starts its idle reaper.
func NewUpstreamPool(cfg Config, creds Credentials, logger log.Logger, mets metrics.Sink) *UpstreamPool {
	if mets == nil {
		mets = metrics.Noop()
	}
	p := &UpstreamPool{
		cfg:        cfg,
		creds:      creds,
		log:        logger.Sub("pool").WithField("vhost", creds.VHost).WithField("user", creds.User),
		mets:       mets,
		reaperHalt: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Borrow returns an Upstream bound to the pool's credentials, reusing
// an idle connection when one is available and dialing a new one
// otherwise. Dialing always happens outside the pool's mutex: only the
// idle-list bookkeeping is ever done while holding it.
func (p *UpstreamPool) Borrow() (*Upstream, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, newProtocolErrorf("pool for %s is closed", p.creds.Redacted())
	}
	if n := len(p.idle); n > 0 {
		entry := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active++
		p.mu.Unlock()
		p.mets.Gauge(metrics.MetricUpstreamsIdle, float64(len(p.idle)))
		p.mets.Gauge(metrics.MetricUpstreamsActive, float64(p.active))
		return entry.upstream, nil
	}
	p.mu.Unlock()

	u, err := dialUpstream(p.cfg, p.creds, p.log)
	if err != nil {
		return nil, err
	}
	p.mets.Incr(metrics.MetricUpstreamsDialed)

	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	p.mets.Gauge(metrics.MetricUpstreamsActive, float64(p.active))
	return u, nil
}

// Return hands an Upstream back to the pool so a future Borrow can
// reuse it. Callers are expected to have released every channel binding
// on u (see Upstream.unbind and the release procedure in ClientSession)
// before returning it; Return does not check this, and its call to
// u.detach() drops any bindings left over and refills the free list.
func (p *UpstreamPool) Return(u *Upstream) {
	u.detach()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	if p.closed {
		go u.Close()
		return
	}
	p.idle = append(p.idle, idleUpstream{upstream: u, since: time.Now()})
	p.mets.Gauge(metrics.MetricUpstreamsIdle, float64(len(p.idle)))
	p.mets.Gauge(metrics.MetricUpstreamsActive, float64(p.active))
}

// Discard drops u instead of returning it to the idle list, used when
// the upstream's connection is known to be broken.
func (p *UpstreamPool) Discard(u *Upstream) {
	_ = u.Close()
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	p.mets.Gauge(metrics.MetricUpstreamsActive, float64(p.active))
}

// reapLoop periodically closes idle upstreams that have outlived the
// configured idle timeout. It never dials or touches active upstreams:
// only entries already sitting in the idle list are candidates.
func (p *UpstreamPool) reapLoop() {
	defer close(p.reaperDone)
	ticker := time.NewTicker(p.cfg.IdleConnectionTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-p.reaperHalt:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *UpstreamPool) reapOnce() {
	cutoff := time.Now().Add(-p.cfg.IdleConnectionTimeout)

	p.mu.Lock()
	var keep []idleUpstream
	var expired []idleUpstream
	for _, entry := range p.idle {
		if entry.since.Before(cutoff) {
			expired = append(expired, entry)
		} else {
			keep = append(keep, entry)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, entry := range expired {
		_ = entry.upstream.Close()
		p.mets.Incr(metrics.MetricUpstreamsReaped)
	}
	if len(expired) > 0 {
		p.log.Debugf("reaped %d idle upstream connection(s)", len(expired))
	}
}

// Close stops the reaper and closes every idle connection in the pool.
// Upstreams still borrowed by a session are not tracked here and are not
// closed by this call; Return closes them once they come back to a
// closed pool. This is only called during full server shutdown (the
// "disconnect" phase of the signal handling procedure), after sessions
// have already been asked to stop.
func (p *UpstreamPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.reaperHalt)
	<-p.reaperDone

	for _, entry := range idle {
		_ = entry.upstream.Close()
	}
}

// Stats reports the current idle/active counts, mainly for tests.
func (p *UpstreamPool) Stats() (idle, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.active
}
