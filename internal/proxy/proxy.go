// Package proxy implements the XPUB/XSUB-equivalent broker: an XSUB
// endpoint where publishers (clients and skill servers) send data
// frames, and an XPUB endpoint where subscribers (the same clients and
// skill servers, wearing the other hat) send subscription-management
// frames and receive the frames matching their subscribed prefixes.
// Each connection gets its own goroutine, with guaranteed cleanup via
// defer and an error channel carrying fatal listener failures back to
// the caller.
package proxy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/skillscale/skillscale/internal/config"
	"github.com/skillscale/skillscale/internal/frame"
	"github.com/skillscale/skillscale/internal/obs"
)

const (
	subscribeMarker   = "\x00SUB"
	unsubscribeMarker = "\x00UNSUB"
)

// publisher is one XSUB-side connection: a client or skill server
// sending data frames, and the target of subscription-frame propagation.
type publisher struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (p *publisher) send(topic, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return frame.Encode(p.conn, topic, payload)
}

// subscriber is one XPUB-side connection: a client or skill server
// receiving data frames that match its subscribed prefixes. Outbound
// frames are queued and written by a dedicated goroutine so a slow
// subscriber can never block the broadcast path.
type subscriber struct {
	conn net.Conn
	out  chan frame.Frame

	mu         sync.Mutex
	prefixes   map[string]struct{}
	propagated map[string]struct{} // dedup set: which (op,topic) pairs this socket already caused to propagate
}

func newSubscriber(conn net.Conn, queueSize int) *subscriber {
	return &subscriber{
		conn:       conn,
		out:        make(chan frame.Frame, queueSize),
		prefixes:   map[string]struct{}{},
		propagated: map[string]struct{}{},
	}
}

func (s *subscriber) matches(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for prefix := range s.prefixes {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

// Proxy is the broker process: it owns both listeners and the live sets
// of publishers and subscribers. It never parses payloads — only the
// topic frame is inspected, for prefix matching.
type Proxy struct {
	cfg     config.ProxyConfig
	logger  zerolog.Logger
	metrics *obs.Metrics

	mu          sync.RWMutex
	publishers  map[*publisher]struct{}
	subscribers map[*subscriber]struct{}
}

// New builds a Proxy from cfg.
func New(cfg config.ProxyConfig, logger zerolog.Logger, metrics *obs.Metrics) *Proxy {
	return &Proxy{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		publishers:  map[*publisher]struct{}{},
		subscribers: map[*subscriber]struct{}{},
	}
}

// Run listens on both endpoints and forwards frames until ctx is
// cancelled or either listener fails fatally: a fatal listener error
// causes Run to return a non-zero-exit-worthy error rather than
// attempting to recover internally.
func (p *Proxy) Run(ctx context.Context) error {
	xsubLn, err := net.Listen("tcp", config.TrimScheme(p.cfg.XSUBAddr))
	if err != nil {
		return fmt.Errorf("proxy: listen xsub %s: %w", p.cfg.XSUBAddr, err)
	}
	defer xsubLn.Close()

	xpubLn, err := net.Listen("tcp", config.TrimScheme(p.cfg.XPUBAddr))
	if err != nil {
		return fmt.Errorf("proxy: listen xpub %s: %w", p.cfg.XPUBAddr, err)
	}
	defer xpubLn.Close()

	p.logger.Info().
		Str("xsub", p.cfg.XSUBAddr).
		Str("xpub", p.cfg.XPUBAddr).
		Msg("proxy listening")

	errCh := make(chan error, 2)
	go func() { errCh <- p.acceptLoop(ctx, xsubLn, p.handlePublisher) }()
	go func() { errCh <- p.acceptLoop(ctx, xpubLn, p.handleSubscriber) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (p *Proxy) acceptLoop(ctx context.Context, ln net.Listener, handle func(net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("proxy: accept on %s: %w", ln.Addr(), err)
			}
		}
		go handle(conn)
	}
}

// handlePublisher reads data frames from a publisher connection and
// broadcasts each, verbatim, to every matching subscriber.
func (p *Proxy) handlePublisher(conn net.Conn) {
	pub := &publisher{conn: conn}
	p.mu.Lock()
	p.publishers[pub] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.publishers, pub)
		p.mu.Unlock()
		conn.Close()
	}()

	for {
		f, err := frame.Decode(conn)
		if err != nil {
			return
		}
		p.broadcast(f)
	}
}

// handleSubscriber reads subscription-management frames from a
// subscriber connection, updates its prefix set, propagates new
// subscriptions to publishers, and drains its outbound queue to the
// socket via a dedicated writer goroutine.
func (p *Proxy) handleSubscriber(conn net.Conn) {
	queueSize := p.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 50000
	}
	sub := newSubscriber(conn, queueSize)

	p.mu.Lock()
	p.subscribers[sub] = struct{}{}
	p.mu.Unlock()

	done := make(chan struct{})
	go p.writeLoop(sub, done)

	defer func() {
		p.mu.Lock()
		delete(p.subscribers, sub)
		p.mu.Unlock()
		close(sub.out)
		<-done
		conn.Close()
	}()

	for {
		f, err := frame.Decode(conn)
		if err != nil {
			return
		}
		p.handleControlFrame(sub, f)
	}
}

func (p *Proxy) handleControlFrame(sub *subscriber, f frame.Frame) {
	topic := string(f.Payload)
	switch string(f.Topic) {
	case subscribeMarker:
		p.subscribe(sub, topic)
	case unsubscribeMarker:
		p.unsubscribe(sub, topic)
	default:
		p.logger.Debug().Str("frame_topic", string(f.Topic)).Msg("proxy: unexpected data frame on subscriber socket, ignoring")
	}
}

func (p *Proxy) subscribe(sub *subscriber, topic string) {
	sub.mu.Lock()
	sub.prefixes[topic] = struct{}{}
	key := "SUB:" + topic
	_, already := sub.propagated[key]
	if !already {
		sub.propagated[key] = struct{}{}
	}
	sub.mu.Unlock()

	if !already {
		p.propagate(subscribeMarker, topic)
		if p.metrics != nil {
			p.metrics.SubscriptionsFwd.Inc()
		}
	}
}

func (p *Proxy) unsubscribe(sub *subscriber, topic string) {
	sub.mu.Lock()
	delete(sub.prefixes, topic)
	key := "UNSUB:" + topic
	_, already := sub.propagated[key]
	if !already {
		sub.propagated[key] = struct{}{}
	}
	sub.mu.Unlock()

	if !already {
		p.propagate(unsubscribeMarker, topic)
	}
}

// propagate forwards a subscription/unsubscription frame to every
// currently-connected publisher. Each distinct subscribe/unsubscribe is
// forwarded once per originating socket, but every new subscriber's
// subscription is forwarded even if another subscriber already holds
// it, so publishers always see the full fan-out of interest.
func (p *Proxy) propagate(marker, topic string) {
	p.mu.RLock()
	pubs := make([]*publisher, 0, len(p.publishers))
	for pub := range p.publishers {
		pubs = append(pubs, pub)
	}
	p.mu.RUnlock()

	for _, pub := range pubs {
		if err := pub.send([]byte(marker), []byte(topic)); err != nil {
			p.logger.Debug().Err(err).Msg("proxy: propagate subscription failed")
		}
	}
}

// broadcast enqueues f onto every subscriber whose subscription prefix
// matches f.Topic. A full subscriber queue drops the frame for that
// subscriber only, logging backpressure — other subscribers are
// unaffected.
func (p *Proxy) broadcast(f frame.Frame) {
	topic := string(f.Topic)

	p.mu.RLock()
	subs := make([]*subscriber, 0, len(p.subscribers))
	for sub := range p.subscribers {
		subs = append(subs, sub)
	}
	p.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.out <- f:
			delivered++
		default:
			if p.metrics != nil {
				p.metrics.FramesDropped.WithLabelValues("xpub").Inc()
			}
			p.logger.Warn().Str("topic", topic).Msg("proxy: subscriber queue full, dropping frame")
		}
	}
	if p.metrics != nil {
		p.metrics.FramesForwarded.WithLabelValues("xsub_to_xpub").Add(float64(delivered))
	}
}

// writeLoop drains sub.out and writes frames to its connection using a
// batching Writer, flushing once per drain cycle rather than once per
// message. It exits once sub.out is closed and drained.
func (p *Proxy) writeLoop(sub *subscriber, done chan<- struct{}) {
	defer close(done)
	w := frame.NewWriter(sub.conn)

	for f := range sub.out {
		if err := w.WriteFrame(f.Topic, f.Payload); err != nil {
			return
		}
		n := len(sub.out)
		for i := 0; i < n; i++ {
			next, ok := <-sub.out
			if !ok {
				break
			}
			if err := w.WriteFrame(next.Topic, next.Payload); err != nil {
				return
			}
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}
