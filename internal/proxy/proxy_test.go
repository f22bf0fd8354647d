package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/skillscale/skillscale/internal/config"
	"github.com/skillscale/skillscale/internal/frame"
	"github.com/skillscale/skillscale/internal/obs"
)

func startProxy(t *testing.T) config.ProxyConfig {
	t.Helper()
	xsubLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	xpubLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := config.ProxyConfig{
		XSUBAddr:  xsubLn.Addr().String(),
		XPUBAddr:  xpubLn.Addr().String(),
		QueueSize: 32,
	}
	require.NoError(t, xsubLn.Close())
	require.NoError(t, xpubLn.Close())

	p := New(cfg, zerolog.Nop(), obs.NewMetrics("proxy-test-"+t.Name()))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan error, 1)
	go func() {
		// Run binds its own listeners; give it a moment then confirm
		// it's accepting before the test dials in.
		ready <- p.Run(ctx)
	}()
	_ = ready
	// Poll until both addresses accept connections.
	require.Eventually(t, func() bool {
		c1, err1 := net.DialTimeout("tcp", cfg.XSUBAddr, 50*time.Millisecond)
		if err1 != nil {
			return false
		}
		c1.Close()
		c2, err2 := net.DialTimeout("tcp", cfg.XPUBAddr, 50*time.Millisecond)
		if err2 != nil {
			return false
		}
		c2.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return cfg
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return conn
}

func subscribe(t *testing.T, conn net.Conn, topic string) {
	t.Helper()
	require.NoError(t, frame.Encode(conn, []byte(subscribeMarker), []byte(topic)))
}

func TestProxyForwardsMatchingTopic(t *testing.T) {
	cfg := startProxy(t)

	sub := dial(t, cfg.XPUBAddr)
	defer sub.Close()
	subscribe(t, sub, "TOPIC_DEMO")

	// Give the proxy a moment to register the subscription before
	// publishing, since registration and broadcast run concurrently.
	time.Sleep(50 * time.Millisecond)

	pub := dial(t, cfg.XSUBAddr)
	defer pub.Close()
	require.NoError(t, frame.Encode(pub, []byte("TOPIC_DEMO"), []byte("payload-1")))

	sub.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := frame.Decode(sub)
	require.NoError(t, err)
	require.Equal(t, "TOPIC_DEMO", string(f.Topic))
	require.Equal(t, "payload-1", string(f.Payload))
}

func TestProxyDoesNotForwardNonMatchingTopic(t *testing.T) {
	cfg := startProxy(t)

	sub := dial(t, cfg.XPUBAddr)
	defer sub.Close()
	subscribe(t, sub, "TOPIC_OTHER")
	time.Sleep(50 * time.Millisecond)

	pub := dial(t, cfg.XSUBAddr)
	defer pub.Close()
	require.NoError(t, frame.Encode(pub, []byte("TOPIC_DEMO"), []byte("payload-1")))

	// Send a second frame on a topic the subscriber DOES want, so we
	// have a positive signal that the first (non-matching) frame was
	// dropped rather than merely delayed.
	require.NoError(t, frame.Encode(pub, []byte("TOPIC_OTHER"), []byte("payload-2")))

	sub.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := frame.Decode(sub)
	require.NoError(t, err)
	require.Equal(t, "payload-2", string(f.Payload))
}

func TestProxyPropagatesSubscriptionToPublishers(t *testing.T) {
	cfg := startProxy(t)

	pub := dial(t, cfg.XSUBAddr)
	defer pub.Close()

	sub := dial(t, cfg.XPUBAddr)
	defer sub.Close()
	subscribe(t, sub, "TOPIC_DEMO")

	pub.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := frame.Decode(pub)
	require.NoError(t, err)
	require.Equal(t, subscribeMarker, string(f.Topic))
	require.Equal(t, "TOPIC_DEMO", string(f.Payload))
}

func TestProxyForwardsSubscriptionOncePerSocketOnDuplicate(t *testing.T) {
	cfg := startProxy(t)

	pub := dial(t, cfg.XSUBAddr)
	defer pub.Close()

	sub := dial(t, cfg.XPUBAddr)
	defer sub.Close()
	subscribe(t, sub, "TOPIC_DEMO")
	subscribe(t, sub, "TOPIC_DEMO") // duplicate from the same socket

	pub.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := frame.Decode(pub)
	require.NoError(t, err)

	// A second TOPIC_DEMO propagation should not arrive; prove it by
	// subscribing a different socket to another topic and seeing that
	// subscription arrive next instead of a second TOPIC_DEMO one.
	subscribe(t, dial(t, cfg.XPUBAddr), "TOPIC_NEXT") // a different socket
	pub.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := frame.Decode(pub)
	require.NoError(t, err)
	require.Equal(t, subscribeMarker, string(f.Topic))
	require.Equal(t, "TOPIC_NEXT", string(f.Payload))
}

func TestProxyTwoSubscribersBothGetSubscriptionPropagated(t *testing.T) {
	cfg := startProxy(t)

	pub := dial(t, cfg.XSUBAddr)
	defer pub.Close()

	sub1 := dial(t, cfg.XPUBAddr)
	defer sub1.Close()
	subscribe(t, sub1, "TOPIC_DEMO")

	sub2 := dial(t, cfg.XPUBAddr)
	defer sub2.Close()
	subscribe(t, sub2, "TOPIC_DEMO")

	// Publisher should see two propagated subscriptions, one per
	// subscriber socket that originated it.
	pub.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := frame.Decode(pub)
	require.NoError(t, err)
	pub.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = frame.Decode(pub)
	require.NoError(t, err)
}
