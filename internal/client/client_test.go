package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/skillscale/skillscale/internal/config"
	"github.com/skillscale/skillscale/internal/frame"
	"github.com/skillscale/skillscale/internal/proto"
)

// fakeProxy accepts one xsub connection and one xpub connection and
// echoes every request it reads on xsub straight back out on xpub as a
// success response, letting tests exercise Invoke end-to-end without the
// real proxy.
type fakeProxy struct {
	xsubLn net.Listener
	xpubLn net.Listener
}

func newFakeProxy(t *testing.T) *fakeProxy {
	t.Helper()
	xsubLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	xpubLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &fakeProxy{xsubLn: xsubLn, xpubLn: xpubLn}
}

func (p *fakeProxy) run(t *testing.T) {
	t.Helper()
	xsub, err := p.xsubLn.Accept()
	require.NoError(t, err)
	xpub, err := p.xpubLn.Accept()
	require.NoError(t, err)

	// Drain and discard the subscription control frame.
	_, err = frame.Decode(xpub)
	require.NoError(t, err)

	go func() {
		for {
			f, err := frame.Decode(xsub)
			if err != nil {
				return
			}
			req, err := proto.UnmarshalRequest(f.Payload)
			if err != nil {
				continue
			}
			resp := proto.ResponseEnvelope{
				RequestID: req.RequestID,
				Status:    proto.StatusSuccess,
				Content:   "echo:" + req.Intent,
			}
			payload, _ := proto.MarshalResponse(resp)
			_ = frame.Encode(xpub, []byte(req.ReplyTo), payload)
		}
	}()
}

func newTestClient(t *testing.T, p *fakeProxy) *Client {
	t.Helper()
	cfg := config.ClientConfig{
		ProxyXSUB:      p.xsubLn.Addr().String(),
		ProxyXPUB:      p.xpubLn.Addr().String(),
		ClientID:       "AGENT_REPLY_TEST",
		DefaultTimeout: 2 * time.Second,
		SettleTime:     10 * time.Millisecond,
		PollTick:       20 * time.Millisecond,
		GCMultiplier:   2.0,
	}
	return New(cfg, zerolog.Nop())
}

func TestInvokeRoundTrip(t *testing.T) {
	p := newFakeProxy(t)
	p.run(t)
	c := newTestClient(t, p)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	content, err := c.Invoke(context.Background(), "TOPIC", `{"task":"hi"}`, 0)
	require.NoError(t, err)
	require.Equal(t, `echo:{"task":"hi"}`, content)
}

func TestInvokeNotConnected(t *testing.T) {
	p := newFakeProxy(t)
	c := newTestClient(t, p)

	_, err := c.Invoke(context.Background(), "TOPIC", "hi", 0)
	require.Error(t, err)
}

func TestInvokeTimeout(t *testing.T) {
	xsubLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	xpubLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		xsub, _ := xsubLn.Accept()
		xpub, _ := xpubLn.Accept()
		_, _ = frame.Decode(xpub) // drain subscribe frame
		// Never responds.
		go func() {
			for {
				if _, err := frame.Decode(xsub); err != nil {
					return
				}
			}
		}()
	}()

	cfg := config.ClientConfig{
		ProxyXSUB:      xsubLn.Addr().String(),
		ProxyXPUB:      xpubLn.Addr().String(),
		ClientID:       "AGENT_REPLY_TIMEOUT",
		DefaultTimeout: 50 * time.Millisecond,
		SettleTime:     5 * time.Millisecond,
		PollTick:       20 * time.Millisecond,
		GCMultiplier:   2.0,
	}
	c := New(cfg, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	_, err = c.Invoke(context.Background(), "TOPIC", "hi", 0)
	require.Error(t, err)
}

func TestInvokeParallelCollectsAllResults(t *testing.T) {
	p := newFakeProxy(t)
	p.run(t)
	c := newTestClient(t, p)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	reqs := []Request{
		{Topic: "TOPIC", Intent: "a"},
		{Topic: "TOPIC", Intent: "b"},
		{Topic: "TOPIC", Intent: "c"},
	}
	results := c.InvokeParallel(context.Background(), reqs)
	require.Len(t, results, 3)
	for i, r := range results {
		require.NoError(t, r.Err)
		require.Equal(t, "echo:"+reqs[i].Intent, r.Content)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p := newFakeProxy(t)
	p.run(t)
	c := newTestClient(t, p)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
