// Package client implements the async SkillScale client: connect to the
// proxy's XSUB/XPUB-equivalent endpoints, publish intents, and resolve
// responses delivered to a per-client reply topic. A background listener
// goroutine owns all reads while Invoke callers write under a mutex, so a
// slow write never stalls delivery of an already-arrived response; Close
// waits for the listener and GC goroutines through a WaitGroup.
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skillscale/skillscale/internal/config"
	"github.com/skillscale/skillscale/internal/errs"
	"github.com/skillscale/skillscale/internal/frame"
	"github.com/skillscale/skillscale/internal/pending"
	"github.com/skillscale/skillscale/internal/proto"
)

const (
	subscribeMarker   = "\x00SUB"
	unsubscribeMarker = "\x00UNSUB"
)

// Request is one invocation request for InvokeParallel/InvokeSequential.
type Request struct {
	Topic   string
	Intent  string
	Timeout time.Duration
}

// Result is the outcome of one invocation in a batch call.
type Result struct {
	Content string
	Err     error
}

// Client is the async SkillScale client.
type Client struct {
	cfg    config.ClientConfig
	logger zerolog.Logger

	mu        sync.Mutex
	pubConn   net.Conn // dials the proxy's XSUB endpoint
	subConn   net.Conn // dials the proxy's XPUB endpoint
	writeMu   sync.Mutex
	connected bool

	pending *pending.Table

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a disconnected client.
func New(cfg config.ClientConfig, logger zerolog.Logger) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = "AGENT_REPLY_" + randomHex(4)
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With().Str("client_id", cfg.ClientID).Logger(),
		pending: pending.New(),
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Connect dials both proxy endpoints, subscribes to this client's reply
// topic, waits out the subscription-settle delay, and starts the
// background listener and GC loop. Idempotent.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	var d net.Dialer
	pub, err := d.DialContext(ctx, "tcp", config.TrimScheme(c.cfg.ProxyXSUB))
	if err != nil {
		return fmt.Errorf("client: dial xsub %s: %w", c.cfg.ProxyXSUB, err)
	}
	sub, err := d.DialContext(ctx, "tcp", config.TrimScheme(c.cfg.ProxyXPUB))
	if err != nil {
		pub.Close()
		return fmt.Errorf("client: dial xpub %s: %w", c.cfg.ProxyXPUB, err)
	}

	c.pubConn = pub
	c.subConn = sub
	c.stopCh = make(chan struct{})

	if err := frame.Encode(c.subConn, []byte(subscribeMarker), []byte(c.cfg.ClientID)); err != nil {
		pub.Close()
		sub.Close()
		return fmt.Errorf("client: subscribe: %w", err)
	}

	time.Sleep(c.cfg.SettleTime)

	c.wg.Add(2)
	go c.listen()
	go c.gcLoop()

	c.connected = true
	c.logger.Info().Str("xsub", c.cfg.ProxyXSUB).Str("xpub", c.cfg.ProxyXPUB).Msg("client connected")
	return nil
}

// Close stops the listener, cancels every pending request, and releases
// both connections. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	close(c.stopCh)
	c.subConn.Close()
	c.pubConn.Close()
	c.wg.Wait()

	n := c.pending.CancelAll(errs.ErrNotConnected)
	if n > 0 {
		c.logger.Debug().Int("cancelled", n).Msg("client close: cancelled pending requests")
	}
	c.connected = false
	return nil
}

func (c *Client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Invoke publishes intent on topic and waits for the matching response,
// up to timeout (or the configured default if timeout <= 0).
func (c *Client) Invoke(ctx context.Context, topic, intent string, timeout time.Duration) (string, error) {
	if !c.isConnected() {
		return "", errs.ErrNotConnected
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	requestID := strings.ReplaceAll(uuid.New().String(), "-", "")
	env := proto.RequestEnvelope{
		RequestID: requestID,
		ReplyTo:   c.cfg.ClientID,
		Intent:    intent,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}

	entry, err := c.pending.Add(requestID, topic, intent, time.Now())
	if err != nil {
		return "", err
	}

	payload, err := proto.MarshalRequest(env)
	if err != nil {
		c.pending.Remove(requestID)
		return "", fmt.Errorf("client: marshal request: %w", err)
	}

	if err := c.publish(topic, payload); err != nil {
		c.pending.Remove(requestID)
		return "", fmt.Errorf("client: publish: %w", err)
	}

	select {
	case r := <-entry.Done():
		if r.Err != nil {
			return "", r.Err
		}
		return r.Content, nil
	case <-time.After(timeout):
		c.pending.Remove(requestID)
		return "", errs.ErrTimeout
	case <-ctx.Done():
		c.pending.Remove(requestID)
		return "", ctx.Err()
	}
}

// InvokeParallel fans requests out concurrently and collects every
// result; it never returns an error itself — per-request failures are
// reported in the corresponding Result.
func (c *Client) InvokeParallel(ctx context.Context, requests []Request) []Result {
	results := make([]Result, len(requests))
	var wg sync.WaitGroup
	wg.Add(len(requests))
	for i, r := range requests {
		go func(i int, r Request) {
			defer wg.Done()
			content, err := c.Invoke(ctx, r.Topic, r.Intent, r.Timeout)
			results[i] = Result{Content: content, Err: err}
		}(i, r)
	}
	wg.Wait()
	return results
}

// InvokeSequential runs requests one at a time, stopping and returning
// the partial results plus the triggering error on the first failure.
func (c *Client) InvokeSequential(ctx context.Context, requests []Request) ([]Result, error) {
	results := make([]Result, 0, len(requests))
	for _, r := range requests {
		content, err := c.Invoke(ctx, r.Topic, r.Intent, r.Timeout)
		results = append(results, Result{Content: content, Err: err})
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// publish serializes the PUB socket writes: concurrent Invoke calls
// share one connection, and writes must be atomic per two-frame message.
func (c *Client) publish(topic string, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return frame.Encode(c.pubConn, []byte(topic), payload)
}

// listen drains the SUB connection, resolving or rejecting pending
// requests as responses arrive. It holds no locks across socket I/O and
// is cancellable within one poll tick via stopCh plus the connection
// close in Close.
func (c *Client) listen() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		f, err := frame.Decode(c.subConn)
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.logger.Debug().Err(err).Msg("client listener: decode failed, stopping")
			return
		}

		env, err := proto.UnmarshalResponse(f.Payload)
		if err != nil {
			c.logger.Warn().Err(err).Str("topic", string(f.Topic)).Msg("client listener: malformed response payload, dropping")
			continue
		}
		if env.RequestID == "" {
			c.logger.Warn().Msg("client listener: response missing request_id, dropping")
			continue
		}

		if env.IsSuccess() {
			c.pending.Resolve(env.RequestID, env.Content)
		} else {
			c.pending.Reject(env.RequestID, errs.NewSkillError(env.Error))
		}
	}
}

// gcLoop periodically sweeps stale pending entries older than
// gc_multiplier x default_timeout, ticking at PollTick. Besides responses
// and sweeps, entries are also removed by Invoke itself when its own
// timeout or ctx fires.
func (c *Client) gcLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollTick)
	defer ticker.Stop()

	maxAge := time.Duration(float64(c.cfg.DefaultTimeout) * c.cfg.GCMultiplier)
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n := c.pending.Sweep(time.Now(), maxAge, errs.ErrTimeout); n > 0 {
				c.logger.Debug().Int("count", n).Msg("client gc: swept stale pending requests")
			}
		}
	}
}
