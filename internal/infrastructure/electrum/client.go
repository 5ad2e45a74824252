package electrum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tuxpay/tuxpay/internal/core/ports"
	"github.com/tuxpay/tuxpay/pkg/common"
)

const (
	clientName      = "tuxpay"
	protocolVersion = "1.4"

	maxPeerQueries   = 20
	peerCheckPeriod  = 24 * time.Hour
	reconnectTimeout = 2 * time.Minute

	minReconnectBackoff = 5 * time.Second
	maxReconnectBackoff = 5 * time.Minute
)

// Client owns at most one session with a server of a given asset and fails
// over to another server, carrying the subscriptions along, whenever the
// current one misbehaves.
type Client struct {
	asset       common.Asset
	registry    *Registry
	dialer      Dialer
	callTimeout time.Duration

	lock    sync.Mutex
	session *session
	// orphans are subscriptions of a dropped session still waiting for a new
	// one.
	orphans map[string]SubscriptionState
	// reconnecting is set while a background loop tries to bring the
	// orphans back on a new session.
	reconnecting bool
	minBackoff   time.Duration
	maxBackoff   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(asset common.Asset, registry *Registry, dialer Dialer) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		asset:       asset,
		registry:    registry,
		dialer:      dialer,
		callTimeout: defaultCallTimeout,
		orphans:     make(map[string]SubscriptionState),
		minBackoff:  minReconnectBackoff,
		maxBackoff:  maxReconnectBackoff,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (c *Client) Symbol() string {
	return c.asset.Symbol
}

func (c *Client) Registry() *Registry {
	return c.registry
}

// Host returns the server of the current session, if any.
func (c *Client) Host() string {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.session == nil {
		return ""
	}
	return c.session.Host()
}

// Call sends a request to the current server and validates the result.
func (c *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return c.do(ctx, method, params, nil)
}

// Subscribe registers the queue for the notifications of the given method
// and params and returns the current result.
func (c *Client) Subscribe(
	ctx context.Context, method string, params []any, queue *ports.Queue,
) (json.RawMessage, error) {
	if queue == nil {
		return nil, fmt.Errorf("missing queue")
	}
	return c.do(ctx, method, params, queue)
}

func (c *Client) Unsubscribe(queue *ports.Queue) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.session != nil {
		c.session.Unsubscribe(queue)
	}
	for key, sub := range c.orphans {
		queues := make([]*ports.Queue, 0, len(sub.Queues))
		for _, q := range sub.Queues {
			if q != queue {
				queues = append(queues, q)
			}
		}
		if len(queues) == 0 {
			delete(c.orphans, key)
			continue
		}
		sub.Queues = queues
		c.orphans[key] = sub
	}
}

// Penalize drops the current server and reconnects to another one.
func (c *Client) Penalize(ctx context.Context) {
	c.lock.Lock()
	current := c.session
	c.lock.Unlock()

	if current == nil {
		return
	}
	c.penalize(ctx, current, map[string]struct{}{current.Host(): {}})
}

func (c *Client) Close() {
	c.cancel()

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
}

func (c *Client) do(
	ctx context.Context, method string, params []any, queue *ports.Queue,
) (json.RawMessage, error) {
	// servers failed during this call
	exclude := make(map[string]struct{})

	for {
		s, err := c.getSession(ctx, exclude)
		if err != nil {
			return nil, err
		}

		result, err := c.callSession(ctx, s, method, params, queue)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isServerFault(err) {
			return nil, err
		}

		log.WithError(err).Infof(
			"electrum: %s call %s failed on %s, retrying", c.asset.Symbol, method, s.Host(),
		)
		exclude[s.Host()] = struct{}{}
		c.penalize(ctx, s, exclude)
	}
}

func (c *Client) callSession(
	ctx context.Context, s *session, method string, params []any, queue *ports.Queue,
) (json.RawMessage, error) {
	var (
		result json.RawMessage
		err    error
	)
	if queue != nil {
		result, err = s.Subscribe(ctx, method, params, queue)
	} else {
		result, err = s.Call(ctx, method, params, c.callTimeout)
	}
	if err != nil {
		if ctx.Err() == nil {
			c.registry.RecordAttempt(s.Host(), false)
		}
		return nil, err
	}

	validated, err := validateResult(method, params, result)
	if err != nil {
		c.registry.RecordAttempt(s.Host(), false)
		return nil, &ProtocolError{Host: s.Host(), Method: method, Reason: err.Error()}
	}
	if !validated {
		log.Warnf("electrum: non-validated call %s - %s", method, result)
	}
	c.registry.RecordAttempt(s.Host(), true)
	return result, nil
}

func (c *Client) getSession(ctx context.Context, exclude map[string]struct{}) (*session, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.session != nil {
		if !c.session.IsClosed() {
			return c.session, nil
		}
		c.dropSession(c.session)
	}
	return c.connect(ctx, exclude)
}

// penalize replaces the failed session, unless someone already did.
func (c *Client) penalize(ctx context.Context, failed *session, exclude map[string]struct{}) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.session != failed {
		return
	}
	c.dropSession(failed)

	if _, err := c.connect(ctx, exclude); err != nil {
		log.WithError(err).Warnf("electrum: failed to replace %s server %s", c.asset.Symbol, failed.Host())
		c.scheduleReconnect()
	}
}

// dropSession must be called with the lock held.
func (c *Client) dropSession(s *session) {
	if err := s.Err(); err != nil {
		log.WithError(err).Infof("electrum: %s session with %s closed", c.asset.Symbol, s.Host())
	}
	for key, sub := range s.Teardown() {
		if orphan, ok := c.orphans[key]; ok {
			for _, q := range orphan.Queues {
				sub.Queues = appendQueue(sub.Queues, q)
			}
		}
		c.orphans[key] = sub
	}
	c.session = nil
}

// connect must be called with the lock held. It tries servers until one
// accepts the connection and the orphaned subscriptions.
func (c *Client) connect(ctx context.Context, exclude map[string]struct{}) (*session, error) {
	refreshed := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		server, ok := c.registry.Select(exclude)
		if !ok {
			if refreshed {
				return nil, &NoServersError{c.asset.Symbol}
			}
			refreshed = true
			if err := c.UpdatePeers(ctx); err != nil {
				log.WithError(err).Warnf("electrum: failed to update %s peers", c.asset.Symbol)
			}
			continue
		}

		s, err := c.dial(ctx, server.Host)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithError(err).Infof("electrum: %s connection to %s failed", c.asset.Symbol, server.Host)
			c.registry.RecordAttempt(server.Host, false)
			exclude[server.Host] = struct{}{}
			continue
		}
		c.registry.RecordAttempt(server.Host, true)

		if err := c.restore(ctx, s); err != nil {
			log.WithError(err).Infof("electrum: failed to restore subscriptions on %s", server.Host)
			s.Teardown()
			c.registry.RecordAttempt(server.Host, false)
			exclude[server.Host] = struct{}{}
			continue
		}

		log.Infof("electrum: %s connected to %s", c.asset.Symbol, server.Host)
		c.session = s
		go c.monitor(s)
		return s, nil
	}
}

func (c *Client) dial(ctx context.Context, host string) (*session, error) {
	server, ok := c.registry.Get(host)
	if !ok {
		return nil, fmt.Errorf("unknown server %s", host)
	}

	conn, err := c.dialer.Dial(ctx, server)
	if err != nil {
		return nil, &TransportError{host, err}
	}
	s := newSession(host, conn)

	start := time.Now()
	result, err := s.Call(ctx, methodVersion, []any{clientName, protocolVersion}, c.callTimeout)
	if err != nil {
		s.Close()
		return nil, err
	}
	if _, err := validateResult(methodVersion, nil, result); err != nil {
		s.Close()
		return nil, &ProtocolError{Host: host, Method: methodVersion, Reason: err.Error()}
	}
	c.registry.SetLatency(host, time.Since(start))

	return s, nil
}

// restore replays the orphaned subscriptions on the new session. Consumers
// get notified when the state changed while they were not connected.
func (c *Client) restore(ctx context.Context, s *session) error {
	for key, sub := range c.orphans {
		var result json.RawMessage
		for _, queue := range sub.Queues {
			r, err := s.Subscribe(ctx, sub.Method, sub.Params, queue)
			if err != nil {
				return err
			}
			result = r
		}
		if result == nil {
			continue
		}
		if _, err := validateResult(sub.Method, sub.Params, result); err != nil {
			return &ProtocolError{Host: s.Host(), Method: sub.Method, Reason: err.Error()}
		}

		if sub.Result != nil && !bytes.Equal(compactJSON(sub.Result), compactJSON(result)) {
			notification, err := newNotification(sub.Method, sub.Params, result)
			if err != nil {
				return err
			}
			for _, queue := range sub.Queues {
				queue.Push(notification)
			}
		}
		log.Debugf("electrum: restored subscription %s on %s", key, s.Host())
	}
	c.orphans = make(map[string]SubscriptionState)
	return nil
}

// monitor fails over as soon as the session gets closed by the server, so
// subscribers don't need to issue a call to notice.
func (c *Client) monitor(s *session) {
	select {
	case <-c.ctx.Done():
		return
	case <-s.done:
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.session != s {
		return
	}
	c.registry.RecordAttempt(s.Host(), false)
	c.dropSession(s)

	ctx, cancel := context.WithTimeout(c.ctx, reconnectTimeout)
	defer cancel()
	if _, err := c.connect(ctx, map[string]struct{}{s.Host(): {}}); err != nil {
		log.WithError(err).Warnf("electrum: failed to reconnect %s", c.asset.Symbol)
		c.scheduleReconnect()
	}
}

// scheduleReconnect must be called with the lock held. It keeps trying to
// open a session in background while orphaned subscriptions are waiting.
func (c *Client) scheduleReconnect() {
	if c.reconnecting || c.ctx.Err() != nil || len(c.orphans) <= 0 {
		return
	}
	c.reconnecting = true
	go c.reconnect()
}

func (c *Client) reconnect() {
	backoff := time.Duration(0)
	for {
		backoff = c.nextBackoff(backoff)
		select {
		case <-c.ctx.Done():
			c.lock.Lock()
			c.reconnecting = false
			c.lock.Unlock()
			return
		case <-time.After(backoff):
		}

		c.lock.Lock()
		if c.session != nil || len(c.orphans) <= 0 {
			c.reconnecting = false
			c.lock.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(c.ctx, reconnectTimeout)
		_, err := c.connect(ctx, make(map[string]struct{}))
		cancel()
		if err == nil {
			c.reconnecting = false
			c.lock.Unlock()
			return
		}
		c.lock.Unlock()

		log.WithError(err).Warnf(
			"electrum: %s still disconnected, retrying in %s", c.asset.Symbol, c.nextBackoff(backoff),
		)
	}
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return c.minBackoff
	}
	if next := current * 2; next < c.maxBackoff {
		return next
	}
	return c.maxBackoff
}

// UpdatePeers asks the servers not checked recently for their peers and
// saves the new ones.
func (c *Client) UpdatePeers(ctx context.Context) error {
	servers := c.registry.Unchecked(time.Now().UTC().Add(-peerCheckPeriod), maxPeerQueries)
	log.Infof("electrum: updating %s peer list from %d servers", c.asset.Symbol, len(servers))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		peers = make([]json.RawMessage, 0)
	)
	for _, server := range servers {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()

			result, err := c.findPeers(ctx, host)
			c.registry.RecordAttempt(host, err == nil)
			if err != nil {
				log.WithError(err).Debugf("electrum: failed to get peers from %s", host)
				return
			}
			mu.Lock()
			peers = append(peers, result)
			mu.Unlock()
		}(server.Host)
	}
	wg.Wait()

	for _, result := range peers {
		var entries [][]json.RawMessage
		if err := json.Unmarshal(result, &entries); err != nil {
			continue
		}
		for _, entry := range entries {
			server, ok := parsePeer(entry, c.asset)
			if !ok {
				continue
			}
			for _, added := range c.registry.Merge(server) {
				log.Infof("electrum: adding new %s peer %s", c.asset.Symbol, added)
			}
		}
	}

	return c.registry.Save(ctx)
}

func (c *Client) findPeers(ctx context.Context, host string) (json.RawMessage, error) {
	s, err := c.dial(ctx, host)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	result, err := s.Call(ctx, methodPeersSubscribe, nil, c.callTimeout)
	if err != nil {
		return nil, err
	}
	if _, err := validateResult(methodPeersSubscribe, nil, result); err != nil {
		return nil, &ProtocolError{Host: host, Method: methodPeersSubscribe, Reason: err.Error()}
	}
	return result, nil
}

func newNotification(method string, params []any, result json.RawMessage) (ports.Notification, error) {
	rawParams := make([]json.RawMessage, 0, len(params)+1)
	for _, param := range params {
		buf, err := json.Marshal(param)
		if err != nil {
			return ports.Notification{}, err
		}
		rawParams = append(rawParams, buf)
	}
	rawParams = append(rawParams, result)
	return ports.Notification{Method: method, Params: rawParams, Result: result}, nil
}

func compactJSON(raw json.RawMessage) []byte {
	buf := &bytes.Buffer{}
	if err := json.Compact(buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func appendQueue(queues []*ports.Queue, queue *ports.Queue) []*ports.Queue {
	for _, q := range queues {
		if q == queue {
			return queues
		}
	}
	return append(queues, queue)
}

// IsNoServers reports whether the error is the exhaustion of the server
// pool.
func IsNoServers(err error) bool {
	return errors.Is(err, ports.ErrNoServers)
}
