// Package transport owns the single persistent websocket connection to the
// signaling server. It authenticates with a bearer token, keeps the
// connection alive with ping/pong, and retries dropped connections a bounded
// number of times with capped backoff. Consumers never see a half-open
// state: the client is either connected or it is not.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shrey2343/researcher-rtc/model"
)

const (
	defaultHandshakeTimeout   = 3 * time.Second
	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
	defaultMaxMessageSize     = 65536

	// defaultPongWait - defaultPingInterval == is how long we give the server to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultMaxRetries      = 5
	defaultMinRetryBackoff = 500 * time.Millisecond
	defaultMaxRetryBackoff = 5 * time.Second

	subscriberBuffer = 256
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrDial         = errors.New("unable to connect to signaling server")
)

type Config struct {
	Logger *zerolog.Logger

	// URL is the websocket endpoint of the signaling server.
	URL string

	// MaxRetries bounds automatic reconnection attempts after an
	// ungraceful disconnect or failed dial. Zero means the default.
	MaxRetries int

	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

// Client maintains at most one live connection matching the presence of the
// auth token. It is safe for concurrent use.
type Client struct {
	logger zerolog.Logger
	url    string

	maxRetries int
	minBackoff time.Duration
	maxBackoff time.Duration

	dialer *websocket.Dialer

	mu    sync.Mutex
	token string
	sess  *session
	gen   uint64 // bumped on every Connect/Disconnect to kill stale retry loops

	subMu sync.RWMutex
	subs  map[chan model.Event]struct{}
}

// session is one live websocket connection with its own teardown.
type session struct {
	conn *websocket.Conn
	tx   chan model.Event
	done chan struct{}
	once sync.Once
}

// close signals both pumps and closes the underlying connection, which
// also unblocks a reader parked in ReadMessage. The close frame itself is
// written by the sender pump, the only goroutine allowed to write.
// Idempotent.
func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

func NewClient(cfg Config) *Client {
	c := &Client{
		logger:     cfg.Logger.With().Str("component", "transport").Logger(),
		url:        cfg.URL,
		maxRetries: cfg.MaxRetries,
		minBackoff: cfg.MinRetryBackoff,
		maxBackoff: cfg.MaxRetryBackoff,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		subs: make(map[chan model.Event]struct{}),
	}
	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.minBackoff <= 0 {
		c.minBackoff = defaultMinRetryBackoff
	}
	if c.maxBackoff < c.minBackoff {
		c.maxBackoff = defaultMaxRetryBackoff
	}
	return c
}

// Connect establishes a connection authenticated with token. It is a no-op
// when a live connection for the same non-empty token already exists. An
// empty token tears the connection down, mirroring a cleared auth session.
// A dial failure is returned for information but the client keeps retrying
// in the background up to the retry bound.
func (c *Client) Connect(token string) error {
	c.mu.Lock()
	if token == "" {
		c.teardownLocked()
		c.token = ""
		c.mu.Unlock()
		return nil
	}
	if c.sess != nil && c.token == token {
		c.mu.Unlock()
		return nil
	}
	c.teardownLocked()
	c.token = token
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	if err := c.dial(gen, token); err != nil {
		go c.retryLoop(gen, token, 1)
		return err
	}
	return nil
}

// Disconnect closes any live connection. Idempotent, safe to call even if
// the client never connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.teardownLocked()
	c.token = ""
	c.gen++
	c.mu.Unlock()
}

// Connected reports whether a live connection currently exists.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Send queues an event for transmission. It returns ErrNotConnected when no
// live connection exists; it never blocks past the session's lifetime.
func (c *Client) Send(ev model.Event) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	select {
	case sess.tx <- ev:
		return nil
	case <-sess.done:
		return ErrNotConnected
	}
}

// Subscribe registers a channel receiving every inbound event in arrival
// order. cancel removes the subscription and closes the channel.
func (c *Client) Subscribe() (ch chan model.Event, cancel func()) {
	ch = make(chan model.Event, subscriberBuffer)

	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	cancel = func() {
		c.subMu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

// teardownLocked closes the current session. Caller holds c.mu.
func (c *Client) teardownLocked() {
	if c.sess == nil {
		return
	}
	c.sess.close()
	c.sess = nil
}

func (c *Client) dial(gen uint64, token string) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := c.dialer.Dial(c.url, header)
	if err != nil {
		c.logger.Error().Err(err).Str("url", c.url).Msg("dial failed")
		return errors.Join(ErrDial, err)
	}

	sess := &session{
		conn: conn,
		tx:   make(chan model.Event),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.gen != gen {
		// Disconnect or a newer Connect raced the dial.
		c.mu.Unlock()
		sess.close()
		return nil
	}
	c.sess = sess
	c.mu.Unlock()

	c.logger.Info().Str("url", c.url).Msg("connected")

	go c.sender(sess)
	go c.receiver(gen, token, sess)
	return nil
}

// retryLoop redials with capped backoff until success, cancellation, or the
// attempt bound. After exhausting retries the client stays disconnected
// until an explicit Connect.
func (c *Client) retryLoop(gen uint64, token string, attempt int) {
	for ; attempt <= c.maxRetries; attempt++ {
		time.Sleep(c.backoff(attempt))

		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}

		c.logger.Debug().Int("attempt", attempt).Msg("reconnecting")
		if err := c.dial(gen, token); err == nil {
			return
		}
	}
	c.logger.Error().Int("attempts", c.maxRetries).Msg("reconnect attempts exhausted")
}

// backoff doubles the delay per attempt up to the cap. Doubling stops at
// the cap instead of shifting, so a huge retry bound cannot overflow the
// delay into zero or negative.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.minBackoff
	for i := 1; i < attempt && delay < c.maxBackoff; i++ {
		delay *= 2
	}
	if delay > c.maxBackoff {
		delay = c.maxBackoff
	}
	return delay
}

func (c *Client) sender(sess *session) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()
SendLoop:
	for {
		select {
		case <-sess.done:
			break SendLoop
		case <-pingTicker.C:
			if err := sess.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				c.logger.Error().Err(err).Msg("failed to set write deadline")
				break SendLoop
			}
			if err := sess.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				c.logger.Error().Err(err).Msg("failed to send ping")
				break SendLoop
			}
			c.logger.Trace().Msg("ping sent")
		case ev := <-sess.tx:
			b, err := json.Marshal(&ev)
			if err != nil {
				c.logger.Error().Err(err).Msg("failed to marshal outgoing event")
				continue
			}
			if err = sess.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				c.logger.Error().Err(err).Msg("failed to set write deadline")
				break SendLoop
			}
			if err = sess.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Error().Err(err).Str("event", string(ev.Kind)).Msg("failed to write outgoing event")
				break SendLoop
			}
		}
	}
	sess.close()

	// Last write before the connection goes away. Failures are expected
	// when the link already died.
	err := sess.conn.SetWriteDeadline(time.Now().Add(defaultCloseWriteDeadline))
	if err == nil {
		if err = sess.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug().Err(err).Msg("failed to send close message")
		}
	}
	if err = sess.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("failed to close connection")
	}
}

func (c *Client) receiver(gen uint64, token string, sess *session) {
	sess.conn.SetReadLimit(defaultMaxMessageSize)
	sess.conn.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("got pong")
		return sess.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	graceful := false
	if err := sess.conn.SetReadDeadline(time.Now().Add(defaultPongWait)); err != nil {
		c.logger.Error().Err(err).Msg("failed to set read deadline")
	} else {
	RecvLoop:
		for {
			_, msg, err := sess.conn.ReadMessage()
			if err != nil {
				select {
				case <-sess.done:
					// Local teardown closed the connection under us.
					graceful = true
				default:
					if websocket.IsCloseError(err,
						websocket.CloseNormalClosure,
						websocket.CloseGoingAway) {
						c.logger.Warn().Err(err).Msg("connection closed by server")
						graceful = true
					} else {
						c.logger.Error().Err(err).Msg("unexpected error during receive")
					}
				}
				break RecvLoop
			}

			var ev model.Event
			if err = json.Unmarshal(msg, &ev); err != nil {
				c.logger.Error().Err(err).Msg("failed to unmarshal incoming event")
				continue
			}
			c.fanOut(ev, sess)

			select {
			case <-sess.done:
				break RecvLoop
			default:
			}
		}
	}

	sess.close()

	c.mu.Lock()
	current := c.gen == gen && c.sess == sess
	if current {
		c.sess = nil
	}
	c.mu.Unlock()

	// Locally initiated teardown ends here; an ungraceful drop of the
	// current session triggers the bounded reconnect.
	if current && !graceful {
		go c.retryLoop(gen, token, 1)
	}
}

// fanOut delivers ev to every subscriber in arrival order. Delivery blocks
// on a full subscriber rather than reordering or dropping, bounded by the
// session's lifetime.
func (c *Client) fanOut(ev model.Event, sess *session) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		case <-sess.done:
			return
		}
	}
}
