// Package transport implements the full-duplex message channel between a
// PersonaPlex client and the conversation backend.
//
// A [Channel] owns one websocket connection. Outgoing messages (the JSON
// session config and binary PCM16 microphone frames) pass through a single
// unbounded FIFO drained by a writer goroutine, so they reach the peer in
// the order they were queued and [Channel.Send] never blocks the audio
// goroutine. Incoming binary frames are decoded as little-endian float32
// audio and handed to the audio handler; incoming text frames are treated as
// JSON control messages.
//
// Handlers run on the channel's reader goroutine and must not call
// [Channel.Close].
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/gammazero/deque"

	"github.com/MrWong99/personaplex/internal/observe"
	"github.com/MrWong99/personaplex/pkg/audio"
)

// DefaultReadLimit bounds a single inbound message. Server chunks are a few
// kilobytes; the limit only guards against a misbehaving peer.
const DefaultReadLimit = 4 << 20

// DefaultDialTimeout bounds the websocket handshake when the caller's
// context carries no deadline.
const DefaultDialTimeout = 10 * time.Second

var (
	// ErrClosed is returned by operations on a channel that has been closed,
	// and wraps the error passed to the close handler when the peer hangs up.
	ErrClosed = errors.New("transport: closed")

	// ErrNotOpen is returned when a control message is sent before Open
	// succeeded, or when Open is called twice.
	ErrNotOpen = errors.New("transport: not open")

	// ErrMalformedControl marks an inbound text frame that is not valid JSON.
	ErrMalformedControl = errors.New("transport: malformed control message")
)

// State is the lifecycle state of a [Channel].
type State int32

const (
	// StateIdle means Open has not been called.
	StateIdle State = iota
	// StateConnecting means the handshake is in progress.
	StateConnecting
	// StateOpen means messages flow in both directions.
	StateOpen
	// StateClosed is terminal.
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Option configures a [Channel].
type Option func(*Channel)

// WithAudioHandler sets the callback that receives decoded server audio.
func WithAudioHandler(fn func(chunk []float32)) Option {
	return func(c *Channel) { c.onAudio = fn }
}

// WithControlHandler sets the callback that receives well-formed JSON text
// frames.
func WithControlHandler(fn func(msg json.RawMessage)) Option {
	return func(c *Channel) { c.onControl = fn }
}

// WithCloseHandler sets the callback invoked once when the connection ends
// for any reason other than [Channel.Close]: the peer closing, a read error
// or a write error. The error wraps [ErrClosed] for a peer close.
func WithCloseHandler(fn func(err error)) Option {
	return func(c *Channel) { c.onClose = fn }
}

// WithReadLimit overrides [DefaultReadLimit].
func WithReadLimit(n int64) Option {
	return func(c *Channel) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// WithDialTimeout overrides [DefaultDialTimeout].
func WithDialTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithHTTPHeader adds headers to the websocket handshake request.
func WithHTTPHeader(h http.Header) Option {
	return func(c *Channel) { c.header = h }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// outbound is a queued message. pcm is serialised on the writer goroutine.
type outbound struct {
	text []byte
	pcm  []int16
}

// Channel is a single duplex connection. It is safe for concurrent use.
type Channel struct {
	url         string
	header      http.Header
	readLimit   int64
	dialTimeout time.Duration
	onAudio     func([]float32)
	onControl   func(json.RawMessage)
	onClose     func(error)
	metrics     *observe.Metrics
	log         *slog.Logger

	state atomic.Int32

	// mu guards conn and queue, and serialises state transitions out of
	// StateOpen so that nothing is enqueued after the writer has stopped.
	mu    sync.Mutex
	conn  *websocket.Conn
	queue deque.Deque[outbound]
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	misaligned sync.Once
}

// New returns an idle channel for url. No I/O happens until [Channel.Open].
func New(url string, opts ...Option) *Channel {
	c := &Channel{
		url:         url,
		readLimit:   DefaultReadLimit,
		dialTimeout: DefaultDialTimeout,
		wake:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// URL returns the endpoint the channel dials.
func (c *Channel) URL() string { return c.url }

// State returns the current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Open performs the websocket handshake and starts the reader and writer
// goroutines. It returns once the connection is open or the handshake
// failed. A channel can be opened only once.
func (c *Channel) Open(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		if c.State() == StateClosed {
			return ErrClosed
		}
		return fmt.Errorf("transport: open in state %s: %w", c.State(), ErrNotOpen)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: c.header,
	})
	if err != nil {
		c.state.Store(int32(StateClosed))
		return fmt.Errorf("transport: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(c.readLimit)

	c.mu.Lock()
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		// Close ran while the handshake was in flight.
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closed during connect")
		return ErrClosed
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()

	c.log.Debug("transport: connected", "url", c.url)
	return nil
}

// SendControl serialises v as JSON and queues it as a text frame.
func (c *Channel) SendControl(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal control: %w", err)
	}
	if !c.enqueue(outbound{text: data}) {
		if c.State() == StateClosed {
			return ErrClosed
		}
		return ErrNotOpen
	}
	return nil
}

// Send queues frame as one binary PCM16 message. It never blocks. Frames
// offered while the channel is not open are dropped and counted.
func (c *Channel) Send(frame []int16) {
	if !c.enqueue(outbound{pcm: frame}) {
		c.metrics.RecordFrameDropped(context.Background(), c.State().String())
	}
}

// Pending reports how many messages are queued but not yet written.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

func (c *Channel) enqueue(m outbound) bool {
	c.mu.Lock()
	if c.State() != StateOpen {
		c.mu.Unlock()
		return false
	}
	c.queue.PushBack(m)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// writeLoop drains the queue in FIFO order.
func (c *Channel) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if c.queue.Len() == 0 {
				c.mu.Unlock()
				break
			}
			m := c.queue.PopFront()
			c.mu.Unlock()

			if err := c.write(m); err != nil {
				if c.ctx.Err() == nil {
					c.fail(fmt.Errorf("transport: write: %w", err))
				}
				return
			}
		}
	}
}

func (c *Channel) write(m outbound) error {
	typ, data := websocket.MessageText, m.text
	if m.text == nil {
		typ, data = websocket.MessageBinary, audio.PCM16Bytes(m.pcm)
	}
	if err := c.conn.Write(c.ctx, typ, data); err != nil {
		return err
	}
	if typ == websocket.MessageBinary {
		c.metrics.FramesSent.Add(c.ctx, 1)
	}
	c.metrics.BytesSent.Add(c.ctx, int64(len(data)))
	return nil
}

// readLoop demultiplexes inbound frames until the connection ends.
func (c *Channel) readLoop() {
	defer c.wg.Done()
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if status := websocket.CloseStatus(err); status != -1 {
				c.fail(fmt.Errorf("transport: peer closed with status %d: %w", status, ErrClosed))
			} else {
				c.fail(fmt.Errorf("transport: read: %w", err))
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			c.handleAudio(data)
		case websocket.MessageText:
			c.handleControl(data)
		}
	}
}

func (c *Channel) handleAudio(data []byte) {
	samples, err := audio.Float32FromBytes(data)
	if err != nil {
		c.metrics.RecordChunkReceived(c.ctx, "misaligned")
		c.misaligned.Do(func() {
			c.log.Warn("transport: dropping misaligned audio chunk", "bytes", len(data), "err", err)
		})
		return
	}
	c.metrics.RecordChunkReceived(c.ctx, "ok")
	if c.onAudio != nil {
		c.onAudio(samples)
	}
}

func (c *Channel) handleControl(data []byte) {
	if !json.Valid(data) {
		c.metrics.RecordControlFrame(c.ctx, "malformed")
		c.log.Warn("transport: discarding text frame", "err", ErrMalformedControl, "bytes", len(data))
		return
	}
	c.metrics.RecordControlFrame(c.ctx, "ok")
	c.log.Debug("transport: control message", "msg", string(data))
	if c.onControl != nil {
		c.onControl(json.RawMessage(data))
	}
}

// fail moves an open channel to StateClosed after a remote or I/O failure
// and notifies the close handler. It is a no-op once the channel is closed.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosed)) {
		c.mu.Unlock()
		return
	}
	c.queue.Clear()
	c.mu.Unlock()

	c.cancel()
	c.conn.CloseNow()

	c.log.Warn("transport: connection lost", "url", c.url, "err", err)
	if c.onClose != nil {
		c.onClose(err)
	}
}

// Close closes the connection with a normal closure status, discards queued
// messages and waits for the reader and writer goroutines to exit. The
// close handler is not invoked. Close is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	prev := State(c.state.Swap(int32(StateClosed)))
	c.queue.Clear()
	conn := c.conn
	c.mu.Unlock()

	if prev == StateOpen {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		c.cancel()
	}
	c.wg.Wait()
	return nil
}
