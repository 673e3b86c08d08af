// Package channel keeps one logical push connection open, fans every
// inbound JSON message out to registered subscribers and reconnects with
// a fixed delay up to a bounded number of attempts.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"parking-monitor/internal/clock"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateExhausted    State = "exhausted"
	StateClosed       State = "closed"
)

const (
	evDial    = "dial"
	evOpen    = "open"
	evDrop    = "drop"
	evExhaust = "exhaust"
	evClose   = "close"
)

var (
	ErrExhausted = errors.New("reconnect attempts exhausted")
	ErrClosed    = errors.New("channel closed")
)

// Message is one inbound JSON object. Raw holds the full frame.
type Message struct {
	Type string
	Raw  json.RawMessage
}

type Handler func(Message)

type Conn interface {
	Receive() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, name string) (Conn, error)
}

type Options struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	DialTimeout          time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       3 * time.Second,
		DialTimeout:          10 * time.Second,
	}
}

type subscriber struct {
	id      string
	seq     uint64
	handler Handler
}

type Channel struct {
	dialer Dialer
	opts   Options
	clock  clock.Clock
	log    zerolog.Logger

	mu          sync.Mutex
	machine     *fsm.FSM
	name        string
	conn        Conn
	attempts    int
	retry       clock.Timer
	epoch       uint64
	subscribers map[string]*subscriber
	nextSeq     uint64
}

func New(dialer Dialer, opts Options, clk clock.Clock, log zerolog.Logger) *Channel {
	return &Channel{
		dialer:      dialer,
		opts:        opts,
		clock:       clk,
		log:         log,
		machine:     newMachine(),
		subscribers: make(map[string]*subscriber),
	}
}

func newMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evDial, Src: []string{string(StateIdle), string(StateReconnecting), string(StateExhausted), string(StateClosed)}, Dst: string(StateConnecting)},
			{Name: evOpen, Src: []string{string(StateConnecting)}, Dst: string(StateOpen)},
			{Name: evDrop, Src: []string{string(StateConnecting), string(StateOpen)}, Dst: string(StateReconnecting)},
			{Name: evExhaust, Src: []string{string(StateConnecting), string(StateOpen)}, Dst: string(StateExhausted)},
			{Name: evClose, Src: []string{string(StateIdle), string(StateConnecting), string(StateOpen), string(StateReconnecting), string(StateExhausted)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{},
	)
}

func (c *Channel) State() State {
	return State(c.machine.Current())
}

// Err reports ErrExhausted once automatic reconnection has given up.
func (c *Channel) Err() error {
	if c.State() == StateExhausted {
		return ErrExhausted
	}
	return nil
}

func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the named channel. It is a no-op while a connection is
// open or being opened. Otherwise the reconnect counter is reset and any
// pending retry is cancelled. A failed dial is returned and also enters
// the automatic reconnect cycle.
func (c *Channel) Connect(ctx context.Context, name string) error {
	c.mu.Lock()
	switch c.State() {
	case StateOpen, StateConnecting:
		c.mu.Unlock()
		return nil
	}
	c.stopRetryLocked()
	c.epoch++
	c.attempts = 0
	c.name = name
	c.transitionLocked(evDial)
	epoch := c.epoch
	c.mu.Unlock()

	return c.dial(ctx, name, epoch)
}

// Disconnect closes the connection, cancels pending reconnects and drops
// every subscriber.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.epoch++
	c.stopRetryLocked()
	conn := c.conn
	c.conn = nil
	c.subscribers = make(map[string]*subscriber)
	c.transitionLocked(evClose)
	name := c.name
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.log.Info().Str("channel", name).Msg("push channel disconnected")
}

// Subscribe registers handler under id. A second registration for the same
// id replaces the handler and keeps its delivery position.
func (c *Channel) Subscribe(id string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.subscribers[id]; ok {
		s.handler = handler
		return
	}
	c.nextSeq++
	c.subscribers[id] = &subscriber{id: id, seq: c.nextSeq, handler: handler}
}

func (c *Channel) Unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, id)
}

func (c *Channel) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

func (c *Channel) dial(ctx context.Context, name string, epoch uint64) error {
	if c.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.DialTimeout)
		defer cancel()
	}
	conn, err := c.dialer.Dial(ctx, name)

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		c.log.Warn().Err(err).Str("channel", name).Msg("push channel dial failed")
		retry := c.scheduleReconnectLocked()
		c.mu.Unlock()
		if retry {
			c.armRetry(epoch)
		}
		return fmt.Errorf("dial %s: %w", name, err)
	}
	c.conn = conn
	c.attempts = 0
	c.transitionLocked(evOpen)
	c.mu.Unlock()

	c.log.Info().Str("channel", name).Msg("push channel connected")
	go c.readLoop(conn, epoch)
	return nil
}

func (c *Channel) readLoop(conn Conn, epoch uint64) {
	for {
		data, err := conn.Receive()
		if err != nil {
			c.handleDrop(conn, epoch, err)
			return
		}
		c.deliver(data)
	}
}

func (c *Channel) handleDrop(conn Conn, epoch uint64, cause error) {
	c.mu.Lock()
	if epoch != c.epoch || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.log.Warn().Err(cause).Str("channel", c.name).Msg("push channel closed")
	retry := c.scheduleReconnectLocked()
	c.mu.Unlock()

	_ = conn.Close()
	if retry {
		c.armRetry(epoch)
	}
}

// scheduleReconnectLocked counts an attempt and reports whether a retry
// should be armed. The timer itself is armed by the caller after unlocking.
func (c *Channel) scheduleReconnectLocked() bool {
	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.transitionLocked(evExhaust)
		c.log.Error().
			Int("attempts", c.attempts).
			Str("channel", c.name).
			Msg("max reconnection attempts reached")
		return false
	}
	c.attempts++
	c.transitionLocked(evDrop)
	c.log.Info().
		Int("attempt", c.attempts).
		Int("max_attempts", c.opts.MaxReconnectAttempts).
		Dur("delay", c.opts.ReconnectDelay).
		Str("channel", c.name).
		Msg("scheduling reconnect")
	return true
}

func (c *Channel) armRetry(epoch uint64) {
	timer := c.clock.AfterFunc(c.opts.ReconnectDelay, func() { c.redial(epoch) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		timer.Stop()
		return
	}
	c.retry = timer
}

func (c *Channel) redial(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || c.State() != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.transitionLocked(evDial)
	name := c.name
	c.mu.Unlock()

	_ = c.dial(context.Background(), name, epoch)
}

func (c *Channel) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Channel) transitionLocked(event string) {
	if !c.machine.Can(event) {
		c.log.Debug().Str("event", event).Str("state", c.machine.Current()).Msg("ignored channel transition")
		return
	}
	if err := c.machine.Event(context.Background(), event); err != nil {
		c.log.Debug().Err(err).Str("event", event).Msg("channel transition failed")
	}
}

func (c *Channel) deliver(data []byte) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		c.log.Debug().Err(err).Int("bytes", len(data)).Msg("dropping non-object push frame")
		return
	}
	msg := Message{Raw: append(json.RawMessage(nil), data...)}
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &msg.Type); err != nil {
			c.log.Debug().Err(err).RawJSON("type", raw).Msg("push frame has non-string type")
		}
	}

	for _, s := range c.snapshotSubscribers() {
		c.invoke(s, msg)
	}
}

func (c *Channel) snapshotSubscribers() []subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]subscriber, 0, len(c.subscribers))
	for _, s := range c.subscribers {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (c *Channel) invoke(s subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Str("subscriber", s.id).
				Str("type", msg.Type).
				Interface("panic", r).
				Msg("subscriber handler panicked")
		}
	}()
	s.handler(msg)
}
