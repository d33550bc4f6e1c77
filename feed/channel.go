package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// Transform turns a raw inbound frame into the value handed to subscribers.
type Transform func(raw []byte) (any, error)

func JSONTransform(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.WithMessage(ErrInvalidMessage, err.Error())
	}

	return v, nil
}

type SocketDescriptor struct {
	Topic     Topic
	URL       string
	Protocols []string

	Reconnect         bool
	ReconnectInterval time.Duration
	// 0 means unlimited.
	MaxReconnectAttempts int

	Transform Transform
	BackOff   backoff.BackOff
}

type SocketOption func(*SocketDescriptor)

func WithProtocols(protocols ...string) SocketOption {
	return func(d *SocketDescriptor) {
		d.Protocols = protocols
	}
}

func WithReconnect(enabled bool) SocketOption {
	return func(d *SocketDescriptor) {
		d.Reconnect = enabled
	}
}

// WithReconnectInterval sets the fixed delay between reconnect attempts. A
// non-positive interval keeps DefaultReconnectInterval.
func WithReconnectInterval(interval time.Duration) SocketOption {
	return func(d *SocketDescriptor) {
		d.ReconnectInterval = interval
	}
}

func WithMaxReconnectAttempts(attempts int) SocketOption {
	return func(d *SocketDescriptor) {
		d.MaxReconnectAttempts = attempts
	}
}

func WithTransform(fn Transform) SocketOption {
	return func(d *SocketDescriptor) {
		d.Transform = fn
	}
}

// WithBackOff replaces the fixed reconnect interval with b. The attempt limit
// still applies; b returning backoff.Stop also ends reconnection.
func WithBackOff(b backoff.BackOff) SocketOption {
	return func(d *SocketDescriptor) {
		d.BackOff = b
	}
}

type channel struct {
	desc SocketDescriptor

	state    ChannelState
	conn     Conn
	attempts int

	timer      *time.Timer
	timerSeq   uint64
	cancelDial context.CancelFunc

	// set once the channel has been closed or replaced; events from its
	// connection are ignored from then on.
	detached bool
}

// ChannelManager keeps one push channel per topic and feeds every frame it
// receives to a Publisher.
type ChannelManager struct {
	mu       sync.Mutex
	channels map[Topic]*channel

	dialer Dialer
	pub    Publisher

	log     *zap.Logger
	metrics *Metrics
}

func NewChannelManager(dialer Dialer, pub Publisher, opts ...Option) *ChannelManager {
	o := newOptions(opts)

	return &ChannelManager{
		channels: make(map[Topic]*channel),
		dialer:   dialer,
		pub:      pub,
		log:      o.log,
		metrics:  o.metrics,
	}
}

// RegisterSocket records a channel for topic without connecting it. A channel
// already registered for topic is closed first.
func (m *ChannelManager) RegisterSocket(topic Topic, url string, opts ...SocketOption) (Topic, string) {
	desc := SocketDescriptor{
		Topic:                topic,
		URL:                  url,
		Reconnect:            true,
		ReconnectInterval:    DefaultReconnectInterval,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		Transform:            JSONTransform,
	}

	for _, opt := range opts {
		opt(&desc)
	}

	if desc.Transform == nil {
		desc.Transform = JSONTransform
	}
	if desc.ReconnectInterval <= 0 {
		desc.ReconnectInterval = DefaultReconnectInterval
	}
	if desc.BackOff == nil {
		desc.BackOff = backoff.NewConstantBackOff(desc.ReconnectInterval)
	}

	m.mu.Lock()
	var prevConn Conn
	if prev, exists := m.channels[topic]; exists {
		m.log.Warn("replacing registered socket", zap.String("topic", string(topic)))
		prevConn = m.detachLocked(prev)
	}
	m.channels[topic] = &channel{desc: desc, state: StateRegistered}
	m.mu.Unlock()

	m.closeConn(topic, prevConn)

	m.log.Debug("socket registered",
		zap.String("topic", string(topic)),
		zap.String("url", url),
	)

	return topic, url
}

// OpenSocket starts connecting the channel registered for topic. It does
// nothing if the topic is unknown or the channel is already open or
// connecting.
func (m *ChannelManager) OpenSocket(topic Topic) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, exists := m.channels[topic]
	if !exists {
		m.log.Warn("no socket registered for topic", zap.String("topic", string(topic)))
		return
	}

	switch ch.state {
	case StateOpen:
		m.log.Warn("socket already open", zap.String("topic", string(topic)))
		return
	case StateConnecting:
		m.log.Warn("socket already connecting", zap.String("topic", string(topic)))
		return
	}

	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}

	m.connectLocked(ch)
}

// CloseSocket closes the channel for topic and forgets it. No reconnect is
// attempted for this close.
func (m *ChannelManager) CloseSocket(topic Topic) {
	m.mu.Lock()
	ch, exists := m.channels[topic]
	if !exists {
		m.mu.Unlock()
		m.log.Warn("no socket registered for topic", zap.String("topic", string(topic)))
		return
	}

	conn := m.detachLocked(ch)
	delete(m.channels, topic)
	m.mu.Unlock()

	m.closeConn(topic, conn)

	m.log.Debug("socket closed", zap.String("topic", string(topic)))
}

// SendMessage writes msg on the open channel for topic and reports whether
// it was sent. Strings and byte slices are sent as is, anything else is JSON
// encoded.
func (m *ChannelManager) SendMessage(topic Topic, msg any) bool {
	if err := m.Send(topic, msg); err != nil {
		m.log.Warn("send message failed", zap.String("topic", string(topic)), zap.Error(err))
		return false
	}

	return true
}

// Send is SendMessage returning the reason for a failure: ErrUnknownTopic,
// ErrNotOpen, or an encode or write error.
func (m *ChannelManager) Send(topic Topic, msg any) error {
	m.mu.Lock()
	ch, exists := m.channels[topic]
	var conn Conn
	if exists && ch.state == StateOpen {
		conn = ch.conn
	}
	m.mu.Unlock()

	if !exists {
		return ErrUnknownTopic
	}
	if conn == nil {
		return ErrNotOpen
	}

	payload, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	if err := conn.WriteMessage(payload); err != nil {
		return errors.Wrap(err, "write message")
	}

	return nil
}

// State reports where the channel for topic is in its lifecycle.
func (m *ChannelManager) State(topic Topic) ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, exists := m.channels[topic]
	if !exists {
		return StateUnregistered
	}

	return ch.state
}

func (m *ChannelManager) Topics() []Topic {
	m.mu.Lock()
	defer m.mu.Unlock()

	topics := make([]Topic, 0, len(m.channels))
	for topic := range m.channels {
		topics = append(topics, topic)
	}

	return topics
}

// Close closes every registered channel.
func (m *ChannelManager) Close() {
	m.mu.Lock()
	conns := make(map[Topic]Conn, len(m.channels))
	for topic, ch := range m.channels {
		conns[topic] = m.detachLocked(ch)
		delete(m.channels, topic)
	}
	m.mu.Unlock()

	for topic, conn := range conns {
		m.closeConn(topic, conn)
	}
}

func (m *ChannelManager) connectLocked(ch *channel) {
	ctx, cancel := context.WithCancel(context.Background())

	ch.state = StateConnecting
	ch.cancelDial = cancel

	go m.dial(ctx, ch)
}

func (m *ChannelManager) dial(ctx context.Context, ch *channel) {
	topic := ch.desc.Topic

	conn, err := m.dialer.Dial(ctx, ch.desc.URL, ch.desc.Protocols)

	m.mu.Lock()
	if ch.detached {
		m.mu.Unlock()
		if conn != nil {
			m.closeConn(topic, conn)
		}
		return
	}

	if ch.cancelDial != nil {
		ch.cancelDial()
		ch.cancelDial = nil
	}

	if err != nil {
		m.log.Error("socket error",
			zap.String("topic", string(topic)),
			zap.String("url", ch.desc.URL),
			zap.Error(err),
		)
		m.handleCloseLocked(ch)
		m.mu.Unlock()
		return
	}

	ch.conn = conn
	ch.state = StateOpen
	ch.attempts = 0
	ch.desc.BackOff.Reset()
	m.metrics.channelOpened()
	m.mu.Unlock()

	m.log.Info("socket open",
		zap.String("topic", string(topic)),
		zap.String("url", ch.desc.URL),
	)

	m.readLoop(ch, conn)
}

func (m *ChannelManager) readLoop(ch *channel, conn Conn) {
	topic := ch.desc.Topic

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			detached := ch.detached
			if !detached {
				m.log.Warn("socket closed by peer",
					zap.String("topic", string(topic)),
					zap.Error(err),
				)
				m.handleCloseLocked(ch)
			}
			m.mu.Unlock()

			if !detached {
				m.closeConn(topic, conn)
			}
			return
		}

		data, err := transform(ch.desc.Transform, raw)
		if err != nil {
			m.log.Error("drop frame",
				zap.String("topic", string(topic)),
				zap.Error(err),
			)
			m.metrics.frameDropped(topic)
			continue
		}

		if !m.attached(ch) {
			return
		}

		m.pub.Publish(topic, data)
	}
}

func (m *ChannelManager) attached(ch *channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return !ch.detached
}

func (m *ChannelManager) handleCloseLocked(ch *channel) {
	if ch.state == StateOpen {
		m.metrics.channelClosed()
	}

	ch.conn = nil

	if !ch.desc.Reconnect || m.channels[ch.desc.Topic] != ch {
		ch.state = StateClosed
		return
	}

	m.scheduleReconnectLocked(ch)
}

func (m *ChannelManager) scheduleReconnectLocked(ch *channel) {
	topic := ch.desc.Topic

	limit := ch.desc.MaxReconnectAttempts
	if limit > 0 && ch.attempts >= limit {
		m.log.Error("giving up on socket",
			zap.String("topic", string(topic)),
			zap.Int("attempts", ch.attempts),
			zap.Error(ErrReconnectExhausted),
		)
		ch.state = StateClosed
		return
	}

	delay := ch.desc.BackOff.NextBackOff()
	if delay == backoff.Stop {
		m.log.Error("giving up on socket, back-off stopped",
			zap.String("topic", string(topic)),
			zap.Int("attempts", ch.attempts),
		)
		ch.state = StateClosed
		return
	}

	ch.attempts++
	ch.state = StateReconnectScheduled
	m.metrics.reconnectScheduled(topic)

	m.log.Info("reconnect scheduled",
		zap.String("topic", string(topic)),
		zap.Int("attempt", ch.attempts),
		zap.Duration("delay", delay),
	)

	ch.timerSeq++
	seq := ch.timerSeq
	ch.timer = time.AfterFunc(delay, func() {
		m.reconnect(ch, seq)
	})
}

// reconnect runs when the timer numbered seq fires. A timer that fired after
// being stopped or superseded is ignored.
func (m *ChannelManager) reconnect(ch *channel, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch.detached || ch.state != StateReconnectScheduled || ch.timerSeq != seq {
		return
	}

	ch.timer = nil
	m.connectLocked(ch)
}

// detachLocked cancels the channel's timer and in-flight dial and returns
// the connection the caller must close.
func (m *ChannelManager) detachLocked(ch *channel) Conn {
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}

	if ch.cancelDial != nil {
		ch.cancelDial()
		ch.cancelDial = nil
	}

	if ch.state == StateOpen {
		m.metrics.channelClosed()
	}

	ch.detached = true
	ch.state = StateClosing

	conn := ch.conn
	ch.conn = nil

	return conn
}

func (m *ChannelManager) closeConn(topic Topic, conn Conn) {
	if conn == nil {
		return
	}

	if err := conn.Close(); err != nil {
		m.log.Debug("close connection",
			zap.String("topic", string(topic)),
			zap.Error(err),
		)
	}
}

func transform(fn Transform, raw []byte) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("transform panic: %v", r)
		}
	}()

	return fn(raw)
}

func encodeMessage(msg any) ([]byte, error) {
	switch v := msg.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, "marshal message")
		}
		return data, nil
	}
}
