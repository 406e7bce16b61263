package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const DefaultReconnectDelay = 5 * time.Second

var errManagerClosed = errors.New("manager closed")

type ManagerConfig struct {
	URL            string
	ReconnectDelay time.Duration
	// Setup runs on the fresh channel after every successful connect.
	Setup func(Channel) error
}

// brokerConn is the part of *amqp091.Connection the manager depends on.
type brokerConn interface {
	channel() (brokerChannel, error)
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	NotifyBlocked(receiver chan amqp091.Blocking) chan amqp091.Blocking
	IsClosed() bool
	Close() error
}

type brokerChannel interface {
	Channel
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	IsClosed() bool
	Close() error
}

type amqpConn struct {
	*amqp091.Connection
}

func (c amqpConn) channel() (brokerChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url string) (brokerConn, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

// Manager owns one connection and one channel to the broker. When either is
// closed it drops both and retries after a fixed delay, forever, until Close.
// There is no backoff growth or attempt limit; the process is expected to run
// under a supervisor that restarts it if the broker stays away.
//
// Dialing happens outside mu, so IsConnected and Channel never wait on the
// network. dialMu keeps at most one dial in flight.
type Manager struct {
	cfg    ManagerConfig
	logger *zap.Logger
	dial   func(url string) (brokerConn, error)

	ctx    context.Context
	cancel context.CancelFunc

	dialMu sync.Mutex

	mu      sync.RWMutex
	conn    brokerConn
	ch      brokerChannel
	timer   *time.Timer
	closed  bool
	blocked atomic.Bool
}

func NewManager(cfg ManagerConfig, logger *zap.Logger) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		logger: logger,
		dial:   dialAMQP,
		ctx:    ctx,
		cancel: cancel,
	}
}

// UseLogger replaces the manager's logger. Call it before Connect.
func (m *Manager) UseLogger(logger *zap.Logger) {
	m.logger = logger
}

// Connect establishes the connection and channel and declares the topology.
// It is a no-op when already connected. A failed attempt schedules a retry.
func (m *Manager) Connect() error {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.RLock()
	closed, connected := m.closed, m.connectedLocked()
	m.mu.RUnlock()
	if closed {
		return errManagerClosed
	}
	if connected {
		return nil
	}

	conn, ch, err := m.open()
	if err != nil {
		m.mu.Lock()
		m.scheduleLocked()
		m.mu.Unlock()
		m.logger.Warn("broker connect failed",
			zap.Error(err),
			zap.Duration("retry_in", m.cfg.ReconnectDelay),
		)
		return err
	}

	connClosed := conn.NotifyClose(make(chan *amqp091.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp091.Error, 1))
	blocked := conn.NotifyBlocked(make(chan amqp091.Blocking, 1))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return errManagerClosed
	}
	m.conn, m.ch = conn, ch
	m.blocked.Store(false)
	m.mu.Unlock()

	go m.watch(conn, connClosed, chClosed, blocked)
	m.logger.Info("broker connected")
	return nil
}

func (m *Manager) open() (brokerConn, brokerChannel, error) {
	conn, err := m.dial(m.cfg.URL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect rabbitmq")
	}

	ch, err := conn.channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, errors.Wrap(err, "open channel")
	}

	if m.cfg.Setup != nil {
		if err := m.cfg.Setup(ch); err != nil {
			_ = conn.Close()
			return nil, nil, errors.Wrap(err, "declare topology")
		}
	}
	return conn, ch, nil
}

func (m *Manager) watch(conn brokerConn, connClosed, chClosed <-chan *amqp091.Error, blocked <-chan amqp091.Blocking) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			m.blocked.Store(b.Active)
			if b.Active {
				m.logger.Warn("broker flow control engaged", zap.String("reason", b.Reason))
			} else {
				m.logger.Info("broker flow control released")
			}
		case err := <-connClosed:
			m.drop(conn, "connection", err)
			return
		case err := <-chClosed:
			m.drop(conn, "channel", err)
			return
		}
	}
}

func (m *Manager) drop(conn brokerConn, what string, cause *amqp091.Error) {
	m.mu.Lock()
	if m.closed || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn, m.ch = nil, nil
	m.blocked.Store(false)
	m.scheduleLocked()
	m.mu.Unlock()

	if !conn.IsClosed() {
		_ = conn.Close()
	}

	fields := []zap.Field{zap.String("source", what), zap.Duration("retry_in", m.cfg.ReconnectDelay)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	m.logger.Warn("broker connection lost", fields...)
}

func (m *Manager) scheduleLocked() {
	if m.closed || m.timer != nil {
		return
	}
	m.timer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		m.timer = nil
		m.mu.Unlock()

		if m.ctx.Err() != nil {
			return
		}
		_ = m.Connect()
	})
}

// Channel returns the active channel or ErrNotConnected.
func (m *Manager) Channel() (Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connectedLocked() {
		return nil, ErrNotConnected
	}
	return m.ch, nil
}

func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectedLocked()
}

func (m *Manager) Blocked() bool {
	return m.blocked.Load()
}

func (m *Manager) connectedLocked() bool {
	return m.conn != nil && !m.conn.IsClosed() && m.ch != nil && !m.ch.IsClosed()
}

// Close stops reconnecting and releases the connection. Safe to call twice.
// A dial still in flight is closed as soon as it completes.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn, ch := m.conn, m.ch
	m.conn, m.ch = nil, nil
	m.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}
