// Package connection owns the duplex websocket channel to the session server.
//
// A Manager dials, keeps the socket alive with ping/pong, decodes inbound frames
// and reconnects with randomized exponential backoff. Everything the consumer
// needs to know is delivered on a single ordered event channel: lifecycle
// notifications (Connected, Disconnected, ConnectError) interleaved with the
// decoded server events.
package connection

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chaterrors"
	"github.com/go-go-golems/chatsync/pkg/protocol"
)

// Disconnect reasons reported in protocol.Disconnected.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonPingTimeout      = "ping timeout"
)

const connectOp = "connect"

var (
	ErrNotConnected   = errors.New("connection: not connected")
	ErrAlreadyRunning = errors.New("connection: already running")
)

type Credentials struct {
	Token string
}

type Options struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header

	// MaxAttempts bounds consecutive failed dials before the manager gives up.
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	RandomizationFactor float64
	Multiplier          float64

	PingInterval     time.Duration
	PongWait         time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration

	EventBuffer int
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:         5,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		PingInterval:        25 * time.Second,
		PongWait:            60 * time.Second,
		WriteTimeout:        10 * time.Second,
		HandshakeTimeout:    10 * time.Second,
		EventBuffer:         64,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = d.InitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = d.MaxInterval
	}
	if o.RandomizationFactor < 0 || o.RandomizationFactor > 1 {
		o.RandomizationFactor = d.RandomizationFactor
	}
	if o.Multiplier < 1 {
		o.Multiplier = d.Multiplier
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval * 2
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	return o
}

// Manager is safe for concurrent use. Send may be called from any goroutine;
// writes are serialized.
type Manager struct {
	opts Options

	mu       sync.Mutex
	state    protocol.ConnectionState
	conn     *websocket.Conn
	cancel   context.CancelFunc
	running  bool
	closing  bool
	finished chan struct{}

	writeMu sync.Mutex
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:  opts.withDefaults(),
		state: protocol.StateDisconnected,
	}
}

func (m *Manager) State() protocol.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the dial/reconnect loop and returns the event stream. The
// channel is closed once the manager stops: after Disconnect, after the attempt
// bound is exhausted, after an authentication failure, after the server closed
// the session normally, or when ctx is cancelled.
func (m *Manager) Connect(ctx context.Context, creds Credentials) (<-chan protocol.Event, error) {
	if m.opts.URL == "" {
		return nil, errors.New("connection: missing url")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.closing = false
	m.finished = make(chan struct{})
	m.mu.Unlock()

	events := make(chan protocol.Event, m.opts.EventBuffer)
	go m.run(ctx, runCtx, creds, events)
	return events, nil
}

// Disconnect stops the manager. It is idempotent; a live socket is closed with a
// normal close frame and reported once as Disconnected{ReasonClientDisconnect}.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.running || m.closing {
		m.mu.Unlock()
		return
	}
	m.closing = true
	cancel := m.cancel
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(m.opts.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the current run loop exits.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.finished
}

// Send writes one command frame.
func (m *Manager) Send(cmd protocol.Command) error {
	data, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout)); err != nil {
		return &chaterrors.ConnectionError{Op: "send " + cmd.CommandName(), Err: err}
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &chaterrors.ConnectionError{Op: "send " + cmd.CommandName(), Err: err}
	}
	log.Debug().Str("component", "connection").Str("command", cmd.CommandName()).Msg("frame sent")
	return nil
}

func (m *Manager) setState(s protocol.ConnectionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

func (m *Manager) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.opts.InitialInterval
	eb.MaxInterval = m.opts.MaxInterval
	eb.RandomizationFactor = m.opts.RandomizationFactor
	eb.Multiplier = m.opts.Multiplier
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(m.opts.MaxAttempts-1))
}

func (m *Manager) run(parent, ctx context.Context, creds Credentials, events chan<- protocol.Event) {
	emit := func(ev protocol.Event) {
		select {
		case events <- ev:
		case <-parent.Done():
		}
	}
	defer func() {
		m.mu.Lock()
		m.running = false
		m.conn = nil
		if m.state != protocol.StateError {
			m.state = protocol.StateDisconnected
		}
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		finished := m.finished
		m.mu.Unlock()
		close(events)
		if finished != nil {
			close(finished)
		}
	}()

	b := m.newBackOff()
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		m.setState(protocol.StateConnecting)
		conn, err := m.dial(ctx, creds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			if chaterrors.IsAuthentication(err) {
				log.Error().Err(err).Str("component", "connection").Msg("handshake rejected")
				m.setState(protocol.StateError)
				emit(protocol.ConnectError{Message: err.Error(), Err: err})
				return
			}
			log.Warn().Err(err).Str("component", "connection").Int("attempt", attempts).Msg("dial failed")
			emit(protocol.ConnectError{Message: err.Error(), Err: err})

			next := b.NextBackOff()
			if next == backoff.Stop {
				cause := err
				var connErr *chaterrors.ConnectionError
				if errors.As(err, &connErr) {
					cause = connErr.Err
				}
				final := &chaterrors.ConnectionError{Op: connectOp, Attempts: attempts, Err: cause}
				log.Error().Err(final).Str("component", "connection").Msg("giving up")
				m.setState(protocol.StateError)
				emit(protocol.ConnectError{Message: final.Error(), Err: final})
				return
			}
			if !sleepCtx(ctx, next) {
				return
			}
			continue
		}

		attempts = 0
		b.Reset()
		m.mu.Lock()
		if m.closing {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.conn = conn
		m.state = protocol.StateConnected
		m.mu.Unlock()
		log.Info().Str("component", "connection").Str("url", m.opts.URL).Msg("connected")
		emit(protocol.Connected{})

		reason := m.readLoop(ctx, conn, emit)

		m.mu.Lock()
		m.conn = nil
		m.state = protocol.StateDisconnected
		m.mu.Unlock()
		_ = conn.Close()
		log.Info().Str("component", "connection").Str("reason", reason).Msg("disconnected")
		emit(protocol.Disconnected{Reason: reason})

		if reason == ReasonClientDisconnect || reason == ReasonServerDisconnect {
			return
		}
		if !sleepCtx(ctx, m.opts.InitialInterval) {
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context, creds Credentials) (*websocket.Conn, error) {
	dialer := m.opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: m.opts.HandshakeTimeout,
		}
	}
	header := http.Header{}
	for k, vs := range m.opts.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &chaterrors.AuthenticationError{Op: connectOp, StatusCode: resp.StatusCode, Err: err}
		}
		return nil, &chaterrors.ConnectionError{Op: connectOp, Err: err}
	}
	return conn, nil
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, emit func(protocol.Event)) string {
	_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go m.keepalive(ctx, conn, stop)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return m.classify(ctx, err)
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		ev, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("component", "connection").Int("bytes", len(data)).Msg("dropping undecodable frame")
			continue
		}
		switch ev.(type) {
		case protocol.Disconnected:
			// server-requested drop: close our side too
			deadline := time.Now().Add(m.opts.WriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return ReasonServerDisconnect
		case protocol.Connected, protocol.ConnectError:
			// lifecycle events come from the manager only
			log.Debug().Str("component", "connection").Str("event", ev.EventName()).Msg("ignoring lifecycle frame from server")
			continue
		}
		emit(ev)
	}
}

func (m *Manager) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.WriteTimeout)); err != nil {
				log.Debug().Err(err).Str("component", "connection").Msg("ping failed")
				return
			}
		}
	}
}

func (m *Manager) classify(ctx context.Context, err error) string {
	if m.isClosing() || ctx.Err() != nil {
		return ReasonClientDisconnect
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure {
			return ReasonServerDisconnect
		}
		return ReasonTransportClose
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonPingTimeout
	}
	return ReasonTransportClose
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
