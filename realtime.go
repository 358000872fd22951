package teachnlearn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Errors
var (
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrNoTokenProvider = errors.New("token provider is required")
)

// ============================================================================
// Configuration
// ============================================================================

// ManagerConfig configures a connection manager.
type ManagerConfig struct {
	ReconnectFloor    time.Duration
	ReconnectCeiling  time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	CloseTimeout      time.Duration
	HTTPClient        *http.Client
	Logger            zerolog.Logger
}

func (c *ManagerConfig) defaults() {
	if c.ReconnectFloor <= 0 {
		c.ReconnectFloor = 10 * time.Second
	}
	if c.ReconnectCeiling <= 0 {
		c.ReconnectCeiling = 60 * time.Second
	}
	if c.ReconnectCeiling < c.ReconnectFloor {
		c.ReconnectCeiling = c.ReconnectFloor
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = time.Second
	}
}

// ManagerOption customizes a ManagerConfig.
type ManagerOption func(*ManagerConfig)

// WithReconnectBackoff sets the first retry delay and the cap it doubles up to.
func WithReconnectBackoff(floor, ceiling time.Duration) ManagerOption {
	return func(c *ManagerConfig) {
		c.ReconnectFloor = floor
		c.ReconnectCeiling = ceiling
	}
}

// WithHeartbeat sets the probe interval and the staleness threshold.
func WithHeartbeat(interval, staleAfter time.Duration) ManagerOption {
	return func(c *ManagerConfig) {
		c.HeartbeatInterval = interval
		c.StaleAfter = staleAfter
	}
}

// WithHandshakeTimeout bounds token fetch plus websocket handshake.
func WithHandshakeTimeout(d time.Duration) ManagerOption {
	return func(c *ManagerConfig) { c.HandshakeTimeout = d }
}

// WithCloseTimeout bounds the close handshake on Deactivate. A peer that has
// not answered by then has its socket dropped.
func WithCloseTimeout(d time.Duration) ManagerOption {
	return func(c *ManagerConfig) { c.CloseTimeout = d }
}

// WithDialHTTPClient sets the HTTP client used for the handshake.
func WithDialHTTPClient(client *http.Client) ManagerOption {
	return func(c *ManagerConfig) { c.HTTPClient = client }
}

// WithChannelLogger sets the manager's logger.
func WithChannelLogger(logger zerolog.Logger) ManagerOption {
	return func(c *ManagerConfig) { c.Logger = logger }
}

// ConnState is the state of a manager's channel.
type ConnState string

const (
	StateIdle       ConnState = "idle"
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClosing    ConnState = "closing"
	StateClosed     ConnState = "closed"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector hands out min(floor*2^n, ceiling) for the n-th consecutive
// failure.
type reconnector struct {
	policy  *backoff.ExponentialBackOff
	attempt int
}

func newReconnector(config *ManagerConfig) *reconnector {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = config.ReconnectFloor
	policy.MaxInterval = config.ReconnectCeiling
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()
	return &reconnector{policy: policy}
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	return r.policy.NextBackOff()
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.policy.Reset()
}

// ============================================================================
// Manager
// ============================================================================

// Manager keeps one push channel alive for as long as its consumer is
// active. Each Activate/Deactivate pair is one activation; all of an
// activation's state is owned by a single goroutine, and consumer callbacks
// run on that goroutine in frame order. Callbacks must not call Deactivate or
// Rebind synchronously.
type Manager struct {
	stream Stream
	tokens TokenProvider
	cfg    ManagerConfig

	// op serializes Activate, Deactivate and Rebind.
	op  sync.Mutex
	act *activation

	mu       sync.Mutex
	identity ChannelIdentity
	disp     *dispatcher
	state    ConnState
}

// NewManager creates an inactive manager. The base address is validated up
// front so a malformed one fails here rather than on every retry.
func NewManager(identity ChannelIdentity, stream Stream, tokens TokenProvider, handlers Handlers, opts ...ManagerOption) (*Manager, error) {
	if tokens == nil {
		return nil, ErrNoTokenProvider
	}
	if _, err := channelBase(identity.BaseURL); err != nil {
		return nil, err
	}

	cfg := ManagerConfig{Logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.defaults()

	return &Manager{
		stream:   stream,
		tokens:   tokens,
		cfg:      cfg,
		identity: identity,
		disp:     newDispatcher(stream, identity.Scope, handlers),
		state:    StateIdle,
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the identity the manager is bound to.
func (m *Manager) Identity() ChannelIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// SetHandlers replaces the callback set. The channel is left untouched.
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	m.disp.setHandlers(h)
	m.mu.Unlock()
}

// Activate starts connecting. Calling it on an active manager is a no-op.
func (m *Manager) Activate() {
	m.op.Lock()
	defer m.op.Unlock()
	m.activateLocked()
}

// Deactivate closes the channel, cancels every timer and discards any
// in-flight token fetch or handshake. It returns once the activation's
// goroutines have exited; a token provider that ignores its context is left
// to finish on its own and its result is dropped. Safe to call repeatedly.
func (m *Manager) Deactivate() {
	m.op.Lock()
	defer m.op.Unlock()
	m.deactivateLocked()
}

// Rebind switches the manager to another identity. An equal identity is a
// no-op; otherwise the current channel is torn down and, if the manager was
// active, a new one is opened for the new identity.
func (m *Manager) Rebind(identity ChannelIdentity) error {
	m.op.Lock()
	defer m.op.Unlock()

	if identity == m.Identity() {
		return nil
	}
	if _, err := channelBase(identity.BaseURL); err != nil {
		return err
	}

	wasActive := m.act != nil
	m.deactivateLocked()

	m.mu.Lock()
	m.identity = identity
	m.disp = newDispatcher(m.stream, identity.Scope, *m.disp.current())
	m.mu.Unlock()

	if wasActive {
		m.activateLocked()
	}
	return nil
}

func (m *Manager) activateLocked() {
	if m.act != nil {
		return
	}

	m.mu.Lock()
	identity, disp := m.identity, m.disp
	m.state = StateIdle
	m.mu.Unlock()

	a := &activation{
		m:        m,
		identity: identity,
		disp:     disp,
		recon:    newReconnector(&m.cfg),
		events:   make(chan connEvent),
		log: m.cfg.Logger.With().
			Str("stream", m.stream.Entity).
			Str("scope", identity.Scope).
			Logger(),
	}
	m.act = a
	a.tmb.Go(a.run)
}

func (m *Manager) deactivateLocked() {
	a := m.act
	m.act = nil
	if a != nil {
		a.tmb.Kill(nil)
		a.tmb.Wait()
	}
	m.setState(StateClosed)
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// ============================================================================
// Activation
// ============================================================================

type connEventKind int

const (
	evDialed connEventKind = iota
	evDialFailed
	evFrame
	evClosed
)

// connEvent is how dial and read goroutines report back to the run loop.
// gen ties the event to the attempt that produced it.
type connEvent struct {
	gen  uint64
	kind connEventKind
	conn *websocket.Conn
	data []byte
	err  error
}

type activation struct {
	m        *Manager
	tmb      tomb.Tomb
	identity ChannelIdentity
	disp     *dispatcher
	recon    *reconnector
	log      zerolog.Logger
	events   chan connEvent

	// Owned by the run loop.
	gen        uint64
	state      ConnState
	conn       *websocket.Conn
	connID     string
	cancelConn context.CancelFunc
	lastAck    time.Time
	retry      *time.Timer
	heartbeat  *time.Ticker

	// closing tracks sockets still completing their close; a new dial
	// waits for it.
	closing sync.WaitGroup
}

func (a *activation) run() error {
	defer a.shutdown()

	a.connect()
	for {
		var retryC, beatC <-chan time.Time
		if a.retry != nil {
			retryC = a.retry.C
		}
		if a.heartbeat != nil {
			beatC = a.heartbeat.C
		}

		select {
		case <-a.tmb.Dying():
			return nil
		case ev := <-a.events:
			if a.dying() {
				return nil
			}
			a.handle(ev)
		case <-retryC:
			a.retry = nil
			if a.dying() {
				return nil
			}
			a.connect()
		case now := <-beatC:
			if a.dying() {
				return nil
			}
			a.beat(now)
		}
	}
}

// dying reports whether Deactivate has been called. select picks ready cases
// at random, so a result racing with Kill must be checked for explicitly.
func (a *activation) dying() bool {
	select {
	case <-a.tmb.Dying():
		return true
	default:
		return false
	}
}

func (a *activation) setState(s ConnState) {
	a.state = s
	a.m.setState(s)
}

// connect starts one attempt unless one is already in flight or open.
func (a *activation) connect() {
	if a.state == StateConnecting || a.state == StateOpen {
		return
	}

	a.gen++
	gen := a.gen
	a.setState(StateConnecting)
	a.log.Debug().Uint64("gen", gen).Msg("connecting")

	a.tmb.Go(func() error {
		a.dial(gen)
		return nil
	})
}

func (a *activation) dial(gen uint64) {
	// The previous socket must be fully closed first.
	a.closing.Wait()

	ctx, cancel := context.WithTimeout(a.tmb.Context(nil), a.m.cfg.HandshakeTimeout)
	defer cancel()

	token, err := a.fetchToken(ctx)
	if err != nil {
		a.send(connEvent{gen: gen, kind: evDialFailed, err: fmt.Errorf("fetch token: %w", err)})
		return
	}

	u, err := ChannelURL(a.identity.BaseURL, token, a.m.stream, a.identity.Scope)
	if err != nil {
		a.send(connEvent{gen: gen, kind: evDialFailed, err: err})
		return
	}

	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: a.m.cfg.HTTPClient})
	if err != nil {
		a.send(connEvent{gen: gen, kind: evDialFailed, err: fmt.Errorf("websocket dial: %w", err)})
		return
	}

	if !a.send(connEvent{gen: gen, kind: evDialed, conn: conn}) {
		conn.CloseNow()
	}
}

// fetchToken runs the provider outside the tomb, so a provider that ignores
// ctx cannot hold up Deactivate. Its late result is dropped.
func (a *activation) fetchToken(ctx context.Context) (string, error) {
	type result struct {
		token string
		err   error
	}
	res := make(chan result, 1)
	go func() {
		token, err := a.m.tokens(ctx, a.identity.Audience)
		res <- result{token, err}
	}()

	select {
	case r := <-res:
		return r.token, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *activation) read(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			a.send(connEvent{gen: gen, kind: evClosed, err: err})
			return
		}
		if !a.send(connEvent{gen: gen, kind: evFrame, data: data}) {
			return
		}
	}
}

// send delivers an event to the run loop, or gives up once the activation
// is dying.
func (a *activation) send(ev connEvent) bool {
	select {
	case a.events <- ev:
		return true
	case <-a.tmb.Dying():
		return false
	}
}

func (a *activation) handle(ev connEvent) {
	if ev.gen != a.gen {
		// Left over from a torn down attempt.
		if ev.kind == evDialed {
			ev.conn.CloseNow()
		}
		return
	}

	switch ev.kind {
	case evDialed:
		a.opened(ev.conn)
	case evDialFailed, evClosed:
		a.failed(ev.err)
	case evFrame:
		if a.disp.dispatch(ev.data) {
			a.lastAck = time.Now()
		}
	}
}

func (a *activation) opened(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	a.conn = conn
	a.cancelConn = cancel
	a.connID = uuid.NewString()
	a.lastAck = time.Now()
	a.recon.reset()
	a.heartbeat = time.NewTicker(a.m.cfg.HeartbeatInterval)
	a.setState(StateOpen)

	a.log.Info().Str("conn_id", a.connID).Msg("channel open")

	gen := a.gen
	a.tmb.Go(func() error {
		a.read(ctx, conn, gen)
		return nil
	})

	a.disp.current().pulse(PulseOK)
}

// failed handles token, handshake and transport failures alike: close what
// is left and schedule a retry.
func (a *activation) failed(err error) {
	a.setState(StateClosing)
	a.teardown(false, "")
	a.setState(StateIdle)

	delay := a.recon.nextDelay()
	a.retry = time.NewTimer(delay)

	a.log.Warn().
		Err(err).
		Int("attempt", a.recon.attempt).
		Dur("delay", delay).
		Msg("channel down, reconnect scheduled")

	h := a.disp.current()
	h.pulse(PulseError)
	h.reconnecting(a.recon.attempt, delay)
}

func (a *activation) beat(now time.Time) {
	if a.conn == nil {
		return
	}

	if now.Sub(a.lastAck) > a.m.cfg.StaleAfter {
		a.failed(ErrStaleConnection)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.m.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, a.conn, newPingFrame(now)); err != nil {
		a.failed(fmt.Errorf("send ping: %w", err))
	}
}

// teardown stops the heartbeat, detaches the current socket from the run
// loop and closes it. A graceful close performs the close handshake.
func (a *activation) teardown(graceful bool, reason string) {
	a.gen++

	if a.heartbeat != nil {
		a.heartbeat.Stop()
		a.heartbeat = nil
	}

	conn, cancel, connID := a.conn, a.cancelConn, a.connID
	a.conn, a.cancelConn, a.connID = nil, nil, ""
	if conn == nil {
		return
	}

	a.closing.Add(1)
	a.tmb.Go(func() error {
		defer a.closing.Done()
		defer cancel()
		if graceful {
			closeWithin(conn, reason, a.m.cfg.CloseTimeout, cancel)
		} else {
			conn.CloseNow()
		}
		a.log.Debug().Str("conn_id", connID).Msg("channel closed")
		return nil
	})
}

// closeWithin runs the close handshake and aborts it after d. Cancelling the
// reader's context makes the library drop the socket, which unblocks Close.
func closeWithin(conn *websocket.Conn, reason string, d time.Duration, abort context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.Close(websocket.StatusNormalClosure, reason)
	}()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return
	case <-t.C:
	}
	abort()
	<-done
}

func (a *activation) shutdown() {
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
	a.setState(StateClosing)
	a.teardown(true, "client deactivated")
	a.log.Debug().Msg("deactivated")
}
