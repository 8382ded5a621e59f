package toolclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nachoal/sqlchat-go/internal/logx"
	"github.com/nachoal/sqlchat-go/llm"
	"github.com/nachoal/sqlchat-go/tools"
)

// ErrUnavailable is returned when a replayed call fails again with a transient error.
var ErrUnavailable = errors.New("tool service unavailable")

const (
	defaultMaxReconnectAttempts = 3
	defaultBackoffBase          = 500 * time.Millisecond
	defaultBackoffMax           = 8 * time.Second
	defaultHealthInterval       = 5 * time.Minute
)

// Options tunes reconnection and health checking.
type Options struct {
	MaxReconnectAttempts int
	Backoff              Backoff
	HealthInterval       time.Duration
	// OnStateChange is called after every state change, outside the client's locks.
	OnStateChange func(State)
}

func (o Options) withDefaults() Options {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = defaultBackoffBase
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = defaultBackoffMax
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = defaultHealthInterval
	}
	return o
}

// Client owns the single logical session to the tool service. It reconnects
// with backoff, replays a call once after a transient failure, and reports
// tool-side failures as ordinary results.
type Client struct {
	dialer Dialer
	opts   Options
	sleep  func(context.Context, time.Duration) error

	// opMu serializes network operations; at most one is outstanding.
	opMu sync.Mutex

	mu                sync.RWMutex
	state             State
	session           Session
	reconnectAttempts int
	catalog           *tools.Catalog
	closed            bool
}

// New creates a disconnected client. Nothing is dialed until Connect or the first call.
func New(dialer Dialer, opts Options) *Client {
	return &Client{
		dialer:  dialer,
		opts:    opts.withDefaults(),
		sleep:   sleepContext,
		state:   Disconnected,
		catalog: tools.NewCatalog(),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ReconnectAttempts returns the attempt counter of the current reconnect cycle.
// It is reset to 0 by any successful operation.
func (c *Client) ReconnectAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnectAttempts
}

// Catalog returns the tool list fetched on the last successful connect or
// probe, sorted by name.
func (c *Client) Catalog() []llm.ToolDescriptor {
	return c.catalog.Descriptors()
}

// Connect dials the service, retrying with backoff up to the attempt budget.
func (c *Client) Connect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if c.State() == Connected {
		return nil
	}
	_, err := c.ensureReady(ctx)
	return err
}

// ListTools fetches the advertised tools from the remote service.
func (c *Client) ListTools(ctx context.Context) ([]llm.ToolDescriptor, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	var descs []llm.ToolDescriptor
	err := c.do(ctx, func(s Session) error {
		var err error
		descs, err = s.ListTools(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.catalog.Replace(descs)
	return descs, nil
}

// Invoke calls a tool. Tool-reported failures are returned as an error Result
// with a nil error; a non-nil error means the service could not be reached.
func (c *Client) Invoke(ctx context.Context, name string, args map[string]any) (tools.Result, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	start := time.Now()
	var res tools.Result
	err := c.do(ctx, func(s Session) error {
		var err error
		res, err = s.CallTool(ctx, name, args)
		return err
	})

	log := logx.Debug().Str("tool", name).Dur("elapsed", time.Since(start))
	if err == nil {
		log.Bool("tool_error", res.IsError()).Msg("tool invoked")
		return res, nil
	}

	var exhausted *ConnectionExhaustedError
	if errors.As(err, &exhausted) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrClosed) || ctx.Err() != nil {
		log.Err(err).Msg("tool invocation failed")
		return tools.Result{}, err
	}

	// The service answered but refused the call: let the model see it.
	log.Str("class", Classify(err).Code).Err(err).Msg("tool call rejected by service")
	return tools.ErrorResult(err.Error()), nil
}

// Probe checks liveness while idle. A failed ping flips the session to Degraded
// and recovery runs immediately. Probes are skipped while another operation is
// in flight.
func (c *Client) Probe(ctx context.Context) error {
	if !c.opMu.TryLock() {
		return nil
	}
	defer c.opMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}

	switch c.State() {
	case Connected:
		sess := c.currentSession()
		err := sess.Ping(ctx)
		if err == nil {
			c.noteSuccess()
			logx.Debug().Msg("tool service health probe ok")
			return nil
		}
		logx.Warn().Err(err).Msg("tool service health probe failed")
		c.fire(EventNetworkError)
		_, err = c.recover(ctx)
		return err
	case Degraded:
		_, err := c.recover(ctx)
		return err
	default:
		_, err := c.reconnect(ctx)
		return err
	}
}

// Close tears down the session. The client cannot be reused.
func (c *Client) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.closed = true
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	c.fire(EventClose)
	if sess != nil {
		return sess.Close()
	}
	return nil
}

// do runs op against a ready session. A transient failure marks the session
// Degraded, runs one recovery cycle and replays op once.
func (c *Client) do(ctx context.Context, op func(Session) error) error {
	if c.isClosed() {
		return ErrClosed
	}

	sess, err := c.ensureReady(ctx)
	if err != nil {
		return err
	}

	err = op(sess)
	if err == nil {
		c.noteSuccess()
		return nil
	}
	if !IsTransient(err) {
		return err
	}

	logx.Warn().Str("class", Classify(err).Code).Err(err).Msg("transient tool service error, recovering")
	c.fire(EventNetworkError)

	sess, rerr := c.recover(ctx)
	if rerr != nil {
		return rerr
	}

	err = op(sess)
	if err == nil {
		c.noteSuccess()
		return nil
	}
	if IsTransient(err) {
		c.fire(EventNetworkError)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (c *Client) ensureReady(ctx context.Context) (Session, error) {
	switch c.State() {
	case Connected:
		return c.currentSession(), nil
	case Degraded:
		return c.recover(ctx)
	default:
		return c.reconnect(ctx)
	}
}

// recover runs exactly one listTools probe on a Degraded session. Success
// returns to Connected; failure drops to Disconnected and starts a reconnect cycle.
func (c *Client) recover(ctx context.Context) (Session, error) {
	sess := c.currentSession()
	if sess != nil {
		descs, err := sess.ListTools(ctx)
		if err == nil {
			c.catalog.Replace(descs)
			c.mu.Lock()
			c.reconnectAttempts = 0
			c.mu.Unlock()
			c.fire(EventProbeOK)
			return sess, nil
		}
		logx.Debug().Err(err).Msg("degraded probe failed")
	}
	c.fire(EventProbeFailed)
	return c.reconnect(ctx)
}

// reconnect replaces the session, trying up to MaxReconnectAttempts times.
func (c *Client) reconnect(ctx context.Context) (Session, error) {
	c.dropSession()

	var last error
	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		c.mu.Lock()
		c.reconnectAttempts = attempt
		c.mu.Unlock()

		if d := c.opts.Backoff.Delay(attempt); d > 0 {
			logx.Info().Int("attempt", attempt).Dur("delay", d).Msg("reconnecting to tool service")
			if err := c.sleep(ctx, d); err != nil {
				return nil, err
			}
		}

		sess, err := c.dialOnce(ctx)
		if err == nil {
			return sess, nil
		}
		last = err
		logx.Warn().Int("attempt", attempt).Err(err).Msg("tool service connect failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, &ConnectionExhaustedError{Attempts: c.opts.MaxReconnectAttempts, Last: last}
}

// dialOnce performs the handshake plus the initial listTools.
func (c *Client) dialOnce(ctx context.Context) (Session, error) {
	c.fire(EventDial)

	sess, err := c.dialer.Dial(ctx)
	if err != nil {
		c.fire(EventDialFailed)
		return nil, err
	}

	descs, err := sess.ListTools(ctx)
	if err != nil {
		_ = sess.Close()
		c.fire(EventDialFailed)
		return nil, fmt.Errorf("initial list tools: %w", err)
	}

	c.catalog.Replace(descs)
	c.mu.Lock()
	c.session = sess
	c.reconnectAttempts = 0
	c.mu.Unlock()

	c.fire(EventReady)
	logx.Info().Int("tools", len(descs)).Msg("connected to tool service")
	return sess, nil
}

func (c *Client) dropSession() {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}

func (c *Client) noteSuccess() {
	c.mu.Lock()
	c.reconnectAttempts = 0
	c.mu.Unlock()
}

func (c *Client) currentSession() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) fire(e Event) {
	c.mu.Lock()
	prev := c.state
	next := Transition(prev, e)
	c.state = next
	c.mu.Unlock()

	if next == prev {
		return
	}
	logx.Debug().Str("from", prev.String()).Str("to", next.String()).Str("event", e.String()).Msg("tool service state")
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(next)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
