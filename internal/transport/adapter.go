// Package transport is the realtime event socket between the client and the
// chat server: a WebSocket carrying {"event","data"} JSON frames.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/matheus3301/chatsync/internal/status"
)

// ErrNotConnected is returned by Emit while no connection is up. Nothing is
// queued; callers fall back to another path.
var ErrNotConnected = errors.New("transport: not connected")

// Config configures an Adapter.
type Config struct {
	URL                  string
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int // negative means unlimited
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration // zero disables pings
	WriteTimeout         time.Duration
	HTTPClient           *http.Client
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Handler receives inbound events. Implementations must be comparable;
// registration is keyed by event name and handler value.
type Handler interface {
	HandleEvent(Event)
}

type handlerFunc struct{ fn func(Event) }

func (h *handlerFunc) HandleEvent(e Event) { h.fn(e) }

// HandlerFunc wraps fn as a Handler. Each call returns a distinct handler;
// keep the result to unregister it later.
func HandlerFunc(fn func(Event)) Handler {
	return &handlerFunc{fn: fn}
}

// Adapter owns one WebSocket connection at a time and re-dials it when it
// drops. Connection state lives in a status.Machine.
//
// Handlers run on the read goroutine, one event at a time, in arrival order.
// They must not call Disconnect.
type Adapter struct {
	cfg     Config
	log     *zap.Logger
	machine *status.Machine
	recon   *reconnector

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	hmu      sync.RWMutex
	handlers map[string]map[Handler]struct{}
}

// New creates a disconnected adapter. Nothing is dialed until Connect.
func New(cfg Config, machine *status.Machine, log *zap.Logger) *Adapter {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	if machine == nil {
		machine = status.NewMachine(nil)
	}
	return &Adapter{
		cfg:      cfg,
		log:      log.Named("transport"),
		machine:  machine,
		recon:    newReconnector(cfg),
		handlers: make(map[string]map[Handler]struct{}),
	}
}

// On registers h for event. Registering the same handler twice is a no-op.
func (a *Adapter) On(event string, h Handler) {
	a.hmu.Lock()
	defer a.hmu.Unlock()
	set, ok := a.handlers[event]
	if !ok {
		set = make(map[Handler]struct{})
		a.handlers[event] = set
	}
	set[h] = struct{}{}
}

// Off unregisters h for event.
func (a *Adapter) Off(event string, h Handler) {
	a.hmu.Lock()
	defer a.hmu.Unlock()
	if set, ok := a.handlers[event]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(a.handlers, event)
		}
	}
}

// State returns the connection state.
func (a *Adapter) State() status.State { return a.machine.Current() }

// IsConnected reports whether the adapter is in Connected.
func (a *Adapter) IsConnected() bool { return a.machine.Current() == status.Connected }

// OnStateChange registers fn to run after every connection state transition.
func (a *Adapter) OnStateChange(fn func(status.StatusChange)) {
	a.machine.OnTransition(fn)
}

// Connect dials the server. It is a no-op unless the adapter is Disconnected.
// When the first dial fails and auto-reconnect is enabled, retries continue
// in the background and the dial error is still returned.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.done != nil {
		a.mu.Unlock()
		return nil
	}
	if err := a.machine.Transition(status.Connecting); err != nil {
		a.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	done := make(chan struct{})
	a.done = done
	a.recon.reset()
	a.mu.Unlock()

	conn, err := a.dial(ctx)
	if err != nil {
		a.log.Warn("dial failed", zap.String("url", a.cfg.URL), zap.Error(err))
		if !a.cfg.AutoReconnect {
			a.finish()
			a.machine.Force(status.Disconnected)
			return fmt.Errorf("dial %s: %w", a.cfg.URL, err)
		}
		go a.run(runCtx, nil, done)
		return fmt.Errorf("dial %s: %w", a.cfg.URL, err)
	}

	a.attach(conn)
	_ = a.machine.Transition(status.Connected)
	a.log.Info("connected", zap.String("url", a.cfg.URL))
	go a.run(runCtx, conn, done)
	return nil
}

// Disconnect closes the connection and stops reconnecting. It waits for the
// read goroutine to exit.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	cancel, done, conn := a.cancel, a.done, a.conn
	a.conn = nil
	a.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			a.log.Debug("close", zap.Error(err))
		}
	}
	<-done

	a.mu.Lock()
	if a.done == done {
		a.cancel, a.done = nil, nil
	}
	a.mu.Unlock()
	a.machine.Force(status.Disconnected)
	a.log.Info("disconnected")
	return nil
}

// Emit sends one event. It fails with ErrNotConnected instead of buffering.
func (a *Adapter) Emit(ctx context.Context, event string, payload any) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	wctx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
	defer cancel()
	if payload == nil {
		payload = struct{}{}
	}
	if err := wsjson.Write(wctx, conn, outgoing{Event: event, Data: payload}); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: a.cfg.HTTPClient}
	if a.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + a.cfg.Token}}
	}
	conn, _, err := websocket.Dial(ctx, a.cfg.URL, opts)
	return conn, err
}

func (a *Adapter) attach(conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.recon.markConnected()
}

func (a *Adapter) detach(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
}

func (a *Adapter) finish() {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	if a.done != nil {
		close(a.done)
	}
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
}

// run serves conn and re-dials after every drop until ctx is cancelled or the
// attempts run out. A nil conn starts with a reconnect.
func (a *Adapter) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		if conn != nil {
			err := a.serve(ctx, conn)
			a.detach(conn)
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("connection lost", zap.Error(err))
			if !a.cfg.AutoReconnect {
				a.drop()
				return
			}
		}
		conn = a.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

// drop releases the run slot after a terminal failure so Connect can be
// called again.
func (a *Adapter) drop() {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	a.machine.Force(status.Disconnected)
}

func (a *Adapter) reconnect(ctx context.Context) *websocket.Conn {
	for {
		if err := a.machine.Transition(status.Reconnecting); err != nil {
			a.log.Debug("reconnect transition", zap.Error(err))
		}
		if !a.recon.shouldReconnect() {
			a.log.Error("giving up reconnecting", zap.Int("attempts", a.recon.attempt))
			a.drop()
			return nil
		}
		delay := a.recon.nextDelay()
		a.log.Warn("reconnecting", zap.Int("attempt", a.recon.attempt), zap.Duration("delay", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		if err := a.machine.Transition(status.Connecting); err != nil {
			a.log.Debug("reconnect transition", zap.Error(err))
		}
		conn, err := a.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Warn("redial failed", zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return nil
		}
		a.attach(conn)
		_ = a.machine.Transition(status.Connected)
		a.log.Info("reconnected", zap.String("url", a.cfg.URL))
		return conn
	}
}

// serve reads frames until the connection fails.
func (a *Adapter) serve(ctx context.Context, conn *websocket.Conn) error {
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	if a.cfg.HeartbeatInterval > 0 {
		go a.heartbeat(hbCtx, conn)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			a.log.Debug("dropping malformed frame", zap.Int("bytes", len(data)))
			continue
		}
		a.dispatch(Event{Name: env.Event, Data: env.Data})
	}
}

func (a *Adapter) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, a.cfg.HeartbeatInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				a.log.Warn("heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (a *Adapter) dispatch(evt Event) {
	a.hmu.RLock()
	set := a.handlers[evt.Name]
	hs := make([]Handler, 0, len(set))
	for h := range set {
		hs = append(hs, h)
	}
	a.hmu.RUnlock()

	for _, h := range hs {
		a.invoke(h, evt)
	}
}

func (a *Adapter) invoke(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("handler panic", zap.String("event", evt.Name), zap.Any("panic", r))
		}
	}()
	h.HandleEvent(evt)
}
