// Package sync keeps a client's view of conversations, messages and presence
// consistent with the chat server.
//
// The Controller merges three sources into one timeline per conversation:
// optimistic sends, realtime pushes and REST history pages. Every path goes
// through idempotent inserts, so replaying any of them is harmless.
package sync

import (
	"context"
	"errors"
	"slices"
	gosync "sync"
	"time"

	"github.com/c-pro/geche"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/ordering"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/transport"
)

var (
	ErrNoActiveConversation = errors.New("sync: no active conversation")
	ErrUnknownPending       = errors.New("sync: unknown pending message")
	ErrNoRecipient          = errors.New("sync: recipient of active conversation unknown")
	ErrEmptyMessage         = errors.New("sync: empty message")
	ErrInvalidPeer          = errors.New("sync: invalid peer")
)

// Transport is the realtime socket the controller drives.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Emit(ctx context.Context, event string, payload any) error
	On(event string, h transport.Handler)
	Off(event string, h transport.Handler)
	IsConnected() bool
	OnStateChange(fn func(status.StatusChange))
}

// Config tunes the controller.
type Config struct {
	UserID        string
	PageSize      int
	RetentionTTL  time.Duration
	AckTimeout    time.Duration
	SweepInterval time.Duration
	EmitTimeout   time.Duration
}

func (c *Config) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = 20
	}
	if c.RetentionTTL <= 0 {
		c.RetentionTTL = 10 * time.Minute
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.EmitTimeout <= 0 {
		c.EmitTimeout = 5 * time.Second
	}
}

// Snapshot is the read-only view handed to UI consumers.
// UnlistedLastMessages holds last-message previews of conversations missing
// from Conversations. Page is the oldest history page loaded for the active
// conversation. PendingSends counts unacknowledged sends in all conversations.
type Snapshot struct {
	Conversations        []chat.Conversation
	UnlistedLastMessages map[string]chat.Summary
	ActiveConversation   *chat.Conversation
	Messages             []chat.Entry
	UnreadCount          int
	Loading              bool
	LoadingMore          bool
	HasMore              bool
	Page                 int
	PendingSends         int
	Error                string
	OnlineUserIDs        []string
	IsConnected          bool
}

// Controller owns all conversation, timeline and presence state. UI code
// reads Snapshots and calls intents; it never mutates state directly.
type Controller struct {
	cfg    Config
	tr     Transport
	api    backend.Backend
	bus    *bus.Bus
	logger *zap.Logger
	outbox *outbox.Outbox

	life     context.Context
	stopLife context.CancelFunc
	wg       gosync.WaitGroup

	mu           gosync.Mutex
	convs        *conversation.Store
	tl           *timeline.Timeline
	presence     *presence.Tracker
	retained     *geche.MapTTLCache[string, []chat.Entry]
	refreshing   bool
	errMsg       string
	wasConnected bool
	started      bool
	stopped      bool

	handlers map[string]transport.Handler
}

// New wires a controller to its transport and backend. Nothing is dialed
// or fetched until Start.
func New(cfg Config, tr Transport, api backend.Backend, b *bus.Bus, logger *zap.Logger) *Controller {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = bus.New()
	}
	life, stop := context.WithCancel(context.Background())
	c := &Controller{
		cfg:      cfg,
		tr:       tr,
		api:      api,
		bus:      b,
		logger:   logger.Named("sync"),
		outbox:   outbox.New(b, logger),
		life:     life,
		stopLife: stop,
		convs:    conversation.New(cfg.UserID),
		tl:       timeline.New(),
		presence: presence.NewTracker(),
		retained: geche.NewMapTTLCache[string, []chat.Entry](life, cfg.RetentionTTL, time.Minute),
	}
	c.handlers = map[string]transport.Handler{
		transport.EventMessageReceived:  transport.HandlerFunc(c.onMessage),
		transport.EventMessageSent:      transport.HandlerFunc(c.onMessage),
		transport.EventMessageError:     transport.HandlerFunc(c.onMessageError),
		transport.EventReadReceipt:      transport.HandlerFunc(c.onReadReceipt),
		transport.EventAutoRead:         transport.HandlerFunc(c.onAutoRead),
		transport.EventConversationRead: transport.HandlerFunc(c.onMarkedRead),
		transport.EventOnlineList:       transport.HandlerFunc(c.onOnlineList),
		transport.EventUserOnline:       transport.HandlerFunc(c.onUserOnline),
		transport.EventUserOffline:      transport.HandlerFunc(c.onUserOffline),
	}
	tr.OnStateChange(c.onTransportState)
	return c
}

// Start subscribes to transport events, connects and loads the conversation
// list. Failures are recorded in the snapshot and returned; the controller
// stays usable either way.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	for event, h := range c.handlers {
		c.tr.On(event, h)
	}
	c.outbox.Start(c.life, c.cfg.SweepInterval, c.cfg.AckTimeout, c.onSendExpired)

	var errs []error
	if err := c.tr.Connect(ctx); err != nil {
		c.logger.Warn("transport connect failed", zap.Error(err))
		errs = append(errs, err)
	}
	if err := c.Refresh(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stop leaves the active room, disconnects and waits for background work.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	active := c.convs.Active()
	c.mu.Unlock()

	if active != "" {
		c.emit(c.life, transport.EventConversationLeave, transport.RoomPayload{ConversationID: active, UserID: c.cfg.UserID})
	}
	for event, h := range c.handlers {
		c.tr.Off(event, h)
	}
	c.outbox.Stop()
	err := c.tr.Disconnect()
	c.stopLife()
	c.wg.Wait()
	return err
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Conversations:        c.convs.List(),
		UnlistedLastMessages: c.convs.Unlisted(),
		Messages:             slices.Clone(c.tl.Entries()),
		UnreadCount:          c.convs.Total(),
		Loading:              c.refreshing || c.tl.Phase() == timeline.Loading,
		LoadingMore:          c.tl.Phase() == timeline.LoadingMore,
		HasMore:              c.tl.HasMore(),
		Page:                 c.tl.Page(),
		PendingSends:         c.outbox.Len(),
		Error:                c.errMsg,
		OnlineUserIDs:        c.presence.IDs(),
		IsConnected:          c.tr.IsConnected(),
	}
	if id := c.convs.Active(); id != "" {
		if conv, ok := c.convs.Get(id); ok {
			s.ActiveConversation = &conv
		} else {
			s.ActiveConversation = &chat.Conversation{ID: id}
		}
	}
	return s
}

// Subscribe returns a feed of controller events whose kind starts with prefix.
// state.changed carries a Snapshot after every change.
func (c *Controller) Subscribe(prefix string, bufSize int) (<-chan bus.Event, func()) {
	return c.bus.Subscribe(prefix, bufSize)
}

// ClearError dismisses the last error.
func (c *Controller) ClearError() {
	c.mu.Lock()
	c.errMsg = ""
	c.mu.Unlock()
	c.changed()
}

// IsOnline reports whether peerID is currently online.
func (c *Controller) IsOnline(peerID string) bool {
	return c.presence.IsOnline(peerID)
}

func (c *Controller) changed() {
	c.bus.Emit(bus.KindStateChanged, c.Snapshot())
}

// setErrorLocked records a user-visible failure. c.mu must be held.
func (c *Controller) setErrorLocked(msg string, err error) {
	if err != nil {
		msg += ": " + err.Error()
	}
	c.errMsg = msg
}

func (c *Controller) setError(msg string, err error) {
	c.mu.Lock()
	c.setErrorLocked(msg, err)
	c.mu.Unlock()
	c.changed()
}

// checkOrderLocked logs timeline order violations. c.mu must be held.
func (c *Controller) checkOrderLocked() {
	if err := ordering.ValidateOrder(c.tl.Entries()); err != nil {
		c.logger.Error("timeline order violated",
			zap.String("conversation_id", c.tl.ConversationID()),
			zap.Error(err),
		)
	}
}

// emit sends a realtime event when connected and logs failures. It reports
// whether the event was written.
func (c *Controller) emit(ctx context.Context, event string, payload any) bool {
	if !c.tr.IsConnected() {
		c.logger.Debug("skipping emit while disconnected", zap.String("event", event))
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EmitTimeout)
	defer cancel()
	if err := c.tr.Emit(ctx, event, payload); err != nil {
		c.logger.Warn("emit failed", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

// goBackground runs fn on the controller lifetime unless Stop was called.
func (c *Controller) goBackground(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		fn(c.life)
	}()
}
