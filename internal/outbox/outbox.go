// Package outbox tracks messages the user sent that the server has not
// acknowledged yet. Entries live in memory only and are gone once acked or
// discarded.
package outbox

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
)

// ErrNotFound is returned for an unknown correlation id.
var ErrNotFound = errors.New("outbox: unknown correlation id")

// State is the delivery state of an outbox entry.
type State string

const (
	Sending State = "sending"
	Failed  State = "failed"
)

// Entry is one unacknowledged send.
type Entry struct {
	CorrelationID  string
	ConversationID string
	SenderID       string
	RecipientID    string
	Content        string
	CreatedAt      time.Time
	State          State
	Err            string
	Attempts       int
	LastAttempt    time.Time
}

// SendAck is the payload of message.send_ack.
type SendAck struct {
	CorrelationID  string
	ConversationID string
	ServerID       string
}

// SendFailure is the payload of message.send_failed.
type SendFailure struct {
	CorrelationID  string
	ConversationID string
	Err            string
}

// Outbox is a registry of pending sends keyed by correlation id.
type Outbox struct {
	mu      sync.Mutex
	entries map[string]*Entry
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
	cancel  context.CancelFunc
}

// New creates an empty outbox. b may be nil.
func New(b *bus.Bus, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		entries: make(map[string]*Entry),
		bus:     b,
		logger:  logger.Named("outbox"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Queue registers a new send in the Sending state and returns it.
func (o *Outbox) Queue(conversationID, senderID, recipientID, content string) Entry {
	now := o.now()
	e := &Entry{
		CorrelationID:  o.newID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Content:        content,
		CreatedAt:      now,
		State:          Sending,
		Attempts:       1,
		LastAttempt:    now,
	}
	o.mu.Lock()
	o.entries[e.CorrelationID] = e
	o.mu.Unlock()
	o.logger.Debug("queued", zap.String("correlation_id", e.CorrelationID), zap.String("conversation_id", conversationID))
	return *e
}

// MarkSending moves an entry back to Sending for another attempt.
func (o *Outbox) MarkSending(correlationID string) (Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[correlationID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.State = Sending
	e.Err = ""
	e.Attempts++
	e.LastAttempt = o.now()
	return *e, nil
}

// MarkFailed records a failed attempt. The entry stays until retried or
// discarded.
func (o *Outbox) MarkFailed(correlationID string, cause error) (Entry, error) {
	o.mu.Lock()
	e, ok := o.entries[correlationID]
	if !ok {
		o.mu.Unlock()
		return Entry{}, ErrNotFound
	}
	e.State = Failed
	if cause != nil {
		e.Err = cause.Error()
	}
	out := *e
	o.mu.Unlock()

	o.logger.Warn("send failed", zap.String("correlation_id", correlationID), zap.String("error", out.Err))
	o.publish(bus.KindMessageSendFail, SendFailure{
		CorrelationID:  correlationID,
		ConversationID: out.ConversationID,
		Err:            out.Err,
	})
	return out, nil
}

// Ack removes an entry once the server confirmed it as serverID.
func (o *Outbox) Ack(correlationID, serverID string) (Entry, error) {
	o.mu.Lock()
	e, ok := o.entries[correlationID]
	if ok {
		delete(o.entries, correlationID)
	}
	o.mu.Unlock()
	if !ok {
		return Entry{}, ErrNotFound
	}

	o.logger.Debug("acked", zap.String("correlation_id", correlationID), zap.String("server_id", serverID))
	o.publish(bus.KindMessageSendAck, SendAck{
		CorrelationID:  correlationID,
		ConversationID: e.ConversationID,
		ServerID:       serverID,
	})
	return *e, nil
}

// Discard drops an entry without sending it.
func (o *Outbox) Discard(correlationID string) (Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[correlationID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	delete(o.entries, correlationID)
	return *e, nil
}

// Get returns the entry for correlationID.
func (o *Outbox) Get(correlationID string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[correlationID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ForConversation returns the entries of one conversation, oldest first.
func (o *Outbox) ForConversation(conversationID string) []Entry {
	o.mu.Lock()
	var out []Entry
	for _, e := range o.entries {
		if e.ConversationID == conversationID {
			out = append(out, *e)
		}
	}
	o.mu.Unlock()
	sortEntries(out)
	return out
}

// MatchEcho finds the oldest entry of conversationID carrying content. Used
// when the server echoes a send without its correlation id.
func (o *Outbox) MatchEcho(conversationID, content string) (Entry, bool) {
	matches := o.ForConversation(conversationID)
	for _, e := range matches {
		if e.Content == content {
			return e, true
		}
	}
	return Entry{}, false
}

// DropConversation discards every entry of conversationID and returns how
// many were dropped.
func (o *Outbox) DropConversation(conversationID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, e := range o.entries {
		if e.ConversationID == conversationID {
			delete(o.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Start runs a sweep every interval that fails entries left in Sending longer
// than ackTimeout. onExpire is called for each of them after it is marked.
func (o *Outbox) Start(ctx context.Context, interval, ackTimeout time.Duration, onExpire func(Entry)) {
	ctx, o.cancel = context.WithCancel(ctx)
	go o.loop(ctx, interval, ackTimeout, onExpire)
}

// Stop stops the sweep loop.
func (o *Outbox) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Outbox) loop(ctx context.Context, interval, ackTimeout time.Duration, onExpire func(Entry)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, e := range o.Expire(ackTimeout) {
				if onExpire != nil {
					onExpire(e)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Expire marks entries in Sending for longer than ackTimeout as failed and
// returns them.
func (o *Outbox) Expire(ackTimeout time.Duration) []Entry {
	cutoff := o.now().Add(-ackTimeout)
	o.mu.Lock()
	var out []Entry
	for _, e := range o.entries {
		if e.State == Sending && e.LastAttempt.Before(cutoff) {
			e.State = Failed
			e.Err = errAckTimeout.Error()
			out = append(out, *e)
		}
	}
	o.mu.Unlock()

	sortEntries(out)
	for _, e := range out {
		o.logger.Warn("send expired", zap.String("correlation_id", e.CorrelationID))
		o.publish(bus.KindMessageSendFail, SendFailure{
			CorrelationID:  e.CorrelationID,
			ConversationID: e.ConversationID,
			Err:            e.Err,
		})
	}
	return out
}

var errAckTimeout = errors.New("no acknowledgement from server")

func (o *Outbox) publish(kind string, payload any) {
	if o.bus != nil {
		o.bus.Emit(kind, payload)
	}
}

func sortEntries(es []Entry) {
	slices.SortStableFunc(es, func(a, b Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.CorrelationID < b.CorrelationID:
			return -1
		case a.CorrelationID > b.CorrelationID:
			return 1
		}
		return 0
	})
}
