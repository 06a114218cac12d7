package sync

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/ordering"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/transport"
)

// echoSkew bounds how much earlier than the local send time the server may
// date a stored copy of it.
const echoSkew = time.Minute

func (c *Controller) decode(ev transport.Event, v any) bool {
	if err := ev.Decode(v); err != nil {
		c.logger.Warn("malformed event payload", zap.String("event", ev.Name), zap.Error(err))
		return false
	}
	return true
}

func (c *Controller) onMessage(ev transport.Event) {
	var p transport.MessagePayload
	if !c.decode(ev, &p) {
		return
	}
	if p.ID == "" || p.ConversationID == "" {
		c.logger.Warn("message without id", zap.String("event", ev.Name))
		return
	}
	m := chat.Message{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.FromID,
		RecipientID:    p.ToID,
		Content:        p.Content,
		CreatedAt:      p.CreatedAt,
		ReadAt:         p.ReadAt,
	}

	c.mu.Lock()
	received := c.applyLocked(m, p.CorrelationID)
	c.mu.Unlock()

	if received {
		c.bus.Emit(bus.KindMessageReceived, m)
	}
	c.changed()
}

// applyLocked merges a server message into the timeline and conversation
// list. Own messages settle the matching pending entry. It reports whether m
// is a peer message not seen before. c.mu must be held.
func (c *Controller) applyLocked(m chat.Message, correlationID string) bool {
	if m.SenderID == c.cfg.UserID {
		c.reconcileOwnLocked(m, correlationID)
		return false
	}
	inserted := c.tl.Insert(chat.NewConfirmed(m))
	listed := c.convs.ApplyMessage(m)
	if inserted {
		c.checkOrderLocked()
	}
	return inserted || listed
}

// reconcileOwnLocked settles an echo of a message this user sent. The pending
// entry is found by correlation id, falling back to the oldest pending send
// with the same content. c.mu must be held.
func (c *Controller) reconcileOwnLocked(m chat.Message, correlationID string) {
	if correlationID != "" {
		if _, ok := c.outbox.Get(correlationID); ok {
			c.confirmLocked(correlationID, m)
			return
		}
	}
	if ordering.Contains(c.tl.Entries(), m.ID) {
		c.convs.ApplyMessage(m)
		return
	}
	if e, ok := c.outbox.MatchEcho(m.ConversationID, m.Content); ok {
		c.confirmLocked(e.CorrelationID, m)
		return
	}
	if c.tl.Insert(chat.NewConfirmed(m)) {
		c.checkOrderLocked()
	}
	c.convs.ApplyMessage(m)
}

// settlePageLocked matches own messages of a fetched history page against
// sends still in the outbox. A send whose echo was lost while the socket was
// down is confirmed by the stored copy instead of lingering as a second,
// pending row. Messages already shown before the page arrived are skipped.
// c.mu must be held.
func (c *Controller) settlePageLocked(page *chat.MessagePage, before []chat.Entry) {
	own := slices.DeleteFunc(slices.Clone(page.Messages), func(m chat.Message) bool {
		return m.SenderID != c.cfg.UserID || ordering.Contains(before, m.ID)
	})
	slices.SortStableFunc(own, func(a, b chat.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	for _, m := range own {
		e, ok := c.outbox.MatchEcho(m.ConversationID, m.Content)
		if !ok || m.CreatedAt.Before(e.CreatedAt.Add(-echoSkew)) {
			continue
		}
		c.logger.Debug("send settled by history", zap.String("correlation_id", e.CorrelationID), zap.String("message_id", m.ID))
		c.confirmLocked(e.CorrelationID, m)
	}
}

// confirmLocked swaps the pending entry of correlationID for the confirmed
// message m. c.mu must be held.
func (c *Controller) confirmLocked(correlationID string, m chat.Message) {
	if _, err := c.outbox.Ack(correlationID, m.ID); err != nil && !errors.Is(err, outbox.ErrNotFound) {
		c.logger.Warn("ack failed", zap.String("correlation_id", correlationID), zap.Error(err))
	}
	key := chat.PendingKey(correlationID)
	confirmed := chat.NewConfirmed(m)
	switch {
	case ordering.Contains(c.tl.Entries(), m.ID):
		c.tl.Remove(key)
	case c.tl.Replace(key, confirmed):
	default:
		c.tl.Insert(confirmed)
	}
	c.convs.ApplyMessage(m)
	c.checkOrderLocked()
	c.logger.Debug("message confirmed", zap.String("correlation_id", correlationID), zap.String("message_id", m.ID))
}

// failPending marks correlationID failed in the outbox and the timeline.
func (c *Controller) failPending(correlationID string, cause error) {
	e, err := c.outbox.MarkFailed(correlationID, cause)
	if err != nil {
		c.logger.Debug("failure for unknown send", zap.String("correlation_id", correlationID))
		c.setError("message not sent", cause)
		return
	}
	c.mu.Lock()
	c.tl.Replace(chat.PendingKey(correlationID), pendingEntry(e))
	c.setErrorLocked("message not sent", cause)
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) onSendExpired(e outbox.Entry) {
	c.logger.Warn("send not acknowledged", zap.String("correlation_id", e.CorrelationID), zap.String("conversation_id", e.ConversationID))
	c.mu.Lock()
	c.tl.Replace(chat.PendingKey(e.CorrelationID), pendingEntry(e))
	c.setErrorLocked("message not sent: "+e.Err, nil)
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) onMessageError(ev transport.Event) {
	var p transport.MessageErrorPayload
	if !c.decode(ev, &p) {
		return
	}
	cause := errors.New(p.Error)
	if p.CorrelationID != "" {
		if _, ok := c.outbox.Get(p.CorrelationID); ok {
			c.failPending(p.CorrelationID, cause)
			return
		}
	}
	c.setError("server error", cause)
}

// onReadReceipt handles a peer reading a conversation, or this user reading
// it from another session.
func (c *Controller) onReadReceipt(ev transport.Event) {
	var p transport.ReadReceiptPayload
	if !c.decode(ev, &p) {
		return
	}
	self := c.cfg.UserID

	c.mu.Lock()
	if p.ReaderID == self {
		c.convs.MarkRead(p.ConversationID)
	} else if c.tl.ConversationID() == p.ConversationID {
		readAt := p.ReadAt
		c.tl.Update(func(e chat.Entry) bool {
			return !e.IsPending() && e.Message.SenderID == self && e.Message.ReadAt == nil &&
				!e.Message.CreatedAt.After(readAt)
		}, func(e *chat.Entry) {
			e.Message.ReadAt = &readAt
		})
	}
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) onAutoRead(ev transport.Event) {
	var p transport.AutoReadPayload
	if !c.decode(ev, &p) {
		return
	}
	readAt := p.ReadAt

	c.mu.Lock()
	n := 0
	if c.tl.ConversationID() == p.ConversationID {
		n = c.tl.Update(func(e chat.Entry) bool {
			return e.Key() == p.MessageID && e.Message.ReadAt == nil
		}, func(e *chat.Entry) {
			e.Message.ReadAt = &readAt
		})
	}
	c.mu.Unlock()
	if n > 0 {
		c.changed()
	}
}

func (c *Controller) onMarkedRead(ev transport.Event) {
	var p transport.MarkedReadPayload
	if !c.decode(ev, &p) {
		return
	}
	c.mu.Lock()
	c.convs.SetUnread(p.ConversationID, p.UnreadCount)
	if p.TotalUnread != nil {
		c.convs.SetTotal(*p.TotalUnread)
	}
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) onOnlineList(ev transport.Event) {
	var p transport.OnlineListPayload
	if !c.decode(ev, &p) {
		return
	}
	c.presenceChanged(c.presence.Snapshot(p.UserIDs))
}

func (c *Controller) onUserOnline(ev transport.Event) {
	var p transport.UserPayload
	if !c.decode(ev, &p) {
		return
	}
	c.presenceChanged(c.presence.PeerOnline(p.UserID))
}

func (c *Controller) onUserOffline(ev transport.Event) {
	var p transport.UserPayload
	if !c.decode(ev, &p) {
		return
	}
	c.presenceChanged(c.presence.PeerOffline(p.UserID))
}

func (c *Controller) presenceChanged(changed bool) {
	if !changed {
		return
	}
	c.bus.Emit(bus.KindPresenceChanged, c.presence.IDs())
	c.changed()
}

// onTransportState runs the re-entry actions of the connection lifecycle.
// Every time the socket comes up the user and the active room are announced
// again; after a reconnect the active history is caught up over REST.
func (c *Controller) onTransportState(ch status.StatusChange) {
	c.logger.Info("transport state", zap.String("from", string(ch.From)), zap.String("to", string(ch.To)))
	if ch.To != status.Connected {
		// Nobody is known to be online without a socket; the next
		// users:online answer rebuilds the set.
		if ch.From == status.Connected {
			c.presenceChanged(c.presence.Reset())
		}
		c.changed()
		return
	}

	c.mu.Lock()
	reconnected := c.wasConnected
	c.wasConnected = true
	c.mu.Unlock()

	c.goBackground(func(ctx context.Context) {
		c.announce(ctx)
		if reconnected {
			c.catchUp(ctx)
		}
	})
	c.changed()
}

func (c *Controller) announce(ctx context.Context) {
	self := c.cfg.UserID
	c.emit(ctx, transport.EventUserJoin, transport.UserPayload{UserID: self})
	c.emit(ctx, transport.EventRequestOnline, nil)

	c.mu.Lock()
	active := c.convs.Active()
	c.mu.Unlock()
	if active != "" {
		c.emit(ctx, transport.EventConversationEnter, transport.RoomPayload{ConversationID: active, UserID: self})
	}
}

// catchUp fetches what may have been missed while the socket was down. Every
// message goes through the same idempotent merge as pushes, so overlap with
// events arriving right after the reconnect is harmless.
func (c *Controller) catchUp(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("catch-up refresh failed", zap.Error(err))
	}

	c.mu.Lock()
	tk := c.tl.Current()
	c.mu.Unlock()
	if tk.ConversationID == "" {
		return
	}

	page, err := c.api.ListMessages(ctx, tk.ConversationID, 1, c.cfg.PageSize)
	if err != nil {
		c.logger.Warn("catch-up fetch failed", zap.String("conversation_id", tk.ConversationID), zap.Error(err))
		return
	}

	c.mu.Lock()
	if !c.tl.Valid(tk) {
		c.mu.Unlock()
		return
	}
	n := 0
	for _, m := range page.Messages {
		if c.applyLocked(m, "") {
			n++
		}
	}
	c.mu.Unlock()
	c.logger.Debug("caught up", zap.String("conversation_id", tk.ConversationID), zap.Int("new", n))
	c.changed()
}

// pendingEntry renders an outbox entry as a timeline row.
func pendingEntry(e outbox.Entry) chat.Entry {
	entry := chat.NewPending(e.CorrelationID, e.ConversationID, e.SenderID, e.RecipientID, e.Content, e.CreatedAt)
	if e.State == outbox.Failed {
		entry.Delivery = chat.Pending{CorrelationID: e.CorrelationID, Failed: true, Err: e.Err}
	}
	return entry
}
