package sync

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Refresh reloads the conversation list and the total unread count.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	c.refreshing = true
	c.mu.Unlock()
	c.changed()

	var (
		list  []chat.Conversation
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		list, err = c.api.ListConversations(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = c.api.UnreadCount(gctx)
		return err
	})
	err := g.Wait()

	c.mu.Lock()
	c.refreshing = false
	if err != nil {
		c.setErrorLocked("could not load conversations", err)
	} else {
		c.convs.Replace(list)
		c.convs.SetTotal(total)
	}
	c.mu.Unlock()
	c.changed()

	if err != nil {
		c.logger.Error("refresh failed", zap.Error(err))
		return err
	}
	c.logger.Debug("conversations loaded", zap.Int("count", len(list)), zap.Int("unread", total))
	return nil
}

// SelectConversation makes id the active conversation and loads its first
// page. The realtime room is entered concurrently with the fetch. A response
// that arrives after another selection is dropped.
func (c *Controller) SelectConversation(ctx context.Context, id string) error {
	c.mu.Lock()
	prev := c.tl.ConversationID()
	if prev != "" {
		c.retained.Set(prev, c.tl.ConfirmedEntries())
	}
	tk := c.tl.Select(id, c.seedLocked(id))
	c.convs.SetActive(id)
	c.mu.Unlock()
	c.changed()

	self := c.cfg.UserID
	var page *chat.MessagePage
	var g errgroup.Group
	g.Go(func() error {
		p, err := c.api.ListMessages(ctx, id, 1, c.cfg.PageSize)
		page = p
		return err
	})
	g.Go(func() error {
		if prev != "" && prev != id {
			c.emit(ctx, transport.EventConversationLeave, transport.RoomPayload{ConversationID: prev, UserID: self})
		}
		c.emit(ctx, transport.EventConversationEnter, transport.RoomPayload{ConversationID: id, UserID: self})
		return nil
	})
	err := g.Wait()

	c.mu.Lock()
	if err != nil {
		if c.tl.FailLoad(tk) == nil {
			c.setErrorLocked("could not load messages", err)
		}
		c.mu.Unlock()
		c.changed()
		c.logger.Error("load messages failed", zap.String("conversation_id", id), zap.Error(err))
		return err
	}
	before := c.tl.Entries()
	if err := c.tl.CompleteLoad(tk, page); err != nil {
		c.mu.Unlock()
		c.logger.Debug("dropping stale first page", zap.String("conversation_id", id))
		return nil
	}
	c.settlePageLocked(page, before)
	c.checkOrderLocked()
	c.mu.Unlock()
	c.changed()
	return nil
}

// seedLocked builds the entries shown for id while its first page loads:
// retained history plus sends still in the outbox. c.mu must be held.
func (c *Controller) seedLocked(id string) []chat.Entry {
	var seed []chat.Entry
	if kept, err := c.retained.Get(id); err == nil {
		seed = append(seed, kept...)
	}
	for _, e := range c.outbox.ForConversation(id) {
		seed = append(seed, pendingEntry(e))
	}
	return seed
}

// LoadMore fetches the next older page of the active conversation. A call
// made while another is in flight fails with timeline.ErrBusy.
func (c *Controller) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	tk, next, err := c.tl.BeginLoadMore()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.changed()

	page, err := c.api.ListMessages(ctx, tk.ConversationID, next, c.cfg.PageSize)

	c.mu.Lock()
	if err != nil {
		if c.tl.FailLoadMore(tk) == nil {
			c.setErrorLocked("could not load older messages", err)
		}
		c.mu.Unlock()
		c.changed()
		return err
	}
	before := c.tl.Entries()
	if err := c.tl.CompleteLoadMore(tk, page); err != nil {
		c.mu.Unlock()
		c.logger.Debug("dropping stale page", zap.String("conversation_id", tk.ConversationID), zap.Int("page", next))
		return nil
	}
	c.settlePageLocked(page, before)
	c.checkOrderLocked()
	c.mu.Unlock()
	c.changed()
	return nil
}

// SendMessage sends content to the active conversation. The message shows up
// as pending at once. Over the socket it is confirmed by the server echo;
// without a socket it goes over REST and is confirmed by the response.
// A failed send stays in the timeline marked failed until retried or discarded.
// On confirmation the entry takes the server's timestamp and is re-sorted, so
// it may move when the server clock disagrees with the local one.
func (c *Controller) SendMessage(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	convID := c.convs.Active()
	if convID == "" {
		c.mu.Unlock()
		return ErrNoActiveConversation
	}
	peer := c.recipientLocked(convID)
	if peer == "" {
		c.mu.Unlock()
		return ErrNoRecipient
	}
	e := c.outbox.Queue(convID, c.cfg.UserID, peer, content)
	c.tl.Insert(pendingEntry(e))
	c.checkOrderLocked()
	c.mu.Unlock()
	c.changed()

	return c.deliver(ctx, e.CorrelationID)
}

// Retry resends a pending message.
func (c *Controller) Retry(ctx context.Context, correlationID string) error {
	e, err := c.outbox.MarkSending(correlationID)
	if err != nil {
		return ErrUnknownPending
	}
	c.mu.Lock()
	c.tl.Replace(chat.PendingKey(correlationID), pendingEntry(e))
	c.mu.Unlock()
	c.changed()
	return c.deliver(ctx, correlationID)
}

// Discard drops a pending message without sending it.
func (c *Controller) Discard(correlationID string) error {
	if _, err := c.outbox.Discard(correlationID); err != nil {
		return ErrUnknownPending
	}
	c.mu.Lock()
	c.tl.Remove(chat.PendingKey(correlationID))
	c.mu.Unlock()
	c.changed()
	return nil
}

func (c *Controller) deliver(ctx context.Context, correlationID string) error {
	e, ok := c.outbox.Get(correlationID)
	if !ok {
		return ErrUnknownPending
	}

	if c.tr.IsConnected() {
		err := c.tr.Emit(ctx, transport.EventMessageSend, transport.SendPayload{
			ConversationID: e.ConversationID,
			FromID:         e.SenderID,
			ToID:           e.RecipientID,
			Content:        e.Content,
			CorrelationID:  e.CorrelationID,
		})
		if err == nil {
			return nil
		}
		c.logger.Warn("realtime send failed, falling back to REST",
			zap.String("correlation_id", correlationID), zap.Error(err))
	}

	m, err := c.api.SendMessage(ctx, backend.SendRequest{
		ConversationID: e.ConversationID,
		FromID:         e.SenderID,
		ToID:           e.RecipientID,
		Content:        e.Content,
		CorrelationID:  e.CorrelationID,
	})
	if err != nil {
		c.failPending(correlationID, err)
		return fmt.Errorf("send message: %w", err)
	}

	c.mu.Lock()
	c.confirmLocked(correlationID, *m)
	c.mu.Unlock()
	c.changed()
	return nil
}

// StartNewConversation opens the conversation with peer, reusing an existing
// one from the local list or, failing that, from the server. Two racing calls
// may still create two conversations.
func (c *Controller) StartNewConversation(ctx context.Context, peer string) (chat.Conversation, error) {
	self := c.cfg.UserID
	if peer == "" || peer == self {
		return chat.Conversation{}, ErrInvalidPeer
	}

	c.mu.Lock()
	listed, ok := c.convs.FindByPeer(peer)
	c.mu.Unlock()
	if ok {
		return listed, c.SelectConversation(ctx, listed.ID)
	}

	conv, err := c.api.FindConversation(ctx, self, peer)
	if err != nil {
		c.setError("could not look up conversation", err)
		return chat.Conversation{}, err
	}
	if conv == nil {
		conv, err = c.api.CreateConversation(ctx, [2]string{self, peer}, "")
		if err != nil {
			c.setError("could not create conversation", err)
			return chat.Conversation{}, err
		}
		c.logger.Info("conversation created", zap.String("conversation_id", conv.ID), zap.String("peer", peer))
	}

	c.mu.Lock()
	c.convs.Upsert(*conv)
	c.mu.Unlock()

	if err := c.SelectConversation(ctx, conv.ID); err != nil {
		return *conv, err
	}
	return *conv, nil
}

// DeleteConversation deletes id on the server and forgets it locally. If it
// was active, the selection and timeline are cleared.
func (c *Controller) DeleteConversation(ctx context.Context, id string) error {
	if err := c.api.DeleteConversation(ctx, id); err != nil {
		c.setError("could not delete conversation", err)
		return err
	}

	c.mu.Lock()
	wasActive, _ := c.convs.Remove(id)
	if wasActive {
		c.tl.Clear()
	}
	if err := c.retained.Del(id); err != nil {
		c.logger.Debug("nothing retained", zap.String("conversation_id", id))
	}
	dropped := c.outbox.DropConversation(id)
	c.mu.Unlock()

	if wasActive {
		c.emit(ctx, transport.EventConversationLeave, transport.RoomPayload{ConversationID: id, UserID: c.cfg.UserID})
	}
	c.logger.Info("conversation deleted", zap.String("conversation_id", id), zap.Int("pending_dropped", dropped))
	c.bus.Emit(bus.KindConversationGone, id)
	c.changed()
	return nil
}

// MarkRead marks conversation id (the active one when empty) as read. The
// unread count drops to zero at once; the server's answer corrects it.
func (c *Controller) MarkRead(ctx context.Context, id string) error {
	c.mu.Lock()
	if id == "" {
		id = c.convs.Active()
	}
	if id == "" {
		c.mu.Unlock()
		return ErrNoActiveConversation
	}
	prev := c.convs.MarkRead(id)
	c.mu.Unlock()
	c.changed()

	if c.emit(ctx, transport.EventMarkRead, transport.RoomPayload{ConversationID: id, UserID: c.cfg.UserID}) {
		return nil
	}

	n, err := c.api.MarkConversationRead(ctx, id)
	c.mu.Lock()
	if err != nil {
		c.convs.SetUnread(id, prev)
		c.setErrorLocked("could not mark conversation read", err)
	} else {
		c.convs.SetUnread(id, n)
	}
	c.mu.Unlock()
	c.changed()
	return err
}

// recipientLocked returns the other participant of convID. c.mu must be held.
func (c *Controller) recipientLocked(convID string) string {
	self := c.cfg.UserID
	if conv, ok := c.convs.Get(convID); ok {
		if p := conv.Peer(self); p != "" {
			return p
		}
	}
	if c.tl.ConversationID() != convID {
		return ""
	}
	e, ok := c.tl.Find(func(e chat.Entry) bool {
		return !e.IsPending() && (e.Message.SenderID != self || e.Message.RecipientID != self)
	})
	if !ok {
		return ""
	}
	if e.Message.SenderID == self {
		return e.Message.RecipientID
	}
	return e.Message.SenderID
}
