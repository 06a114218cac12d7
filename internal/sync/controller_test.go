package sync

import (
	"context"
	"encoding/json"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/transport"
)

var base = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

// --- fake transport ---

type emitted struct {
	event   string
	payload any
}

type fakeTransport struct {
	mu         gosync.Mutex
	connected  bool
	connectErr error
	emitErr    error
	handlers   map[string]map[transport.Handler]struct{}
	observers  []func(status.StatusChange)
	emits      []emitted
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]map[transport.Handler]struct{})}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.connectErr != nil {
		f.mu.Unlock()
		return f.connectErr
	}
	f.mu.Unlock()
	f.fire(status.Disconnected, status.Connecting)
	f.setConnected(true)
	f.fire(status.Connecting, status.Connected)
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	was := f.connected
	f.connected = false
	f.mu.Unlock()
	if was {
		f.fire(status.Connected, status.Disconnected)
	}
	return nil
}

func (f *fakeTransport) Emit(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, emitted{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) On(event string, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[transport.Handler]struct{})
	}
	f.handlers[event][h] = struct{}{}
}

func (f *fakeTransport) Off(event string, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[event], h)
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) OnStateChange(fn func(status.StatusChange)) {
	f.mu.Lock()
	f.observers = append(f.observers, fn)
	f.mu.Unlock()
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeTransport) fire(from, to status.State) {
	f.mu.Lock()
	obs := append([]func(status.StatusChange){}, f.observers...)
	f.mu.Unlock()
	for _, fn := range obs {
		fn(status.StatusChange{From: from, To: to})
	}
}

// drop simulates the socket going away with auto-reconnect on.
func (f *fakeTransport) drop() {
	f.setConnected(false)
	f.fire(status.Connected, status.Reconnecting)
}

func (f *fakeTransport) restore() {
	f.fire(status.Reconnecting, status.Connecting)
	f.setConnected(true)
	f.fire(status.Connecting, status.Connected)
}

// deliver hands a server event to registered handlers synchronously.
func (f *fakeTransport) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	var hs []transport.Handler
	for h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	if len(hs) == 0 {
		t.Fatalf("no handler for %s", event)
	}
	for _, h := range hs {
		h.HandleEvent(transport.Event{Name: event, Data: data})
	}
}

func (f *fakeTransport) emitted(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

// --- fake backend ---

type fakeBackend struct {
	mu       gosync.Mutex
	convs    []chat.Conversation
	unread   int
	history  map[string][]chat.Message // chronological
	gates    map[string]chan struct{}
	calls    map[string]int
	sent     []backend.SendRequest
	sendErr  error
	readLeft int
	readErr  error
	deleted  []string
	created  int
	finds    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		history: make(map[string][]chat.Message),
		gates:   make(map[string]chan struct{}),
		calls:   make(map[string]int),
	}
}

func (b *fakeBackend) CreateConversation(ctx context.Context, participants [2]string, title string) (*chat.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created++
	c := chat.Conversation{ID: "new-" + participants[1], Participants: participants, Title: title}
	b.convs = append(b.convs, c)
	return &c, nil
}

func (b *fakeBackend) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]chat.Conversation(nil), b.convs...), nil
}

func (b *fakeBackend) FindConversation(ctx context.Context, a, c string) (*chat.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finds++
	for _, conv := range b.convs {
		if conv.HasParticipants(a, c) {
			return &conv, nil
		}
	}
	return nil, nil
}

func (b *fakeBackend) DeleteConversation(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, id)
	return nil
}

func (b *fakeBackend) MarkConversationRead(ctx context.Context, id string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLeft, b.readErr
}

func (b *fakeBackend) SendMessage(ctx context.Context, req backend.SendRequest) (*chat.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	b.sent = append(b.sent, req)
	m := chat.Message{
		ID:             "srv-" + req.CorrelationID,
		ConversationID: req.ConversationID,
		SenderID:       req.FromID,
		RecipientID:    req.ToID,
		Content:        req.Content,
		CreatedAt:      time.Now(),
	}
	b.history[req.ConversationID] = append(b.history[req.ConversationID], m)
	return &m, nil
}

// ListMessages serves history newest first, waiting on the conversation's
// gate when one is set.
func (b *fakeBackend) ListMessages(ctx context.Context, conversationID string, page, limit int) (*chat.MessagePage, error) {
	b.mu.Lock()
	b.calls[conversationID]++
	gate := b.gates[conversationID]
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.history[conversationID]
	total := max((len(all)+limit-1)/limit, 1)
	end := len(all) - (page-1)*limit
	start := max(end-limit, 0)
	var msgs []chat.Message
	for i := end - 1; i >= start; i-- {
		msgs = append(msgs, all[i])
	}
	return &chat.MessagePage{Messages: msgs, Page: page, TotalPages: total}, nil
}

func (b *fakeBackend) UnreadCount(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unread, nil
}

func (b *fakeBackend) gate(conversationID string) chan struct{} {
	ch := make(chan struct{})
	b.mu.Lock()
	b.gates[conversationID] = ch
	b.mu.Unlock()
	return ch
}

func (b *fakeBackend) callCount(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[conversationID]
}

func (b *fakeBackend) addMessage(m chat.Message) {
	b.mu.Lock()
	b.history[m.ConversationID] = append(b.history[m.ConversationID], m)
	b.mu.Unlock()
}

// --- helpers ---

func msg(conv, id, from string, minute int) chat.Message {
	to := "me"
	if from == "me" {
		to = "p1"
	}
	return chat.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       from,
		RecipientID:    to,
		Content:        "text " + id,
		CreatedAt:      base.Add(time.Duration(minute) * time.Minute),
	}
}

func payloadOf(m chat.Message, correlationID string) transport.MessagePayload {
	return transport.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		FromID:         m.SenderID,
		ToID:           m.RecipientID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		CorrelationID:  correlationID,
	}
}

type fixture struct {
	c   *Controller
	tr  *fakeTransport
	api *fakeBackend
	bus *bus.Bus
}

func newFixture(t *testing.T, pageSize int) *fixture {
	t.Helper()
	tr := newFakeTransport()
	api := newFakeBackend()
	api.convs = []chat.Conversation{
		{ID: "c1", Participants: [2]string{"me", "p1"}},
		{ID: "c2", Participants: [2]string{"me", "p2"}},
	}
	api.history["c1"] = []chat.Message{msg("c1", "M1", "p1", 0), msg("c1", "M2", "me", 1)}
	b := bus.New()
	c := New(Config{UserID: "me", PageSize: pageSize}, tr, api, b, nil)
	t.Cleanup(func() { _ = c.Stop() })
	return &fixture{c: c, tr: tr, api: api, bus: b}
}

// start connects and waits for the join announcement to finish.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.c.wg.Wait()
}

// startOffline starts with the socket unreachable.
func (f *fixture) startOffline(t *testing.T) {
	t.Helper()
	f.tr.connectErr = errors.New("offline")
	if err := f.c.Start(context.Background()); err == nil {
		t.Fatal("Start() succeeded with transport offline")
	}
}

func (f *fixture) selectConv(t *testing.T, id string) {
	t.Helper()
	if err := f.c.SelectConversation(context.Background(), id); err != nil {
		t.Fatal(err)
	}
}

func keys(entries []chat.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key()
	}
	return out
}

func countContent(entries []chat.Entry, content string) int {
	n := 0
	for _, e := range entries {
		if e.Message.Content == content {
			n++
		}
	}
	return n
}

func unreadOf(s Snapshot, id string) int {
	for _, c := range s.Conversations {
		if c.ID == id {
			return c.UnreadCount
		}
	}
	return -1
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

// --- tests ---

func TestSendConfirmedByEcho(t *testing.T) {
	f := newFixture(t, 20)
	f.start(t)
	f.selectConv(t, "c1")

	if got := keys(f.c.Snapshot().Messages); len(got) != 2 || got[0] != "M1" || got[1] != "M2" {
		t.Fatalf("messages = %v, want [M1 M2]", got)
	}

	if err := f.c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	msgs := f.c.Snapshot().Messages
	if len(msgs) != 3 || !msgs[2].IsPending() {
		t.Fatalf("messages = %v, want pending third entry", keys(msgs))
	}
	sends := f.tr.emitted(transport.EventMessageSend)
	if len(sends) != 1 {
		t.Fatalf("message:send emitted %d times", len(sends))
	}
	p := sends[0].(transport.SendPayload)
	if p.ToID != "p1" || p.Content != "hello" || p.CorrelationID == "" {
		t.Fatalf("send payload = %+v", p)
	}

	acks, unsub := f.bus.Subscribe(bus.KindMessageSendAck, 1)
	defer unsub()

	echo := chat.Message{ID: "M3", ConversationID: "c1", SenderID: "me", RecipientID: "p1", Content: "hello", CreatedAt: time.Now()}
	f.tr.deliver(t, transport.EventMessageSent, payloadOf(echo, p.CorrelationID))

	s := f.c.Snapshot()
	if got := keys(s.Messages); len(got) != 3 || got[2] != "M3" {
		t.Fatalf("messages = %v, want [M1 M2 M3]", got)
	}
	if unreadOf(s, "c1") != 0 {
		t.Errorf("own message counted as unread")
	}
	if f.c.Snapshot().PendingSends != 0 {
		t.Errorf("outbox still holds %d entries", f.c.Snapshot().PendingSends)
	}
	select {
	case evt := <-acks:
		if ack := evt.Payload.(outbox.SendAck); ack.CorrelationID != p.CorrelationID || ack.ServerID != "M3" {
			t.Errorf("ack = %+v", ack)
		}
	case <-time.After(time.Second):
		t.Fatal("no send_ack event")
	}
}

func TestSendOverRESTWhileDisconnected(t *testing.T) {
	f := newFixture(t, 20)
	f.startOffline(t)
	f.selectConv(t, "c1")

	if err := f.c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	if len(f.api.sent) != 1 {
		t.Fatalf("REST sends = %d, want 1", len(f.api.sent))
	}
	s := f.c.Snapshot()
	last := s.Messages[len(s.Messages)-1]
	if last.IsPending() || last.Message.Content != "hello" {
		t.Fatalf("last entry = %+v, want confirmed hello", last)
	}

	// The server also pushes the message once the socket is back.
	f.tr.deliver(t, transport.EventMessageSent, payloadOf(last.Message, ""))
	if n := countContent(f.c.Snapshot().Messages, "hello"); n != 1 {
		t.Errorf("hello appears %d times, want 1", n)
	}
}

func TestFailedSendStaysVisibleUntilEcho(t *testing.T) {
	f := newFixture(t, 20)
	f.startOffline(t)
	f.selectConv(t, "c1")
	f.api.sendErr = errors.New("503")

	if err := f.c.SendMessage(context.Background(), "hello"); err == nil {
		t.Fatal("SendMessage() succeeded")
	}
	s := f.c.Snapshot()
	last := s.Messages[len(s.Messages)-1]
	p, ok := last.Delivery.(chat.Pending)
	if !ok || !p.Failed || p.Err == "" {
		t.Fatalf("last delivery = %+v, want failed pending", last.Delivery)
	}
	if s.Error == "" {
		t.Error("snapshot error not set")
	}

	// The server did store it after all; its echo carries no correlation id.
	echo := chat.Message{ID: "M9", ConversationID: "c1", SenderID: "me", RecipientID: "p1", Content: "hello", CreatedAt: time.Now()}
	f.tr.deliver(t, transport.EventMessageSent, payloadOf(echo, ""))

	msgs := f.c.Snapshot().Messages
	if got := keys(msgs); got[len(got)-1] != "M9" || len(got) != 3 {
		t.Fatalf("messages = %v, want pending replaced by M9", got)
	}
	if f.c.Snapshot().PendingSends != 0 {
		t.Errorf("outbox still holds %d entries", f.c.Snapshot().PendingSends)
	}
}

func TestRetryAndDiscard(t *testing.T) {
	f := newFixture(t, 20)
	f.startOffline(t)
	f.selectConv(t, "c1")
	f.api.sendErr = errors.New("503")

	_ = f.c.SendMessage(context.Background(), "first")
	_ = f.c.SendMessage(context.Background(), "second")
	msgs := f.c.Snapshot().Messages
	first, _ := msgs[2].CorrelationID()
	second, _ := msgs[3].CorrelationID()

	f.api.mu.Lock()
	f.api.sendErr = nil
	f.api.mu.Unlock()

	if err := f.c.Retry(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	if err := f.c.Discard(second); err != nil {
		t.Fatal(err)
	}

	msgs = f.c.Snapshot().Messages
	if len(msgs) != 3 || msgs[2].IsPending() || msgs[2].Message.Content != "first" {
		t.Fatalf("messages = %v, want first confirmed and second gone", keys(msgs))
	}
	if err := f.c.Retry(context.Background(), second); !errors.Is(err, ErrUnknownPending) {
		t.Errorf("Retry(discarded) = %v, want ErrUnknownPending", err)
	}
	if err := f.c.Discard("nope"); !errors.Is(err, ErrUnknownPending) {
		t.Errorf("Discard(unknown) = %v, want ErrUnknownPending", err)
	}
}

func TestSendMessageErrors(t *testing.T) {
	f := newFixture(t, 20)
	f.start(t)

	if err := f.c.SendMessage(context.Background(), "hi"); !errors.Is(err, ErrNoActiveConversation) {
		t.Errorf("SendMessage() without selection = %v", err)
	}
	f.selectConv(t, "c1")
	if err := f.c.SendMessage(context.Background(), "  \n"); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("SendMessage(blank) = %v", err)
	}
}

func TestEmitFailureFallsBackToREST(t *testing.T) {
	f := newFixture(t, 20)
	f.start(t)
	f.selectConv(t, "c1")
	f.tr.mu.Lock()
	f.tr.emitErr = errors.New("write: broken pipe")
	f.tr.mu.Unlock()

	if err := f.c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	if len(f.api.sent) != 1 {
		t.Fatalf("REST sends = %d, want 1", len(f.api.sent))
	}
	msgs := f.c.Snapshot().Messages
	if msgs[len(msgs)-1].IsPending() {
		t.Error("message still pending after REST send")
	}
}

func TestSendExpiresWithoutAck(t *testing.T) {
	f := newFixture(t, 20)
	f.start(t)
	f.selectConv(t, "c1")

	if err := f.c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	for _, e := range f.c.outbox.Expire(-time.Hour) {
		f.c.onSendExpired(e)
	}
	msgs := f.c.Snapshot().Messages
	p, ok := msgs[len(msgs)-1].Delivery.(chat.Pending)
	if !ok || !p.Failed {
		t.Fatalf("delivery = %+v, want failed", msgs[len(msgs)-1].Delivery)
	}
}

func TestIncomingMessages(t *testing.T) {
	f := newFixture(t, 20)
	f.start(t)
	f.selectConv(t, "c1")

	received, unsub := f.bus.Subscribe(bus.KindMessageReceived, 8)
	defer unsub()

	bg := msg("c2", "N1", "p2", 5)
	f.tr.deliver(t, transport.EventMessageReceived, payloadOf(bg, ""))
	f.tr.deliver(t, transport.EventMessageReceived, payloadOf(bg, ""))

	s := f.c.Snapshot()
	if unreadOf(s, "c2") != 1 || s.UnreadCount != 1 {
		t.Errorf("c2 unread = %d, total = %d, want 1, 1", unreadOf(s, "c2"), s.UnreadCount)
	}
	if s.Conversations[0].ID != "c2" {
		t.Errorf("top conversation = %s, want c2", s.Conversations[0].ID)
	}
	if len(s.Messages) != 2 {
		t.Errorf("background message leaked into active timeline: %v", keys(s.Messages))
	}

	fg := msg("c1", "M3", "p1", 6)
	f.tr.deliver(t, transport.EventMessageReceived, payloadOf(fg, ""))
	s = f.c.Snapshot()
	if got := keys(s.Messages); len(got) != 3 || got[2] != "M3" {
		t.Errorf("messages = %v, want M3 appended", got)
	}
	if unreadOf(s, "c1") != 0 {
		t.Errorf("active conversation unread = %d", unreadOf(s, "c1"))
	}

	own := msg("c2", "N2", "me", 7)
	f.tr.deliver(t, transport.EventMessageReceived, payloadOf(own, ""))
	if got := unreadOf(f.c.Snapshot(), "c2"); got != 1 {
		t.Errorf("own message bumped unread to %d", got)
	}

	unlisted := msg("c9", "X1", "p9", 8)
	f.tr.deliver(t, transport.EventMessageReceived, payloadOf(unlisted, ""))
	s = f.c.Snapshot()
	if len(s.Conversations) != 2 || s.UnreadCount != 2 {
		t.Errorf("conversations = %d, total = %d, want 2, 2", len(s.Conversations), s.UnreadCount)
	}

	want := []string{"N1", "M3", "X1"}
	for _, id := range want {
		select {
		case evt := <-received:
			if m := evt.Payload.(chat.Message); m.ID != id {
				t.Errorf("received %s, want %s", m.ID, id)
			}
		case <-time.After(time.Second):
			t.Fatalf("no message.received for %s", id)
		}
	}
}

func TestStaleFirstPageDiscarded(t *testing.T) {
	f := newFixture(t, 20)
	f.start(t)
	f.api.history["c2"] = []chat.Message{msg("c2", "N1", "p2", 0)}
	gate := f.api.gate("c1")

	errc := make(chan error, 1)
	go func() { errc <- f.c.SelectConversation(context.Background(), "c1") }()
	eventually(t, func() bool { return f.api.callCount("c1") == 1 })

	f.selectConv(t, "c2")
	close(gate)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}

	s := f.c.Snapshot()
	if s.ActiveConversation == nil || s.ActiveConversation.ID != "c2" {
		t.Fatalf("active = %+v, want c2", s.ActiveConversation)
	}
	if got := keys(s.Messages); len(got) != 1 || got[0] != "N1" {
		t.Errorf("messages = %v, want [N1]", got)
	}
	if s.Loading {
		t.Error("still loading")
	}
}

func TestLoadMore(t *testing.T) {
	f := newFixture(t, 2)
	f.api.history["c1"] = []chat.Message{
		msg("c1", "M1", "p1", 0), msg("c1", "M2", "me", 1), msg("c1", "M3", "p1", 2),
		msg("c1", "M4", "me", 3), msg("c1", "M5", "p1", 4),
	}
	f.start(t)
	f.selectConv(t, "c1")

	s := f.c.Snapshot()
	if got := keys(s.Messages); len(got) != 2 || got[0] != "M4" || !s.HasMore {
		t.Fatalf("first page = %v, hasMore %v", got, s.HasMore)
	}

	gate := f.api.gate("c1")
	errc := make(chan error, 1)
	go func() { errc <- f.c.LoadMore(context.Background()) }()
	eventually(t, func() bool { return f.api.callCount("c1") == 2 })

	if !f.c.Snapshot().LoadingMore {
		t.Error("LoadingMore = false while fetching")
	}
	if err := f.c.LoadMore(context.Background()); !errors.Is(err, timeline.ErrBusy) {
		t.Errorf("concurrent LoadMore() = %v, want ErrBusy", err)
	}
	close(gate)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if got := keys(f.c.Snapshot().Messages); len(got) != 4 || got[0] != "M2" {
		t.Fatalf("after page 2 = %v", got)
	}

	if err := f.c.LoadMore(context.Background()); err != nil {
		t.Fatal(err)
	}
	s = f.c.Snapshot()
	if got := keys(s.Messages); len(got) != 5 || got[0] != "M1" || s.HasMore {
		t.Fatalf("after page 3 = %v, hasMore %v", got, s.HasMore)
	}
	if err := f.c.LoadMore(context.Background()); !errors.Is(err, timeline.ErrNoMore) {
		t.Errorf("LoadMore() past end = %v, want ErrNoMore", err)
	}
}

func TestReconnectReannouncesAndCatchesUp(t *testing.T) {
	f := newFixture(t, 20)
	f.start(t)
	f.selectConv(t, "c1")

	if n := len(f.tr.emitted(transport.EventUserJoin)); n != 1 {
		t.Fatalf("user:join emitted %d times, want 1", n)
	}
	enters := len(f.tr.emitted(transport.EventConversationEnter))

	f.tr.drop()
	if f.c.Snapshot().IsConnected {
		t.Fatal("snapshot connected after drop")
	}
	missed := msg("c1", "M3", "p1", 2)
	f.api.addMessage(missed)
	f.tr.restore()
	f.c.wg.Wait()

	if n := len(f.tr.emitted(transport.EventUserJoin)); n != 2 {
		t.Errorf("user:join emitted %d times, want 2", n)
	}
	if n := len(f.tr.emitted(transport.EventConversationEnter)); n != enters+1 {
		t.Errorf("conversation:enter emitted %d times, want %d", n, enters+1)
	}
	if n := len(f.tr.emitted(transport.EventRequestOnline)); n != 2 {
		t.Errorf("users:online emitted %d times, want 2", n)
	}
	if got := keys(f.c.Snapshot().Messages); len(got) != 3 || got[2] != "M3" {
		t.Fatalf("messages after catch-up = %v", got)
	}

	// The same message pushed right after the reconnect is not duplicated.
	f.tr.deliver(t, transport.EventMessageReceived, payloadOf(missed, ""))
	s := f.c.Snapshot()
	if len(s.Messages) != 3 {
		t.Errorf("messages = %v, want 3", keys(s.Messages))
	}
	if unreadOf(s, "c1") != 0 {
		t.Errorf("unread = %d, want 0", unreadOf(s, "c1"))
	}
}

func TestMarkReadOverSocket(t *testing.T) {
	f := newFixture(t, 20)
	f.api.convs[0].UnreadCount = 3
	f.api.unread = 3
	f.start(t)

	if err := f.c.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	s := f.c.Snapshot()
	if unreadOf(s, "c1") != 0 || s.UnreadCount != 0 {
		t.Fatalf("unread = %d, total = %d, want 0, 0", unreadOf(s, "c1"), s.UnreadCount)
	}
	if n := len(f.tr.emitted(transport.EventMarkRead)); n != 1 {
		t.Fatalf("mark-read emitted %d times", n)
	}

	total := 1
	f.tr.deliver(t, transport.EventConversationRead, transport.MarkedReadPayload{ConversationID: "c1", UnreadCount: 1, TotalUnread: &total})
	s = f.c.Snapshot()
	if unreadOf(s, "c1") != 1 || s.UnreadCount != 1 {
		t.Errorf("unread = %d, total = %d, want server values 1, 1", unreadOf(s, "c1"), s.UnreadCount)
	}
}

func TestMarkReadOverREST(t *testing.T) {
	f := newFixture(t, 20)
	f.api.convs[0].UnreadCount = 3
	f.api.unread = 3
	f.startOffline(t)

	if err := f.c.MarkRead(context.Background(), ""); !errors.Is(err, ErrNoActiveConversation) {
		t.Errorf("MarkRead() without selection = %v", err)
	}

	f.api.readErr = errors.New("500")
	if err := f.c.MarkRead(context.Background(), "c1"); err == nil {
		t.Fatal("MarkRead() succeeded")
	}
	s := f.c.Snapshot()
	if unreadOf(s, "c1") != 3 || s.Error == "" {
		t.Errorf("after failure unread = %d, error %q, want 3 restored", unreadOf(s, "c1"), s.Error)
	}

	f.api.readErr = nil
	if err := f.c.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if got := unreadOf(f.c.Snapshot(), "c1"); got != 0 {
		t.Errorf("unread = %d, want 0", got)
	}
}

func TestReadReceipts(t *testing.T) {
	f := newFixture(t, 20)
	f.start(t)
	f.selectConv(t, "c1")

	f.tr.deliver(t, transport.EventReadReceipt, transport.ReadReceiptPayload{
		ConversationID: "c1", ReaderID: "p1", ReadAt: base.Add(2 * time.Minute),
	})
	for _, e := range f.c.Snapshot().Messages {
		switch e.Key() {
		case "M1":
			if e.Message.ReadAt != nil {
				t.Error("peer message marked read by peer receipt")
			}
		case "M2":
			if e.Message.ReadAt == nil {
				t.Error("own message not marked read")
			}
		}
	}

	f.tr.deliver(t, transport.EventAutoRead, transport.AutoReadPayload{ConversationID: "c1", MessageID: "M1", ReadAt: base})
	if e := f.c.Snapshot().Messages[0]; e.Message.ReadAt == nil {
		t.Error("auto-read not applied to M1")
	}
}

func TestDeleteActiveConversation(t *testing.T) {
	f := newFixture(t, 20)
	f.start(t)
	f.selectConv(t, "c1")

	gone, unsub := f.bus.Subscribe(bus.KindConversationGone, 1)
	defer unsub()

	if err := f.c.DeleteConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	s := f.c.Snapshot()
	if s.ActiveConversation != nil || len(s.Messages) != 0 {
		t.Errorf("active = %+v, messages = %d after delete", s.ActiveConversation, len(s.Messages))
	}
	if len(s.Conversations) != 1 || s.Conversations[0].ID != "c2" {
		t.Errorf("conversations = %+v", s.Conversations)
	}
	leaves := f.tr.emitted(transport.EventConversationLeave)
	if len(leaves) != 1 || leaves[0].(transport.RoomPayload).ConversationID != "c1" {
		t.Errorf("leave events = %+v", leaves)
	}
	select {
	case evt := <-gone:
		if evt.Payload.(string) != "c1" {
			t.Errorf("deleted payload = %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no conversation.deleted event")
	}
}

func TestStartNewConversation(t *testing.T) {
	f := newFixture(t, 20)
	f.start(t)
	ctx := context.Background()

	conv, err := f.c.StartNewConversation(ctx, "p1")
	if err != nil || conv.ID != "c1" {
		t.Fatalf("StartNewConversation(p1) = %+v, %v, want existing c1", conv, err)
	}
	if f.api.created != 0 {
		t.Errorf("created %d conversations, want 0", f.api.created)
	}
	if f.api.finds != 0 {
		t.Errorf("looked up a listed conversation on the server %d times", f.api.finds)
	}
	if s := f.c.Snapshot(); s.ActiveConversation == nil || s.ActiveConversation.ID != "c1" {
		t.Errorf("active = %+v, want c1", s.ActiveConversation)
	}

	// Known to the server but not listed locally.
	f.api.mu.Lock()
	f.api.convs = append(f.api.convs, chat.Conversation{ID: "c3", Participants: [2]string{"p3", "me"}})
	f.api.mu.Unlock()
	conv, err = f.c.StartNewConversation(ctx, "p3")
	if err != nil || conv.ID != "c3" {
		t.Fatalf("StartNewConversation(p3) = %+v, %v, want c3 from server", conv, err)
	}
	if f.api.finds != 1 || f.api.created != 0 {
		t.Errorf("finds = %d created = %d, want 1 and 0", f.api.finds, f.api.created)
	}

	conv, err = f.c.StartNewConversation(ctx, "p5")
	if err != nil || conv.ID != "new-p5" {
		t.Fatalf("StartNewConversation(p5) = %+v, %v", conv, err)
	}
	s := f.c.Snapshot()
	if s.ActiveConversation == nil || s.ActiveConversation.ID != "new-p5" || s.Conversations[0].ID != "new-p5" {
		t.Errorf("new conversation not selected and listed first: %+v", s.ActiveConversation)
	}

	if _, err := f.c.StartNewConversation(ctx, "me"); !errors.Is(err, ErrInvalidPeer) {
		t.Errorf("StartNewConversation(self) = %v, want ErrInvalidPeer", err)
	}
}

func TestPresence(t *testing.T) {
	f := newFixture(t, 20)
	f.start(t)

	changes, unsub := f.bus.Subscribe(bus.KindPresenceChanged, 8)
	defer unsub()

	f.tr.deliver(t, transport.EventOnlineList, transport.OnlineListPayload{UserIDs: []string{"p2", "p1"}})
	if !f.c.IsOnline("p1") || !f.c.IsOnline("p2") {
		t.Fatal("snapshot not applied")
	}
	f.tr.deliver(t, transport.EventUserOffline, transport.UserPayload{UserID: "p1"})
	f.tr.deliver(t, transport.EventUserOnline, transport.UserPayload{UserID: "p3"})
	f.tr.deliver(t, transport.EventUserOnline, transport.UserPayload{UserID: "p3"})
	f.tr.deliver(t, transport.EventUserOffline, transport.UserPayload{UserID: "p7"})

	if got := f.c.Snapshot().OnlineUserIDs; len(got) != 2 || got[0] != "p2" || got[1] != "p3" {
		t.Errorf("online = %v, want [p2 p3]", got)
	}
	if n := len(changes); n != 3 {
		t.Errorf("presence.changed events = %d, want 3", n)
	}

	f.tr.drop()
	if got := f.c.Snapshot().OnlineUserIDs; len(got) != 0 {
		t.Errorf("online = %v after the socket dropped, want none", got)
	}
	if n := len(changes); n != 4 {
		t.Errorf("presence.changed events = %d, want 4", n)
	}
}

func TestStopLeavesActiveRoom(t *testing.T) {
	f := newFixture(t, 20)
	f.start(t)
	f.selectConv(t, "c2")

	if err := f.c.Stop(); err != nil {
		t.Fatal(err)
	}
	leaves := f.tr.emitted(transport.EventConversationLeave)
	if len(leaves) != 1 || leaves[0].(transport.RoomPayload).ConversationID != "c2" {
		t.Errorf("leave events = %+v", leaves)
	}
	if f.tr.IsConnected() {
		t.Error("transport still connected after Stop")
	}
}

func TestHistorySettlesSendWithLostEcho(t *testing.T) {
	f := newFixture(t, 20)
	f.start(t)
	f.selectConv(t, "c1")
	ctx := context.Background()

	if err := f.c.SendMessage(ctx, "hi"); err != nil {
		t.Fatal(err)
	}
	sends := f.tr.emitted(transport.EventMessageSend)
	if len(sends) != 1 {
		t.Fatalf("message:send emitted %d times", len(sends))
	}
	corr := sends[0].(transport.SendPayload).CorrelationID

	// The server stores the message but the echo is lost with the socket.
	f.api.addMessage(chat.Message{ID: "S1", ConversationID: "c1", SenderID: "me", RecipientID: "p1", Content: "hi", CreatedAt: time.Now()})
	f.tr.drop()
	f.selectConv(t, "c2")
	f.tr.restore()
	f.c.wg.Wait()

	f.selectConv(t, "c1")
	s := f.c.Snapshot()
	if n := countContent(s.Messages, "hi"); n != 1 {
		t.Fatalf("'hi' shown %d times, want 1: %v", n, keys(s.Messages))
	}
	if got := keys(s.Messages); len(got) != 3 || got[2] != "S1" {
		t.Errorf("messages = %v, want [M1 M2 S1]", got)
	}
	if s.PendingSends != 0 {
		t.Errorf("pending sends = %d, want 0", s.PendingSends)
	}
	if err := f.c.Retry(ctx, corr); !errors.Is(err, ErrUnknownPending) {
		t.Errorf("Retry() = %v, want ErrUnknownPending", err)
	}
}

func TestOlderPageSettlesPendingSend(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)
	f.selectConv(t, "c1")
	ctx := context.Background()

	f.tr.setConnected(false)
	f.api.sendErr = errors.New("unavailable")
	if err := f.c.SendMessage(ctx, "late"); err == nil {
		t.Fatal("SendMessage() succeeded with backend failing")
	}
	f.api.sendErr = nil

	// The request reached the server after all; newer history pushes the
	// stored copy onto page 2.
	stored := chat.Message{ID: "S9", ConversationID: "c1", SenderID: "me", RecipientID: "p1", Content: "late", CreatedAt: time.Now()}
	f.api.mu.Lock()
	f.api.history["c1"] = []chat.Message{
		msg("c1", "M1", "p1", 0), msg("c1", "M2", "me", 1), stored,
	}
	later := stored.CreatedAt
	for _, id := range []string{"N1", "N2"} {
		later = later.Add(time.Second)
		m := msg("c1", id, "p1", 0)
		m.CreatedAt = later
		f.api.history["c1"] = append(f.api.history["c1"], m)
	}
	f.api.mu.Unlock()

	f.selectConv(t, "c2")
	f.selectConv(t, "c1")
	if n := countContent(f.c.Snapshot().Messages, "late"); n != 1 {
		t.Fatalf("'late' shown %d times after first page", n)
	}
	if err := f.c.LoadMore(ctx); err != nil {
		t.Fatal(err)
	}
	s := f.c.Snapshot()
	if n := countContent(s.Messages, "late"); n != 1 {
		t.Errorf("'late' shown %d times after older page: %v", n, keys(s.Messages))
	}
	if s.PendingSends != 0 || s.Page != 2 {
		t.Errorf("pending = %d page = %d, want 0 and 2", s.PendingSends, s.Page)
	}
}

func TestSnapshotShowsUnlistedPreview(t *testing.T) {
	f := newFixture(t, 20)
	f.start(t)

	m := chat.Message{ID: "X1", ConversationID: "c9", SenderID: "p9", RecipientID: "me", Content: "hey", CreatedAt: time.Now()}
	f.tr.deliver(t, transport.EventMessageReceived, payloadOf(m, ""))

	s := f.c.Snapshot()
	if sum, ok := s.UnlistedLastMessages["c9"]; !ok || sum.MessageID != "X1" {
		t.Errorf("unlisted previews = %+v", s.UnlistedLastMessages)
	}
	if s.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", s.UnreadCount)
	}
}
