// Package timeline holds the message sequence and pagination cursor of the
// active conversation.
//
// Phases:
//
//	Idle --Select--> Loading --CompleteLoad--> Ready --BeginLoadMore--> LoadingMore
//	                                             ^                          |
//	                                             +------CompleteLoadMore----+
//
// Every fetch is issued against a Ticket. Selecting another conversation bumps
// the epoch, so responses for an earlier selection are rejected with ErrStale.
//
// A Timeline is not safe for concurrent use; its owner serializes access.
package timeline

import (
	"errors"
	"slices"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/ordering"
)

// Phase is the loading state of the timeline.
type Phase string

const (
	Idle        Phase = "IDLE"
	Loading     Phase = "LOADING"
	Ready       Phase = "READY"
	LoadingMore Phase = "LOADING_MORE"
)

var (
	ErrStale    = errors.New("timeline: response for a previous selection")
	ErrBusy     = errors.New("timeline: load more already in flight")
	ErrNoMore   = errors.New("timeline: no older pages")
	ErrNotReady = errors.New("timeline: first page not loaded")
)

// Ticket tags a fetch with the selection it was issued for.
type Ticket struct {
	ConversationID string
	epoch          uint64
}

// Timeline is the ordered message sequence of one selected conversation.
type Timeline struct {
	conversationID string
	epoch          uint64
	phase          Phase
	entries        []chat.Entry
	page           int
	hasMore        bool
}

// New returns an idle timeline with no conversation selected.
func New() *Timeline {
	return &Timeline{phase: Idle}
}

// Select switches to conversationID and enters Loading. The cursor is always
// reset; seed entries (retained content, pending sends) are shown until the
// first page arrives and are merged with it.
func (t *Timeline) Select(conversationID string, seed []chat.Entry) Ticket {
	t.epoch++
	t.conversationID = conversationID
	t.phase = Loading
	t.page = 0
	t.hasMore = false
	t.entries = ordering.MergeOlder(nil, seed)
	return t.Current()
}

// Clear drops the selection and returns to Idle.
func (t *Timeline) Clear() {
	t.epoch++
	t.conversationID = ""
	t.phase = Idle
	t.page = 0
	t.hasMore = false
	t.entries = nil
}

// Current returns a ticket for the present selection.
func (t *Timeline) Current() Ticket {
	return Ticket{ConversationID: t.conversationID, epoch: t.epoch}
}

// Valid reports whether tk still refers to the present selection.
func (t *Timeline) Valid(tk Ticket) bool {
	return tk.epoch == t.epoch && tk.ConversationID == t.conversationID && t.conversationID != ""
}

// CompleteLoad applies the first page and enters Ready.
func (t *Timeline) CompleteLoad(tk Ticket, page *chat.MessagePage) error {
	if !t.Valid(tk) || t.phase != Loading {
		return ErrStale
	}
	t.entries = ordering.MergeOlder(confirmedEntries(page.Messages), t.entries)
	t.page = max(page.Page, 1)
	t.hasMore = page.HasMore()
	t.phase = Ready
	return nil
}

// FailLoad returns a failed first load to Idle, keeping seeded entries visible.
func (t *Timeline) FailLoad(tk Ticket) error {
	if !t.Valid(tk) || t.phase != Loading {
		return ErrStale
	}
	t.phase = Idle
	return nil
}

// BeginLoadMore claims the single load-more slot and returns the page to fetch.
// Calls made while a load-more is in flight are rejected with ErrBusy.
func (t *Timeline) BeginLoadMore() (Ticket, int, error) {
	switch t.phase {
	case LoadingMore:
		return Ticket{}, 0, ErrBusy
	case Ready:
	default:
		return Ticket{}, 0, ErrNotReady
	}
	if !t.hasMore {
		return Ticket{}, 0, ErrNoMore
	}
	t.phase = LoadingMore
	return t.Current(), t.page + 1, nil
}

// CompleteLoadMore merges an older page and returns to Ready.
func (t *Timeline) CompleteLoadMore(tk Ticket, page *chat.MessagePage) error {
	if !t.Valid(tk) || t.phase != LoadingMore {
		return ErrStale
	}
	t.entries = ordering.MergeOlder(confirmedEntries(page.Messages), t.entries)
	if page.Page > t.page {
		t.page = page.Page
	}
	t.hasMore = page.HasMore()
	t.phase = Ready
	return nil
}

// FailLoadMore releases the load-more slot after a failed fetch.
func (t *Timeline) FailLoadMore(tk Ticket) error {
	if !t.Valid(tk) || t.phase != LoadingMore {
		return ErrStale
	}
	t.phase = Ready
	return nil
}

// Insert adds e if it belongs to the selected conversation. Returns true if the
// timeline changed.
func (t *Timeline) Insert(e chat.Entry) bool {
	if t.conversationID == "" || e.Message.ConversationID != t.conversationID {
		return false
	}
	next := ordering.InsertInOrder(t.entries, e)
	if len(next) == len(t.entries) {
		return false
	}
	t.entries = next
	return true
}

// Replace swaps the entry under oldKey for e.
func (t *Timeline) Replace(oldKey string, e chat.Entry) bool {
	next, ok := ordering.ReplaceEntry(t.entries, oldKey, e)
	if ok {
		t.entries = next
	}
	return ok
}

// Remove drops the entry under key.
func (t *Timeline) Remove(key string) bool {
	next, ok := ordering.Remove(t.entries, key)
	if ok {
		t.entries = next
	}
	return ok
}

// Update applies fn to a copy of every entry matched by match. Returns the
// number of entries changed.
func (t *Timeline) Update(match func(chat.Entry) bool, fn func(*chat.Entry)) int {
	var next []chat.Entry
	n := 0
	for i, e := range t.entries {
		if !match(e) {
			continue
		}
		if next == nil {
			next = slices.Clone(t.entries)
		}
		fn(&next[i])
		n++
	}
	if n > 0 {
		t.entries = ordering.SortChronological(next)
	}
	return n
}

// Find returns the first entry matched by match.
func (t *Timeline) Find(match func(chat.Entry) bool) (chat.Entry, bool) {
	i := slices.IndexFunc(t.entries, match)
	if i < 0 {
		return chat.Entry{}, false
	}
	return t.entries[i], true
}

// Entries returns the current sequence. Callers must not modify it.
func (t *Timeline) Entries() []chat.Entry { return t.entries }

// ConfirmedEntries returns the server-confirmed part of the sequence.
func (t *Timeline) ConfirmedEntries() []chat.Entry {
	out := make([]chat.Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if !e.IsPending() {
			out = append(out, e)
		}
	}
	return out
}

func (t *Timeline) ConversationID() string { return t.conversationID }
func (t *Timeline) Phase() Phase           { return t.phase }
func (t *Timeline) HasMore() bool          { return t.hasMore }
func (t *Timeline) Page() int              { return t.page }

func confirmedEntries(msgs []chat.Message) []chat.Entry {
	out := make([]chat.Entry, len(msgs))
	for i, m := range msgs {
		out[i] = chat.NewConfirmed(m)
	}
	return out
}
