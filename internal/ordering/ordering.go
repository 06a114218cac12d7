// Package ordering keeps conversation timelines chronological and duplicate-free.
//
// Every function returns a new slice and leaves its inputs untouched, so callers
// can compare the old and new slice headers to skip redundant work.
package ordering

import (
	"fmt"
	"slices"

	"github.com/matheus3301/chatsync/internal/chat"
)

// OrderError describes the first adjacent pair that breaks chronological order.
type OrderError struct {
	Index    int
	PrevKey  string
	Key      string
	PrevTime string
	Time     string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("timeline out of order at %d: %s (%s) after %s (%s)",
		e.Index, e.Key, e.Time, e.PrevKey, e.PrevTime)
}

func byCreatedAt(a, b chat.Entry) int {
	return a.Message.CreatedAt.Compare(b.Message.CreatedAt)
}

// SortChronological returns entries stably sorted by creation time.
// Entries with equal timestamps keep their relative order.
func SortChronological(entries []chat.Entry) []chat.Entry {
	out := slices.Clone(entries)
	slices.SortStableFunc(out, byCreatedAt)
	return out
}

// Contains reports whether an entry with key is present.
func Contains(timeline []chat.Entry, key string) bool {
	return IndexOf(timeline, key) >= 0
}

// IndexOf returns the position of the entry with key, or -1.
func IndexOf(timeline []chat.Entry, key string) int {
	return slices.IndexFunc(timeline, func(e chat.Entry) bool { return e.Key() == key })
}

// InsertInOrder adds e to the timeline unless an entry with the same key is
// already there, in which case the timeline is returned as is.
func InsertInOrder(timeline []chat.Entry, e chat.Entry) []chat.Entry {
	if Contains(timeline, e.Key()) {
		return timeline
	}
	out := make([]chat.Entry, 0, len(timeline)+1)
	out = append(out, timeline...)
	out = append(out, e)
	slices.SortStableFunc(out, byCreatedAt)
	return out
}

// MergeOlder merges a backfilled batch into the current timeline.
// The first occurrence of a key wins, so olderBatch copies take precedence.
func MergeOlder(olderBatch, current []chat.Entry) []chat.Entry {
	seen := make(map[string]struct{}, len(olderBatch)+len(current))
	out := make([]chat.Entry, 0, len(olderBatch)+len(current))
	for _, batch := range [][]chat.Entry{olderBatch, current} {
		for _, e := range batch {
			k := e.Key()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, byCreatedAt)
	return out
}

// ReplaceEntry swaps the entry stored under oldKey for e, keeping its slot.
// If e's key is already present elsewhere the old entry is dropped instead.
// The result is re-sorted, which only moves e if its new timestamp requires it.
// ok is false when oldKey is absent; the timeline is then returned unchanged.
func ReplaceEntry(timeline []chat.Entry, oldKey string, e chat.Entry) (out []chat.Entry, ok bool) {
	i := IndexOf(timeline, oldKey)
	if i < 0 {
		return timeline, false
	}
	if e.Key() != oldKey && Contains(timeline, e.Key()) {
		return slices.Delete(slices.Clone(timeline), i, i+1), true
	}
	out = slices.Clone(timeline)
	out[i] = e
	slices.SortStableFunc(out, byCreatedAt)
	return out, true
}

// Remove drops the entry with key. ok is false when it was absent.
func Remove(timeline []chat.Entry, key string) (out []chat.Entry, ok bool) {
	i := IndexOf(timeline, key)
	if i < 0 {
		return timeline, false
	}
	return slices.Delete(slices.Clone(timeline), i, i+1), true
}

// ValidateOrder returns an *OrderError for the first adjacent pair whose
// timestamps decrease, and nil for a valid timeline.
func ValidateOrder(entries []chat.Entry) error {
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if cur.Message.CreatedAt.Before(prev.Message.CreatedAt) {
			return &OrderError{
				Index:    i,
				PrevKey:  prev.Key(),
				Key:      cur.Key(),
				PrevTime: prev.Message.CreatedAt.String(),
				Time:     cur.Message.CreatedAt.String(),
			}
		}
	}
	return nil
}
