// Package source supplies the queue of items waiting to be posted.
package source

import (
	"context"
	"errors"
)

// ErrNoPending means every item in the source has been posted.
var ErrNoPending = errors.New("source: no pending items")

// Item is one queued post. MediaPath and MediaURL are mutually optional;
// a URL may point at an object store (s3://) or the web (http, https).
type Item struct {
	Row       int
	Text      string
	MediaPath string
	MediaURL  string
}

// Source hands out pending items and records the ones that got posted.
type Source interface {
	// Next returns the oldest pending item, or ErrNoPending.
	Next(ctx context.Context) (*Item, error)
	// MarkPosted durably flags the item so it is never returned again.
	MarkPosted(ctx context.Context, it *Item, postID string) error
	// PendingCount reports how many items are still unposted.
	PendingCount(ctx context.Context) (int, error)
}
