package feed

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when no document exists at the path.
var ErrNotFound = errors.New("feed: document not found")

// ChangeType classifies a change delivered to a subscription.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

// Fields is a loosely typed document payload as it travels over the feed.
type Fields map[string]any

// Change is one document change observed by a subscription.
type Change struct {
	Type       ChangeType
	ID         string
	Path       string
	Fields     Fields
	CommitTime time.Time
}

// Handler receives ordered batches from a subscription. A non-nil err is a
// listener error; the subscription stays registered.
type Handler func(changes []Change, err error)

// Feed is a remote, multi-writer document store with push change notification.
type Feed interface {
	// Subscribe delivers the current matching documents as one batch of Added
	// changes, then every subsequent change in commit order. The returned stop
	// function is idempotent.
	Subscribe(ctx context.Context, q Query, h Handler) (stop func(), err error)
	// Write stores fields at path. With merge, only the given keys change and
	// dotted keys address nested map entries; without merge the document is
	// replaced.
	Write(ctx context.Context, path string, fields Fields, merge bool) error
	// Get is a point read of a single document.
	Get(ctx context.Context, path string) (Fields, error)
	// Delete removes the document at path.
	Delete(ctx context.Context, path string) error
}

type serverTimestamp struct{}

// ServerTimestamp is replaced by the commit time when a write is applied.
var ServerTimestamp any = serverTimestamp{}

// IncrementValue adds N to the numeric field it is written to.
type IncrementValue struct{ N int64 }

// Increment returns a sentinel that adds n to the existing field value.
func Increment(n int64) IncrementValue {
	return IncrementValue{N: n}
}

// Join builds a document path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the collection and document id of a document path.
func Split(path string) (collection, id string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}
