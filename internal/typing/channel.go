// Package typing publishes the current user's typing indicators and
// observes those of other participants.
package typing

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/record"
	"go.uber.org/zap"
)

// ObserveFunc receives the typing indicators currently visible in a
// conversation, sorted by user id. The current user is never included.
type ObserveFunc func(active []record.Typing)

// Channel manages typing indicators. Indicators are ephemeral and never
// reach the local store.
type Channel struct {
	feed   feed.Feed
	bus    *bus.Bus
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	userID    string
	gen       uint64
	clearSeq  uint64
	clears    map[string]clearTask
	observers map[string]*observer
}

// clearTask is an armed self-clear. seq identifies the arming call so a
// timer that fires after being replaced does nothing.
type clearTask struct {
	timer *time.Timer
	seq   uint64
}

type observer struct {
	conversationID string
	fn             ObserveFunc
	stop           func()

	mu      sync.Mutex
	closed  bool
	entries map[string]record.Typing
	expiry  *time.Timer
}

// NewChannel creates a typing channel. A zero ttl means record.TypingTTL.
func NewChannel(f feed.Feed, b *bus.Bus, logger *zap.Logger, ttl time.Duration) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = record.TypingTTL
	}
	return &Channel{
		feed:      f,
		bus:       b,
		logger:    logger,
		ttl:       ttl,
		now:       time.Now,
		clears:    make(map[string]clearTask),
		observers: make(map[string]*observer),
	}
}

// SetUser sets the user whose indicators are written and hidden from observers.
func (c *Channel) SetUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// SetTyping writes the user's indicator. While typing, a single clear task per
// conversation is kept armed; each call pushes it back by the TTL.
func (c *Channel) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	c.mu.Lock()
	userID := c.userID
	if userID == "" {
		c.mu.Unlock()
		return nil
	}
	if task, ok := c.clears[conversationID]; ok {
		task.timer.Stop()
		delete(c.clears, conversationID)
	}
	if isTyping {
		gen := c.gen
		c.clearSeq++
		seq := c.clearSeq
		timer := time.AfterFunc(c.ttl, func() { c.autoClear(gen, conversationID, seq) })
		c.clears[conversationID] = clearTask{timer: timer, seq: seq}
	}
	c.mu.Unlock()

	return c.feed.Write(ctx, record.TypingPath(conversationID, userID), record.TypingFields(isTyping, c.now(), c.ttl), false)
}

func (c *Channel) autoClear(gen uint64, conversationID string, seq uint64) {
	c.mu.Lock()
	if task, ok := c.clears[conversationID]; gen != c.gen || !ok || task.seq != seq {
		c.mu.Unlock()
		return
	}
	delete(c.clears, conversationID)
	userID := c.userID
	c.mu.Unlock()

	err := c.feed.Write(context.Background(), record.TypingPath(conversationID, userID), record.TypingFields(false, c.now(), c.ttl), false)
	if err != nil {
		c.logger.Warn("failed to clear typing indicator", zap.Error(err), zap.String("conversation_id", conversationID))
	}
}

// PendingClears returns the number of armed clear tasks.
func (c *Channel) PendingClears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clears)
}

// Observe subscribes to a conversation's indicators, replacing any previous
// observer of that conversation. fn is re-invoked when a visible indicator
// expires.
func (c *Channel) Observe(ctx context.Context, conversationID string, fn ObserveFunc) error {
	c.Stop(conversationID)

	o := &observer{conversationID: conversationID, fn: fn, entries: make(map[string]record.Typing)}
	q := feed.Query{Collection: record.TypingCollection(conversationID)}
	stop, err := c.feed.Subscribe(ctx, q, func(changes []feed.Change, err error) {
		if err != nil {
			c.logger.Warn("typing listener failed", zap.Error(err), zap.String("conversation_id", conversationID))
			return
		}
		c.apply(o, changes)
	})
	if err != nil {
		return err
	}
	o.stop = stop

	c.mu.Lock()
	prev := c.observers[conversationID]
	c.observers[conversationID] = o
	c.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	return nil
}

func (c *Channel) apply(o *observer, changes []feed.Change) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	for _, ch := range changes {
		if ch.Type == feed.Removed {
			delete(o.entries, ch.ID)
			continue
		}
		t, err := record.DecodeTyping(o.conversationID, ch.ID, ch.Fields)
		if err != nil {
			c.logger.Debug("skipping malformed typing indicator", zap.Error(err))
			continue
		}
		o.entries[ch.ID] = t
	}
	c.emitLocked(o)
}

// emitLocked reports the active indicators and arms a timer for the earliest
// expiry. Must hold o.mu.
func (c *Channel) emitLocked(o *observer) {
	c.mu.Lock()
	self := c.userID
	c.mu.Unlock()

	now := c.now()
	var active []record.Typing
	var next time.Time
	for uid, t := range o.entries {
		if uid == self || !t.Active(now) {
			continue
		}
		active = append(active, t)
		if next.IsZero() || t.ExpiresAt.Before(next) {
			next = t.ExpiresAt
		}
	}
	slices.SortFunc(active, func(a, b record.Typing) int { return strings.Compare(a.UserID, b.UserID) })

	if o.expiry != nil {
		o.expiry.Stop()
		o.expiry = nil
	}
	if !next.IsZero() {
		wait := next.Sub(now) + time.Millisecond
		o.expiry = time.AfterFunc(wait, func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if !o.closed {
				c.emitLocked(o)
			}
		})
	}

	c.bus.Publish(bus.NewEvent(bus.KindTypingChanged, Snapshot{ConversationID: o.conversationID, Active: active}))
	if o.fn != nil {
		o.fn(active)
	}
}

// Stop ends the observer of a conversation.
func (c *Channel) Stop(conversationID string) {
	c.mu.Lock()
	o, ok := c.observers[conversationID]
	delete(c.observers, conversationID)
	c.mu.Unlock()
	if ok {
		o.close()
	}
}

// CancelAll stops every observer and pending clear task.
func (c *Channel) CancelAll() {
	c.mu.Lock()
	c.gen++
	for id, task := range c.clears {
		task.timer.Stop()
		delete(c.clears, id)
	}
	observers := c.observers
	c.observers = make(map[string]*observer)
	c.mu.Unlock()
	for _, o := range observers {
		o.close()
	}
}

func (o *observer) close() {
	if o.stop != nil {
		o.stop()
	}
	o.mu.Lock()
	o.closed = true
	if o.expiry != nil {
		o.expiry.Stop()
		o.expiry = nil
	}
	o.mu.Unlock()
}

// Snapshot is the payload of typing change events.
type Snapshot struct {
	ConversationID string
	Active         []record.Typing
}
