// Package notify turns incoming messages into user notifications.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/record"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Notification describes one incoming message to surface to the user.
type Notification struct {
	ConversationID string
	MessageID      string
	SenderID       string
	SenderName     string
	Text           string
	At             time.Time
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	l.Logger.Info("new message",
		zap.String("conversation_id", n.ConversationID),
		zap.String("from", n.SenderName),
		zap.String("msg_id", n.MessageID),
	)
	return nil
}

// Dispatcher listens for message.incoming events and hands them to a Notifier.
type Dispatcher struct {
	bus      *bus.Bus
	db       *store.DB
	feed     feed.Feed
	notifier Notifier
	logger   *zap.Logger

	group  singleflight.Group
	mu     sync.Mutex
	names  map[string]string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a dispatcher. A nil notifier logs notifications.
func NewDispatcher(b *bus.Bus, db *store.DB, f feed.Feed, n Notifier, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if n == nil {
		n = LogNotifier{Logger: logger}
	}
	return &Dispatcher{
		bus:      b,
		db:       db,
		feed:     f,
		notifier: n,
		logger:   logger,
		names:    make(map[string]string),
	}
}

// Start subscribes to incoming message events.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	ch, unsub := d.bus.Subscribe(bus.KindMessageIncoming, 256)

	go func() {
		defer close(d.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				ref, ok := evt.Payload.(bus.MessageRef)
				if !ok {
					continue
				}
				d.dispatch(ctx, ref, evt.Timestamp)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the dispatcher and waits for it to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ref bus.MessageRef, at time.Time) {
	n := Notification{
		ConversationID: ref.ConversationID,
		MessageID:      ref.MessageID,
		SenderID:       ref.SenderID,
		SenderName:     d.DisplayName(ctx, ref.SenderID),
		At:             at,
	}
	if m, err := d.db.GetMessage(ref.ConversationID, ref.MessageID); err == nil && m != nil {
		n.Text = m.Text
	}
	if err := d.notifier.Notify(ctx, n); err != nil {
		d.logger.Warn("notifier failed", zap.Error(err), zap.String("msg_id", ref.MessageID))
	}
}

// DisplayName resolves a user's display name from the local cache, falling
// back to a remote read. Concurrent lookups of one user share a single read.
// Unknown users resolve to their id.
func (d *Dispatcher) DisplayName(ctx context.Context, userID string) string {
	d.mu.Lock()
	name, ok := d.names[userID]
	d.mu.Unlock()
	if ok {
		return name
	}

	v, _, _ := d.group.Do(userID, func() (any, error) {
		d.mu.Lock()
		cached, ok := d.names[userID]
		d.mu.Unlock()
		if ok {
			return cached, nil
		}
		name := d.lookup(ctx, userID)
		if name != "" {
			d.mu.Lock()
			d.names[userID] = name
			d.mu.Unlock()
			return name, nil
		}
		return userID, nil
	})
	return v.(string)
}

func (d *Dispatcher) lookup(ctx context.Context, userID string) string {
	if u, err := d.db.GetUser(userID); err == nil && u != nil && u.DisplayName != "" {
		return u.DisplayName
	}
	f, err := d.feed.Get(ctx, record.UserPath(userID))
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Debug("display name lookup failed", zap.Error(err), zap.String("user_id", userID))
		}
		return ""
	}
	return record.DecodeUser(userID, f).DisplayName
}
