// Package presence publishes the current user's online state with a
// heartbeat while active and a grace period before going offline.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/record"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeat = 60 * time.Second
	DefaultGrace     = 30 * time.Second
)

// Options configures a Tracker.
type Options struct {
	Heartbeat time.Duration
	Grace     time.Duration
	Now       func() time.Time
}

// Tracker owns the presence record of the signed-in user. Every timer
// callback checks the generation it was armed under, so timers from a
// previous sign-in or foreground period are inert.
type Tracker struct {
	feed   feed.Feed
	db     *store.DB
	loop   *loop.Loop
	bus    *bus.Bus
	logger *zap.Logger

	heartbeat time.Duration
	grace     time.Duration
	now       func() time.Time

	// pubMu orders remote writes; a write re-checks its generation under it.
	pubMu sync.Mutex

	mu           sync.Mutex
	userID       string
	gen          uint64
	online       bool
	lastActivity time.Time
	graceTimer   *time.Timer
	stopBeat     context.CancelFunc
}

// NewTracker creates a tracker with no signed-in user.
func NewTracker(f feed.Feed, db *store.DB, l *loop.Loop, b *bus.Bus, logger *zap.Logger, opts Options) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		feed:      f,
		db:        db,
		loop:      l,
		bus:       b,
		logger:    logger,
		heartbeat: opts.Heartbeat,
		grace:     opts.Grace,
		now:       opts.Now,
	}
}

// SignIn starts tracking userID, publishes online and starts the heartbeat.
func (t *Tracker) SignIn(userID string) {
	t.mu.Lock()
	t.stopLocked()
	t.gen++
	t.userID = userID
	t.lastActivity = t.now()
	t.startBeatLocked()
	gen := t.gen
	t.mu.Unlock()
	t.publish(gen, true)
}

// SetUser follows the sync session: a new user signs in, "" stops tracking
// without publishing.
func (t *Tracker) SetUser(userID string) {
	if userID == "" {
		t.CancelAll()
		return
	}
	if t.User() == userID {
		return
	}
	t.SignIn(userID)
}

// User returns the tracked user id.
func (t *Tracker) User() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userID
}

// BecameActive cancels a pending offline transition and publishes online.
func (t *Tracker) BecameActive() {
	t.mu.Lock()
	if t.userID == "" {
		t.mu.Unlock()
		return
	}
	t.gen++
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
	t.lastActivity = t.now()
	if t.stopBeat == nil {
		t.startBeatLocked()
	}
	gen := t.gen
	t.mu.Unlock()
	t.publish(gen, true)
}

// EnteredBackground arms the grace timer. When it fires the user is
// published offline with lastSeen at the last recorded activity.
func (t *Tracker) EnteredBackground() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.userID == "" {
		return
	}
	t.gen++
	gen := t.gen
	if t.graceTimer != nil {
		t.graceTimer.Stop()
	}
	t.graceTimer = time.AfterFunc(t.grace, func() { t.expire(gen) })
}

// RecordActivity refreshes the last activity time.
func (t *Tracker) RecordActivity() {
	t.mu.Lock()
	if t.userID != "" {
		t.lastActivity = t.now()
	}
	t.mu.Unlock()
}

func (t *Tracker) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.userID == "" {
		t.mu.Unlock()
		return
	}
	t.graceTimer = nil
	if t.stopBeat != nil {
		t.stopBeat()
		t.stopBeat = nil
	}
	last := t.lastActivity
	t.mu.Unlock()
	t.publishAt(gen, false, last)
}

// SignOut cancels the timers, publishes offline with lastSeen now and
// forgets the user.
func (t *Tracker) SignOut(ctx context.Context) error {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	t.mu.Lock()
	userID := t.userID
	t.stopLocked()
	t.gen++
	t.userID = ""
	t.online = false
	t.mu.Unlock()
	if userID == "" {
		return nil
	}
	return t.write(ctx, userID, false, t.now())
}

// CancelAll stops the timers and forgets the user without publishing.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	t.stopLocked()
	t.gen++
	t.userID = ""
	t.online = false
	t.mu.Unlock()
}

// Online reports the last published state.
func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

func (t *Tracker) stopLocked() {
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
	if t.stopBeat != nil {
		t.stopBeat()
		t.stopBeat = nil
	}
}

func (t *Tracker) startBeatLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	t.stopBeat = cancel
	go func() {
		ticker := time.NewTicker(t.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.beat(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// beat republishes online unless an offline transition is pending.
func (t *Tracker) beat(ctx context.Context) {
	t.mu.Lock()
	if t.userID == "" || t.graceTimer != nil || ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	gen := t.gen
	t.mu.Unlock()
	t.publish(gen, true)
}

func (t *Tracker) publish(gen uint64, online bool) {
	t.publishAt(gen, online, t.now())
}

// publishAt writes presence armed under gen. A generation bumped since then
// means a newer transition owns the record and the write is dropped.
func (t *Tracker) publishAt(gen uint64, online bool, lastSeen time.Time) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	t.mu.Lock()
	userID := t.userID
	current := userID != "" && gen == t.gen
	if current {
		t.online = online
	}
	t.mu.Unlock()
	if !current {
		return
	}
	if err := t.write(context.Background(), userID, online, lastSeen); err != nil {
		t.logger.Warn("failed to publish presence", zap.Error(err), zap.Bool("online", online))
	}
}

// write publishes to the feed and mirrors locally. Callers hold pubMu.
func (t *Tracker) write(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	u := &store.User{ID: userID, Online: online, LastSeen: lastSeen.UnixMilli(), UpdatedAt: t.now().UnixMilli()}
	_ = t.loop.Post(func() {
		if err := t.db.UpsertUser(u); err != nil {
			t.logger.Error("failed to cache presence", zap.Error(err))
		}
	})
	t.bus.Publish(bus.NewEvent(bus.KindPresenceChanged, *u))
	return t.feed.Write(ctx, record.UserPath(userID), record.PresenceFields(online, lastSeen), true)
}
