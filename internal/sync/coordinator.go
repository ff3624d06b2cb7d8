// Package sync keeps the local store consistent with the remote change feed.
package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/record"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// DefaultWindow is the number of most recent messages observed per conversation.
const DefaultWindow = 100

const ownerCheckpoint = "owner_user_id"

var (
	ErrNotConfigured       = errors.New("not configured")
	ErrInvalidParticipants = errors.New("invalid participants")
)

// MutationFunc is called on the loop the first time a message is created locally.
type MutationFunc func(conversationID, messageID string)

// SessionHook is a per-user component that follows the coordinator's session.
type SessionHook interface {
	SetUser(userID string)
	CancelAll()
}

type recoverer interface {
	RecoverInterrupted(ctx context.Context) (int, error)
}

// Options configures a Coordinator.
type Options struct {
	Window     int
	OnMutation MutationFunc
	Hooks      []SessionHook
	Now        func() time.Time
}

// CreateOptions describes a conversation to create.
type CreateOptions struct {
	IsGroup      bool
	GroupName    string
	GroupPicture string
}

// Coordinator subscribes to the user's conversations and runs one
// MessageEngine per conversation. Mutable state is owned by the loop.
type Coordinator struct {
	feed   feed.Feed
	db     *store.DB
	loop   *loop.Loop
	bus    *bus.Bus
	status *status.Machine
	logger *zap.Logger

	window     int
	onMutation MutationFunc
	hooks      []SessionHook
	now        func() time.Time

	// user mirrors userID for readers off the loop.
	user atomic.Value

	// Loop-owned.
	userID   string
	gen      uint64
	live     bool
	convStop func()
	engines  map[string]*MessageEngine
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewCoordinator creates an unconfigured coordinator.
func NewCoordinator(f feed.Feed, db *store.DB, l *loop.Loop, b *bus.Bus, m *status.Machine, logger *zap.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Coordinator{
		feed:       f,
		db:         db,
		loop:       l,
		bus:        b,
		status:     m,
		logger:     logger,
		window:     opts.Window,
		onMutation: opts.OnMutation,
		hooks:      opts.Hooks,
		now:        opts.Now,
		engines:    make(map[string]*MessageEngine),
	}
	c.user.Store("")
	return c
}

// UserID returns the configured user, or "" when idle.
func (c *Coordinator) UserID() string {
	return c.user.Load().(string)
}

// Status returns the current sync session state.
func (c *Coordinator) Status() status.State {
	return c.status.Current()
}

// StatusReason returns the error behind a Degraded state.
func (c *Coordinator) StatusReason() string {
	return c.status.Reason()
}

// Configure starts syncing for userID, replacing any previous session. When
// the user differs from the one the local cache belongs to, the cache is wiped.
func (c *Coordinator) Configure(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("configure: empty user id")
	}
	if err := c.Reset(); err != nil {
		return err
	}
	if err := c.status.Transition(status.Subscribing); err != nil {
		return fmt.Errorf("configure: %w", err)
	}

	var gen uint64
	var subCtx context.Context
	var ownerErr error
	err := c.loop.Call(ctx, func() {
		ownerErr = c.claimCache(userID)
		c.gen++
		c.userID = userID
		c.live = false
		c.ctx, c.cancel = context.WithCancel(context.Background())
		gen, subCtx = c.gen, c.ctx
	})
	if err != nil {
		c.status.Reset()
		return fmt.Errorf("configure: %w", err)
	}
	if ownerErr != nil {
		c.logger.Error("failed to claim local cache", zap.Error(ownerErr))
	}
	c.user.Store(userID)

	for _, h := range c.hooks {
		h.SetUser(userID)
		if r, ok := h.(recoverer); ok {
			n, err := r.RecoverInterrupted(ctx)
			if err != nil {
				c.logger.Error("failed to recover interrupted sends", zap.Error(err))
			} else if n > 0 {
				c.logger.Info("marked interrupted sends as failed", zap.Int("count", n))
			}
		}
	}

	q := feed.Query{
		Collection: record.Conversations,
		OrderBy:    record.FieldUpdatedAt,
		Descending: true,
	}.Where(record.FieldParticipantIDs, feed.OpArrayContains, userID)

	stop, err := c.feed.Subscribe(subCtx, q, func(changes []feed.Change, err error) {
		_ = c.loop.Post(func() { c.applyConversations(gen, changes, err) })
	})
	if err != nil {
		_ = c.status.Degrade(err)
		return fmt.Errorf("subscribe conversations: %w", err)
	}
	_ = c.loop.Post(func() {
		if c.gen != gen {
			stop()
			return
		}
		c.convStop = stop
	})

	c.logger.Info("sync configured", zap.String("user_id", userID))
	return nil
}

// claimCache wipes the local cache when it belongs to another user. Runs on the loop.
func (c *Coordinator) claimCache(userID string) error {
	owner, err := c.db.Checkpoint(ownerCheckpoint)
	if err != nil {
		return err
	}
	if owner != "" && owner != userID {
		if err := c.db.Wipe(); err != nil {
			return fmt.Errorf("wipe cache of %s: %w", owner, err)
		}
		c.logger.Info("wiped local cache on account switch", zap.String("previous_user", owner))
	}
	return c.db.SetCheckpoint(ownerCheckpoint, userID)
}

// Reset stops every subscription and in-flight task and returns to Idle.
// Batches still queued from the old session are discarded.
func (c *Coordinator) Reset() error {
	err := c.loop.Call(context.Background(), func() {
		c.gen++
		if c.convStop != nil {
			c.convStop()
			c.convStop = nil
		}
		for id, e := range c.engines {
			e.stopLocked()
			delete(c.engines, id)
		}
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.userID = ""
	})
	c.user.Store("")
	for _, h := range c.hooks {
		h.CancelAll()
	}
	c.status.Reset()
	if err != nil && !errors.Is(err, loop.ErrStopped) {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// SignOut resets the session and wipes the local cache.
func (c *Coordinator) SignOut(ctx context.Context) error {
	if err := c.Reset(); err != nil {
		return err
	}
	var wipeErr error
	if err := c.loop.Call(ctx, func() {
		if wipeErr = c.db.Wipe(); wipeErr == nil {
			wipeErr = c.db.SetCheckpoint(ownerCheckpoint, "")
		}
	}); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return wipeErr
}

// Ensure (re)starts the message engine for a conversation, replacing any
// existing subscription.
func (c *Coordinator) Ensure(conversationID string) error {
	return c.loop.Post(func() {
		if c.userID == "" {
			return
		}
		if e, ok := c.engines[conversationID]; ok {
			e.observe()
			return
		}
		c.ensureLocked(conversationID)
	})
}

// ensureLocked starts an engine unless one runs already. Runs on the loop.
func (c *Coordinator) ensureLocked(conversationID string) {
	if _, ok := c.engines[conversationID]; ok {
		return
	}
	e := newMessageEngine(c, conversationID)
	c.engines[conversationID] = e
	e.observe()
}

func (c *Coordinator) applyConversations(gen uint64, changes []feed.Change, err error) {
	if gen != c.gen {
		return
	}
	if err != nil {
		c.logger.Error("conversation listener failed", zap.Error(err))
		_ = c.status.Degrade(err)
		return
	}
	if !c.live {
		c.live = true
		if err := c.status.Transition(status.Live); err != nil {
			c.logger.Warn("unexpected status on first snapshot", zap.Error(err))
		}
	}

	for _, ch := range changes {
		if ch.Type == feed.Removed {
			c.removeConversation(ch.ID)
			continue
		}
		conv, err := record.DecodeConversation(ch.ID, ch.Fields)
		if err != nil {
			c.logger.Warn("skipping malformed conversation", zap.Error(err))
			continue
		}
		if !conv.HasParticipant(c.userID) {
			c.logger.Warn("skipping conversation without current user", zap.String("conversation_id", conv.ID))
			continue
		}
		local, err := c.db.GetConversation(conv.ID)
		if err != nil {
			c.logger.Error("failed to load conversation", zap.Error(err), zap.String("conversation_id", conv.ID))
			continue
		}
		applied, err := c.db.UpsertConversation(MergeConversation(local, conv))
		if err != nil {
			c.logger.Error("failed to upsert conversation", zap.Error(err), zap.String("conversation_id", conv.ID))
			continue
		}
		if applied {
			c.bus.Publish(bus.NewEvent(bus.KindConversationUpserted, conv.ID))
		}
		// A running engine already follows preview updates; only new
		// conversations get one.
		c.ensureLocked(conv.ID)
	}
}

func (c *Coordinator) removeConversation(id string) {
	if e, ok := c.engines[id]; ok {
		e.stopLocked()
		delete(c.engines, id)
	}
	if err := c.db.DeleteConversation(id); err != nil {
		c.logger.Error("failed to delete conversation", zap.Error(err), zap.String("conversation_id", id))
		return
	}
	c.bus.Publish(bus.NewEvent(bus.KindConversationRemoved, id))
}

// MarkRead writes read receipts for the cached messages of others that the
// user has not read yet and clears the user's unread counter.
func (c *Coordinator) MarkRead(ctx context.Context, conversationID string) error {
	var userID string
	var unread []string
	var loadErr error
	err := c.loop.Call(ctx, func() {
		userID = c.userID
		if userID == "" {
			return
		}
		msgs, err := c.db.ListMessages(conversationID, c.window)
		if err != nil {
			loadErr = err
			return
		}
		for _, m := range msgs {
			if m.SenderID != userID && m.Receipts[userID] == 0 {
				unread = append(unread, m.MsgID)
			}
		}
		conv, err := c.db.GetConversation(conversationID)
		if err != nil || conv == nil {
			loadErr = err
			return
		}
		if conv.UnreadCounts == nil {
			conv.UnreadCounts = make(map[string]int)
		}
		conv.UnreadCounts[userID] = 0
		if conv.LastInteraction == nil {
			conv.LastInteraction = make(map[string]int64)
		}
		conv.LastInteraction[userID] = c.now().UnixMilli()
		if _, err := c.db.UpsertConversation(conv); err != nil {
			loadErr = err
		}
	})
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if userID == "" {
		return fmt.Errorf("mark read: %w", ErrNotConfigured)
	}
	if loadErr != nil {
		return fmt.Errorf("mark read: %w", loadErr)
	}

	var errs []error
	for _, id := range unread {
		if err := c.feed.Write(ctx, record.MessagePath(conversationID, id), record.ReceiptFields(userID), true); err != nil {
			errs = append(errs, fmt.Errorf("receipt %s: %w", id, err))
		}
	}
	if err := c.feed.Write(ctx, record.ConversationPath(conversationID), record.ReadMarkerFields(userID), true); err != nil {
		errs = append(errs, fmt.Errorf("read marker: %w", err))
	}
	return errors.Join(errs...)
}

// CreateConversation creates a conversation between the current user and
// participants. Direct conversations get a deterministic id so both sides
// converge on one document; an existing one is returned as is.
func (c *Coordinator) CreateConversation(ctx context.Context, participants []string, opts CreateOptions) (*store.Conversation, error) {
	userID := c.UserID()
	if userID == "" {
		return nil, fmt.Errorf("create conversation: %w", ErrNotConfigured)
	}
	members := append([]string{userID}, participants...)
	slices.Sort(members)
	members = slices.Compact(members)
	if len(members) < 2 {
		return nil, fmt.Errorf("create conversation: %w: need at least one other participant", ErrInvalidParticipants)
	}
	if !opts.IsGroup && len(members) != 2 {
		return nil, fmt.Errorf("create conversation: %w: direct conversation needs exactly two participants", ErrInvalidParticipants)
	}

	now := c.now().UnixMilli()
	conv := &store.Conversation{
		ParticipantIDs: members,
		IsGroup:        opts.IsGroup,
		GroupName:      opts.GroupName,
		GroupPicture:   opts.GroupPicture,
		UnreadCounts:   make(map[string]int, len(members)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.IsGroup {
		conv.ID = uuid.NewString()
		conv.AdminIDs = []string{userID}
	} else {
		conv.ID = strings.Join(members, "_")
		existing, err := c.feed.Get(ctx, record.ConversationPath(conv.ID))
		switch {
		case err == nil:
			return record.DecodeConversation(conv.ID, existing)
		case !errors.Is(err, feed.ErrNotFound):
			return nil, fmt.Errorf("create conversation: %w", err)
		}
	}
	for _, uid := range members {
		conv.UnreadCounts[uid] = 0
	}

	var upsertErr error
	if err := c.loop.Call(ctx, func() {
		if _, upsertErr = c.db.UpsertConversation(conv); upsertErr == nil && c.userID == userID {
			c.ensureLocked(conv.ID)
		}
	}); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if upsertErr != nil {
		return nil, fmt.Errorf("create conversation: %w", upsertErr)
	}

	if err := c.feed.Write(ctx, record.ConversationPath(conv.ID), record.ConversationFields(conv), false); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	c.logger.Info("conversation created", zap.String("conversation_id", conv.ID), zap.Bool("group", conv.IsGroup))
	return conv, nil
}

// Observed returns the ids of conversations with a running message engine.
func (c *Coordinator) Observed(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.loop.Call(ctx, func() {
		for id := range c.engines {
			ids = append(ids, id)
		}
	})
	slices.Sort(ids)
	return ids, err
}
