// Package outbox sends locally composed messages with optimistic local
// insertion and explicit pending, sent and failed transitions.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/record"
	"github.com/matheus3301/chatsync/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("chatsync/outbox")

var (
	// ErrNotRetryable is returned when retrying a message that has not failed.
	ErrNotRetryable = errors.New("outbox: message is not in failed state")
	// ErrUnknownMessage is returned when retrying a message that is not cached.
	ErrUnknownMessage = errors.New("outbox: unknown message")
	// ErrNotConfigured is returned when sending without a current user.
	ErrNotConfigured = errors.New("outbox: no current user")
)

// Pipeline drives outgoing messages from the optimistic local insert to the
// remote acknowledgment.
type Pipeline struct {
	feed       feed.Feed
	db         *store.DB
	loop       *loop.Loop
	bus        *bus.Bus
	logger     *zap.Logger
	onMutation func(conversationID, messageID string)
	now        func() time.Time

	mu       sync.Mutex
	userID   string
	inflight map[string]*sendTask
	wg       sync.WaitGroup
}

// NewPipeline creates a pipeline. onMutation may be nil.
func NewPipeline(f feed.Feed, db *store.DB, l *loop.Loop, b *bus.Bus, logger *zap.Logger, onMutation func(conversationID, messageID string)) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		feed:       f,
		db:         db,
		loop:       l,
		bus:        b,
		logger:     logger,
		onMutation: onMutation,
		now:        time.Now,
		inflight:   make(map[string]*sendTask),
	}
}

// SetUser sets the sender for subsequent sends.
func (p *Pipeline) SetUser(userID string) {
	p.mu.Lock()
	p.userID = userID
	p.mu.Unlock()
}

func (p *Pipeline) user() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}

// Send inserts a pending message locally and returns it once the insert has
// been applied; the remote writes continue in the background. Blank text is
// a no-op returning nil.
func (p *Pipeline) Send(ctx context.Context, conversationID, text string) (*store.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	userID := p.user()
	if userID == "" {
		return nil, ErrNotConfigured
	}

	now := p.now().UnixMilli()
	msg := &store.Message{
		ConversationID: conversationID,
		MsgID:          uuid.NewString(),
		SenderID:       userID,
		Text:           text,
		Timestamp:      now,
		State:          delivery.Pending,
		UpdatedAt:      now,
	}

	var participants []string
	var insertErr error
	err := p.loop.Call(ctx, func() {
		conv, err := p.db.GetConversation(conversationID)
		if err != nil {
			insertErr = err
			return
		}
		if conv != nil {
			participants = conv.ParticipantIDs
		}
		if insertErr = p.db.UpsertMessage(msg); insertErr != nil {
			return
		}
		if p.onMutation != nil {
			p.onMutation(conversationID, msg.MsgID)
		}
		p.publishUpserted(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	if insertErr != nil {
		return nil, fmt.Errorf("send: optimistic insert: %w", insertErr)
	}

	out := *msg
	p.start(msg, participants)
	return &out, nil
}

// Retry resends a failed message with its original id, text and timestamp.
func (p *Pipeline) Retry(ctx context.Context, msgID string) error {
	if p.user() == "" {
		return ErrNotConfigured
	}
	var msg *store.Message
	var participants []string
	var retryErr error
	err := p.loop.Call(ctx, func() {
		m, err := p.db.FindMessage(msgID)
		switch {
		case err != nil:
			retryErr = err
			return
		case m == nil:
			retryErr = ErrUnknownMessage
			return
		case !delivery.CanTransition(m.State, delivery.Pending):
			retryErr = fmt.Errorf("%w: %s is %s", ErrNotRetryable, msgID, m.State)
			return
		}
		if retryErr = p.db.SetMessageState(m.ConversationID, m.MsgID, delivery.Pending, p.now().UnixMilli()); retryErr != nil {
			return
		}
		m.State = delivery.Pending
		if conv, err := p.db.GetConversation(m.ConversationID); err == nil && conv != nil {
			participants = conv.ParticipantIDs
		}
		p.publishUpserted(m)
		msg = m
	})
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if retryErr != nil {
		return retryErr
	}
	p.start(msg, participants)
	return nil
}

func (p *Pipeline) start(msg *store.Message, participants []string) {
	ctx, cancel := context.WithCancel(context.Background())
	att := &sendTask{cancel: cancel}
	p.mu.Lock()
	p.inflight[msg.MsgID] = att
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			if p.inflight[msg.MsgID] == att {
				delete(p.inflight, msg.MsgID)
			}
			p.mu.Unlock()
			cancel()
		}()
		p.attempt(ctx, msg, participants)
	}()
}

// attempt writes the message then the conversation preview. A failure of
// either marks the message failed.
func (p *Pipeline) attempt(ctx context.Context, msg *store.Message, participants []string) {
	ctx, span := tracer.Start(ctx, "Pipeline.Send", trace.WithAttributes(
		attribute.String("conversation.id", msg.ConversationID),
		attribute.String("message.id", msg.MsgID),
	))
	defer span.End()

	err := p.feed.Write(ctx, record.MessagePath(msg.ConversationID, msg.MsgID), record.OutgoingMessageFields(msg), true)
	if err == nil {
		err = p.feed.Write(ctx, record.ConversationPath(msg.ConversationID), record.PreviewFields(msg.SenderID, msg.Text, participants), true)
		if err != nil {
			err = fmt.Errorf("write preview: %w", err)
		}
	} else {
		err = fmt.Errorf("write message: %w", err)
	}
	if ctx.Err() != nil {
		// Cancelled by sign-out; the message is left pending for recovery.
		return
	}

	final := delivery.Sent
	if err != nil {
		final = delivery.Failed
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		p.logger.Error("failed to send message", zap.Error(err), zap.String("msg_id", msg.MsgID))
	}

	if callErr := p.loop.Call(context.Background(), func() { p.transition(msg, final, err) }); callErr != nil {
		p.logger.Warn("dropped send result", zap.Error(callErr), zap.String("msg_id", msg.MsgID))
	}
}

// transition applies the outcome of an attempt. Runs on the loop.
func (p *Pipeline) transition(msg *store.Message, to delivery.State, cause error) {
	cur, err := p.db.GetMessage(msg.ConversationID, msg.MsgID)
	if err != nil || cur == nil {
		return
	}
	ref := bus.MessageRef{ConversationID: msg.ConversationID, MessageID: msg.MsgID, SenderID: msg.SenderID}
	if to == delivery.Sent && delivery.Acknowledged(cur.State) {
		// The remote echo already reconciled the send.
		p.logger.Info("message sent", zap.String("msg_id", msg.MsgID), zap.String("state", string(cur.State)))
		p.bus.Publish(bus.NewEvent(bus.KindSendAck, ref))
		return
	}
	if !delivery.CanTransition(cur.State, to) {
		return
	}
	if err := p.db.SetMessageState(msg.ConversationID, msg.MsgID, to, p.now().UnixMilli()); err != nil {
		p.logger.Error("failed to update message state", zap.Error(err), zap.String("msg_id", msg.MsgID))
		return
	}
	cur.State = to
	p.publishUpserted(cur)

	if to == delivery.Failed {
		p.bus.Publish(bus.NewEvent(bus.KindSendFailed, SendFailure{MessageRef: ref, Err: cause.Error()}))
		return
	}
	p.logger.Info("message sent", zap.String("msg_id", msg.MsgID))
	p.bus.Publish(bus.NewEvent(bus.KindSendAck, ref))
}

// RecoverInterrupted marks the current user's pending messages that have no
// attempt in flight as failed so they can be retried.
func (p *Pipeline) RecoverInterrupted(ctx context.Context) (int, error) {
	userID := p.user()
	n := 0
	var recoverErr error
	err := p.loop.Call(ctx, func() {
		msgs, err := p.db.MessagesByState(delivery.Pending)
		if err != nil {
			recoverErr = err
			return
		}
		for _, m := range msgs {
			if m.SenderID != userID || p.isInflight(m.MsgID) {
				continue
			}
			if err := p.db.SetMessageState(m.ConversationID, m.MsgID, delivery.Failed, p.now().UnixMilli()); err != nil {
				recoverErr = err
				return
			}
			n++
		}
	})
	if err != nil {
		return n, err
	}
	return n, recoverErr
}

func (p *Pipeline) isInflight(msgID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[msgID]
	return ok
}

// CancelAll aborts every in-flight attempt.
func (p *Pipeline) CancelAll() {
	p.mu.Lock()
	for id, att := range p.inflight {
		att.cancel()
		delete(p.inflight, id)
	}
	p.mu.Unlock()
}

// Inflight returns the number of attempts still running.
func (p *Pipeline) Inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Wait blocks until every started attempt has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) publishUpserted(m *store.Message) {
	p.bus.Publish(bus.NewEvent(bus.KindMessageUpserted, bus.MessageRef{
		ConversationID: m.ConversationID,
		MessageID:      m.MsgID,
		SenderID:       m.SenderID,
	}))
}

type sendTask struct {
	cancel context.CancelFunc
}

// SendFailure is the payload of a failed send event.
type SendFailure struct {
	bus.MessageRef
	Err string
}
