package sync

import (
	"context"
	"errors"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/record"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("chatsync/sync")

// MessageEngine applies one conversation's message stream to the store.
// All fields are owned by the coordinator's loop.
type MessageEngine struct {
	c              *Coordinator
	conversationID string

	gen       uint64
	stop      func()
	startedAt int64
	ctx       context.Context
	cancel    context.CancelFunc
}

func newMessageEngine(c *Coordinator, conversationID string) *MessageEngine {
	return &MessageEngine{c: c, conversationID: conversationID}
}

// observe replaces the current subscription with a fresh one over the most
// recent window of messages. Runs on the loop.
func (e *MessageEngine) observe() {
	e.stopLocked()
	e.gen++
	gen := e.gen
	e.startedAt = e.c.now().UnixMilli()
	e.ctx, e.cancel = context.WithCancel(e.c.ctx)
	ctx := e.ctx

	q := feed.Query{
		Collection:  record.MessagesCollection(e.conversationID),
		OrderBy:     record.FieldTimestamp,
		Limit:       e.c.window,
		LimitToLast: true,
	}
	go func() {
		stop, err := e.c.feed.Subscribe(ctx, q, func(changes []feed.Change, err error) {
			_ = e.c.loop.Post(func() { e.apply(gen, changes, err) })
		})
		if err != nil {
			e.c.logger.Error("message subscription failed", zap.Error(err), zap.String("conversation_id", e.conversationID))
			_ = e.c.loop.Post(func() {
				if gen == e.gen {
					_ = e.c.status.Degrade(err)
				}
			})
			return
		}
		posted := e.c.loop.Post(func() {
			if gen != e.gen {
				stop()
				return
			}
			e.stop = stop
		})
		if posted != nil {
			stop()
		}
	}()
}

// stopLocked ends the subscription and any in-flight acknowledgments. Runs on the loop.
func (e *MessageEngine) stopLocked() {
	e.gen++
	if e.stop != nil {
		e.stop()
		e.stop = nil
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

func (e *MessageEngine) apply(gen uint64, changes []feed.Change, err error) {
	if gen != e.gen {
		return
	}
	c := e.c
	if err != nil {
		c.logger.Error("message listener failed", zap.Error(err), zap.String("conversation_id", e.conversationID))
		_ = c.status.Degrade(err)
		return
	}

	_, span := tracer.Start(e.ctx, "MessageEngine.Apply", trace.WithAttributes(
		attribute.String("conversation.id", e.conversationID),
		attribute.Int("changes", len(changes)),
	))
	defer span.End()

	for _, ch := range changes {
		if ch.Type == feed.Removed {
			go e.confirmRemoved(e.ctx, gen, ch.ID)
			continue
		}

		incoming, err := record.DecodeMessage(e.conversationID, ch.ID, ch.Fields)
		if err != nil {
			c.logger.Warn("skipping malformed message", zap.Error(err))
			continue
		}
		raw := incoming.State

		local, err := c.db.GetMessage(e.conversationID, ch.ID)
		if err != nil {
			span.RecordError(err)
			c.logger.Error("failed to load message", zap.Error(err), zap.String("msg_id", ch.ID))
			continue
		}
		merged := MergeMessage(local, incoming, c.userID)
		if local == nil || !sameMessage(local, merged) {
			if err := c.db.UpsertMessage(merged); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "upsert failed")
				c.logger.Error("failed to upsert message", zap.Error(err), zap.String("msg_id", ch.ID))
				continue
			}
			ref := bus.MessageRef{ConversationID: e.conversationID, MessageID: ch.ID, SenderID: merged.SenderID}
			if local == nil && c.onMutation != nil {
				c.onMutation(e.conversationID, ch.ID)
			}
			c.bus.Publish(bus.NewEvent(bus.KindMessageUpserted, ref))
		}

		if ch.Type == feed.Added && incoming.Timestamp > e.startedAt && incoming.SenderID != c.userID {
			c.bus.Publish(bus.NewEvent(bus.KindMessageIncoming, bus.MessageRef{
				ConversationID: e.conversationID,
				MessageID:      ch.ID,
				SenderID:       incoming.SenderID,
			}))
			if raw == delivery.Sent {
				go e.ack(e.ctx, ch.ID)
			}
		}
	}
}

// confirmRemoved deletes the cached message only when the document is gone
// remotely. Messages that merely slid out of the observed window are kept.
func (e *MessageEngine) confirmRemoved(ctx context.Context, gen uint64, msgID string) {
	_, err := e.c.feed.Get(ctx, record.MessagePath(e.conversationID, msgID))
	if !errors.Is(err, feed.ErrNotFound) {
		if err != nil && ctx.Err() == nil {
			e.c.logger.Warn("failed to check removed message", zap.Error(err), zap.String("msg_id", msgID))
		}
		return
	}
	_ = e.c.loop.Post(func() {
		if gen != e.gen {
			return
		}
		if err := e.c.db.DeleteMessage(e.conversationID, msgID); err != nil {
			e.c.logger.Error("failed to delete message", zap.Error(err), zap.String("msg_id", msgID))
			return
		}
		e.c.bus.Publish(bus.NewEvent(bus.KindMessageRemoved, bus.MessageRef{ConversationID: e.conversationID, MessageID: msgID}))
	})
}

// ack marks a freshly received message as delivered on the remote.
func (e *MessageEngine) ack(ctx context.Context, msgID string) {
	if err := e.c.feed.Write(ctx, record.MessagePath(e.conversationID, msgID), record.DeliveredAckFields(), true); err != nil {
		if ctx.Err() == nil {
			e.c.logger.Warn("failed to acknowledge delivery", zap.Error(err), zap.String("msg_id", msgID))
		}
	}
}
