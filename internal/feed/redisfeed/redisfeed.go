// Package redisfeed implements feed.Feed on top of Redis. Documents are stored
// as JSON envelopes, collection membership as sets, and change notification
// rides on pub/sub channels published inside the same transaction as the write.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds connection settings for the Redis server backing the feed.
type Config struct {
	URL          string
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Feed is a Redis-backed feed.Feed.
type Feed struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

// New wraps an established client. All keys are namespaced by prefix.
func New(rdb *redis.Client, prefix string, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{rdb: rdb, prefix: prefix, logger: logger}
}

type envelope struct {
	Commit time.Time       `json:"commit"`
	Fields json.RawMessage `json:"fields"`
}

type notification struct {
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted,omitempty"`
	Commit  time.Time       `json:"commit"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

func (f *Feed) docKey(path string) string        { return f.prefix + "doc:" + path }
func (f *Feed) collKey(collection string) string { return f.prefix + "coll:" + collection }
func (f *Feed) channel(collection string) string { return f.prefix + "feed:" + collection }

const maxTxRetries = 16

func (f *Feed) Write(ctx context.Context, path string, fields feed.Fields, merge bool) error {
	coll, id := feed.Split(path)
	key := f.docKey(path)

	txf := func(tx *redis.Tx) error {
		var existing feed.Fields
		if merge {
			raw, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				env, err := decodeEnvelope(raw)
				if err != nil {
					return err
				}
				if existing, err = feed.Unmarshal(env.Fields); err != nil {
					return err
				}
			}
		}

		commit, err := tx.Time(ctx).Result()
		if err != nil {
			return fmt.Errorf("server time: %w", err)
		}
		doc, err := feed.Marshal(feed.ApplyWrite(existing, fields, merge, commit))
		if err != nil {
			return err
		}
		stored, err := json.Marshal(envelope{Commit: commit, Fields: doc})
		if err != nil {
			return err
		}
		note, err := json.Marshal(notification{ID: id, Commit: commit, Fields: doc})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, stored, 0)
			pipe.SAdd(ctx, f.collKey(coll), id)
			pipe.Publish(ctx, f.channel(coll), note)
			return nil
		})
		return err
	}
	return f.watch(ctx, txf, key)
}

func (f *Feed) Delete(ctx context.Context, path string) error {
	coll, id := feed.Split(path)
	key := f.docKey(path)

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		commit, err := tx.Time(ctx).Result()
		if err != nil {
			return fmt.Errorf("server time: %w", err)
		}
		note, err := json.Marshal(notification{ID: id, Deleted: true, Commit: commit})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, f.collKey(coll), id)
			pipe.Publish(ctx, f.channel(coll), note)
			return nil
		})
		return err
	}
	return f.watch(ctx, txf, key)
}

func (f *Feed) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := f.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("write %s: too much contention", key)
}

func (f *Feed) Get(ctx context.Context, path string) (feed.Fields, error) {
	raw, err := f.rdb.Get(ctx, f.docKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, feed.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return feed.Unmarshal(env.Fields)
}

func (f *Feed) Subscribe(ctx context.Context, q feed.Query, h feed.Handler) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := f.rdb.Subscribe(ctx, f.channel(q.Collection))
	// Wait for the subscription to be confirmed before the snapshot read so no
	// write between the two is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", q.Collection, err)
	}

	docs, err := f.snapshot(ctx, q.Collection)
	if err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, err
	}

	view := feed.NewView(q)
	commits := make(map[string]time.Time, len(docs))
	for _, d := range docs {
		commits[d.ID] = d.CommitTime
	}
	initial := view.Load(docs)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
		})
	}

	go func() {
		defer stop()
		h(initial, nil)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var note notification
				if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
					h(nil, fmt.Errorf("decode notification: %w", err))
					continue
				}
				// Notifications older than the snapshot are already reflected.
				if last, ok := commits[note.ID]; ok && !note.Commit.After(last) {
					continue
				}
				commits[note.ID] = note.Commit
				doc := feed.Doc{ID: note.ID, CommitTime: note.Commit}
				if !note.Deleted {
					fields, err := feed.Unmarshal(note.Fields)
					if err != nil {
						h(nil, err)
						continue
					}
					doc.Fields = fields
				}
				if changes := view.Apply(doc, note.Deleted); len(changes) > 0 {
					h(changes, nil)
				}
			}
		}
	}()
	return stop, nil
}

func (f *Feed) snapshot(ctx context.Context, collection string) ([]feed.Doc, error) {
	ids, err := f.rdb.SMembers(ctx, f.collKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = f.docKey(feed.Join(collection, id))
	}
	vals, err := f.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}

	docs := make([]feed.Doc, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		env, err := decodeEnvelope([]byte(s))
		if err != nil {
			f.logger.Warn("skipping undecodable document", zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		fields, err := feed.Unmarshal(env.Fields)
		if err != nil {
			f.logger.Warn("skipping undecodable document", zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		docs = append(docs, feed.Doc{ID: ids[i], Fields: fields, CommitTime: env.Commit})
	}
	return docs, nil
}

func decodeEnvelope(raw []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &env, nil
}
