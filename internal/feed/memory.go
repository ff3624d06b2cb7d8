package feed

import (
	"context"
	"sync"
	"time"
)

// WriteRecord is a write applied by a Memory feed.
type WriteRecord struct {
	Path       string
	Fields     Fields
	Merge      bool
	CommitTime time.Time
}

// Memory is an in-process Feed. Every listener has its own delivery goroutine
// so handlers observe changes in commit order without blocking writers.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	last      time.Time
	docs      map[string]map[string]Doc
	listeners map[int]*listener
	next      int
	hook      func(path string, fields Fields) error
	writes    []WriteRecord
}

type listener struct {
	q    Query
	view *View
	h    Handler

	mu     sync.Mutex
	queue  []delivery
	signal chan struct{}
	done   chan struct{}
}

type delivery struct {
	changes []Change
	err     error
}

// NewMemory creates an empty in-memory feed using the wall clock.
func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		docs:      make(map[string]map[string]Doc),
		listeners: make(map[int]*listener),
	}
}

// SetClock overrides the source of commit times.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetWriteHook installs fn to run before every write; a non-nil error fails
// the write without applying it.
func (m *Memory) SetWriteHook(fn func(path string, fields Fields) error) {
	m.mu.Lock()
	m.hook = fn
	m.mu.Unlock()
}

// Writes returns the applied writes in commit order.
func (m *Memory) Writes() []WriteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WriteRecord(nil), m.writes...)
}

// InjectError delivers err to every listener on collection.
func (m *Memory) InjectError(collection string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.listeners {
		if l.q.Collection == collection {
			l.enqueue(delivery{err: err})
		}
	}
}

// Listeners returns the number of live subscriptions on collection.
func (m *Memory) Listeners(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.listeners {
		if l.q.Collection == collection {
			n++
		}
	}
	return n
}

func (m *Memory) Subscribe(ctx context.Context, q Query, h Handler) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := &listener{
		q:      q,
		view:   NewView(q),
		h:      h,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	id := m.next
	m.next++
	m.listeners[id] = l
	var docs []Doc
	for _, d := range m.docs[q.Collection] {
		docs = append(docs, d)
	}
	l.enqueue(delivery{changes: l.view.Load(docs)})
	m.mu.Unlock()

	go l.run()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
			close(l.done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-l.done:
		}
	}()
	return stop, nil
}

func (m *Memory) Write(ctx context.Context, path string, fields Fields, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(path, fields); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	commit := m.tick()
	coll, id := Split(path)
	docs := m.docs[coll]
	if docs == nil {
		docs = make(map[string]Doc)
		m.docs[coll] = docs
	}
	doc := Doc{ID: id, Fields: ApplyWrite(docs[id].Fields, fields, merge, commit), CommitTime: commit}
	docs[id] = doc
	m.writes = append(m.writes, WriteRecord{Path: path, Fields: Clone(fields), Merge: merge, CommitTime: commit})
	m.fanout(coll, doc, false)
	return nil
}

func (m *Memory) Get(ctx context.Context, path string) (Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, id := Split(path)
	d, ok := m.docs[coll][id]
	if !ok {
		return nil, ErrNotFound
	}
	return Clone(d.Fields), nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, id := Split(path)
	if _, ok := m.docs[coll][id]; !ok {
		return nil
	}
	delete(m.docs[coll], id)
	m.fanout(coll, Doc{ID: id, CommitTime: m.tick()}, true)
	return nil
}

// fanout must be called with m.mu held so listeners see commit order.
func (m *Memory) fanout(coll string, doc Doc, deleted bool) {
	for _, l := range m.listeners {
		if l.q.Collection != coll {
			continue
		}
		if changes := l.view.Apply(doc, deleted); len(changes) > 0 {
			l.enqueue(delivery{changes: changes})
		}
	}
}

func (m *Memory) tick() time.Time {
	now := m.now()
	if !now.After(m.last) {
		now = m.last.Add(time.Microsecond)
	}
	m.last = now
	return now
}

func (l *listener) enqueue(d delivery) {
	for i := range d.changes {
		d.changes[i].Fields = Clone(d.changes[i].Fields)
	}
	l.mu.Lock()
	l.queue = append(l.queue, d)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *listener) run() {
	for {
		select {
		case <-l.signal:
		case <-l.done:
			return
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			d := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()

			select {
			case <-l.done:
				return
			default:
			}
			l.h(d.changes, d.err)
		}
	}
}
