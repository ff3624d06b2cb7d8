package feed

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Op is a filter comparison.
type Op string

const (
	OpEqual         Op = "=="
	OpArrayContains Op = "array-contains"
)

// Filter restricts a query to documents whose field satisfies Op against Value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents of one collection.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	// Limit bounds the result size. With LimitToLast the window keeps the
	// final Limit documents of the ordering instead of the first.
	Limit       int
	LimitToLast bool
}

// Where is a convenience for building a filtered query.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(slices.Clone(q.Filters), Filter{Field: field, Op: op, Value: value})
	return q
}

// Matches reports whether fields satisfy all filters.
func (q Query) Matches(fields Fields) bool {
	for _, f := range q.Filters {
		v := lookup(fields, f.Field)
		switch f.Op {
		case OpEqual:
			if compare(v, f.Value) != 0 {
				return false
			}
		case OpArrayContains:
			if !contains(v, f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Doc is a stored document with its last commit time.
type Doc struct {
	ID         string
	Fields     Fields
	CommitTime time.Time
}

// View tracks the windowed result of a query over a mirrored collection and
// turns document writes into ordered changes.
type View struct {
	q       Query
	docs    map[string]Doc
	visible map[string]struct{}
}

// NewView creates an empty view for q.
func NewView(q Query) *View {
	return &View{
		q:       q,
		docs:    make(map[string]Doc),
		visible: make(map[string]struct{}),
	}
}

// Load replaces the mirrored collection and returns the initial snapshot as
// Added changes in query order.
func (v *View) Load(docs []Doc) []Change {
	v.docs = make(map[string]Doc, len(docs))
	for _, d := range docs {
		v.docs[d.ID] = d
	}
	window := v.window()
	v.visible = make(map[string]struct{}, len(window))
	changes := make([]Change, 0, len(window))
	for _, d := range window {
		v.visible[d.ID] = struct{}{}
		changes = append(changes, v.change(Added, d))
	}
	return changes
}

// Apply records a write (or deletion) of doc and returns the resulting changes.
// Documents that leave the window are reported first, then entries and
// modifications in query order.
func (v *View) Apply(doc Doc, deleted bool) []Change {
	prev, existed := v.docs[doc.ID]
	if deleted {
		if !existed {
			return nil
		}
		delete(v.docs, doc.ID)
	} else {
		v.docs[doc.ID] = doc
	}

	window := v.window()
	next := make(map[string]struct{}, len(window))
	for _, d := range window {
		next[d.ID] = struct{}{}
	}

	var changes []Change
	for id := range v.visible {
		if _, ok := next[id]; ok {
			continue
		}
		gone, ok := v.docs[id]
		if !ok {
			gone = prev
		}
		c := v.change(Removed, gone)
		c.CommitTime = doc.CommitTime
		changes = append(changes, c)
	}
	slices.SortFunc(changes, func(a, b Change) int { return strings.Compare(a.ID, b.ID) })

	for _, d := range window {
		if _, was := v.visible[d.ID]; !was {
			changes = append(changes, v.change(Added, d))
		} else if d.ID == doc.ID && !deleted {
			changes = append(changes, v.change(Modified, d))
		}
	}
	v.visible = next
	return changes
}

// Visible returns the number of documents currently in the window.
func (v *View) Visible() int {
	return len(v.visible)
}

func (v *View) change(t ChangeType, d Doc) Change {
	return Change{
		Type:       t,
		ID:         d.ID,
		Path:       Join(v.q.Collection, d.ID),
		Fields:     d.Fields,
		CommitTime: d.CommitTime,
	}
}

func (v *View) window() []Doc {
	out := make([]Doc, 0, len(v.docs))
	for _, d := range v.docs {
		if v.q.Matches(d.Fields) {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b Doc) int {
		c := 0
		if v.q.OrderBy != "" {
			c = compare(lookup(a.Fields, v.q.OrderBy), lookup(b.Fields, v.q.OrderBy))
		}
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if v.q.Descending {
			return -c
		}
		return c
	})
	if v.q.Limit > 0 && len(out) > v.q.Limit {
		if v.q.LimitToLast {
			out = out[len(out)-v.q.Limit:]
		} else {
			out = out[:v.q.Limit]
		}
	}
	return out
}

func lookup(fields Fields, path string) any {
	var cur any = map[string]any(fields)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case Fields:
		return m, true
	case map[string]any:
		return m, true
	}
	return nil, false
}

func contains(list, want any) bool {
	switch l := list.(type) {
	case []any:
		for _, v := range l {
			if compare(v, want) == 0 {
				return true
			}
		}
	case []string:
		s, ok := want.(string)
		return ok && slices.Contains(l, s)
	}
	return false
}

// compare orders nil < bool < numbers < times < strings.
func compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case time.Time:
		return x.Compare(b.(time.Time))
	case string:
		return strings.Compare(x, b.(string))
	}
	if ra == 2 {
		fa, fb := number(a), number(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	if ra == 5 {
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int, int32, int64, float32, float64:
		return 2
	case time.Time:
		return 3
	case string:
		return 4
	}
	return 5
}

func number(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
