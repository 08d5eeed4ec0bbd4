package relay

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type (
	memoryEntry struct {
		data  Document
		order int64
	}

	docWatch struct {
		d  *dispatcher
		fn func(Snapshot)
	}

	collectionWatch struct {
		q       Query
		matched map[string]bool
		d       *dispatcher
		fn      func([]Change)
	}

	// Memory is an in-process Store. It backs tests and single-process setups.
	Memory struct {
		mu      sync.Mutex
		docs    map[string]*memoryEntry
		counter int64
		nextID  int

		docWatches        map[string]map[int]*docWatch
		collectionWatches map[string]map[int]*collectionWatch
	}
)

func NewMemory() *Memory {
	return &Memory{
		docs:              make(map[string]*memoryEntry),
		docWatches:        make(map[string]map[int]*docWatch),
		collectionWatches: make(map[string]map[int]*collectionWatch),
	}
}

func (m *Memory) Get(ctx context.Context, path string) (Document, error) {
	if err := validDocumentPath(path); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.data), nil
}

func (m *Memory) Set(ctx context.Context, path string, doc Document) error {
	if err := validDocumentPath(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.write(path, clone(doc))
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, fields Document) error {
	if err := validDocumentPath(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.docs[path]
	if !ok {
		return ErrNotFound
	}
	merged := clone(e.data)
	for k, v := range clone(fields) {
		merged[k] = v
	}
	m.write(path, merged)
	return nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	if err := validDocumentPath(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[path]; !ok {
		return nil
	}
	delete(m.docs, path)
	m.notify(path, nil)
	return nil
}

func (m *Memory) Add(ctx context.Context, collection string, doc Document) (string, error) {
	id := uuid.NewString()
	if err := m.Set(ctx, Join(collection, id), doc); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Memory) List(ctx context.Context, q Query) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(q), nil
}

func (m *Memory) WatchDocument(ctx context.Context, path string, fn func(Snapshot)) (Unsubscribe, error) {
	if err := validDocumentPath(path); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &docWatch{d: newDispatcher(), fn: fn}
	id := m.nextID
	m.nextID++
	if m.docWatches[path] == nil {
		m.docWatches[path] = make(map[int]*docWatch)
	}
	m.docWatches[path][id] = w

	snap := m.snapshot(path)
	w.d.push(func() { fn(snap) })

	unsub := m.unsubscriber(func() {
		delete(m.docWatches[path], id)
		w.d.stop()
	})
	context.AfterFunc(ctx, unsub)
	return unsub, nil
}

func (m *Memory) WatchCollection(ctx context.Context, q Query, fn func([]Change)) (Unsubscribe, error) {
	q = normalizeQuery(q)
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &collectionWatch{q: q, matched: make(map[string]bool), d: newDispatcher(), fn: fn}
	id := m.nextID
	m.nextID++
	if m.collectionWatches[q.Collection] == nil {
		m.collectionWatches[q.Collection] = make(map[int]*collectionWatch)
	}
	m.collectionWatches[q.Collection][id] = w

	initial := m.list(q)
	changes := make([]Change, 0, len(initial))
	for _, s := range initial {
		w.matched[s.Path] = true
		changes = append(changes, Change{Kind: Added, Snapshot: s})
	}
	w.d.push(func() { fn(changes) })

	unsub := m.unsubscriber(func() {
		delete(m.collectionWatches[q.Collection], id)
		w.d.stop()
	})
	context.AfterFunc(ctx, unsub)
	return unsub, nil
}

func (m *Memory) unsubscriber(remove func()) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			remove()
		})
	}
}

// write stores doc at path and fans the change out. Caller holds m.mu.
func (m *Memory) write(path string, doc Document) {
	if doc == nil {
		doc = Document{}
	}
	if e, ok := m.docs[path]; ok {
		e.data = doc
	} else {
		m.counter++
		m.docs[path] = &memoryEntry{data: doc, order: m.counter}
	}
	m.notify(path, doc)
}

// notify fans out a write (doc != nil) or a delete (doc == nil). Caller holds m.mu.
func (m *Memory) notify(path string, doc Document) {
	snap := m.snapshot(path)
	for _, w := range m.docWatches[path] {
		w := w
		w.d.push(func() { w.fn(snap) })
	}

	coll, _ := Split(path)
	for _, w := range m.collectionWatches[coll] {
		was := w.matched[path]
		is := doc != nil && matches(doc, w.q.Where)

		var kind ChangeKind
		switch {
		case !was && is:
			kind = Added
			w.matched[path] = true
		case was && is:
			kind = Modified
		case was && !is:
			kind = Removed
			delete(w.matched, path)
		default:
			continue
		}

		change := Change{Kind: kind, Snapshot: snap}
		if kind == Removed && doc != nil {
			// the entry still exists, it just left the query
			change.Exists = true
		}
		w := w
		w.d.push(func() { w.fn([]Change{change}) })
	}
}

// snapshot copies the state at path. Caller holds m.mu.
func (m *Memory) snapshot(path string) Snapshot {
	_, id := Split(path)
	e, ok := m.docs[path]
	if !ok {
		return Snapshot{ID: id, Path: path}
	}
	return Snapshot{ID: id, Path: path, Exists: true, Data: clone(e.data)}
}

// list returns the entries matching q, sorted. Caller holds m.mu.
func (m *Memory) list(q Query) []Snapshot {
	q = normalizeQuery(q)
	type row struct {
		snap  Snapshot
		order int64
	}
	var rows []row
	for path, e := range m.docs {
		coll, _ := Split(path)
		if coll != q.Collection || !matches(e.data, q.Where) {
			continue
		}
		rows = append(rows, row{snap: m.snapshot(path), order: e.order})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if q.OrderBy != "" {
			a, b := rows[i].snap.Data[q.OrderBy], rows[j].snap.Data[q.OrderBy]
			if c := compare(a, b); c != 0 {
				return c < 0
			}
		}
		return rows[i].order < rows[j].order
	})

	out := make([]Snapshot, len(rows))
	for i, r := range rows {
		out[i] = r.snap
	}
	return out
}

func normalizeQuery(q Query) Query {
	if len(q.Where) == 0 {
		return q
	}
	where := make(map[string]any, len(q.Where))
	for k, v := range q.Where {
		where[k] = normalize(v)
	}
	q.Where = where
	return q
}

func matches(doc Document, where map[string]any) bool {
	for k, v := range where {
		if !reflect.DeepEqual(doc[k], v) {
			return false
		}
	}
	return true
}

// compare orders JSON scalars: numbers numerically, strings lexically, and
// missing values first.
func compare(a, b any) int {
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case string:
		if y, ok := b.(string); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case nil:
		if b == nil {
			return 0
		}
		return -1
	}
	if b == nil {
		return 1
	}
	return 0
}
