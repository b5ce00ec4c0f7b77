package engage

import (
	"context"
	"fmt"
	"sync"
)

// memKV is an in-memory KVStore with optional fault injection.
type memKV struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
	setErr error
}

func newMemKV() *memKV {
	return &memKV{values: make(map[string]string)}
}

func (m *memKV) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", false, m.getErr
	}
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *memKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.values[key] = value
	return nil
}

// fakeRowStore is an in-memory RowStore that counts operations and fires
// change events to subscribers on every write.
type fakeRowStore struct {
	mu          sync.Mutex
	collections map[string][]Row
	queryErr    map[string]error
	upsertErr   error
	queries     int
	upserts     int
	subs        map[int64]fakeSub
	nextSub     int64
}

type fakeSub struct {
	collection string
	handler    func(ChangeEvent)
}

func newFakeRowStore() *fakeRowStore {
	return &fakeRowStore{
		collections: make(map[string][]Row),
		queryErr:    make(map[string]error),
		subs:        make(map[int64]fakeSub),
	}
}

func (f *fakeRowStore) seed(collection string, rows ...Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[collection] = append(f.collections[collection], rows...)
}

func matches(row Row, filter Filter) bool {
	for col, want := range filter {
		got := fmt.Sprintf("%v", row[col])
		switch want := want.(type) {
		case []string:
			found := false
			for _, w := range want {
				if got == w {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if got != fmt.Sprintf("%v", want) {
				return false
			}
		}
	}
	return true
}

func (f *fakeRowStore) Query(_ context.Context, collection string, filter Filter) ([]Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if err := f.queryErr[collection]; err != nil {
		return nil, err
	}
	var out []Row
	for _, row := range f.collections[collection] {
		if matches(row, filter) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeRowStore) QueryOne(ctx context.Context, collection string, filter Filter) (Row, error) {
	rows, err := f.Query(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func (f *fakeRowStore) Insert(_ context.Context, collection string, fields map[string]any) (Row, error) {
	f.mu.Lock()
	row := Row{}
	for k, v := range fields {
		row[k] = v
	}
	f.collections[collection] = append(f.collections[collection], row)
	f.mu.Unlock()
	f.fire(collection, OpInsert)
	return row, nil
}

func (f *fakeRowStore) Upsert(_ context.Context, collection string, conflictKey string, fields map[string]any) (Row, error) {
	f.mu.Lock()
	if f.upsertErr != nil {
		f.mu.Unlock()
		return nil, f.upsertErr
	}
	f.upserts++
	row := Row{}
	for k, v := range fields {
		row[k] = v
	}
	op := OpInsert
	replaced := false
	for i, existing := range f.collections[collection] {
		if fmt.Sprintf("%v", existing[conflictKey]) == fmt.Sprintf("%v", fields[conflictKey]) {
			f.collections[collection][i] = row
			op = OpUpdate
			replaced = true
			break
		}
	}
	if !replaced {
		f.collections[collection] = append(f.collections[collection], row)
	}
	f.mu.Unlock()
	f.fire(collection, op)
	return row, nil
}

func (f *fakeRowStore) Subscribe(collection string, handler func(ChangeEvent)) (func(), error) {
	f.mu.Lock()
	f.nextSub++
	id := f.nextSub
	f.subs[id] = fakeSub{collection: collection, handler: handler}
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}, nil
}

func (f *fakeRowStore) fire(collection, op string) {
	f.mu.Lock()
	handlers := make([]func(ChangeEvent), 0, len(f.subs))
	for _, sub := range f.subs {
		if sub.collection == collection {
			handlers = append(handlers, sub.handler)
		}
	}
	f.mu.Unlock()
	for _, handler := range handlers {
		handler(ChangeEvent{Collection: collection, Op: op})
	}
}

func (f *fakeRowStore) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

func (f *fakeRowStore) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}
