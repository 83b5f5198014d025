package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adwski/synapse-relay/backend/model"
)

var ErrClosed = errors.New("store is closed")

// MemStore keeps the message log in process memory. It is the default backend
// and the one used by relay tests.
type MemStore struct {
	mx     *sync.RWMutex
	db     []model.ChatEvent
	nextID model.EventID
	last   time.Time
	closed bool
	now    func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:     &sync.RWMutex{},
		nextID: 1,
		now:    time.Now,
	}
}

func (ms *MemStore) Append(_ context.Context, ev *model.ChatEvent) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if ms.closed {
		return ErrClosed
	}

	ts := ms.now().UTC()
	if ts.Before(ms.last) {
		ts = ms.last
	}
	ms.last = ts

	ev.ID = ms.nextID
	ev.CreatedAt = ts
	ms.nextID++
	ms.db = append(ms.db, *ev)
	return nil
}

func (ms *MemStore) FindAfter(_ context.Context, after model.EventID, limit int) ([]model.ChatEvent, error) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	if ms.closed {
		return nil, ErrClosed
	}

	// ids are dense and ascending, so the first candidate can be found by search
	start := sort.Search(len(ms.db), func(i int) bool {
		return ms.db[i].ID > after
	})
	end := len(ms.db)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]model.ChatEvent, end-start)
	copy(out, ms.db[start:end])
	return out, nil
}

func (ms *MemStore) Ping(context.Context) error {
	ms.mx.RLock()
	defer ms.mx.RUnlock()
	if ms.closed {
		return ErrClosed
	}
	return nil
}

func (ms *MemStore) Close() error {
	ms.mx.Lock()
	ms.closed = true
	ms.mx.Unlock()
	return nil
}
