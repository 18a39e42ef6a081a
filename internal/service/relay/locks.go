package relay

import (
	"context"
	"sync"

	"github.com/zhouzirui/accord/backend/internal/model/chat"
)

// roomLocks serialises persist+deliver per room. Each lock is a one-slot
// channel; goroutines blocked sending on it are queued by the runtime in
// arrival order, which gives FIFO hand-off between waiters. Entries are
// reference counted and dropped once no goroutine holds or waits on them.
type roomLocks struct {
	mu    sync.Mutex
	rooms map[chat.RoomKey]*roomLock
}

type roomLock struct {
	slot chan struct{}
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{rooms: make(map[chat.RoomKey]*roomLock)}
}

// acquire blocks until room is free or ctx ends. The returned func releases it.
func (l *roomLocks) acquire(ctx context.Context, room chat.RoomKey) (func(), error) {
	l.mu.Lock()
	lock, ok := l.rooms[room]
	if !ok {
		lock = &roomLock{slot: make(chan struct{}, 1)}
		l.rooms[room] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.slot <- struct{}{}:
	case <-ctx.Done():
		l.unref(room, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.slot
			l.unref(room, lock)
		})
	}, nil
}

func (l *roomLocks) unref(room chat.RoomKey, lock *roomLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(l.rooms, room)
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms)
}
