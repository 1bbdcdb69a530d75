package realtime

import (
	"context"
	"errors"
	"sync"
)

// FakeListener is a hand-written test double: notifications are pushed onto
// an internal channel and replayed to WaitForNotification in order.
type FakeListener struct {
	mu        sync.Mutex
	notifs    chan *Notification
	broken    error
	ListenErr error
	closed    bool
}

func NewFakeListener(buffer int) *FakeListener {
	return &FakeListener{notifs: make(chan *Notification, buffer)}
}

func (f *FakeListener) Push(n *Notification) {
	f.notifs <- n
}

// Break simulates a dropped connection: the next WaitForNotification call
// (and every call after, until a new listener is dialed) returns an error.
func (f *FakeListener) Break(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		err = errors.New("connection lost")
	}
	close(f.notifs)
	f.notifs = nil
	f.broken = err
}

func (f *FakeListener) Listen(_ context.Context, _ string) error {
	return f.ListenErr
}

func (f *FakeListener) WaitForNotification(ctx context.Context) (*Notification, error) {
	f.mu.Lock()
	ch := f.notifs
	broken := f.broken
	f.mu.Unlock()
	if broken != nil {
		return nil, broken
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case n, ok := <-ch:
		if !ok {
			return nil, errors.New("fake listener closed")
		}
		return n, nil
	}
}

func (f *FakeListener) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

var _ Listener = (*FakeListener)(nil)
