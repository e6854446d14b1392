package util

import "sync"

// Broadcast wakes every waiter at once by closing and replacing a channel.
type Broadcast struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewBroadcast() *Broadcast {
	return &Broadcast{ch: make(chan struct{})}
}

// Wait returns a channel closed by the next Notify. Take it before checking
// the condition being waited on so a Notify in between is not missed.
func (b *Broadcast) Wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *Broadcast) Notify() {
	b.mu.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}
