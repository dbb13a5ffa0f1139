// Package stream makes the session's audio audible to remote listeners over
// a chunked HTTP MP3 stream or a WebRTC Opus track.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

const (
	// FeedBuffer is how many frames the playback side may queue before the
	// element starts dropping output (~1 second).
	FeedBuffer = 50
	// listenerBuffer is ~3 seconds at 20ms per frame.
	listenerBuffer = 150
)

// Broadcaster fans out PCM frames written to its feed to every listener.
type Broadcaster struct {
	feed chan []int16

	mu        sync.RWMutex
	listeners map[*Listener]struct{}

	frames  atomic.Int64
	dropped atomic.Int64
}

// Listener receives 20ms interleaved stereo PCM frames.
type Listener struct {
	C    chan []int16
	done chan struct{}
	once sync.Once
}

// Done is closed when the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} { return l.done }

// NewBroadcaster creates a broadcaster with an empty listener set.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		feed:      make(chan []int16, FeedBuffer),
		listeners: make(map[*Listener]struct{}),
	}
}

// Feed is the input side, handed to the playback session as its destination.
func (b *Broadcaster) Feed() chan<- []int16 {
	return b.feed
}

// Subscribe registers a new listener.
func (b *Broadcaster) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan []int16, listenerBuffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and closes its Done channel. Safe to call twice.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	delete(b.listeners, l)
	b.mu.Unlock()
	l.once.Do(func() { close(l.done) })
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Stats returns the frames broadcast and the per-listener drops so far.
func (b *Broadcaster) Stats() (frames, dropped int64) {
	return b.frames.Load(), b.dropped.Load()
}

// Run fans out the feed until ctx is cancelled. Slow listeners lose frames
// rather than stalling playback.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-b.feed:
			b.frames.Add(1)
			b.mu.RLock()
			for l := range b.listeners {
				select {
				case l.C <- frame:
				default:
					b.dropped.Add(1)
				}
			}
			b.mu.RUnlock()
		}
	}
}
