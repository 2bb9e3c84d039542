package audio

import (
	"io"
	"sync"
)

// feed is the buffer between Append and the audio player. The player pulls
// from it through Read; writers block while more than limit bytes are queued.
type feed struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	limit  int
	read   int64 // bytes handed to the player
	eof    bool  // no more writes, Read returns io.EOF once empty
	closed bool  // aborted, pending audio discarded
}

func newFeed(limit int) *feed {
	f := &feed{limit: limit}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Write queues data, waiting for room. It returns false if the feed was
// closed or cancel fired first.
func (f *feed) Write(data []byte, cancel <-chan struct{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for !f.closed && len(f.buf) > 0 && len(f.buf)+len(data) > f.limit {
		if !f.waitLocked(cancel) {
			return false
		}
	}
	if f.closed {
		return false
	}

	f.buf = append(f.buf, data...)
	f.cond.Broadcast()
	return true
}

// waitLocked waits for a state change or cancellation. f.mu must be held.
func (f *feed) waitLocked(cancel <-chan struct{}) bool {
	if cancel == nil {
		f.cond.Wait()
		return true
	}

	select {
	case <-cancel:
		return false
	default:
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-cancel:
			f.mu.Lock()
			f.cond.Broadcast()
			f.mu.Unlock()
		case <-stop:
		}
	}()

	f.cond.Wait()

	select {
	case <-cancel:
		return false
	default:
		return true
	}
}

// Read implements io.Reader for the player.
func (f *feed) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.buf) == 0 && !f.eof && !f.closed {
		f.cond.Wait()
	}
	if f.closed || len(f.buf) == 0 {
		return 0, io.EOF
	}

	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	f.read += int64(n)
	f.cond.Broadcast()
	return n, nil
}

// CloseWrite marks the end of the audio.
func (f *feed) CloseWrite() {
	f.mu.Lock()
	f.eof = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// Close discards pending audio and unblocks every waiter.
func (f *feed) Close() {
	f.mu.Lock()
	f.closed = true
	f.buf = nil
	f.cond.Broadcast()
	f.mu.Unlock()
}

// Buffered returns the bytes not yet handed to the player.
func (f *feed) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}
