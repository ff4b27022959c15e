package audio

import (
	"context"
	"sync"
)

// frameQueue is a bounded FIFO of audio frames. When full, the oldest frame is
// discarded to make room so the most recent speech is always kept.
type frameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	limit  int
	closed bool
	notify chan struct{}
}

func newFrameQueue(limit int) *frameQueue {
	if limit <= 0 {
		limit = 1
	}
	return &frameQueue{
		frames: make([][]byte, 0, limit),
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// push enqueues a frame and reports whether an older frame was dropped.
// Frames pushed after close are discarded and reported as dropped.
func (q *frameQueue) push(frame []byte) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return true
	}
	if len(q.frames) >= q.limit {
		q.frames[0] = nil
		q.frames = q.frames[1:]
		dropped = true
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// pop blocks until a frame is available, the queue is closed and drained, or ctx is done.
func (q *frameQueue) pop(ctx context.Context) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return f, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
