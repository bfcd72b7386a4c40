package conn

import "sync"

// frameQueue is a thread-safe FIFO of encoded frames waiting for an open
// channel.
//
// The queue is unbounded so a long outage loses no edits. Frames are
// removed exactly once, by Drain on flush.
type frameQueue struct {
	mu     sync.Mutex
	frames [][]byte
}

// newFrameQueue creates an empty queue.
func newFrameQueue() *frameQueue {
	return &frameQueue{
		frames: make([][]byte, 0, 16),
	}
}

// Enqueue adds a frame to the back of the queue.
func (q *frameQueue) Enqueue(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append(q.frames, frame)
}

// Requeue puts frames back at the front, ahead of anything enqueued since
// they were drained. Order within frames is kept.
func (q *frameQueue) Requeue(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, 0, len(frames)+len(q.frames))
	out = append(out, frames...)
	q.frames = append(out, q.frames...)
}

// Drain removes and returns every queued frame, oldest first.
func (q *frameQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil
	}
	out := q.frames
	q.frames = make([][]byte, 0, 16)
	return out
}

// Len returns the current queue length.
func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
