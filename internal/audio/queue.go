package audio

import "sync"

type queuedChunk struct {
	data       []byte
	generation uint64
}

// Queue is a FIFO of PCM chunks for a single consumer.
// Clear discards all queued chunks and starts a new generation.
type Queue struct {
	mutex      sync.Mutex
	chunks     []queuedChunk
	generation uint64
}

func (q *Queue) Push(chunk []byte) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.chunks = append(q.chunks, queuedChunk{data: chunk, generation: q.generation})
}

// Pop returns the oldest chunk along with the generation it was queued in.
func (q *Queue) Pop() ([]byte, uint64, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.chunks) == 0 {
		return nil, q.generation, false
	}

	c := q.chunks[0]
	q.chunks[0] = queuedChunk{}
	q.chunks = q.chunks[1:]

	return c.data, c.generation, true
}

func (q *Queue) Clear() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.chunks = nil
	q.generation++
}

func (q *Queue) Generation() uint64 {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.generation
}

func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return len(q.chunks)
}
