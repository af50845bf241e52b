package queue

type memRecord struct {
	port uint8
	data []byte
}

// inMemoryQueue is a volatile Queue bounded by a byte budget.
type inMemoryQueue struct {
	capacity int
	used     int
	records  []memRecord
}

// DefaultMemoryCapacity is the byte budget of InMemory queues created with capacity 0.
const DefaultMemoryCapacity = 64 * 1024

// InMemory constructs a volatile Queue holding at most capacity payload bytes.
func InMemory(capacity int) Queue {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &inMemoryQueue{capacity: capacity}
}

func (q *inMemoryQueue) Begin() error { return nil }

func (q *inMemoryQueue) IsEmpty() bool { return len(q.records) == 0 }

func (q *inMemoryQueue) IsEmptyForPort(port uint8) bool {
	return q.index(port) < 0
}

func (q *inMemoryQueue) Push(port uint8, data []byte) error {
	if err := checkPush(port, data); err != nil {
		return err
	}
	if q.used+len(data) > q.capacity {
		return ErrFull
	}
	q.records = append(q.records, memRecord{port: port, data: append([]byte(nil), data...)})
	q.used += len(data)
	return nil
}

func (q *inMemoryQueue) PopAny(buf []byte) (int, error) {
	if len(q.records) == 0 {
		return 0, nil
	}
	return pop(q, q.records[0].port, buf)
}

func (q *inMemoryQueue) PopForPort(port uint8, buf []byte) (int, error) {
	return pop(q, port, buf)
}

func (q *inMemoryQueue) PeekForPort(port uint8, buf []byte) (int, error) {
	i := q.index(port)
	if i < 0 {
		return 0, nil
	}
	data := q.records[i].data
	if len(data) > len(buf) {
		return 0, ErrShortBuffer
	}
	return copy(buf, data), nil
}

func (q *inMemoryQueue) SkipForPort(port uint8) error {
	i := q.index(port)
	if i < 0 {
		return nil
	}
	q.used -= len(q.records[i].data)
	q.records = append(q.records[:i], q.records[i+1:]...)
	return nil
}

func (q *inMemoryQueue) Sync() error { return nil }

func (q *inMemoryQueue) Clear() error {
	q.records = nil
	q.used = 0
	return nil
}

func (q *inMemoryQueue) Close() error { return nil }

func (q *inMemoryQueue) index(port uint8) int {
	for i, r := range q.records {
		if r.port == port {
			return i
		}
	}
	return -1
}
