package model

import "time"

type QueueEntry struct {
	Key
	InsertedOrder uint64 `json:"inserted_order"`
}

// QueueState is the pending/paused run order plus the running entry, if any.
type QueueState struct {
	Order     []QueueEntry `json:"order"`
	Running   *QueueEntry  `json:"running,omitempty"`
	NextSeq   uint64       `json:"next_seq"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (q *QueueState) Clone() *QueueState {
	c := *q
	c.Order = append([]QueueEntry(nil), q.Order...)
	if q.Running != nil {
		r := *q.Running
		c.Running = &r
	}
	return &c
}

func (q *QueueState) Keys() []Key {
	keys := make([]Key, 0, len(q.Order))
	for _, e := range q.Order {
		keys = append(keys, e.Key)
	}
	return keys
}

func (q *QueueState) IndexOf(k Key) int {
	for i, e := range q.Order {
		if e.Key == k {
			return i
		}
	}
	return -1
}

// PushBack 追加到队尾并分配插入序号
func (q *QueueState) PushBack(k Key) QueueEntry {
	e := QueueEntry{Key: k, InsertedOrder: q.NextSeq}
	q.NextSeq++
	q.Order = append(q.Order, e)
	return e
}

func (q *QueueState) PushFront(e QueueEntry) {
	q.Order = append([]QueueEntry{e}, q.Order...)
}

func (q *QueueState) PopFront() (QueueEntry, bool) {
	if len(q.Order) == 0 {
		return QueueEntry{}, false
	}
	e := q.Order[0]
	q.Order = q.Order[1:]
	return e, true
}

func (q *QueueState) Remove(k Key) bool {
	i := q.IndexOf(k)
	if i < 0 {
		return false
	}
	q.Order = append(q.Order[:i:i], q.Order[i+1:]...)
	return true
}

// Reorder replaces the order with keys. It fails, leaving q unchanged, unless keys is a
// permutation of the current order.
func (q *QueueState) Reorder(keys []Key) bool {
	if len(keys) != len(q.Order) {
		return false
	}
	byKey := make(map[Key]QueueEntry, len(q.Order))
	for _, e := range q.Order {
		byKey[e.Key] = e
	}
	next := make([]QueueEntry, 0, len(keys))
	for _, k := range keys {
		e, ok := byKey[k]
		if !ok {
			return false
		}
		delete(byKey, k)
		next = append(next, e)
	}
	q.Order = next
	return true
}
