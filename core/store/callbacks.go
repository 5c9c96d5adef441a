package store

// CallbackQueue holds post-execute callbacks in registration order. Each
// callback runs at most once; Discard drops callbacks that never ran.
type CallbackQueue struct {
	fns []func()
}

// Register appends fn to the queue.
func (q *CallbackQueue) Register(fn func()) {
	if fn == nil {
		return
	}
	q.fns = append(q.fns, fn)
}

// Len returns the number of callbacks waiting to run.
func (q *CallbackQueue) Len() int { return len(q.fns) }

// Drain runs every queued callback in FIFO order. Callbacks registered while
// draining run in the same drain, after the ones already queued.
func (q *CallbackQueue) Drain() int {
	n := 0
	for len(q.fns) > 0 {
		fn := q.fns[0]
		q.fns[0] = nil
		q.fns = q.fns[1:]
		fn()
		n++
	}
	q.fns = nil
	return n
}

// Discard drops all queued callbacks without running them.
func (q *CallbackQueue) Discard() int {
	n := len(q.fns)
	q.fns = nil
	return n
}
