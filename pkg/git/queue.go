package git

// opEntry pairs a queued operation with its bookkeeping.
type opEntry struct {
	op   *GitOperation
	seq  uint64        // Tie-break within a priority tier: FIFO
	done chan struct{} // Closed when the operation reaches a terminal state
}

// opQueue holds pending entries for one repo root, ordered priority-then-FIFO.
// Not safe for concurrent use; the owning repoWorker synchronizes access.
type opQueue struct {
	entries []*opEntry
}

// push inserts an entry keeping (priority rank, seq) order.
func (q *opQueue) push(e *opEntry) {
	idx := len(q.entries)
	for i, existing := range q.entries {
		if rankLess(e, existing) {
			idx = i
			break
		}
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
}

// pop removes and returns the head entry, or nil if empty.
func (q *opQueue) pop() *opEntry {
	if len(q.entries) == 0 {
		return nil
	}
	e := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	return e
}

// remove deletes the entry with the given operation ID, returning it if found.
func (q *opQueue) remove(opID string) *opEntry {
	for i, e := range q.entries {
		if e.op.ID == opID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e
		}
	}
	return nil
}

// drain removes and returns all entries.
func (q *opQueue) drain() []*opEntry {
	entries := q.entries
	q.entries = nil
	return entries
}

func (q *opQueue) len() int {
	return len(q.entries)
}

// rankLess reports whether a should run before b: lower priority rank first,
// earlier enqueue first within a tier. A just-enqueued critical op overtakes
// longer-waiting normal/low ops but never an already-running one.
func rankLess(a, b *opEntry) bool {
	ra, rb := a.op.Priority.rank(), b.op.Priority.rank()
	if ra != rb {
		return ra < rb
	}
	return a.seq < b.seq
}
