package store

// ring holds the last cap(buf) records, overwriting the oldest.
type ring struct {
	buf  []Record
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]Record, size)}
}

func (r *ring) push(rec Record) {
	r.buf[r.next] = rec
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// records returns the held records oldest first.
func (r *ring) records() []Record {
	out := make([]Record, 0, r.len())
	if r.full {
		out = append(out, r.buf[r.next:]...)
	}
	return append(out, r.buf[:r.next]...)
}
