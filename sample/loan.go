package sample

import "sync"

// LoanPool pools the buffers of Samples returned by reads and takes, which
// callers loan and then return. Returning a buffer is optional. The zero
// value is ready for use.
type LoanPool struct{ pool sync.Pool }

// Borrow an empty Sample buffer.
func (p *LoanPool) Borrow() []Sample {
	if b, ok := p.pool.Get().(*[]Sample); ok {
		return (*b)[:0]
	}
	return nil
}

// Return a buffer obtained from Borrow. Samples of the buffer must not be
// used after its return.
func (p *LoanPool) Return(b []Sample) {
	if cap(b) == 0 {
		return
	}
	clear(b[:cap(b)])
	b = b[:0]
	p.pool.Put(&b)
}
