// Reusable *bytes.Buffer pool for metrics generation; this should be more
// efficient than allocating a buffer every time and relying on GC.

package utils

import (
	"bytes"
	"sync"
)

type BufPool struct {
	// Idle buffers:
	pool []*bytes.Buffer
	// The max number of idle buffers kept around; returned buffers in excess of
	// it are discarded. Use 0 for no limit:
	maxSize int
	mu      *sync.Mutex
}

func NewBufPool(maxSize int) *BufPool {
	return &BufPool{
		pool:    make([]*bytes.Buffer, 0),
		maxSize: maxSize,
		mu:      &sync.Mutex{},
	}
}

func (p *BufPool) GetBuf() *bytes.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.pool); n > 0 {
		buf := p.pool[n-1]
		p.pool = p.pool[:n-1]
		return buf
	}
	return &bytes.Buffer{}
}

func (p *BufPool) ReturnBuf(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxSize <= 0 || len(p.pool) < p.maxSize {
		p.pool = append(p.pool, buf)
	}
}

func (p *BufPool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pool)
}
