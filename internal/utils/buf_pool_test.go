package utils

import (
	"testing"
)

func TestBufPool(t *testing.T) {
	maxSize := 2
	p := NewBufPool(maxSize)

	bufs := make([]interface{ Len() int }, 0)
	for i := 0; i < maxSize+1; i++ {
		buf := p.GetBuf()
		buf.WriteString("data")
		bufs = append(bufs, buf)
	}
	if got := p.IdleCount(); got != 0 {
		t.Fatalf("IdleCount: want: 0, got: %d", got)
	}

	for i := 0; i < maxSize+1; i++ {
		buf := p.GetBuf()
		buf.WriteString("data")
		p.ReturnBuf(buf)
	}
	if got := p.IdleCount(); got != 1 {
		t.Fatalf("IdleCount: want: 1, got: %d", got)
	}

	buf := p.GetBuf()
	if buf.Len() != 0 {
		t.Fatalf("recycled buf Len(): want: 0, got: %d", buf.Len())
	}
}
