package shm

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// alignedBytes returns n zeroed bytes starting on an 8-byte boundary, the
// way a mapping would.
func alignedBytes(n int) []byte {
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

func newTestBuffer(t *testing.T, size int) *Buffer {
	t.Helper()
	b, err := NewBuffer(alignedBytes(size))
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	return b
}

func timeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}
