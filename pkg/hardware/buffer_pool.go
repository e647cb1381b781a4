package hardware

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/sqandr/pkg/logging"
)

// Pool tiers, in samples.
const (
	smallBufferSize  = 1024
	mediumBufferSize = 4096
	largeBufferSize  = 16384
)

// SnapshotBuffer is a pooled copy of receive amplitudes handed from the cycle
// loop to a consumer on another goroutine.
type SnapshotBuffer struct {
	Data []int16
	Size int
	pool *SnapshotPool
}

// Reset zeroes the buffer.
func (b *SnapshotBuffer) Reset() {
	for i := range b.Data {
		b.Data[i] = 0
	}
	b.Size = 0
}

// Release returns the buffer to its pool.
func (b *SnapshotBuffer) Release() {
	if b.pool != nil {
		b.pool.Put(b)
	}
}

// SnapshotPool hands out amplitude buffers from size-tiered sync.Pools so the
// cycle loop does not allocate a fresh snapshot every cycle.
type SnapshotPool struct {
	smallPool  *sync.Pool
	mediumPool *sync.Pool
	largePool  *sync.Pool

	smallHits  int64
	mediumHits int64
	largeHits  int64
	smallMiss  int64
	mediumMiss int64
	largeMiss  int64

	maxBufferSize int
}

// NewSnapshotPool creates a pool. Requests above maxBufferSize are allocated
// directly and never pooled.
func NewSnapshotPool(maxBufferSize int) *SnapshotPool {
	if maxBufferSize <= 0 || maxBufferSize > largeBufferSize {
		maxBufferSize = largeBufferSize
	}
	p := &SnapshotPool{maxBufferSize: maxBufferSize}
	p.smallPool = p.tier(smallBufferSize, &p.smallMiss)
	p.mediumPool = p.tier(mediumBufferSize, &p.mediumMiss)
	p.largePool = p.tier(largeBufferSize, &p.largeMiss)
	return p
}

func (p *SnapshotPool) tier(size int, miss *int64) *sync.Pool {
	return &sync.Pool{
		New: func() interface{} {
			atomic.AddInt64(miss, 1)
			return &SnapshotBuffer{Data: make([]int16, size), pool: p}
		},
	}
}

// Get returns a buffer of length size.
func (p *SnapshotPool) Get(size int) *SnapshotBuffer {
	if size <= 0 {
		return &SnapshotBuffer{pool: p}
	}
	if size > p.maxBufferSize {
		logging.Debug("hardware", "Snapshot larger than pool tiers, allocating", map[string]interface{}{
			"size": size,
			"max":  p.maxBufferSize,
		})
		return &SnapshotBuffer{Data: make([]int16, size), Size: size, pool: p}
	}

	var buf *SnapshotBuffer
	switch {
	case size <= smallBufferSize:
		buf = p.smallPool.Get().(*SnapshotBuffer)
		atomic.AddInt64(&p.smallHits, 1)
	case size <= mediumBufferSize:
		buf = p.mediumPool.Get().(*SnapshotBuffer)
		atomic.AddInt64(&p.mediumHits, 1)
	default:
		buf = p.largePool.Get().(*SnapshotBuffer)
		atomic.AddInt64(&p.largeHits, 1)
	}

	if cap(buf.Data) < size {
		buf.Data = make([]int16, size)
	}
	buf.Data = buf.Data[:size]
	buf.Size = size
	return buf
}

// Put zeroes a buffer and returns it to its tier. Oversized buffers are left
// for the garbage collector.
func (p *SnapshotPool) Put(buf *SnapshotBuffer) {
	if buf == nil || buf.Data == nil {
		return
	}
	buf.Reset()

	switch c := cap(buf.Data); {
	case c < smallBufferSize:
	case c < mediumBufferSize:
		buf.Data = buf.Data[:smallBufferSize]
		p.smallPool.Put(buf)
	case c < largeBufferSize:
		buf.Data = buf.Data[:mediumBufferSize]
		p.mediumPool.Put(buf)
	case c == largeBufferSize:
		buf.Data = buf.Data[:largeBufferSize]
		p.largePool.Put(buf)
	}
}

// Statistics returns hit and miss counters per tier.
func (p *SnapshotPool) Statistics() map[string]int64 {
	return map[string]int64{
		"small_hits":  atomic.LoadInt64(&p.smallHits),
		"medium_hits": atomic.LoadInt64(&p.mediumHits),
		"large_hits":  atomic.LoadInt64(&p.largeHits),
		"small_miss":  atomic.LoadInt64(&p.smallMiss),
		"medium_miss": atomic.LoadInt64(&p.mediumMiss),
		"large_miss":  atomic.LoadInt64(&p.largeMiss),
	}
}

// ReportStatistics logs pool utilisation every interval until ctx is done.
func (p *SnapshotPool) ReportStatistics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := p.Statistics()
		hits := stats["small_hits"] + stats["medium_hits"] + stats["large_hits"]
		misses := stats["small_miss"] + stats["medium_miss"] + stats["large_miss"]
		if hits == 0 {
			continue
		}
		// Every Get counts a hit; a miss is a Get that had to allocate.
		reuse := float64(hits-misses) / float64(hits) * 100
		logging.Debugf("hardware", "Snapshot pool: %d requests, %.1f%% reused (S:%d/%d M:%d/%d L:%d/%d)",
			hits, reuse,
			stats["small_hits"], stats["small_miss"],
			stats["medium_hits"], stats["medium_miss"],
			stats["large_hits"], stats["large_miss"])
	}
}
