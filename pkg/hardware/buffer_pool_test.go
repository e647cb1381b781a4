package hardware

import (
	"sync"
	"testing"
)

func TestSnapshotPool(t *testing.T) {
	pool := NewSnapshotPool(16384)

	t.Run("Basic Buffer Operations", func(t *testing.T) {
		buffer := pool.Get(1024)
		if buffer == nil {
			t.Fatal("Expected non-nil buffer")
		}
		if len(buffer.Data) != 1024 {
			t.Errorf("Expected buffer size 1024, got %d", len(buffer.Data))
		}

		buffer.Data[0] = 42
		buffer.Release()

		buffer2 := pool.Get(1024)
		if len(buffer2.Data) != 1024 {
			t.Errorf("Expected recycled buffer size 1024, got %d", len(buffer2.Data))
		}
		for i, v := range buffer2.Data {
			if v != 0 {
				t.Fatalf("Expected recycled buffer to be zeroed, found %d at %d", v, i)
			}
		}
	})

	t.Run("Different Buffer Sizes", func(t *testing.T) {
		for _, size := range []int{512, 2048, 8192} {
			buffer := pool.Get(size)
			if len(buffer.Data) != size {
				t.Errorf("Expected buffer size %d, got %d", size, len(buffer.Data))
			}
			if buffer.Size != size {
				t.Errorf("Expected Size %d, got %d", size, buffer.Size)
			}
			pool.Put(buffer)
		}
	})

	t.Run("Oversized Buffer", func(t *testing.T) {
		buffer := pool.Get(20000)
		if len(buffer.Data) != 20000 {
			t.Errorf("Expected buffer size 20000, got %d", len(buffer.Data))
		}
		// Must not panic or poison a tier.
		pool.Put(buffer)
		if got := pool.Get(16384); len(got.Data) != 16384 {
			t.Errorf("Expected large buffer size 16384, got %d", len(got.Data))
		}
	})

	t.Run("Invalid Sizes", func(t *testing.T) {
		if pool.Get(0) == nil {
			t.Fatal("Expected non-nil buffer even for zero size")
		}
		if pool.Get(-100) == nil {
			t.Fatal("Expected non-nil buffer even for negative size")
		}
		pool.Put(nil)
	})
}

func TestSnapshotPoolStatistics(t *testing.T) {
	pool := NewSnapshotPool(16384)

	buffers := make([]*SnapshotBuffer, 10)
	for i := range buffers {
		buffers[i] = pool.Get(1024)
	}
	for _, b := range buffers {
		b.Release()
	}
	pool.Get(2048).Release()

	stats := pool.Statistics()
	if stats["small_hits"] != 10 {
		t.Errorf("Expected 10 small hits, got %d", stats["small_hits"])
	}
	if stats["small_miss"] < 10 {
		t.Errorf("Expected at least 10 small misses, got %d", stats["small_miss"])
	}
	if stats["medium_hits"] != 1 {
		t.Errorf("Expected 1 medium hit, got %d", stats["medium_hits"])
	}
}

func TestSnapshotPoolConcurrency(t *testing.T) {
	pool := NewSnapshotPool(16384)

	const numWorkers = 20
	const buffersPerWorker = 100

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < buffersPerWorker; j++ {
				size := 500 + workerID*100 + j
				buffer := pool.Get(size)
				if len(buffer.Data) != size {
					t.Errorf("Worker %d: expected size %d, got %d", workerID, size, len(buffer.Data))
					continue
				}
				for k := range buffer.Data {
					buffer.Data[k] = int16(workerID + k)
				}
				buffer.Release()
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkSnapshotPool(b *testing.B) {
	pool := NewSnapshotPool(16384)

	b.Run("Get1024", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			pool.Get(1024).Release()
		}
	})

	b.Run("Traditional1024", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buffer := make([]int16, 1024)
			_ = buffer
		}
	})
}
