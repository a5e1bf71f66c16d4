package ocppnet

import (
	"sync"
	"testing"
)

func TestRingBuffer_WriteRead(t *testing.T) {
	rb := NewRingBuffer[int](100)

	for i := 0; i < 1000; i++ {
		if err := rb.Write(i); err != nil {
			t.Errorf("error writing to ring buffer: %v", err)
		}

		v, ok := rb.Read()
		if !ok {
			t.Errorf("read %d: buffer empty", i)
		}
		if v != i {
			t.Errorf("expected %v, got %v", i, v)
		}
	}
}

func TestRingBuffer_ReadEmpty(t *testing.T) {
	rb := NewRingBuffer[int](10)

	if v, ok := rb.Read(); ok {
		t.Errorf("expected ok=false reading from empty buffer, got value %v", v)
	}
	if vals, ok := rb.ReadN(5); ok || vals != nil {
		t.Errorf("expected nil, false from empty ReadN, got %v, %v", vals, ok)
	}
}

func TestRingBuffer_WriteFull(t *testing.T) {
	rb := NewRingBuffer[int](5)

	for i := 0; i < 5; i++ {
		if err := rb.Write(i); err != nil {
			t.Fatalf("unexpected error on write %d: %v", i, err)
		}
	}

	if err := rb.Write(99); err != ErrRingBufferFull {
		t.Errorf("expected ErrRingBufferFull, got %v", err)
	}
	if rb.Len() != 5 {
		t.Errorf("expected len=5 after rejected write, got %d", rb.Len())
	}
}

func TestRingBuffer_ReadNWraparound(t *testing.T) {
	rb := NewRingBuffer[int](4)

	// advance read/write indices to position 3
	for i := 0; i < 3; i++ {
		rb.Write(i)
		rb.Read()
	}

	for i := 0; i < 4; i++ {
		rb.Write(i + 100)
	}

	vals, ok := rb.ReadN(100)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if len(vals) != 4 {
		t.Fatalf("expected 4 values, got %d", len(vals))
	}
	for i := 0; i < 4; i++ {
		if vals[i] != i+100 {
			t.Errorf("index %d: expected %d, got %d", i, i+100, vals[i])
		}
	}
	if rb.Len() != 0 {
		t.Errorf("expected len=0 after ReadN, got %d", rb.Len())
	}
}

func TestRingBuffer_OverwriteDropsOldest(t *testing.T) {
	rb := NewRingBuffer[int](3)

	for i := 1; i <= 5; i++ {
		rb.Overwrite(i)
	}

	got := rb.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot = %v, want %v", got, want)
		}
	}
	if rb.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", rb.Dropped())
	}
	// Snapshot does not consume.
	if rb.Len() != 3 {
		t.Errorf("len = %d after snapshot, want 3", rb.Len())
	}
}

func TestRingBuffer_MinimumCapacity(t *testing.T) {
	rb := NewRingBuffer[string](0)
	if rb.Cap() != 1 {
		t.Fatalf("cap = %d, want 1", rb.Cap())
	}
	rb.Overwrite("a")
	rb.Overwrite("b")
	if v, _ := rb.Read(); v != "b" {
		t.Fatalf("read %q, want b", v)
	}
}

func TestRingBuffer_ConcurrentOverwrite(t *testing.T) {
	rb := NewRingBuffer[int](64)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				rb.Overwrite(w*1000 + i)
			}
		}(w)
	}
	wg.Wait()

	if rb.Len() != 64 {
		t.Fatalf("len = %d, want 64", rb.Len())
	}
	if rb.Dropped() != 8000-64 {
		t.Fatalf("dropped = %d, want %d", rb.Dropped(), 8000-64)
	}
}
