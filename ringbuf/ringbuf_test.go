package ringbuf_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me56ps2/me56ps2/ringbuf"
)

func TestEnqueueDropsOverflow(t *testing.T) {
	b := ringbuf.New(8)

	n := b.Enqueue([]byte("ABCDEFGHIJ"))
	assert.Equal(t, 8, n)
	assert.Equal(t, 8, b.Len())

	out := make([]byte, 5)
	assert.Equal(t, 5, b.Dequeue(out))
	assert.Equal(t, "ABCDE", string(out))
	assert.Equal(t, 3, b.Len())
}

func TestDequeueEmpty(t *testing.T) {
	b := ringbuf.New(4)
	out := make([]byte, 4)
	assert.Equal(t, 0, b.Dequeue(out))
	assert.Equal(t, 0, b.Enqueue(nil))
}

func TestWrapAround(t *testing.T) {
	tests := []struct {
		name   string
		ops    []string // "+xyz" enqueues, "-n" dequeues n bytes
		expect []string
	}{
		{
			name:   "tail wraps",
			ops:    []string{"+abcdef", "-4", "+ghij", "-6"},
			expect: []string{"abcd", "efghij"},
		},
		{
			name:   "full then drain in pieces",
			ops:    []string{"+12345678", "-3", "+9ab", "-8"},
			expect: []string{"123", "456789ab"},
		},
		{
			name:   "partial accept after wrap",
			ops:    []string{"+abcdefgh", "-2", "+ijkl", "-8"},
			expect: []string{"ab", "cdefghij"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ringbuf.New(8)
			var got []string
			for _, op := range tt.ops {
				switch op[0] {
				case '+':
					b.Enqueue([]byte(op[1:]))
				case '-':
					n := int(op[1] - '0')
					out := make([]byte, n)
					got = append(got, string(out[:b.Dequeue(out)]))
				}
				assert.LessOrEqual(t, b.Len(), b.Cap())
			}
			assert.Equal(t, tt.expect, got)
		})
	}
}

func TestWaitUntilReturnsOnDeadline(t *testing.T) {
	b := ringbuf.New(16)
	start := time.Now()
	b.WaitUntil(context.Background(), start.Add(30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestWaitUntilWakesOnNotify(t *testing.T) {
	b := ringbuf.New(16)
	done := make(chan struct{})
	go func() {
		b.WaitUntil(context.Background(), time.Now().Add(5*time.Second))
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Enqueue([]byte("x"))
	b.Notify()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitUntil did not wake on notify")
	}
}

func TestWaitUntilIgnoresStaleNotify(t *testing.T) {
	b := ringbuf.New(16)
	b.Enqueue([]byte("abc"))
	b.Notify()
	require.Equal(t, 3, b.Dequeue(make([]byte, 3)))

	start := time.Now()
	b.WaitUntil(context.Background(), start.Add(200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestWaitUntilKeepsWaitingOnEmptyNotify(t *testing.T) {
	b := ringbuf.New(16)
	done := make(chan struct{})
	go func() {
		b.WaitUntil(context.Background(), time.Now().Add(5*time.Second))
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Notify()
	select {
	case <-done:
		t.Fatal("WaitUntil returned on an empty buffer")
	case <-time.After(50 * time.Millisecond):
	}

	b.Enqueue([]byte("y"))
	b.Notify()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitUntil did not wake on data")
	}
}

func TestWaitUntilReturnsImmediatelyWithData(t *testing.T) {
	b := ringbuf.New(16)
	b.Enqueue([]byte("data"))
	start := time.Now()
	b.WaitUntil(context.Background(), start.Add(time.Second))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitUntilHonorsContext(t *testing.T) {
	b := ringbuf.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	b.WaitUntil(ctx, start.Add(time.Second))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestConcurrentProducersKeepOrderPerProducer(t *testing.T) {
	b := ringbuf.New(1 << 16)
	const producers = 4
	const perProducer = 1000

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			for i := range perProducer {
				b.Enqueue([]byte{id, byte(i)})
				b.Notify()
			}
		}(byte(p))
	}
	wg.Wait()

	require.Equal(t, producers*perProducer*2, b.Len())
	out := make([]byte, b.Len())
	require.Equal(t, len(out), b.Dequeue(out))

	next := make([]int, producers)
	for i := 0; i < len(out); i += 2 {
		id := out[i]
		assert.Equal(t, byte(next[id]), out[i+1])
		next[id]++
	}
}
