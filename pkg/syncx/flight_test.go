package syncx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFlightDeduplicates(t *testing.T) {
	t.Parallel()
	var f Flight[int]
	var calls atomic.Int32
	gate := make(chan struct{})

	const n = 8
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := f.Do(context.Background(), func(ctx context.Context) (int, error) {
				calls.Add(1)
				<-gate
				return 42, nil
			})
			if err != nil {
				t.Errorf("Do error: %v", err)
			}
			results[i] = v
		}(i)
	}

	// Let all goroutines pile onto the same call before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("fn ran %d times, want 1", got)
	}
	for i, v := range results {
		if v != 42 {
			t.Fatalf("caller %d got %d", i, v)
		}
	}
}

func TestFlightFailureNotCached(t *testing.T) {
	t.Parallel()
	var f Flight[string]
	boom := errors.New("boom")

	_, err := f.Do(context.Background(), func(ctx context.Context) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("first call err = %v", err)
	}

	v, err := f.Do(context.Background(), func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("retry got (%q, %v)", v, err)
	}
}

func TestFlightWaiterCancel(t *testing.T) {
	t.Parallel()
	var f Flight[int]
	started := make(chan struct{})
	gate := make(chan struct{})
	defer close(gate)

	go func() {
		_, _ = f.Do(context.Background(), func(ctx context.Context) (int, error) {
			close(started)
			<-gate
			return 1, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Do(ctx, func(ctx context.Context) (int, error) { return 2, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
