package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/seckill/internal/types"
)

func TestPoolRunsTasks(t *testing.T) {
	p := New(2, 16, zerolog.Nop())
	p.Start(context.Background())

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		if err := p.Submit(func() {
			defer wg.Done()
			ran.Add(1)
		}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	wg.Wait()
	if ran.Load() != 10 {
		t.Fatalf("ran = %d, want 10", ran.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if p.Completed() != 10 {
		t.Fatalf("completed = %d, want 10", p.Completed())
	}
}

func TestPoolSaturationRejectsSubmit(t *testing.T) {
	p := New(1, 1, zerolog.Nop())
	// Not started, so nothing drains the queue.

	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	err := p.Submit(func() {})
	if types.CodeOf(err) != types.CodeSaturated {
		t.Fatalf("code = %s, want %s", types.CodeOf(err), types.CodeSaturated)
	}
	if p.Rejected() != 1 {
		t.Fatalf("rejected = %d, want 1", p.Rejected())
	}
}

func TestPoolRecoversFromPanickingTask(t *testing.T) {
	p := New(1, 8, zerolog.Nop())
	p.Start(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	if err := p.Submit(func() {
		defer wg.Done()
		panic("task exploded")
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	wg.Wait()

	// The worker must survive the panic and run the next task.
	done := make(chan struct{})
	if err := p.Submit(func() { close(done) }); err != nil {
		t.Fatalf("Submit after panic: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestPoolShutdownDrainsQueue(t *testing.T) {
	p := New(1, 16, zerolog.Nop())
	p.Start(context.Background())

	var ran atomic.Int64
	for i := 0; i < 8; i++ {
		if err := p.Submit(func() {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ran.Load() != 8 {
		t.Fatalf("ran = %d, want all 8 drained", ran.Load())
	}
}

func TestPoolSubmitDuringShutdown(t *testing.T) {
	p := New(2, 4, zerolog.Nop())
	p.Start(context.Background())

	// Hammer Submit while Shutdown closes the queue; a send on the
	// closed channel would panic and fail the test.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = p.Submit(func() {})
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	close(stop)
	wg.Wait()
}

func TestPoolSubmitAfterShutdown(t *testing.T) {
	p := New(1, 8, zerolog.Nop())
	p.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	err := p.Submit(func() {})
	if types.CodeOf(err) != types.CodeSaturated {
		t.Fatalf("code = %s, want %s", types.CodeOf(err), types.CodeSaturated)
	}
}
