package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitRunsHandler(t *testing.T) {
	var got atomic.Int64
	var wg sync.WaitGroup
	wg.Add(1)

	p := New(2, 4, func(arg *WorkerArg) {
		got.Store(int64(arg.SessionID))
		wg.Done()
	})
	defer p.Close()

	require.NoError(t, p.Submit(5, 42, Reading))

	wg.Wait()
	require.EqualValues(t, 42, got.Load())
}

func TestSubmitFailsClosedWhenExhausted(t *testing.T) {
	block := make(chan struct{})
	release := make(chan struct{})

	p := New(1, 1, func(arg *WorkerArg) {
		close(block)
		<-release
	})
	defer func() {
		close(release)
		p.Close()
	}()

	if err := p.Submit(1, 1, Reading); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	<-block // worker is now occupied and the single capacity slot is held

	if err := p.Submit(2, 2, Reading); err == nil {
		t.Fatal("second Submit succeeded, want ErrExhausted")
	}
}

func TestSubmitWaitBlocksUntilAdmitted(t *testing.T) {
	release := make(chan struct{})
	var ran atomic.Int64

	p := New(1, 1, func(arg *WorkerArg) {
		<-release
		ran.Add(1)
	})
	defer p.Close()

	if err := p.Submit(1, 1, Reading); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- p.SubmitWait(ctx, 2, 2, Reading)
	}()

	select {
	case <-done:
		t.Fatal("SubmitWait returned before capacity freed")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
}

func TestCloseDrainsInFlightWork(t *testing.T) {
	var count atomic.Int64
	p := New(3, 8, func(arg *WorkerArg) {
		count.Add(1)
	})

	for i := 0; i < 8; i++ {
		if err := p.Submit(i, uint64(i), Reading); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	p.Close()

	if count.Load() != 8 {
		t.Fatalf("count = %d, want 8", count.Load())
	}
}
