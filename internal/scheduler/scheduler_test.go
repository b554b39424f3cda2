package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"media-preview/internal/preview"
)

func artifact(tag string) *preview.PreviewArtifact {
	return &preview.PreviewArtifact{Data: []byte(tag), Format: "jpeg"}
}

func TestSingleJob(t *testing.T) {
	s := New(Config{Workers: 2, QueueDepth: 10})
	defer s.Shutdown()

	got, err := s.Request(context.Background(), "key1", func(ctx context.Context) (*preview.PreviewArtifact, error) {
		return artifact("one"), nil
	})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if string(got.Data) != "one" {
		t.Errorf("Unexpected artifact: %q", got.Data)
	}
	if s.InFlight() != 0 {
		t.Errorf("Expected no in-flight jobs, got %d", s.InFlight())
	}
}

func TestCoalescingRunsJobOnce(t *testing.T) {
	s := New(Config{Workers: 4, QueueDepth: 10})
	defer s.Shutdown()

	var invocations atomic.Int32
	release := make(chan struct{})

	job := func(ctx context.Context) (*preview.PreviewArtifact, error) {
		invocations.Add(1)
		<-release
		return artifact("shared"), nil
	}

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]*preview.PreviewArtifact, waiters)
	errs := make([]error, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Request(context.Background(), "same-key", job)
		}(i)
	}

	// Let all requests attach before releasing the job.
	deadline := time.Now().Add(2 * time.Second)
	for s.InFlight() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := invocations.Load(); n != 1 {
		t.Errorf("Expected exactly one invocation, got %d", n)
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("Waiter %d failed: %v", i, errs[i])
		}
		if string(results[i].Data) != "shared" {
			t.Errorf("Waiter %d got wrong artifact: %q", i, results[i].Data)
		}
	}
}

func TestDistinctKeysRunConcurrently(t *testing.T) {
	s := New(Config{Workers: 2, QueueDepth: 10})
	defer s.Shutdown()

	var concurrent, peak atomic.Int32
	job := func(ctx context.Context) (*preview.PreviewArtifact, error) {
		n := concurrent.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		concurrent.Add(-1)
		return artifact("x"), nil
	}

	var wg sync.WaitGroup
	for _, key := range []preview.PreviewKey{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(k preview.PreviewKey) {
			defer wg.Done()
			if _, err := s.Request(context.Background(), k, job); err != nil {
				t.Errorf("Request %s failed: %v", k, err)
			}
		}(key)
	}
	wg.Wait()

	if p := peak.Load(); p > 2 {
		t.Errorf("Concurrency exceeded pool size: %d", p)
	}
}

func TestOverloadedFailFast(t *testing.T) {
	s := New(Config{Workers: 1, QueueDepth: 1})
	defer s.Shutdown()

	release := make(chan struct{})
	defer close(release)

	blocking := func(ctx context.Context) (*preview.PreviewArtifact, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return artifact("x"), nil
	}

	// Fill the worker slot.
	go s.Request(context.Background(), "running", blocking)
	waitInFlight(t, s, 1)

	// Fill the queue.
	go s.Request(context.Background(), "queued", blocking)
	waitInFlight(t, s, 2)

	// Next distinct key must be rejected immediately.
	start := time.Now()
	_, err := s.Request(context.Background(), "rejected", blocking)
	if err == nil {
		t.Fatal("Expected overloaded rejection")
	}
	if preview.KindOf(err) != preview.KindOverloaded {
		t.Errorf("Expected overloaded kind, got %s", preview.KindOf(err))
	}
	if time.Since(start) > time.Second {
		t.Error("Rejection was not fail-fast")
	}

	// A request for an already in-flight key still coalesces.
	done := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), "running", blocking)
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("Coalesced request should block, returned: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLastWaiterCancellationReachesJob(t *testing.T) {
	s := New(Config{Workers: 1, QueueDepth: 10})
	defer s.Shutdown()

	jobCancelled := make(chan struct{})
	job := func(ctx context.Context) (*preview.PreviewArtifact, error) {
		<-ctx.Done()
		close(jobCancelled)
		return nil, preview.E(preview.KindCancelled, "test", ctx.Err())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Request(ctx, "solo", job)
		done <- err
	}()
	waitInFlight(t, s, 1)

	cancel()

	select {
	case <-jobCancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("Job context was not cancelled after last waiter departed")
	}

	err := <-done
	if preview.KindOf(err) != preview.KindCancelled {
		t.Errorf("Expected cancelled kind, got %v", err)
	}
}

func TestRemainingWaiterKeepsJobAlive(t *testing.T) {
	s := New(Config{Workers: 1, QueueDepth: 10})
	defer s.Shutdown()

	release := make(chan struct{})
	job := func(ctx context.Context) (*preview.PreviewArtifact, error) {
		select {
		case <-release:
			return artifact("kept"), nil
		case <-ctx.Done():
			return nil, preview.E(preview.KindCancelled, "test", ctx.Err())
		}
	}

	stayCtx := context.Background()
	leaveCtx, leave := context.WithCancel(context.Background())

	stayDone := make(chan *preview.PreviewArtifact, 1)
	go func() {
		a, _ := s.Request(stayCtx, "shared", job)
		stayDone <- a
	}()
	waitInFlight(t, s, 1)

	leaveDone := make(chan error, 1)
	go func() {
		_, err := s.Request(leaveCtx, "shared", job)
		leaveDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// One waiter leaves; the job must keep running for the other.
	leave()
	if err := <-leaveDone; preview.KindOf(err) != preview.KindCancelled {
		t.Errorf("Expected cancelled for departing waiter, got %v", err)
	}

	close(release)
	a := <-stayDone
	if a == nil || string(a.Data) != "kept" {
		t.Error("Remaining waiter should receive the result")
	}
}

func TestQueuedJobDroppedWhenWaiterLeaves(t *testing.T) {
	s := New(Config{Workers: 1, QueueDepth: 5})
	defer s.Shutdown()

	release := make(chan struct{})
	blocking := func(ctx context.Context) (*preview.PreviewArtifact, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return artifact("x"), nil
	}

	var ran atomic.Bool
	queuedJob := func(ctx context.Context) (*preview.PreviewArtifact, error) {
		ran.Store(true)
		return artifact("queued"), nil
	}

	go s.Request(context.Background(), "running", blocking)
	waitInFlight(t, s, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Request(ctx, "queued", queuedJob)
		done <- err
	}()
	waitInFlight(t, s, 2)

	cancel()
	if err := <-done; preview.KindOf(err) != preview.KindCancelled {
		t.Errorf("Expected cancelled, got %v", err)
	}

	close(release)
	time.Sleep(50 * time.Millisecond)

	if ran.Load() {
		t.Error("Queued job with no waiters should never run")
	}
	if s.InFlight() != 0 {
		t.Errorf("Expected no in-flight jobs, got %d", s.InFlight())
	}
}

func TestJobTimeout(t *testing.T) {
	s := New(Config{Workers: 1, QueueDepth: 5, JobTimeout: 30 * time.Millisecond})
	defer s.Shutdown()

	_, err := s.Request(context.Background(), "slow", func(ctx context.Context) (*preview.PreviewArtifact, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err == nil {
		t.Fatal("Expected timeout")
	}
	if preview.KindOf(err) != preview.KindTimeout {
		t.Errorf("Expected timeout kind, got %s", preview.KindOf(err))
	}
}

func TestManyKeysBoundedPool(t *testing.T) {
	const pool = 4
	s := New(Config{Workers: pool, QueueDepth: 100})
	defer s.Shutdown()

	var concurrent, peak atomic.Int32
	job := func(ctx context.Context) (*preview.PreviewArtifact, error) {
		n := concurrent.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		concurrent.Add(-1)
		return artifact("x"), nil
	}

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := preview.PreviewKey(string(rune('A' + i)))
			if _, err := s.Request(context.Background(), key, job); err != nil {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if p := peak.Load(); p > pool {
		t.Errorf("Pool bound violated: %d concurrent jobs", p)
	}
	if f := failures.Load(); f != 0 {
		t.Errorf("Expected all jobs to complete within queue depth, %d failed", f)
	}
}

func TestShutdownRejectsNewRequests(t *testing.T) {
	s := New(Config{Workers: 1, QueueDepth: 1})
	s.Shutdown()

	_, err := s.Request(context.Background(), "late", func(ctx context.Context) (*preview.PreviewArtifact, error) {
		return artifact("x"), nil
	})
	if preview.KindOf(err) != preview.KindCancelled {
		t.Errorf("Expected cancelled after shutdown, got %v", err)
	}
}

func waitInFlight(t *testing.T, s *Scheduler, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.InFlight() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d in-flight jobs, have %d", want, s.InFlight())
}

func TestFreshRequestAfterLastWaiterCancel(t *testing.T) {
	s := New(Config{Workers: 1, QueueDepth: 4})
	defer s.Shutdown()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var invocations atomic.Int32

	job := func(ctx context.Context) (*preview.PreviewArtifact, error) {
		n := invocations.Add(1)
		started <- struct{}{}
		if n == 1 {
			<-ctx.Done()
			// Unwinding takes a while; the job stays in the table meanwhile.
			time.Sleep(50 * time.Millisecond)
			return nil, preview.E(preview.KindCancelled, "job", ctx.Err())
		}
		<-release
		return artifact("fresh"), nil
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.Request(ctx1, "contested-key", job)
		firstErr <- err
	}()

	<-started
	cancel1()

	// The first waiter has detached once its error arrives; the cancelled
	// job is still unwinding on the worker slot.
	if err := <-firstErr; preview.KindOf(err) != preview.KindCancelled {
		t.Fatalf("Expected cancelled first request, got %v", err)
	}

	secondDone := make(chan struct{})
	var secondArtifact *preview.PreviewArtifact
	var secondErr error
	go func() {
		secondArtifact, secondErr = s.Request(context.Background(), "contested-key", job)
		close(secondDone)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Replacement job never started")
	}
	close(release)

	select {
	case <-secondDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Second request never completed")
	}

	if secondErr != nil {
		t.Fatalf("Fresh request inherited a stale outcome: %v", secondErr)
	}
	if string(secondArtifact.Data) != "fresh" {
		t.Errorf("Unexpected artifact: %q", secondArtifact.Data)
	}
	if n := invocations.Load(); n != 2 {
		t.Errorf("Expected a replacement invocation, got %d", n)
	}
}
