// Copyright 2019 The Go Cloud Development Kit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package asyncqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"docsync.dev/gcerrors"
	"github.com/google/go-cmp/cmp"
)

func TestOrdering(t *testing.T) {
	q := New(nil)
	defer q.Shutdown(context.Background(), false)

	var (
		mu  sync.Mutex
		got []int
	)
	var chans []<-chan error
	for i := 0; i < 50; i++ {
		i := i
		chans = append(chans, q.Enqueue(func(context.Context) error {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, c := range chans {
		if err := <-c; err != nil {
			t.Fatal(err)
		}
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got order %v", got)
		}
	}
}

func TestRunReturnsError(t *testing.T) {
	q := New(nil)
	defer q.Shutdown(context.Background(), false)
	want := errors.New("boom")
	if got := q.Run(context.Background(), func(context.Context) error { return want }); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestOperationsDoNotInterleave(t *testing.T) {
	q := New(nil)
	defer q.Shutdown(context.Background(), false)
	var running, maxRunning int
	var mu sync.Mutex
	var chans []<-chan error
	for i := 0; i < 20; i++ {
		chans = append(chans, q.Enqueue(func(context.Context) error {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		}))
	}
	for _, c := range chans {
		<-c
	}
	if maxRunning != 1 {
		t.Errorf("got %d concurrent operations, want 1", maxRunning)
	}
}

func TestDelayedOperation(t *testing.T) {
	q := New(nil)
	defer q.Shutdown(context.Background(), false)
	ran := make(chan struct{})
	op := q.EnqueueAfterDelay(TimerWriteBackoff, 10*time.Millisecond, func(context.Context) error {
		close(ran)
		return nil
	})
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("delayed operation did not run")
	}
	if err := <-op.Done(); err != nil {
		t.Errorf("got %v, want nil", err)
	}
	if q.ContainsDelayedOperation(TimerWriteBackoff) {
		t.Error("operation still scheduled after it ran")
	}
}

func TestCancel(t *testing.T) {
	q := New(nil)
	defer q.Shutdown(context.Background(), false)
	op := q.EnqueueAfterDelay(TimerLeaseRefresh, time.Hour, func(context.Context) error {
		t.Error("canceled operation ran")
		return nil
	})
	if !q.ContainsDelayedOperation(TimerLeaseRefresh) {
		t.Fatal("operation not scheduled")
	}
	op.Cancel()
	op.Cancel() // no-op
	if got := gcerrors.Code(<-op.Done()); got != gcerrors.Canceled {
		t.Errorf("got code %v, want Canceled", got)
	}
	if q.ContainsDelayedOperation(TimerLeaseRefresh) {
		t.Error("operation still scheduled after Cancel")
	}
}

func TestRunDelayedOperationsEarly(t *testing.T) {
	q := New(nil)
	defer q.Shutdown(context.Background(), false)
	var got []TimerID
	record := func(id TimerID) Op {
		return func(context.Context) error { got = append(got, id); return nil }
	}
	q.EnqueueAfterDelay(TimerLeaseRefresh, time.Hour, record(TimerLeaseRefresh))
	q.EnqueueAfterDelay(TimerWriteBackoff, time.Minute, record(TimerWriteBackoff))
	q.EnqueueAfterDelay(TimerTransactionRetry, 2*time.Hour, record(TimerTransactionRetry))

	if err := q.RunDelayedOperationsEarly(context.Background(), TimerLeaseRefresh); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]TimerID{TimerWriteBackoff, TimerLeaseRefresh}, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if !q.ContainsDelayedOperation(TimerTransactionRetry) {
		t.Error("later operation should still be scheduled")
	}
}

func TestShutdownDrain(t *testing.T) {
	q := New(nil)
	ran := false
	op := q.EnqueueAfterDelay(TimerLeaseRefresh, time.Hour, func(context.Context) error {
		ran = true
		return nil
	})
	if err := q.Shutdown(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("drained operation did not run")
	}
	if err := <-op.Done(); err != nil {
		t.Errorf("got %v, want nil", err)
	}
}

func TestShutdownReject(t *testing.T) {
	q := New(nil)
	op := q.EnqueueAfterDelay(TimerLeaseRefresh, time.Hour, func(context.Context) error {
		t.Error("rejected operation ran")
		return nil
	})
	before := q.Enqueue(func(context.Context) error { return nil })
	if err := q.Shutdown(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if err := <-before; err != nil {
		t.Errorf("operation enqueued before shutdown: got %v, want nil", err)
	}
	if got := gcerrors.Code(<-op.Done()); got != gcerrors.Canceled {
		t.Errorf("got code %v, want Canceled", got)
	}
	if err := <-q.Enqueue(func(context.Context) error { return nil }); err != ErrShutdown {
		t.Errorf("got %v, want ErrShutdown", err)
	}
	if !q.IsShutdown() {
		t.Error("IsShutdown = false")
	}
	// A second Shutdown is a no-op.
	if err := q.Shutdown(context.Background(), false); err != nil {
		t.Fatal(err)
	}
}
