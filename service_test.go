package gridnet

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

func TestServiceLifecycle(t *testing.T) {
	svc := NewService("lifecycle", testLogOpts()...)

	var mu sync.Mutex
	var events []ServiceEvent
	svc.AddLifecycleListener(func(ev ServiceEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	if got := svc.State(); got != ServiceInitial {
		t.Fatalf("state = %s", got)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := svc.State(); got != ServiceStarted {
		t.Fatalf("state = %s", got)
	}
	if !svc.IsAccepting() {
		t.Fatal("service should accept clients after Start")
	}
	if err := svc.WaitAcceptingClients(time.Second); err != nil {
		t.Fatalf("wait accepting: %v", err)
	}

	if err := svc.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := svc.State(); got != ServiceStopped {
		t.Fatalf("state = %s", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []ServiceEvent{ServiceEventStarted, ServiceEventStopping, ServiceEventStopped}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestServiceDoubleStart(t *testing.T) {
	svc := NewService("double", testLogOpts()...)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Shutdown()

	if err := svc.Start(); !errors.Is(err, ErrServiceStartFailed) {
		t.Fatalf("second start = %v, want ErrServiceStartFailed", err)
	}
}

func TestServiceStartInvalidConfig(t *testing.T) {
	svc := NewService("bad", testLogOpts(WithSerializer("no-such-serializer"))...)
	err := svc.Start()
	if !errors.Is(err, ErrServiceStartFailed) {
		t.Fatalf("start = %v, want ErrServiceStartFailed", err)
	}
}

func TestWaitAcceptingClientsBeforeStart(t *testing.T) {
	svc := NewService("late", testLogOpts()...)
	if err := svc.WaitAcceptingClients(30 * time.Millisecond); !errors.Is(err, ErrNotReady) {
		t.Fatalf("wait = %v, want ErrNotReady", err)
	}
	svc.Shutdown()
}

func TestServicePostOrdering(t *testing.T) {
	svc := NewService("order", testLogOpts()...)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Shutdown()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		svc.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}
	<-done
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran out of order (saw %d)", i, v)
		}
	}
}

func TestServiceTaskPanicIsContained(t *testing.T) {
	svc := NewService("panicky", testLogOpts()...)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Shutdown()

	svc.Post(func() { panic("listener bug") })

	ran := make(chan struct{})
	svc.Post(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("service thread died after a task panic")
	}
}

func TestDispatcherOrderingAndPanicIsolation(t *testing.T) {
	d := NewDispatcher(NewLogger(io.Discard, "ERR"), DefaultCloggedCount, DefaultCloggedDelay)
	go d.Run()
	defer d.Stop(time.Second)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		i := i
		if i == 10 {
			d.Post(func() { panic("bad listener") })
		}
		d.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 49 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher stalled after panic")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d delivered out of order (saw %d)", i, v)
		}
	}
}

func TestDispatcherCloggedBackpressure(t *testing.T) {
	d := NewDispatcher(NewLogger(io.Discard, "ERR"), 4, time.Millisecond)
	release := make(chan struct{})
	go d.Run()
	defer d.Stop(0)

	// Block the dispatcher, then exceed the clogged threshold; Post must
	// pause the producer until the backlog drains.
	d.Post(func() { <-release })
	for i := 0; i < 4; i++ {
		d.Post(func() {})
	}

	posted := make(chan struct{})
	go func() {
		d.Post(func() {})
		close(posted)
	}()

	select {
	case <-posted:
		t.Fatal("post above clogged threshold returned without backpressure")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-posted:
	case <-time.After(2 * time.Second):
		t.Fatal("producer never released")
	}
}
