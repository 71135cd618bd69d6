package sessions

import (
	"errors"
	"testing"
	"time"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	loop := NewLoop(0, nil)

	var got []int
	for i := 0; i < 20; i++ {
		i := i
		if err := loop.Schedule(func() { got = append(got, i) }, 0); err != nil {
			t.Fatalf("Schedule(%d): %v", i, err)
		}
	}
	loop.Stop()

	if len(got) != 20 {
		t.Fatalf("ran %d tasks, want 20", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task order broken at %d: got %d", i, v)
		}
	}
}

func TestLoopScheduleTimeout(t *testing.T) {
	loop := NewLoop(10*time.Millisecond, nil)
	defer loop.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	if err := loop.Schedule(func() { close(started); <-release }, 0); err != nil {
		t.Fatalf("Schedule blocker: %v", err)
	}
	<-started

	// Saturate the queue behind the blocked runner.
	for i := 0; i < loopQueueSize; i++ {
		if err := loop.Schedule(func() {}, 0); err != nil {
			t.Fatalf("Schedule filler %d: %v", i, err)
		}
	}

	err := loop.Schedule(func() {}, 20*time.Millisecond)
	if !errors.Is(err, ErrScheduleTimeout) {
		t.Fatalf("err = %v, want ErrScheduleTimeout", err)
	}
	close(release)
}

func TestLoopStopDrainsQueued(t *testing.T) {
	loop := NewLoop(0, nil)

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		if err := loop.Schedule(func() { done <- struct{}{} }, 0); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	loop.Stop()

	if len(done) != 5 {
		t.Fatalf("drained %d tasks, want 5", len(done))
	}
	if err := loop.Schedule(func() {}, 0); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("Schedule after Stop = %v, want ErrLoopStopped", err)
	}
}

func TestLoopSurvivesPanickingTask(t *testing.T) {
	loop := NewLoop(0, nil)

	if err := loop.Schedule(func() { panic("bad callback") }, 0); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	ran := make(chan struct{})
	if err := loop.Schedule(func() { close(ran) }, 0); err != nil {
		t.Fatalf("Schedule after panic: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("loop died after a panicking task")
	}
	loop.Stop()
}
