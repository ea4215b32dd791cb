package shutdown

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeService struct {
	ongoing atomic.Bool
}

func (f *fakeService) HasOngoingDuty() bool { return f.ongoing.Load() }

func TestWaitForCompletionReturnsImmediatelyWhenIdle(t *testing.T) {
	s := &fakeService{}

	done := make(chan struct{})
	go func() {
		WaitForCompletion(context.Background(), []Service{s})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForCompletion did not return for an idle service")
	}
}

func TestWaitForCompletionWaitsForOngoingDuty(t *testing.T) {
	s := &fakeService{}
	s.ongoing.Store(true)

	done := make(chan struct{})
	go func() {
		WaitForCompletion(context.Background(), []Service{s})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForCompletion returned while a duty was still ongoing")
	case <-time.After(50 * time.Millisecond):
	}

	s.ongoing.Store(false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForCompletion did not return after the duty completed")
	}
}

func TestWaitForCompletionReturnsOnContextCancel(t *testing.T) {
	s := &fakeService{}
	s.ongoing.Store(true)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		WaitForCompletion(ctx, []Service{s})
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForCompletion did not return after context cancellation")
	}
}

func TestNewCoordinatorBuildsWithServices(t *testing.T) {
	s := &fakeService{}
	c := NewCoordinator([]Service{s})
	assert.Len(t, c.services, 1)
}
