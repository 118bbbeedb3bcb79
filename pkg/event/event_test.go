package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusOrdering(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Emit(New(TypeIterationStart, 1))
	b.Emit(New(TypeTextDelta, "a"))
	b.Emit(New(TypeTextDelta, "b"))

	var got []Type
	for i := 0; i < 3; i++ {
		got = append(got, (<-ch).Type)
	}
	assert.Equal(t, []Type{TypeIterationStart, TypeTextDelta, TypeTextDelta}, got)
}

func TestBusBubbling(t *testing.T) {
	parent := NewBus()
	child := parent.NewChild()

	parentCh, unsubP := parent.Subscribe()
	defer unsubP()
	childCh, unsubC := child.Subscribe()
	defer unsubC()

	child.Emit(New(TypeWorkflowNodeStarted, "n1"))

	select {
	case e := <-childCh:
		assert.Equal(t, TypeWorkflowNodeStarted, e.Type)
	case <-time.After(time.Second):
		t.Fatal("child did not receive its own event")
	}

	select {
	case e := <-parentCh:
		assert.Equal(t, TypeWorkflowNodeStarted, e.Type)
	case <-time.After(time.Second):
		t.Fatal("parent did not receive bubbled event")
	}
}

func TestWaitForResponseMatchesCorrelation(t *testing.T) {
	b := NewBus()
	corrID := NewCorrelationID()

	done := make(chan Event, 1)
	go func() {
		evt, err := b.WaitForResponse(context.Background(), TypePermissionApproved, corrID)
		require.NoError(t, err)
		done <- evt
	}()

	time.Sleep(10 * time.Millisecond)
	// An unrelated correlation id must not resolve the wait.
	b.SendResponse(New(TypePermissionApproved, nil).WithCorrelation("other"))
	b.SendResponse(New(TypePermissionApproved, "ok").WithCorrelation(corrID))

	select {
	case evt := <-done:
		assert.Equal(t, "ok", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("wait for response never resolved")
	}
}

func TestWaitForAnyResolvesOnEitherType(t *testing.T) {
	b := NewBus()
	corrID := NewCorrelationID()

	done := make(chan Event, 1)
	go func() {
		evt, err := b.WaitForAny(context.Background(), corrID, TypePermissionApproved, TypePermissionDenied)
		require.NoError(t, err)
		done <- evt
	}()

	time.Sleep(10 * time.Millisecond)
	b.SendResponse(New(TypePermissionDenied, "no").WithCorrelation(corrID))

	select {
	case evt := <-done:
		assert.Equal(t, TypePermissionDenied, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("wait for any never resolved")
	}
}

func TestWaitForResponseTimeout(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.WaitForResponse(ctx, TypePermissionApproved, "nope")
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestWaitForResponseCanceled(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := b.WaitForResponse(ctx, TypePermissionApproved, "nope")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCanceled)
	case <-time.After(time.Second):
		t.Fatal("wait for response never returned after cancel")
	}
}

func TestCloseUnblocksSubscribers(t *testing.T) {
	b := NewBus()
	ch, _ := b.Subscribe()
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	b := NewBus()
	ch, _ := b.Subscribe()
	for i := 0; i < 100; i++ {
		b.Emit(New(TypeTextDelta, i))
	}
	b.Close()

	var got int
	for range ch {
		got++
	}
	assert.Equal(t, 100, got)
}

func TestCloseFailsPendingWaits(t *testing.T) {
	b := NewBus()

	done := make(chan error, 1)
	go func() {
		_, err := b.WaitForResponse(context.Background(), TypePermissionApproved, "x")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("wait did not fail on close")
	}
}
