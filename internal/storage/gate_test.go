package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteGate_PauseWaitsForInFlightWrites(t *testing.T) {
	gate := NewWriteGate()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = gate.Do(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	paused := make(chan error, 1)
	go func() { paused <- gate.Pause(ctx) }()

	select {
	case <-paused:
		t.Fatal("pause returned while a write was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-paused:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pause did not complete after the write finished")
	}
	assert.True(t, gate.Paused())
	gate.Resume()
	assert.False(t, gate.Paused())
}

func TestWriteGate_HoldsWritesWhilePaused(t *testing.T) {
	gate := NewWriteGate()
	ctx := context.Background()

	require.NoError(t, gate.Pause(ctx))
	require.NoError(t, gate.Pause(ctx), "pausing twice is a no-op")

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	ran := false
	err := gate.Do(short, func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)

	done := make(chan error, 1)
	go func() {
		done <- gate.Do(ctx, func(context.Context) error { return nil })
	}()
	gate.Resume()
	gate.Resume()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write was not released by resume")
	}
}

func TestWriteGate_OpenGateIgnoresCancellation(t *testing.T) {
	gate := NewWriteGate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := gate.Do(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
