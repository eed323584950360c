package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowWindowReserveWithinBudget(t *testing.T) {
	w := newFlowWindow(1000)
	n, err := w.reserve(context.Background(), 400)
	require.NoError(t, err)
	assert.Equal(t, int64(400), n)
	assert.Equal(t, int64(600), w.available)
}

func TestFlowWindowReserveCapsAtAvailable(t *testing.T) {
	w := newFlowWindow(100)
	n, err := w.reserve(context.Background(), 500)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
	assert.Equal(t, int64(0), w.available)
}

func TestFlowWindowReserveBlocksUntilRelease(t *testing.T) {
	w := newFlowWindow(0)
	var wg sync.WaitGroup
	wg.Add(1)
	var got int64
	var err error
	go func() {
		defer wg.Done()
		got, err = w.reserve(context.Background(), 50)
	}()

	time.Sleep(20 * time.Millisecond)
	w.release(30)
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, int64(30), got)
}

func TestFlowWindowReserveRespectsContextCancel(t *testing.T) {
	w := newFlowWindow(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := w.reserve(ctx, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFlowWindowCloseWithErrorUnblocksWaiters(t *testing.T) {
	w := newFlowWindow(0)
	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = w.reserve(context.Background(), 10)
	}()

	time.Sleep(20 * time.Millisecond)
	w.closeWithError(ErrConnClosed)
	wg.Wait()

	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestFlowWindowReserveZeroWantIsNoop(t *testing.T) {
	w := newFlowWindow(10)
	n, err := w.reserve(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, int64(10), w.available)
}
