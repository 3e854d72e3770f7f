package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetCachesValue(t *testing.T) {
	loader := NewLoader[int](time.Minute)
	var calls atomic.Int32

	fetch := func() (int, error) {
		calls.Add(1)
		return 42, nil
	}

	v, err := loader.Get("k", fetch)
	require.NoError(t, err)
	require.Equal(t, 42, v)

	v, err = loader.Get("k", fetch)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, int32(1), calls.Load())
}

func TestGetPropagatesError(t *testing.T) {
	loader := NewLoader[string](time.Minute)
	wantErr := errors.New("upstream down")

	_, err := loader.Get("k", func() (string, error) { return "", wantErr })
	require.ErrorIs(t, err, wantErr)

	// Errors are not cached.
	v, err := loader.Get("k", func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}

func TestConcurrentGetsCollapse(t *testing.T) {
	loader := NewLoader[int](time.Minute)
	var calls atomic.Int32
	release := make(chan struct{})

	fetch := func() (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := loader.Get("k", fetch)
			require.NoError(t, err)
			require.Equal(t, 7, v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
}

func TestInvalidateForcesRefetch(t *testing.T) {
	loader := NewLoader[int](time.Minute)
	var calls atomic.Int32

	fetch := func() (int, error) { return int(calls.Add(1)), nil }

	v, err := loader.Get("k", fetch)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	loader.Invalidate("k")
	v, err = loader.Get("k", fetch)
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestExpiredEntryServedStale(t *testing.T) {
	loader := NewLoader[int](time.Millisecond)
	var calls atomic.Int32

	fetch := func() (int, error) { return int(calls.Add(1)), nil }

	v, err := loader.Get("k", fetch)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	time.Sleep(5 * time.Millisecond)

	// The stale value comes back immediately while the refresh runs.
	v, err = loader.Get("k", fetch)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	require.Eventually(t, func() bool {
		v, _ := loader.Get("k", fetch)
		return v >= 2
	}, time.Second, 5*time.Millisecond)
}
