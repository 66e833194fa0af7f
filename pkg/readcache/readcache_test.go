package readcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/imagevault/pkg/kv"
)

func TestGetPopulatesL1OnMiss(t *testing.T) {
	var loads int32
	rc := New(0, nil, func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("bytes-for-" + key), nil
	})

	got, err := rc.Get(context.Background(), "fp1")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes-for-fp1"), got)

	got2, err := rc.Get(context.Background(), "fp1")
	require.NoError(t, err)
	assert.Equal(t, got, got2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

func TestConcurrentGetsForSameKeyLoadOnce(t *testing.T) {
	var loads int32
	rc := New(0, nil, func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("v"), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rc.Get(context.Background(), "shared-key")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

func TestL2HitAvoidsLoaderAndFillsL1(t *testing.T) {
	l2 := NewKVL2(kv.NewMemory())
	require.NoError(t, l2.Set(context.Background(), "fp2", []byte("from-l2")))

	var loads int32
	rc := New(0, l2, func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return nil, nil
	})

	got, err := rc.Get(context.Background(), "fp2")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-l2"), got)
	assert.Equal(t, int32(0), atomic.LoadInt32(&loads))

	// Second Get is now served by L1 directly.
	got2, err := rc.Get(context.Background(), "fp2")
	require.NoError(t, err)
	assert.Equal(t, got, got2)
}

func TestInvalidateRemovesFromL1AndL2(t *testing.T) {
	l2 := NewKVL2(kv.NewMemory())
	loads := int32(0)
	rc := New(0, l2, func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("v1"), nil
	})

	_, err := rc.Get(context.Background(), "fp3")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))

	rc.Invalidate(context.Background(), "fp3")

	_, err = rc.Get(context.Background(), "fp3")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&loads))
}

func TestL1EvictsOldestWhenOverByteBudget(t *testing.T) {
	c := newL1Cache(10)
	c.Add("a", []byte("01234")) // 5 bytes
	c.Add("b", []byte("56789")) // 5 bytes, total 10: fits exactly
	_, ok := c.Get("a")
	assert.True(t, ok)

	c.Add("c", []byte("x")) // pushes total over budget, must evict oldest (b, since a was just touched)
	_, aOk := c.Get("a")
	_, bOk := c.Get("b")
	assert.True(t, aOk)
	assert.False(t, bOk)
}
