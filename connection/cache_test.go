package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	fakeProvider
	builds int32
}

func (p *countingProvider) StopTimesForServices(serviceIDs []string) ([]StopTime, error) {
	atomic.AddInt32(&p.builds, 1)
	return p.fakeProvider.StopTimesForServices(serviceIDs)
}

func TestCacheCoalescesConcurrentBuilds(t *testing.T) {
	provider := &countingProvider{}
	cache := NewCache(provider)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(context.Background(), time.Wednesday, 100)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.builds))
}

func TestCacheDistinguishesHorizonBuckets(t *testing.T) {
	provider := &countingProvider{}
	cache := NewCache(provider)

	_, err := cache.Get(context.Background(), time.Wednesday, 10)
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), time.Wednesday, 10+HorizonQuantum)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&provider.builds))
}

type failingProvider struct {
	fakeProvider
	fail  int32
	calls int32
}

func (p *failingProvider) StopTimesForServices(serviceIDs []string) ([]StopTime, error) {
	atomic.AddInt32(&p.calls, 1)
	if atomic.AddInt32(&p.fail, -1) >= 0 {
		return nil, errors.New("transient failure")
	}
	return p.fakeProvider.StopTimesForServices(serviceIDs)
}

func TestCacheRetriesAfterFailedBuild(t *testing.T) {
	provider := &failingProvider{fail: 1}
	cache := NewCache(provider)

	_, err := cache.Get(context.Background(), time.Wednesday, 10)
	require.Error(t, err)

	table, err := cache.Get(context.Background(), time.Wednesday, 10)
	require.NoError(t, err)
	assert.NotNil(t, table)
	assert.Equal(t, int32(2), atomic.LoadInt32(&provider.calls))
}

func TestCacheResetForcesRebuild(t *testing.T) {
	provider := &countingProvider{}
	cache := NewCache(provider)

	_, err := cache.Get(context.Background(), time.Wednesday, 10)
	require.NoError(t, err)
	cache.Reset()
	_, err = cache.Get(context.Background(), time.Wednesday, 10)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&provider.builds))
}
