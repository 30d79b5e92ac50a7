package imagecache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-tiles/internal/errors"
	"github.com/tphakala/birdnet-tiles/internal/observability/metrics"
)

// stubTransport counts calls and optionally blocks until released.
type stubTransport struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	fail    atomic.Bool
}

func newStubTransport(blocking bool) *stubTransport {
	s := &stubTransport{started: make(chan struct{}, 16)}
	if blocking {
		s.release = make(chan struct{})
	}
	return s
}

func (s *stubTransport) Fetch(_ context.Context, url string) (string, []byte, error) {
	n := s.calls.Add(1)
	s.started <- struct{}{}
	if s.release != nil {
		<-s.release
	}
	if s.fail.Load() {
		return "", nil, fmt.Errorf("boom %d", n)
	}
	return "image/jpeg", []byte("jpeg:" + url), nil
}

const wrenURL = "https://images.example.org/wren.jpg"

func TestFetchCachesSuccess(t *testing.T) {
	t.Parallel()

	st := newStubTransport(false)
	m, err := metrics.NewImageCacheMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	c := New(st, WithMetrics(m))

	img, err := c.Fetch(t.Context(), wrenURL)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", img.ContentType)
	assert.Equal(t, []byte("jpeg:"+wrenURL), img.Data)

	again, err := c.Fetch(t.Context(), wrenURL)
	require.NoError(t, err)
	assert.Equal(t, img, again)

	assert.Equal(t, int32(1), st.calls.Load())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(img.Size()), c.Bytes())
	assert.InDelta(t, 1, testutil.ToFloat64(m.CacheHits), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CacheMisses), 0)
}

func TestConcurrentFetchDeduplicates(t *testing.T) {
	t.Parallel()

	st := newStubTransport(true)
	c := New(st)

	results := make([]Image, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.Fetch(context.Background(), wrenURL)
	}()
	<-st.started // leader is inside the transport

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = c.Fetch(context.Background(), wrenURL)
	}()
	require.Eventually(t, func() bool { return c.Waiting() == 2 }, time.Second, time.Millisecond)

	close(st.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), st.calls.Load(), "exactly one network call")
	assert.Equal(t, results[0], results[1])
}

func TestFailureIsSharedAndNotCached(t *testing.T) {
	t.Parallel()

	st := newStubTransport(true)
	st.fail.Store(true)
	c := New(st)

	errs := make(chan error, 2)
	go func() {
		_, err := c.Fetch(context.Background(), wrenURL)
		errs <- err
	}()
	<-st.started
	go func() {
		_, err := c.Fetch(context.Background(), wrenURL)
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.Waiting() == 2 }, time.Second, time.Millisecond)
	close(st.release)

	first, second := <-errs, <-errs
	require.Error(t, first)
	require.Error(t, second)
	assert.Equal(t, first.Error(), second.Error(), "all waiters see the same failure")
	assert.True(t, errors.IsCategory(first, errors.CategoryImageFetch))
	assert.Zero(t, c.Len())

	// Next call goes back to the network.
	st.fail.Store(false)
	img, err := c.Fetch(context.Background(), wrenURL)
	require.NoError(t, err)
	assert.NotEmpty(t, img.Data)
	assert.Equal(t, int32(2), st.calls.Load())
}

func TestCancelledWaiterDoesNotCancelDownload(t *testing.T) {
	t.Parallel()

	st := newStubTransport(true)
	c := New(st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, wrenURL)
		done <- err
	}()
	<-st.started
	cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCancellation))

	close(st.release)
	require.Eventually(t, func() bool { _, ok := c.Peek(wrenURL); return ok }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), st.calls.Load())
}

func TestFetchRejectsEmptyURL(t *testing.T) {
	t.Parallel()

	st := newStubTransport(false)
	c := New(st)

	_, err := c.Fetch(t.Context(), "")
	require.Error(t, err)
	assert.Zero(t, st.calls.Load())
}
